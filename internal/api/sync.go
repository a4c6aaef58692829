package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KelvinOps/bioauthentication/internal/bridges/zkteco"
	"github.com/KelvinOps/bioauthentication/internal/reconcile"
)

// Sync status list bounds.
const (
	defaultSyncLogLimit = 10
	maxSyncLogLimit     = 100
)

// handleSyncAttendance runs an attendance sync and returns its result.
// A PARTIAL run is still a 200; the errors are in the body.
func (s *Server) handleSyncAttendance(w http.ResponseWriter, r *http.Request) {
	run, err := s.syncer.SyncAttendance(r.Context())
	if err != nil {
		s.writeSyncError(w, run.SyncID, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleSyncEmployees pulls the device roster into the employee table.
func (s *Server) handleSyncEmployees(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.SyncEmployees(r.Context())
	if err != nil {
		s.writeSyncError(w, res.SyncID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSyncStatus returns recent sync logs, the running one and the device row.
//
// Query parameters:
//   - limit: number of logs, 1-100 (default 10)
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	limit := defaultSyncLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSyncLogLimit {
			writeBadRequest(w, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	report, err := s.syncer.Status(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading sync status failed", "error", err)
		writeInternalError(w, "failed to read sync status")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.syncer.LastSyncInfo(r.Context())
	if err != nil {
		s.logger.Error("reading sync info failed", "error", err)
		writeInternalError(w, "failed to read sync info")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMarkSynced(w http.ResponseWriter, r *http.Request) {
	n, err := s.syncer.MarkAllSynced(r.Context())
	if err != nil {
		s.logger.Error("marking records synced failed", "error", err)
		writeInternalError(w, "failed to mark records synced")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

// writeSyncError maps a failed run onto a response. The sync id, when the
// run got far enough to create a log, lets the caller look the run up.
func (s *Server) writeSyncError(w http.ResponseWriter, syncID string, err error) {
	if errors.Is(err, reconcile.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "a sync is already in progress")
		return
	}

	code := ErrCodeInternal
	if isDeviceError(err) {
		code = ErrCodeDeviceUnavailable
	}
	s.logger.Error("sync failed", "sync_id", syncID, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: Error{
		Code:    code,
		Message: err.Error(),
		SyncID:  syncID,
	}})
}

func isDeviceError(err error) bool {
	for _, target := range []error{
		zkteco.ErrConnect,
		zkteco.ErrNotConnected,
		zkteco.ErrTimeout,
		zkteco.ErrChecksumMismatch,
		zkteco.ErrInvalidFrame,
		zkteco.ErrSourceUnavailable,
		zkteco.ErrCommandRejected,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
