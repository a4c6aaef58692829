package api

import (
	"errors"
	"net/http"

	"github.com/KelvinOps/bioauthentication/internal/reconcile"
)

// handleDevicePing pings the device. It answers 200 either way; the body
// says whether the device was reachable.
func (s *Server) handleDevicePing(w http.ResponseWriter, r *http.Request) {
	res := s.syncer.Ping(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"reachable":  res.Reachable,
		"latency_ms": res.Latency.Milliseconds(),
	})
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.syncer.DeviceInfo(r.Context())
	if errors.Is(err, reconcile.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Warn("reading device info failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeDeviceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}
