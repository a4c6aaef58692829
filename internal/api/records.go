package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/KelvinOps/bioauthentication/internal/attendance"
)

// Attendance list bounds.
const (
	defaultAttendanceLimit = 50
	maxAttendanceLimit     = 1000
)

const dateLayout = "2006-01-02"

func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := s.repo.ListEmployees(r.Context())
	if err != nil {
		s.logger.Error("listing employees failed", "error", err)
		writeInternalError(w, "failed to list employees")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"employees": employees, "count": len(employees)})
}

// handleListAttendance returns stored punches, newest first.
//
// Query parameters:
//   - from, to: RFC 3339 timestamps or YYYY-MM-DD dates; a date for "to"
//     includes the whole day
//   - user_id: device user id
//   - limit: 1-1000 (default 50)
func (s *Server) handleListAttendance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := attendance.RecordFilter{
		UserID: q.Get("user_id"),
		Limit:  defaultAttendanceLimit,
	}

	var err error
	if v := q.Get("from"); v != "" {
		if filter.Start, err = parseBound(v, false); err != nil {
			writeBadRequest(w, "from must be an RFC 3339 timestamp or YYYY-MM-DD date")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if filter.End, err = parseBound(v, true); err != nil {
			writeBadRequest(w, "to must be an RFC 3339 timestamp or YYYY-MM-DD date")
			return
		}
	}
	if !filter.Start.IsZero() && !filter.End.IsZero() && filter.End.Before(filter.Start) {
		writeBadRequest(w, "to must not be before from")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 || n > maxAttendanceLimit {
			writeBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	records, err := s.repo.ListAttendance(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing attendance failed", "error", err)
		writeInternalError(w, "failed to list attendance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// parseBound reads a range bound. Dates are UTC days; an end date covers
// the whole day.
func parseBound(v string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	day, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}
	return day, nil
}
