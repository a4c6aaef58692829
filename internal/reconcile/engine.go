package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KelvinOps/bioauthentication/internal/attendance"
	"github.com/KelvinOps/bioauthentication/internal/bridges/zkteco"
)

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RosterFetcher supplies the device roster used to name unknown employees.
type RosterFetcher interface {
	GetEmployees(ctx context.Context) ([]zkteco.RosterEntry, error)
}

// PlaceholderName is the employee name used when the roster has none.
func PlaceholderName(userID string) string {
	return "User " + userID
}

// Result is the outcome of one reconciliation batch.
type Result struct {
	NewCount     int      `json:"new_records"`
	UpdatedCount int      `json:"updated_records"`
	Errors       []string `json:"errors"`
}

// Total returns new plus updated records.
func (r Result) Total() int {
	return r.NewCount + r.UpdatedCount
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine reconciles device punches against the attendance store.
//
// Thread Safety: Reconcile holds no state between calls and is safe for
// concurrent use as long as the store is.
type Engine struct {
	store  attendance.Store
	roster RosterFetcher
	logger Logger
}

// NewEngine creates an engine. roster may be nil, in which case unknown
// employees always get a placeholder name.
func NewEngine(store attendance.Store, roster RosterFetcher, opts ...EngineOption) *Engine {
	e := &Engine{store: store, roster: roster, logger: noopLogger{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// punchKey is the duplicate-detection key.
type punchKey struct {
	employeeID string
	userID     string
	timestamp  int64
	typ        attendance.PunchType
}

// batch holds state that lives for a single Reconcile call.
type batch struct {
	roster       map[string]zkteco.RosterEntry
	rosterLoaded bool

	// written tracks records created or updated in this batch so a
	// repeated punch updates them instead of being skipped as synced.
	written map[punchKey]*attendance.Record
}

// Reconcile applies punches to the store in order. It never fails as a
// whole: per-punch failures are collected in Result.Errors. If ctx is
// cancelled the remaining punches are not processed and one error says how
// many were left; punches already applied stay applied.
func (e *Engine) Reconcile(ctx context.Context, punches []zkteco.Punch) Result {
	res := Result{Errors: []string{}}
	b := &batch{written: make(map[punchKey]*attendance.Record)}

	for i, p := range punches {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("%v: %d of %d punches not processed", ErrCancelled, len(punches)-i, len(punches)))
			e.logger.Warn("reconciliation cancelled", "processed", i, "remaining", len(punches)-i)
			break
		}

		outcome, err := e.apply(ctx, b, p)
		if err != nil {
			msg := fmt.Sprintf("user %s at %s: %v", p.UserID, p.Timestamp.UTC().Format(time.RFC3339), err)
			res.Errors = append(res.Errors, msg)
			e.logger.Warn("punch reconciliation failed", "user_id", p.UserID, "timestamp", p.Timestamp, "error", err)
			continue
		}
		switch outcome {
		case outcomeNew:
			res.NewCount++
		case outcomeUpdated:
			res.UpdatedCount++
		case outcomeSkipped:
		}
	}

	e.logger.Debug("reconciliation batch complete",
		"punches", len(punches),
		"new", res.NewCount,
		"updated", res.UpdatedCount,
		"errors", len(res.Errors),
	)
	return res
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeNew
	outcomeUpdated
)

func (e *Engine) apply(ctx context.Context, b *batch, p zkteco.Punch) (outcome, error) {
	if p.UserID == "" || p.Timestamp.IsZero() {
		return outcomeSkipped, fmt.Errorf("%w: punch needs user id and timestamp", attendance.ErrInvalid)
	}

	emp, err := e.resolveEmployee(ctx, b, p.UserID)
	if err != nil {
		return outcomeSkipped, err
	}

	typ := attendance.PunchTypeFromCode(int(p.Type))
	method := attendance.MethodFromCode(int(p.Method))
	ts := p.Timestamp.UTC()
	key := punchKey{employeeID: emp.ID, userID: p.UserID, timestamp: ts.UnixMilli(), typ: typ}

	if rec, ok := b.written[key]; ok {
		if rec.Method == method && rec.DeviceID == p.DeviceID {
			return outcomeSkipped, nil
		}
		return e.update(ctx, rec, method, p.DeviceID)
	}

	existing, err := e.store.FindAttendanceRecord(ctx, emp.ID, p.UserID, ts, typ)
	switch {
	case err == nil && existing.Synced:
		return outcomeSkipped, nil
	case err == nil:
		out, err := e.update(ctx, existing, method, p.DeviceID)
		if err == nil {
			b.written[key] = existing
		}
		return out, err
	case !errors.Is(err, attendance.ErrRecordNotFound):
		return outcomeSkipped, fmt.Errorf("finding attendance record: %w", err)
	}

	rec := &attendance.Record{
		EmployeeID: emp.ID,
		UserID:     p.UserID,
		Timestamp:  ts,
		Type:       typ,
		Method:     method,
		DeviceID:   p.DeviceID,
		Source:     attendance.SourceZKTeco,
		Synced:     true,
	}
	if err := e.store.CreateAttendanceRecord(ctx, rec); err != nil {
		if errors.Is(err, attendance.ErrRecordExists) {
			// Written by a concurrent run between the lookup and the insert.
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("creating attendance record: %w", err)
	}
	b.written[key] = rec
	return outcomeNew, nil
}

func (e *Engine) update(ctx context.Context, rec *attendance.Record, method attendance.VerifyMethod, deviceID string) (outcome, error) {
	prevMethod, prevDevice, prevSynced := rec.Method, rec.DeviceID, rec.Synced
	rec.Method = method
	rec.DeviceID = deviceID
	rec.Synced = true

	if err := e.store.UpdateAttendanceRecord(ctx, rec); err != nil {
		rec.Method, rec.DeviceID, rec.Synced = prevMethod, prevDevice, prevSynced
		return outcomeSkipped, fmt.Errorf("updating attendance record: %w", err)
	}
	return outcomeUpdated, nil
}

// resolveEmployee finds the employee for userID, creating one from the
// roster or as a placeholder when there is none.
func (e *Engine) resolveEmployee(ctx context.Context, b *batch, userID string) (*attendance.Employee, error) {
	emp, err := e.store.FindEmployeeByUserID(ctx, userID)
	if err == nil {
		return emp, nil
	}
	if !errors.Is(err, attendance.ErrEmployeeNotFound) {
		return nil, fmt.Errorf("finding employee: %w", err)
	}

	emp = &attendance.Employee{UserID: userID, Name: PlaceholderName(userID), IsActive: true}
	if entry, ok := e.lookupRoster(ctx, b, userID); ok {
		if entry.Name != "" {
			emp.Name = entry.Name
		}
		emp.CardNumber = entry.CardNumber
		emp.Department = entry.Department
		emp.Position = entry.Position
	}

	if err := e.store.CreateEmployee(ctx, emp); err != nil {
		if errors.Is(err, attendance.ErrEmployeeExists) {
			return e.store.FindEmployeeByUserID(ctx, userID)
		}
		return nil, fmt.Errorf("creating employee: %w", err)
	}
	e.logger.Info("employee created from device punch", "user_id", userID, "name", emp.Name)
	return emp, nil
}

// lookupRoster fetches the roster at most once per batch. A failed fetch
// is logged and treated as an empty roster.
func (e *Engine) lookupRoster(ctx context.Context, b *batch, userID string) (zkteco.RosterEntry, bool) {
	if !b.rosterLoaded {
		b.rosterLoaded = true
		b.roster = map[string]zkteco.RosterEntry{}
		if e.roster != nil {
			entries, err := e.roster.GetEmployees(ctx)
			if err != nil {
				e.logger.Warn("roster fetch failed, using placeholder names", "error", err)
			}
			for _, entry := range entries {
				b.roster[entry.UserID] = entry
			}
		}
	}
	entry, ok := b.roster[userID]
	return entry, ok
}
