package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KelvinOps/bioauthentication/internal/attendance"
	"github.com/KelvinOps/bioauthentication/internal/bridges/zkteco"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/influxdb"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/mqtt"
)

// DefaultDeviceModel names the terminal when the config does not.
const DefaultDeviceModel = "ZKTECO K40 Pro"

// DefaultStaleAfter is how long an IN_PROGRESS log may run before it is
// reported as abandoned.
const DefaultStaleAfter = 30 * time.Minute

// errorSeparator joins per-record errors into SyncLog.ErrorMessage.
const errorSeparator = "; "

// Websocket channels the syncer broadcasts on.
const (
	EventPunch         = "attendance.punch"
	EventSyncCompleted = "sync.completed"
)

// Publisher publishes to the message broker.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Broadcaster pushes events to connected websocket clients.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// MetricsWriter records sync and liveness measurements.
type MetricsWriter interface {
	WriteSyncMetric(run influxdb.SyncRun)
	WriteDeviceLiveness(deviceID string, reachable bool, latency time.Duration)
}

// SyncerConfig identifies the device a Syncer works against.
type SyncerConfig struct {
	DeviceIP   string
	DevicePort int
	DeviceID   string

	// DeviceName and DeviceModel default to DefaultDeviceModel.
	DeviceName  string
	DeviceModel string

	// Retry allows one reconnect-and-retry after a timeout or checksum error.
	Retry bool

	// StaleAfter defaults to DefaultStaleAfter.
	StaleAfter time.Duration
}

// RunResult is the outcome of one attendance sync run.
type RunResult struct {
	SyncID         string                `json:"sync_id"`
	NewRecords     int                   `json:"new_records"`
	UpdatedRecords int                   `json:"updated_records"`
	TotalSynced    int                   `json:"total_synced"`
	Errors         []string              `json:"errors"`
	SyncTime       time.Time             `json:"sync_time"`
	Status         attendance.SyncStatus `json:"status"`
	Attempts       int                   `json:"attempts"`
}

// EmployeeSyncResult is the outcome of one roster sync run.
type EmployeeSyncResult struct {
	SyncID           string                `json:"sync_id"`
	NewEmployees     int                   `json:"new_employees"`
	UpdatedEmployees int                   `json:"updated_employees"`
	Errors           []string              `json:"errors"`
	SyncTime         time.Time             `json:"sync_time"`
	Status           attendance.SyncStatus `json:"status"`
	Attempts         int                   `json:"attempts"`
}

// SyncInfo summarises sync progress.
type SyncInfo struct {
	LastSync     *time.Time `json:"last_sync"`
	TotalRecords int        `json:"total_records"`
	PendingSync  int        `json:"pending_sync"`
}

// SyncLogView is a sync log annotated for reporting.
type SyncLogView struct {
	attendance.SyncLog
	Stale bool `json:"stale,omitempty"`
}

// StatusReport is the sync history and current state for one device.
type StatusReport struct {
	Logs    []SyncLogView       `json:"logs"`
	Current *attendance.SyncLog `json:"current"`
	Device  *attendance.Device  `json:"device"`
}

// PingResult is the outcome of one liveness check.
type PingResult struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ns"`
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithSyncLogger sets the syncer and engine logger.
func WithSyncLogger(l Logger) SyncerOption {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPublisher publishes punches, sync results and device status to MQTT.
func WithPublisher(p Publisher) SyncerOption {
	return func(s *Syncer) { s.publisher = p }
}

// WithBroadcaster pushes punches and sync results to websocket clients.
func WithBroadcaster(b Broadcaster) SyncerOption {
	return func(s *Syncer) { s.hub = b }
}

// WithMetrics records sync runs and pings.
func WithMetrics(m MetricsWriter) SyncerOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithSyncClock overrides the clock used for run timestamps.
func WithSyncClock(c attendance.Clock) SyncerOption {
	return func(s *Syncer) { s.clock = c }
}

// Syncer runs sync jobs for one device.
//
// Thread Safety: all methods are safe for concurrent use. At most one
// attendance or roster run executes at a time; a second request fails
// with ErrSyncInProgress.
type Syncer struct {
	device zkteco.Device
	repo   attendance.Repository
	engine *Engine
	cfg    SyncerConfig

	logger    Logger
	publisher Publisher
	hub       Broadcaster
	metrics   MetricsWriter
	clock     attendance.Clock

	runMu sync.Mutex
}

// NewSyncer creates a Syncer for device.
func NewSyncer(device zkteco.Device, repo attendance.Repository, cfg SyncerConfig, opts ...SyncerOption) *Syncer {
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceModel
	}
	if cfg.DeviceModel == "" {
		cfg.DeviceModel = DefaultDeviceModel
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	s := &Syncer{
		device: device,
		repo:   repo,
		cfg:    cfg,
		logger: noopLogger{},
		clock:  attendance.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = NewEngine(repo, device, WithLogger(s.logger))
	return s
}

// Config returns the syncer configuration with defaults applied.
func (s *Syncer) Config() SyncerConfig {
	return s.cfg
}

// SyncAttendance pulls the device attendance log and reconciles it.
//
// The run is recorded as a SyncLog that is finalized exactly once. A device
// failure finalizes it as FAILED, marks the device ERROR and is returned
// alongside a RunResult carrying the sync id.
func (s *Syncer) SyncAttendance(ctx context.Context) (RunResult, error) {
	if !s.runMu.TryLock() {
		return RunResult{}, ErrSyncInProgress
	}
	defer s.runMu.Unlock()
	defer s.releaseConnection(s.device.IsConnected())

	started := s.clock.Now()
	syncLog := &attendance.SyncLog{
		DeviceID:  s.cfg.DeviceID,
		SyncType:  attendance.SyncAttendance,
		Status:    attendance.SyncInProgress,
		StartTime: started,
	}
	if err := s.repo.CreateSyncLog(ctx, syncLog); err != nil {
		return RunResult{}, fmt.Errorf("creating sync log: %w", err)
	}
	s.logger.Info("attendance sync started", "sync_id", syncLog.ID, "device", s.cfg.DeviceIP)

	var res Result
	punches, attempts, fetchErr := withRetry(ctx, s, func(ctx context.Context) ([]zkteco.Punch, error) {
		return s.device.GetAttendanceRecords(ctx, nil)
	})
	if fetchErr == nil {
		s.logger.Info("attendance log fetched", "sync_id", syncLog.ID, "punches", len(punches))
		res = s.engine.Reconcile(ctx, punches)
	}

	// Finalization must happen even if the caller gave up.
	finalCtx := context.WithoutCancel(ctx)
	run := RunResult{
		SyncID:         syncLog.ID,
		NewRecords:     res.NewCount,
		UpdatedRecords: res.UpdatedCount,
		TotalSynced:    res.Total(),
		Errors:         res.Errors,
		SyncTime:       s.clock.Now(),
		Attempts:       attempts,
	}
	if run.Errors == nil {
		run.Errors = []string{}
	}
	run.Status, run.Errors = finalStatus(fetchErr, run.Errors)

	s.finalize(finalCtx, syncLog.ID, run.Status, run.TotalSynced, run.Errors, attempts, run.SyncTime)
	s.recordDevice(finalCtx, fetchErr == nil, run.SyncTime)

	s.logger.Info("attendance sync complete",
		"sync_id", run.SyncID,
		"status", run.Status,
		"new", run.NewRecords,
		"updated", run.UpdatedRecords,
		"errors", len(run.Errors),
		"attempts", run.Attempts,
	)
	s.announceRun(run, run.SyncTime.Sub(started))

	if fetchErr != nil {
		return run, fmt.Errorf("syncing attendance: %w", fetchErr)
	}
	return run, nil
}

// SyncEmployees pulls the device roster. New users become employees;
// existing employees take every non-empty device field.
func (s *Syncer) SyncEmployees(ctx context.Context) (EmployeeSyncResult, error) {
	if !s.runMu.TryLock() {
		return EmployeeSyncResult{}, ErrSyncInProgress
	}
	defer s.runMu.Unlock()
	defer s.releaseConnection(s.device.IsConnected())

	syncLog := &attendance.SyncLog{
		DeviceID:  s.cfg.DeviceID,
		SyncType:  attendance.SyncEmployees,
		Status:    attendance.SyncInProgress,
		StartTime: s.clock.Now(),
	}
	if err := s.repo.CreateSyncLog(ctx, syncLog); err != nil {
		return EmployeeSyncResult{}, fmt.Errorf("creating sync log: %w", err)
	}

	out := EmployeeSyncResult{SyncID: syncLog.ID, Errors: []string{}}
	entries, attempts, fetchErr := withRetry(ctx, s, s.device.GetEmployees)
	if fetchErr == nil {
		for _, entry := range entries {
			created, err := s.applyRosterEntry(ctx, entry)
			switch {
			case err != nil:
				out.Errors = append(out.Errors, fmt.Sprintf("employee %s: %v", entry.UserID, err))
			case created:
				out.NewEmployees++
			default:
				out.UpdatedEmployees++
			}
		}
	}

	finalCtx := context.WithoutCancel(ctx)
	out.Attempts = attempts
	out.SyncTime = s.clock.Now()
	out.Status, out.Errors = finalStatus(fetchErr, out.Errors)

	s.finalize(finalCtx, syncLog.ID, out.Status, out.NewEmployees+out.UpdatedEmployees, out.Errors, attempts, out.SyncTime)

	s.logger.Info("employee sync complete",
		"sync_id", out.SyncID,
		"status", out.Status,
		"new", out.NewEmployees,
		"updated", out.UpdatedEmployees,
		"errors", len(out.Errors),
	)

	if fetchErr != nil {
		return out, fmt.Errorf("syncing employees: %w", fetchErr)
	}
	return out, nil
}

func (s *Syncer) applyRosterEntry(ctx context.Context, entry zkteco.RosterEntry) (bool, error) {
	emp, err := s.repo.FindEmployeeByUserID(ctx, entry.UserID)
	if errors.Is(err, attendance.ErrEmployeeNotFound) {
		name := entry.Name
		if name == "" {
			name = PlaceholderName(entry.UserID)
		}
		emp = &attendance.Employee{
			UserID:     entry.UserID,
			Name:       name,
			CardNumber: entry.CardNumber,
			Department: entry.Department,
			Position:   entry.Position,
			IsActive:   true,
		}
		return true, s.repo.CreateEmployee(ctx, emp)
	}
	if err != nil {
		return false, err
	}

	overwrite(&emp.Name, entry.Name)
	overwrite(&emp.CardNumber, entry.CardNumber)
	overwrite(&emp.Department, entry.Department)
	overwrite(&emp.Position, entry.Position)
	return false, s.repo.UpdateEmployee(ctx, emp)
}

func overwrite(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// releaseConnection closes a connection the run opened itself. A connection
// that was already up, such as the realtime feed's, is left open.
func (s *Syncer) releaseConnection(wasConnected bool) {
	if !wasConnected {
		s.device.Disconnect()
	}
}

// HandlePunch reconciles one realtime punch and fans it out.
func (s *Syncer) HandlePunch(ctx context.Context, p zkteco.Punch) Result {
	res := s.engine.Reconcile(ctx, []zkteco.Punch{p})

	event := map[string]any{
		"user_id":   p.UserID,
		"timestamp": p.Timestamp.UTC(),
		"type":      attendance.PunchTypeFromCode(int(p.Type)),
		"method":    attendance.MethodFromCode(int(p.Method)),
		"device_id": p.DeviceID,
		"new":       res.NewCount > 0,
	}
	if s.hub != nil {
		s.hub.Broadcast(EventPunch, event)
	}
	s.publishJSON(mqtt.Topics{}.AttendancePunch(s.cfg.DeviceID), event, false)

	if len(res.Errors) > 0 {
		s.logger.Warn("realtime punch not stored", "user_id", p.UserID, "errors", res.Errors)
	}
	return res
}

// LastSyncInfo reports when the device last synced and how many records
// are stored and pending.
func (s *Syncer) LastSyncInfo(ctx context.Context) (SyncInfo, error) {
	var info SyncInfo

	dev, err := s.repo.GetDevice(ctx, s.cfg.DeviceIP)
	switch {
	case err == nil:
		info.LastSync = dev.LastSync
	case !errors.Is(err, attendance.ErrDeviceNotFound):
		return SyncInfo{}, err
	}
	if info.LastSync == nil {
		if info.LastSync, err = s.repo.LastSuccessfulSync(ctx, attendance.SyncAttendance); err != nil {
			return SyncInfo{}, err
		}
	}

	if info.TotalRecords, err = s.repo.CountAttendance(ctx); err != nil {
		return SyncInfo{}, err
	}
	if info.PendingSync, err = s.repo.CountPendingAttendance(ctx); err != nil {
		return SyncInfo{}, err
	}
	return info, nil
}

// MarkAllSynced flags every pending record as synced.
func (s *Syncer) MarkAllSynced(ctx context.Context) (int, error) {
	n, err := s.repo.MarkAllAttendanceSynced(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("marked attendance records synced", "count", n)
	return n, nil
}

// Status returns up to limit recent sync logs, the run in progress if
// any, and the stored device row. Logs left IN_PROGRESS longer than
// StaleAfter are flagged stale and never reported as current.
func (s *Syncer) Status(ctx context.Context, limit int) (StatusReport, error) {
	logs, err := s.repo.ListSyncLogs(ctx, limit)
	if err != nil {
		return StatusReport{}, err
	}

	now := s.clock.Now()
	report := StatusReport{Logs: make([]SyncLogView, 0, len(logs))}
	for _, l := range logs {
		view := SyncLogView{SyncLog: l, Stale: l.IsStale(now, s.cfg.StaleAfter)}
		if l.Status == attendance.SyncInProgress && !view.Stale && report.Current == nil {
			current := l
			report.Current = &current
		}
		report.Logs = append(report.Logs, view)
	}

	dev, err := s.repo.GetDevice(ctx, s.cfg.DeviceIP)
	switch {
	case err == nil:
		report.Device = dev
	case !errors.Is(err, attendance.ErrDeviceNotFound):
		return StatusReport{}, err
	}
	return report, nil
}

// Ping checks the device is reachable and records liveness.
func (s *Syncer) Ping(ctx context.Context) PingResult {
	start := time.Now()
	ok := s.device.Ping(ctx)
	res := PingResult{Reachable: ok, Latency: time.Since(start)}

	if s.metrics != nil {
		s.metrics.WriteDeviceLiveness(s.cfg.DeviceID, ok, res.Latency)
	}
	status := attendance.DeviceOnline
	if !ok {
		status = attendance.DeviceOffline
	}
	s.publishJSON(mqtt.Topics{}.DeviceStatus(s.cfg.DeviceID), map[string]any{
		"status":     status,
		"latency_ms": res.Latency.Milliseconds(),
		"checked_at": s.clock.Now(),
	}, true)
	return res
}

// DeviceInfo reads the device identity, connecting for the duration of the
// call if needed. It shares the run lock so a connection it opens cannot be
// closed under a sync, and returns ErrSyncInProgress while one is running.
func (s *Syncer) DeviceInfo(ctx context.Context) (zkteco.DeviceInfo, error) {
	if !s.runMu.TryLock() {
		return zkteco.DeviceInfo{}, ErrSyncInProgress
	}
	defer s.runMu.Unlock()

	owned := !s.device.IsConnected()
	if owned {
		if err := s.device.Connect(ctx); err != nil {
			return zkteco.DeviceInfo{}, err
		}
		defer s.device.Disconnect()
	}
	return s.device.GetDeviceInfo(ctx)
}

// withRetry connects if needed and runs fn. A retryable failure is
// followed by one reconnect and a second attempt when cfg.Retry is set.
// Realtime events that were registered before the reconnect are
// registered again on the new connection.
func withRetry[T any](ctx context.Context, s *Syncer, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	armed := s.device.RealtimeEnabled()
	for attempts := 1; ; attempts++ {
		v, err := connectAndRun(ctx, s.device, fn)
		if attempts > 1 && armed {
			s.rearmRealtime(ctx)
		}
		if err == nil {
			return v, attempts, nil
		}
		if attempts > 1 || !s.cfg.Retry || !IsRetryable(err) {
			return zero, attempts, err
		}
		s.logger.Warn("transient device error, reconnecting", "error", err)
		s.device.Disconnect()
	}
}

// rearmRealtime registers for events again after a reconnect. Failures are
// left for the realtime supervisor to retry.
func (s *Syncer) rearmRealtime(ctx context.Context) {
	if !s.device.IsConnected() || s.device.RealtimeEnabled() {
		return
	}
	if err := s.device.EnableRealtimeEvents(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("re-enabling realtime events failed", "error", err)
		return
	}
	s.logger.Info("realtime events re-enabled after reconnect")
}

func connectAndRun[T any](ctx context.Context, d zkteco.Device, fn func(context.Context) (T, error)) (T, error) {
	if !d.IsConnected() {
		if err := d.Connect(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	return fn(ctx)
}

// finalStatus derives the terminal status. A fetch failure replaces the
// per-record errors with the device error.
func finalStatus(fetchErr error, errs []string) (attendance.SyncStatus, []string) {
	switch {
	case fetchErr != nil:
		return attendance.SyncFailed, []string{fetchErr.Error()}
	case len(errs) > 0:
		return attendance.SyncPartial, errs
	default:
		return attendance.SyncSuccess, errs
	}
}

func (s *Syncer) finalize(ctx context.Context, id string, status attendance.SyncStatus, count int, errs []string, attempts int, end time.Time) {
	err := s.repo.UpdateSyncLog(ctx, id, attendance.SyncLogUpdate{
		Status:       status,
		RecordCount:  count,
		ErrorMessage: strings.Join(errs, errorSeparator),
		Attempts:     attempts,
		EndTime:      end,
	})
	if err != nil {
		s.logger.Error("failed to finalize sync log", "sync_id", id, "error", err)
	}
}

// recordDevice upserts the device row after an attendance run. Serial and
// firmware are read best-effort while the connection is still open.
func (s *Syncer) recordDevice(ctx context.Context, ok bool, at time.Time) {
	fields := attendance.DeviceFields{
		Name:     s.cfg.DeviceName,
		Port:     s.cfg.DevicePort,
		DeviceID: s.cfg.DeviceID,
		Model:    s.cfg.DeviceModel,
		Status:   attendance.DeviceError,
	}
	if ok {
		fields.Status = attendance.DeviceOnline
		fields.LastSync = &at
		if s.device.IsConnected() {
			if info, err := s.device.GetDeviceInfo(ctx); err == nil {
				fields.SerialNumber = info.SerialNumber
				fields.Firmware = info.Firmware
			} else {
				s.logger.Debug("device info unavailable after sync", "error", err)
			}
		}
	}

	if _, err := s.repo.UpsertDevice(ctx, s.cfg.DeviceIP, fields); err != nil {
		s.logger.Error("failed to update device status", "device", s.cfg.DeviceIP, "error", err)
	}
	s.publishJSON(mqtt.Topics{}.DeviceStatus(s.cfg.DeviceID), map[string]any{
		"status":    fields.Status,
		"last_sync": fields.LastSync,
	}, true)
}

// announceRun publishes the run result and records its metric.
func (s *Syncer) announceRun(run RunResult, took time.Duration) {
	if s.hub != nil {
		s.hub.Broadcast(EventSyncCompleted, run)
	}
	s.publishJSON(mqtt.Topics{}.SyncResult(s.cfg.DeviceID), run, false)
	if s.metrics != nil {
		s.metrics.WriteSyncMetric(influxdb.SyncRun{
			DeviceID:       s.cfg.DeviceID,
			SyncType:       string(attendance.SyncAttendance),
			Status:         string(run.Status),
			NewRecords:     run.NewRecords,
			UpdatedRecords: run.UpdatedRecords,
			Errors:         len(run.Errors),
			Attempts:       run.Attempts,
			Duration:       took,
		})
	}
}

func (s *Syncer) publishJSON(topic string, v any, retained bool) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode mqtt payload", "topic", topic, "error", err)
		return
	}
	if err := s.publisher.Publish(topic, payload, 1, retained); err != nil {
		s.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}
