package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KelvinOps/bioauthentication/internal/attendance"
	"github.com/KelvinOps/bioauthentication/internal/bridges/zkteco"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/influxdb"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory attendance.Repository with failure injection.
type memStore struct {
	mu        sync.Mutex
	employees map[string]attendance.Employee // by user id
	records   map[string]attendance.Record   // by id
	logs      map[string]attendance.SyncLog
	logOrder  []string
	devices   map[string]attendance.Device
	nextID    int
	now       time.Time

	// failCreateRecord fails CreateAttendanceRecord for these user ids.
	failCreateRecord map[string]error
	// failFindEmployee fails every FindEmployeeByUserID call.
	failFindEmployee error

	creates int
	updates int
}

var _ attendance.Repository = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		employees:        map[string]attendance.Employee{},
		records:          map[string]attendance.Record{},
		logs:             map[string]attendance.SyncLog{},
		devices:          map[string]attendance.Device{},
		failCreateRecord: map[string]error{},
		now:              time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) FindEmployeeByUserID(_ context.Context, userID string) (*attendance.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFindEmployee != nil {
		return nil, m.failFindEmployee
	}
	e, ok := m.employees[userID]
	if !ok {
		return nil, attendance.ErrEmployeeNotFound
	}
	return &e, nil
}

func (m *memStore) CreateEmployee(_ context.Context, e *attendance.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.employees[e.UserID]; ok {
		return attendance.ErrEmployeeExists
	}
	e.ID = m.id("emp")
	m.employees[e.UserID] = *e
	return nil
}

func (m *memStore) UpdateEmployee(_ context.Context, e *attendance.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.employees[e.UserID]; !ok {
		return attendance.ErrEmployeeNotFound
	}
	m.employees[e.UserID] = *e
	return nil
}

func (m *memStore) ListEmployees(context.Context) ([]attendance.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []attendance.Employee
	for _, e := range m.employees {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b attendance.Employee) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (m *memStore) FindAttendanceRecord(_ context.Context, employeeID, userID string, ts time.Time, typ attendance.PunchType) (*attendance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.EmployeeID == employeeID && r.UserID == userID && r.Timestamp.Equal(ts) && r.Type == typ {
			return &r, nil
		}
	}
	return nil, attendance.ErrRecordNotFound
}

func (m *memStore) CreateAttendanceRecord(_ context.Context, r *attendance.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCreateRecord[r.UserID]; err != nil {
		return err
	}
	for _, existing := range m.records {
		if existing.EmployeeID == r.EmployeeID && existing.UserID == r.UserID &&
			existing.Timestamp.Equal(r.Timestamp) && existing.Type == r.Type {
			return attendance.ErrRecordExists
		}
	}
	r.ID = m.id("rec")
	m.records[r.ID] = *r
	m.creates++
	return nil
}

func (m *memStore) UpdateAttendanceRecord(_ context.Context, r *attendance.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; !ok {
		return attendance.ErrRecordNotFound
	}
	m.records[r.ID] = *r
	m.updates++
	return nil
}

func (m *memStore) ListAttendance(_ context.Context, f attendance.RecordFilter) ([]attendance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []attendance.Record
	for _, r := range m.records {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b attendance.Record) int { return b.Timestamp.Compare(a.Timestamp) })
	return out, nil
}

func (m *memStore) CountAttendance(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *memStore) CountPendingAttendance(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if !r.Synced {
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkAllAttendanceSynced(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if !r.Synced {
			r.Synced = true
			m.records[id] = r
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpsertDevice(_ context.Context, ip string, f attendance.DeviceFields) (*attendance.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.devices[ip]
	d.IPAddress = ip
	d.Name, d.Port, d.DeviceID, d.Model, d.Status = f.Name, f.Port, f.DeviceID, f.Model, f.Status
	if f.SerialNumber != "" {
		d.SerialNumber = f.SerialNumber
	}
	if f.Firmware != "" {
		d.Firmware = f.Firmware
	}
	if f.LastSync != nil {
		d.LastSync = f.LastSync
	}
	m.devices[ip] = d
	return &d, nil
}

func (m *memStore) GetDevice(_ context.Context, ip string) (*attendance.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ip]
	if !ok {
		return nil, attendance.ErrDeviceNotFound
	}
	return &d, nil
}

func (m *memStore) CreateSyncLog(_ context.Context, l *attendance.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.id("sync")
	m.logs[l.ID] = *l
	m.logOrder = append(m.logOrder, l.ID)
	return nil
}

func (m *memStore) UpdateSyncLog(_ context.Context, id string, u attendance.SyncLogUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return attendance.ErrSyncLogNotFound
	}
	if l.Status.IsTerminal() {
		return attendance.ErrSyncLogFinalized
	}
	end := u.EndTime
	l.Status, l.RecordCount, l.ErrorMessage, l.Attempts, l.EndTime = u.Status, u.RecordCount, u.ErrorMessage, u.Attempts, &end
	m.logs[id] = l
	return nil
}

func (m *memStore) GetSyncLog(_ context.Context, id string) (*attendance.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, attendance.ErrSyncLogNotFound
	}
	return &l, nil
}

func (m *memStore) ListSyncLogs(_ context.Context, limit int) ([]attendance.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []attendance.SyncLog
	for i := len(m.logOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.logs[m.logOrder[i]])
	}
	return out, nil
}

func (m *memStore) LastSuccessfulSync(_ context.Context, syncType attendance.SyncType) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, l := range m.logs {
		if l.SyncType != syncType || (l.Status != attendance.SyncSuccess && l.Status != attendance.SyncPartial) || l.EndTime == nil {
			continue
		}
		if last == nil || l.EndTime.After(*last) {
			last = l.EndTime
		}
	}
	return last, nil
}

func (m *memStore) syncLog(id string) attendance.SyncLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[id]
}

// stubDevice is a scripted zkteco.Device.
type stubDevice struct {
	mu sync.Mutex

	punches   []zkteco.Punch
	roster    []zkteco.RosterEntry
	rosterErr error
	info      zkteco.DeviceInfo

	// fetchErrs is consumed one per GetAttendanceRecords call.
	fetchErrs  []error
	connectErr error
	pingOK     bool

	// block, when set, holds GetAttendanceRecords until closed.
	block chan struct{}

	connected   bool
	connects    int
	disconnects int
	fetches     int
	rosterCalls int

	// realtime is the connect count events were registered on.
	realtime int
	enables  int
}

var _ zkteco.Device = (*stubDevice)(nil)

func (d *stubDevice) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = true
	return nil
}

func (d *stubDevice) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	d.connected = false
}

func (d *stubDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *stubDevice) GetDeviceInfo(context.Context) (zkteco.DeviceInfo, error) {
	if !d.IsConnected() {
		return zkteco.DeviceInfo{}, zkteco.ErrNotConnected
	}
	return d.info, nil
}

func (d *stubDevice) GetAttendanceRecords(ctx context.Context, _ *zkteco.TimeRange) ([]zkteco.Punch, error) {
	d.mu.Lock()
	block := d.block
	d.fetches++
	var err error
	if len(d.fetchErrs) > 0 {
		err, d.fetchErrs = d.fetchErrs[0], d.fetchErrs[1:]
	}
	if err != nil && (errors.Is(err, zkteco.ErrTimeout) || errors.Is(err, zkteco.ErrNotConnected)) {
		d.connected = false
	}
	punches := slices.Clone(d.punches)
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return punches, nil
}

func (d *stubDevice) GetEmployees(context.Context) ([]zkteco.RosterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rosterCalls++
	if d.rosterErr != nil {
		return nil, d.rosterErr
	}
	return slices.Clone(d.roster), nil
}

func (d *stubDevice) EnableRealtimeEvents(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return zkteco.ErrNotConnected
	}
	d.enables++
	d.realtime = d.connects
	return nil
}

func (d *stubDevice) DisableRealtimeEvents(context.Context) {
	d.mu.Lock()
	d.realtime = 0
	d.mu.Unlock()
}

func (d *stubDevice) RealtimeEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && d.realtime != 0 && d.realtime == d.connects
}

func (d *stubDevice) Ping(context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pingOK
}

// waitForFetch blocks until a run has reached the device.
func waitForFetch(t *testing.T, dev *stubDevice) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		dev.mu.Lock()
		started := dev.fetches > 0
		dev.mu.Unlock()
		if started {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("run never reached the device")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.topic)
	}
	return out
}

type recordingHub struct {
	mu       sync.Mutex
	channels []string
}

func (h *recordingHub) Broadcast(channel string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels = append(h.channels, channel)
}

type recordingMetrics struct {
	mu    sync.Mutex
	runs  []influxdb.SyncRun
	pings []bool
}

func (m *recordingMetrics) WriteSyncMetric(run influxdb.SyncRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
}

func (m *recordingMetrics) WriteDeviceLiveness(_ string, reachable bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings = append(m.pings, reachable)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func punch(userID string, ts time.Time, typ, method uint8) zkteco.Punch {
	return zkteco.Punch{UserID: userID, Timestamp: ts, Type: typ, Method: method, DeviceID: "1"}
}
