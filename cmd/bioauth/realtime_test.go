package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/KelvinOps/bioauthentication/internal/attendance"
	"github.com/KelvinOps/bioauthentication/internal/bridges/zkteco"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/config"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/database"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/logging"
	"github.com/KelvinOps/bioauthentication/internal/reconcile"
)

// sessionDevice is a zkteco.Device whose event registration belongs to the
// connection it was made on, like the real terminal's.
type sessionDevice struct {
	mu         sync.Mutex
	connected  bool
	session    int
	registered int
	enables    int
	fetchErrs  []error
}

var _ zkteco.Device = (*sessionDevice)(nil)

func (d *sessionDevice) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		d.connected = true
		d.session++
	}
	return nil
}

func (d *sessionDevice) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.registered = 0
}

// drop loses the link without the client noticing the registration is gone.
func (d *sessionDevice) drop() {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
}

func (d *sessionDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *sessionDevice) GetDeviceInfo(context.Context) (zkteco.DeviceInfo, error) {
	return zkteco.DeviceInfo{Model: "K40"}, nil
}

func (d *sessionDevice) GetAttendanceRecords(context.Context, *zkteco.TimeRange) ([]zkteco.Punch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, zkteco.ErrNotConnected
	}
	if len(d.fetchErrs) > 0 {
		err := d.fetchErrs[0]
		d.fetchErrs = d.fetchErrs[1:]
		return nil, err
	}
	return []zkteco.Punch{{
		UserID:    "1001",
		Timestamp: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		DeviceID:  "1",
	}}, nil
}

func (d *sessionDevice) GetEmployees(context.Context) ([]zkteco.RosterEntry, error) {
	return nil, nil
}

func (d *sessionDevice) EnableRealtimeEvents(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return zkteco.ErrNotConnected
	}
	d.enables++
	d.registered = d.session
	return nil
}

func (d *sessionDevice) DisableRealtimeEvents(context.Context) {
	d.mu.Lock()
	d.registered = 0
	d.mu.Unlock()
}

func (d *sessionDevice) RealtimeEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && d.registered != 0 && d.registered == d.session
}

func (d *sessionDevice) Ping(ctx context.Context) bool {
	return d.Connect(ctx) == nil
}

func (d *sessionDevice) enableCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enables
}

func waitRealtime(t *testing.T, d *sessionDevice, minEnables int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !d.RealtimeEnabled() || d.enableCount() < minEnables {
		if time.Now().After(deadline) {
			t.Fatalf("realtime not armed: enabled=%v enables=%d, want >= %d",
				d.RealtimeEnabled(), d.enableCount(), minEnables)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func retryingSyncer(t *testing.T, d zkteco.Device) *reconcile.Syncer {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return reconcile.NewSyncer(d, attendance.NewSQLiteRepository(db.DB),
		reconcile.SyncerConfig{DeviceIP: "127.0.0.1", DevicePort: 4370, DeviceID: "1", Retry: true})
}

func TestKeepRealtime(t *testing.T) {
	tests := []struct {
		name string
		// disrupt runs once realtime is armed; nil leaves it alone.
		disrupt func(t *testing.T, d *sessionDevice)
		// enables is the minimum number of registrations expected.
		enables int
	}{
		{"armed at startup", nil, 1},
		{"re-armed after connection loss", func(_ *testing.T, d *sessionDevice) {
			d.drop()
		}, 2},
		{"re-armed after ping reconnect", func(t *testing.T, d *sessionDevice) {
			d.drop()
			if !d.Ping(context.Background()) {
				t.Fatal("Ping() = false")
			}
		}, 2},
		{"restored after retrying sync", func(t *testing.T, d *sessionDevice) {
			d.mu.Lock()
			d.fetchErrs = []error{zkteco.ErrTimeout}
			d.mu.Unlock()

			run, err := retryingSyncer(t, d).SyncAttendance(context.Background())
			if err != nil {
				t.Fatalf("SyncAttendance() error = %v", err)
			}
			if run.Status != attendance.SyncSuccess || run.Attempts != 2 {
				t.Errorf("SyncAttendance() = %+v, want SUCCESS after 2 attempts", run)
			}
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &sessionDevice{}
			log := logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				keepRealtime(ctx, d, 10*time.Millisecond, log)
			}()
			defer func() {
				cancel()
				<-done
			}()

			waitRealtime(t, d, 1)
			if tt.disrupt != nil {
				tt.disrupt(t, d)
			}
			waitRealtime(t, d, tt.enables)
		})
	}
}

func TestKeepRealtimeLeavesArmedConnection(t *testing.T) {
	d := &sessionDevice{}
	ctx := context.Background()
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := d.EnableRealtimeEvents(ctx); err != nil {
		t.Fatalf("EnableRealtimeEvents() error = %v", err)
	}

	log := logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	keepRealtime(runCtx, d, 5*time.Millisecond, log)

	if got := d.enableCount(); got != 1 {
		t.Errorf("EnableRealtimeEvents calls = %d, want 1", got)
	}
}
