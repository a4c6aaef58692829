package reconcile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type blockingSyncer struct {
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingSyncer) SyncAttendance(ctx context.Context) (RunResult, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return RunResult{}, nil
}

func TestNewSchedulerClampsInterval(t *testing.T) {
	s := NewScheduler(&blockingSyncer{}, time.Second, nil)
	if s.interval != MinSyncInterval {
		t.Errorf("interval = %v, want %v", s.interval, MinSyncInterval)
	}
}

func TestSchedulerSkipsTickWhileRunning(t *testing.T) {
	syncer := &blockingSyncer{release: make(chan struct{})}
	s := NewScheduler(syncer, time.Minute, nil)

	if !s.Tick(context.Background()) {
		t.Fatal("first Tick() did not start a run")
	}
	if s.Tick(context.Background()) {
		t.Error("second Tick() started a run while the first was in progress")
	}
	if s.Skipped() != 1 {
		t.Errorf("Skipped() = %d, want 1", s.Skipped())
	}

	close(syncer.release)
	s.Stop()

	if got := syncer.calls.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
	if !s.Tick(context.Background()) {
		t.Error("Tick() after the run finished did not start a run")
	}
	s.wg.Wait()
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := NewScheduler(&blockingSyncer{release: make(chan struct{})}, time.Minute, nil)
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	s := NewScheduler(&blockingSyncer{release: make(chan struct{})}, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler loop did not exit after context cancel")
	}
}
