package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MinSyncInterval is the shortest accepted auto sync interval.
const MinSyncInterval = 10 * time.Second

// AttendanceSyncer is the part of Syncer the Scheduler drives.
type AttendanceSyncer interface {
	SyncAttendance(ctx context.Context) (RunResult, error)
}

// Scheduler runs attendance syncs on a fixed interval.
//
// A tick that arrives while a run is still going is skipped rather than
// queued, so a slow device never accumulates a backlog of runs.
type Scheduler struct {
	syncer   AttendanceSyncer
	interval time.Duration
	logger   Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	running bool
	skipped int
}

// NewScheduler creates a scheduler. Intervals below MinSyncInterval are raised to it.
func NewScheduler(syncer AttendanceSyncer, interval time.Duration, logger Logger) *Scheduler {
	if interval < MinSyncInterval {
		interval = MinSyncInterval
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the tick loop. Call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("auto sync started", "interval", s.interval)
}

// Stop ends the loop and waits for an in-flight run. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// Skipped returns how many ticks were skipped because a run was in progress.
func (s *Scheduler) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts one run in the background unless one is in progress.
// It reports whether a run was started.
func (s *Scheduler) Tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.skipped++
		s.mu.Unlock()
		s.logger.Debug("auto sync tick skipped, previous run still in progress")
		return false
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()

		_, err := s.syncer.SyncAttendance(ctx)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			s.logger.Debug("auto sync skipped, manual run in progress")
		case err != nil:
			s.logger.Warn("auto sync failed", "error", err)
		}
	}()
	return true
}
