package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSyncSchedule runs a background sync every five minutes.
const DefaultSyncSchedule = "0 */5 * * * *"

// Syncer is what the scheduler drives; *Engine implements it.
type Syncer interface {
	Sync(ctx context.Context) (*SyncResult, error)
}

// Scheduler runs Sync on a cron schedule (six fields, seconds first).
// Overlapping runs are skipped by the engine's own sync lock.
type Scheduler struct {
	syncer  Syncer
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	lastResult string
}

// NewScheduler creates a scheduler; timeout bounds each run.
func NewScheduler(syncer Syncer, logger *slog.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		syncer:  syncer,
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger.WithGroup("scheduler"),
		timeout: timeout,
	}
}

// Start schedules the sync job and starts the cron loop.
func (s *Scheduler) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if spec == "" {
		spec = DefaultSyncSchedule
	}
	id, err := s.cron.AddFunc(spec, s.RunOnce)
	if err != nil {
		return fmt.Errorf("schedule sync %q: %w", spec, err)
	}
	s.logger.Info("scheduled sync", "cron", spec, "entryID", id)
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the cron loop and waits for a running sync to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

// RunOnce performs one scheduled sync.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.syncer.Sync(ctx)
	var last string
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Debug("sync skipped, previous run still active")
		last = "skipped"
	case err != nil:
		s.logger.Error("sync failed", "error", err)
		last = fmt.Sprintf("failed: %v", err)
	default:
		s.logger.Info("sync completed", "status", res.Outcome.Status, "uploaded", res.Uploaded, "downloaded", res.Downloaded)
		last = string(res.Outcome.Status)
	}

	s.mu.Lock()
	s.lastRun, s.lastResult = time.Now(), last
	s.mu.Unlock()
}

// LastRun returns when the last sync ran and how it ended.
func (s *Scheduler) LastRun() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastResult
}
