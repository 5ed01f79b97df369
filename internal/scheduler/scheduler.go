// Package scheduler runs slotd's periodic maintenance: pruning run history
// and failed jobs past their retention, and removing stale workspaces.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Options configures the maintenance loop. A zero retention or age disables
// that sweep.
type Options struct {
	Interval         time.Duration
	Jitter           time.Duration
	HistoryRetention time.Duration
	WorkspaceMaxAge  time.Duration
}

// Scheduler runs maintenance sweeps on a jittered interval.
type Scheduler struct {
	queue      QueueService
	workspaces Pruner
	opts       Options
	logger     *slog.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates a Scheduler. workspaces may be nil when workspace sweeps are
// disabled.
func New(q QueueService, workspaces Pruner, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Scheduler{
		queue:      q,
		workspaces: workspaces,
		opts:       opts,
		logger:     logger.With("component", "scheduler"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the tick loop. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler",
		"interval", s.opts.Interval,
		"history_retention", s.opts.HistoryRetention,
		"workspace_max_age", s.opts.WorkspaceMaxAge,
	)
	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop ends the tick loop and waits for an in-flight sweep.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	timer := time.NewTimer(calculateJitteredInterval(s.opts.Interval, s.opts.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(calculateJitteredInterval(s.opts.Interval, s.opts.Jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick performs a single maintenance pass. Failures are logged; the next
// tick tries again.
func (s *Scheduler) tick(ctx context.Context) {
	s.logger.Debug("Scheduler tick")

	if s.opts.HistoryRetention > 0 {
		report, err := s.queue.PruneHistory(ctx, s.opts.HistoryRetention)
		if err != nil {
			s.logger.Error("Failed to prune history", "error", err)
		} else if report.Runs > 0 || report.FailedJobs > 0 {
			s.logger.Info("Pruned history", "runs", report.Runs, "failed_jobs", report.FailedJobs)
		}
	}

	if s.opts.WorkspaceMaxAge > 0 && s.workspaces != nil {
		report, err := s.workspaces.Cleanup(ctx, s.opts.WorkspaceMaxAge)
		if err != nil {
			s.logger.Error("Failed to prune workspaces", "deleted", report.DeletedDirs, "error", err)
		} else if report.DeletedDirs > 0 {
			s.logger.Info("Pruned workspaces", "deleted", report.DeletedDirs, "skipped_in_use", report.SkippedInUse)
		}
	}
}

// calculateJitteredInterval returns baseInterval plus a random duration in
// [0, jitter).
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	randomJitter := time.Duration(rand.Int63n(jitter.Nanoseconds()))
	return baseInterval + randomJitter
}
