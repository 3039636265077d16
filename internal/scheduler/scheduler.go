// Package scheduler runs the enabled rules periodically.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/telhawk-systems/threatmatch/common/logging"
	"github.com/telhawk-systems/threatmatch/internal/repository"
	"github.com/telhawk-systems/threatmatch/internal/runner"
)

// RuleRunner runs every enabled rule once.
type RuleRunner interface {
	RunEnabled(ctx context.Context, trigger string) []*runner.Outcome
}

// Scheduler periodically runs every enabled rule.
type Scheduler struct {
	runner   RuleRunner
	interval time.Duration
	schedule cron.Schedule
	now      func() time.Time
	logger   *logging.Logger
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a new rule scheduler.
func NewScheduler(r RuleRunner, interval time.Duration, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		runner:   r,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// NewCronScheduler runs the enabled rules at the times described by a
// standard five-field cron expression, e.g. "*/5 * * * *".
func NewCronScheduler(r RuleRunner, expr string, logger *logging.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s := NewScheduler(r, 0, logger)
	s.schedule = schedule
	return s, nil
}

// next returns how long to wait before the following tick.
func (s *Scheduler) next() time.Duration {
	if s.schedule == nil {
		return s.interval
	}
	now := s.now()
	return s.schedule.Next(now).Sub(now)
}

// Start begins the scheduler loop. This should be called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	if s.schedule != nil {
		s.logger.InfoContext(ctx, "rule scheduler started", "next_run", s.now().Add(s.next()).Format(time.RFC3339))
	} else {
		s.logger.InfoContext(ctx, "rule scheduler started", "interval", s.interval.String())
	}

	// Run immediately on start
	s.tick(ctx)

	timer := time.NewTimer(s.next())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.next())
		case <-s.stop:
			s.logger.InfoContext(ctx, "rule scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "rule scheduler context cancelled")
			return
		}
	}
}

// Stop signals the scheduler to stop and waits for the loop to exit.
// A tick in progress is allowed to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

func (s *Scheduler) tick(ctx context.Context) {
	outcomes := s.runner.RunEnabled(ctx, runner.TriggerSchedule)
	failed := 0
	for _, o := range outcomes {
		if o.Run.Status == repository.StatusFailed {
			failed++
		}
	}
	s.logger.InfoContext(ctx, "scheduled rules executed", logging.Count(len(outcomes)), "failed", failed)
}
