package recon

import (
	"context"
	"log"
	"time"
)

// DailyTime is a wall-clock trigger point. Hour and Minute are expected to
// be in range already; deskd rejects out-of-range values at config load.
type DailyTime struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// Next returns the first occurrence of the trigger strictly after the
// given instant.
func (d DailyTime) Next(after time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	run := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, loc)
	for !run.After(local) {
		run = run.AddDate(0, 0, 1)
	}
	return run
}

// SchedulerConfig configures the daily reconciliation trigger.
type SchedulerConfig struct {
	Reconciler *Reconciler
	At         DailyTime
	Logger     *log.Logger
	Now        func() time.Time
}

// Scheduler fires a reconciliation run once a day at a fixed wall-clock
// time. Out-of-cycle runs go through the admin endpoint instead.
type Scheduler struct {
	reconciler *Reconciler
	at         DailyTime
	logger     *log.Logger
	now        func() time.Time
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		at:         cfg.At,
		logger:     logger,
		now:        nowFn,
	}
}

// Start blocks until the context is cancelled, running the reconciler each
// time the trigger fires.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for ctx.Err() == nil {
		if !s.sleepUntil(ctx, s.at.Next(s.now())) {
			return
		}
		if _, err := s.reconciler.Run(ctx, RunOptions{}); err != nil {
			s.logger.Printf("recon: scheduled run failed: %v", err)
		}
	}
}

func (s *Scheduler) sleepUntil(ctx context.Context, at time.Time) bool {
	timer := time.NewTimer(at.Sub(s.now()))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
