// Package scheduler drives a periodic job on a fixed interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	"coinalert/internal/logger"

	"go.uber.org/zap"
)

// Job is one unit of periodic work
type Job func(ctx context.Context)

// Trigger fires whenever the job should run
type Trigger interface {
	C() <-chan time.Time
	Stop()
}

type tickerTrigger struct {
	t *time.Ticker
}

func (t tickerTrigger) C() <-chan time.Time { return t.t.C }
func (t tickerTrigger) Stop() { t.t.Stop() }

// NewTicker returns a Trigger backed by time.Ticker. A ticker drops ticks for a slow
// receiver, so missed intervals are skipped rather than replayed.
func NewTicker(interval time.Duration) Trigger {
	return tickerTrigger{t: time.NewTicker(interval)}
}

// Scheduler runs a Job every time its trigger fires. Runs never overlap.
type Scheduler struct {
	name    string
	job     Job
	trigger func() Trigger
	log     *zap.Logger

	mu      sync.Mutex
	running bool
}

// New creates a scheduler that runs job every interval
func New(name string, interval time.Duration, job Job, log *zap.Logger) *Scheduler {
	return NewWithTrigger(name, func() Trigger { return NewTicker(interval) }, job, log)
}

// NewWithTrigger creates a scheduler driven by a custom trigger, used by tests
func NewWithTrigger(name string, trigger func() Trigger, job Job, log *zap.Logger) *Scheduler {
	return &Scheduler{
		name:    name,
		job:     job,
		trigger: trigger,
		log:     logger.OrNop(log).With(zap.String("job", name)),
	}
}

// Run blocks until ctx is cancelled. A run in flight when ctx is cancelled finishes
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	trigger := s.trigger()
	defer trigger.Stop()

	s.log.Info("Scheduler started")
	defer s.log.Info("Scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger.C():
			// the job is not cancelled with the loop; writes for a user are never cut in half
			s.RunOnce(context.WithoutCancel(ctx))
		}
	}
}

// RunOnce runs the job synchronously. It returns false without running when another
// run is still in flight.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("Previous run still in flight, skipping")
		return false
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Scheduled job panicked", zap.Any("panic", r))
		}
	}()

	s.job(ctx)
	return true
}
