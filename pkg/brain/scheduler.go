package brain

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler defaults.
const (
	DefaultInterval     = 5 * time.Minute
	DefaultInitialDelay = 10 * time.Second
)

// CycleRunner runs one full cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// Scheduler drives a CycleRunner in an explicit loop: wait for the initial
// delay, run a cycle, wait for the interval, repeat. A cycle always finishes
// before the next wait begins, so cycles never overlap.
type Scheduler struct {
	runner       CycleRunner
	interval     time.Duration
	initialDelay time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the pause between cycles.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithInitialDelay sets the pause before the first cycle. Zero runs the
// first cycle immediately.
func WithInitialDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.initialDelay = d
		}
	}
}

// WithSchedulerLogger overrides the default logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(runner CycleRunner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		runner:       runner,
		interval:     DefaultInterval,
		initialDelay: DefaultInitialDelay,
		logger:       slog.Default().With("component", "brain.scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the loop. Calling Start while running does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)
	s.logger.InfoContext(ctx, "scheduler started", "interval", s.interval, "initial_delay", s.initialDelay)
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false
	s.logger.Info("scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if !sleep(ctx, s.initialDelay) {
		return
	}
	for {
		s.runOnce(ctx)
		if !sleep(ctx, s.interval) {
			return
		}
	}
}

// runOnce runs a cycle detached from cancellation so Stop lets it finish.
func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "cycle panicked", "panic", r)
		}
	}()
	if _, err := s.runner.RunCycle(context.WithoutCancel(ctx)); err != nil {
		s.logger.ErrorContext(ctx, "cycle failed", "error", err)
	}
}

// sleep waits for d or ctx, reporting false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
