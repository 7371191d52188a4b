package recovery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/metrics"
)

// DefaultStableAfter is how long a loop must run before its next failure counts as a first failure
const DefaultStableAfter = time.Minute

// LoopFunc is a long-running poller loop. It returns nil when the poller is done.
type LoopFunc func(ctx context.Context) error

// Supervisor keeps a loop alive, recreating it after fatal errors and panics.
// The first restart happens immediately; consecutive failures back off exponentially.
type Supervisor struct {
	name        string
	logger      *zap.SugaredLogger
	metrics     metrics.MetricsCollector
	newBackOff  func() backoff.BackOff
	stableAfter time.Duration
	now         func() time.Time
}

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger used to report loop errors
func WithLogger(l *zap.SugaredLogger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics collector for this supervisor
func WithMetrics(m metrics.MetricsCollector) SupervisorOption {
	return func(s *Supervisor) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithBackOff sets the wait policy between consecutive restarts
func WithBackOff(factory func() backoff.BackOff) SupervisorOption {
	return func(s *Supervisor) {
		if factory != nil {
			s.newBackOff = factory
		}
	}
}

// WithStableAfter sets the run time after which the failure streak is forgotten
func WithStableAfter(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.stableAfter = d
	}
}

func defaultRestartBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

// NewSupervisor creates a supervisor for the named loop
func NewSupervisor(name string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		name:        name,
		logger:      zap.NewNop().Sugar(),
		metrics:     metrics.NewNoOpMetrics(),
		newBackOff:  defaultRestartBackOff,
		stableAfter: DefaultStableAfter,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes loop until it returns nil, returns ErrTerminated, or ctx is done.
// It returns the last loop error only when the backoff policy gives up.
func (s *Supervisor) Run(ctx context.Context, loop LoopFunc) error {
	b := s.newBackOff()
	failures := 0

	for {
		started := s.now()
		err := s.runOnce(ctx, loop)
		if err == nil || errors.Is(err, telemetry.ErrTerminated) || ctx.Err() != nil {
			return nil
		}

		s.logger.Errorw("uncaught loop error", "poller", s.name, "error", err)
		s.metrics.IncRecoveryRuns(s.name, "loop_restart")

		if s.now().Sub(started) >= s.stableAfter {
			failures = 0
			b.Reset()
		}

		var wait time.Duration
		if failures > 0 {
			if wait = b.NextBackOff(); wait == backoff.Stop {
				return err
			}
		}
		failures++

		if wait > 0 {
			s.logger.Infow("restarting loop", "poller", s.name, "in", wait, "failures", failures)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runOnce runs the loop, turning a panic into an error
func (s *Supervisor) runOnce(ctx context.Context, loop LoopFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return loop(ctx)
}
