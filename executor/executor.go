package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/metrics"
)

// StepObserver is notified before a step starts its first attempt
type StepObserver func(ctx context.Context, step string)

// Executor drives one cycle through a step table
type Executor struct {
	metrics    metrics.MetricsCollector
	newBackOff func() backoff.BackOff
	onStep     StepObserver
	now        func() time.Time
}

// Option configures an Executor
type Option func(*Executor)

// WithMetrics sets the metrics collector for this executor
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithBackOff sets the factory for the wait policy between retries of a step
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(e *Executor) {
		if factory != nil {
			e.newBackOff = factory
		}
	}
}

// WithStepObserver registers a hook called when a step starts
func WithStepObserver(fn StepObserver) Option {
	return func(e *Executor) {
		e.onStep = fn
	}
}

// WithClock overrides the time source used for cycle records
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// DefaultBackOff waits 500ms before the first retry, doubling up to 30s
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	// the retry budget is bounded by the step, not by elapsed time
	b.MaxElapsedTime = 0
	return b
}

// NewExecutor creates a new executor instance
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		metrics:    metrics.NewNoOpMetrics(), // Default to no-op
		newBackOff: DefaultBackOff,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunCycle executes the steps of table in order against ec.
//
// A failed cycle is reported through the returned record with a nil error.
// The only error returned is telemetry.ErrTerminated, when ctx is cancelled
// before the cycle reaches a terminal state; no record is produced then.
func (e *Executor) RunCycle(ctx context.Context, table *telemetry.StepTable, ec *telemetry.ExecutionContext) (telemetry.CycleRecord, error) {
	if ec.Stats == nil {
		ec.Stats = make(telemetry.Stats)
	}
	record := telemetry.CycleRecord{
		CycleNo:  ec.CycleNo,
		Schedule: ec.Scheduled,
		Start:    e.now(),
	}

	for i, step := range table.Steps() {
		if ctx.Err() != nil {
			return telemetry.CycleRecord{}, telemetry.ErrTerminated
		}

		ec.StepIndex = i
		ec.StepName = step.Name
		ec.Attempt = 0
		if e.onStep != nil {
			e.onStep(ctx, step.Name)
		}

		if err := e.runStep(ctx, step, ec); err != nil {
			if errors.Is(err, telemetry.ErrTerminated) {
				return telemetry.CycleRecord{}, telemetry.ErrTerminated
			}
			return e.finish(ec, record, telemetry.CycleStateFailed, err.Error()), nil
		}
	}

	return e.finish(ec, record, telemetry.CycleStateDone, ""), nil
}

func (e *Executor) finish(ec *telemetry.ExecutionContext, record telemetry.CycleRecord, state telemetry.CycleState, msg string) telemetry.CycleRecord {
	record.End = e.now()
	record.State = state
	record.ErrorMsg = msg

	e.metrics.IncCycles(ec.PollerName, string(state))
	e.metrics.ObserveCycleDuration(ec.PollerName, record.Duration())
	return record
}

// runStep invokes the step until it succeeds, fails terminally, or exhausts its retry budget
func (e *Executor) runStep(ctx context.Context, step telemetry.Step, ec *telemetry.ExecutionContext) error {
	terminal := false

	operation := func() error {
		ec.Attempt++
		started := e.now()
		err := step.Execute(ctx, ec)
		e.metrics.ObserveStepDuration(ec.PollerName, step.Name, e.now().Sub(started))

		if err == nil {
			e.metrics.IncStepAttempts(ec.PollerName, step.Name, "success")
			return nil
		}
		e.metrics.IncStepAttempts(ec.PollerName, step.Name, "failure")

		if ctx.Err() != nil {
			return backoff.Permanent(telemetry.ErrTerminated)
		}
		if !step.Retryable || telemetry.IsNonRetryable(err) {
			terminal = true
			return backoff.Permanent(telemetry.Unwrapped(err))
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		ec.Stats.Inc(step.RetryCounter())
		e.metrics.IncStepRetries(ec.PollerName, step.Name)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(step.MaxRetries)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil || errors.Is(err, telemetry.ErrTerminated):
		return telemetry.ErrTerminated
	case terminal:
		return err
	default:
		return fmt.Errorf("Step %q failed! Re-try allowed = false. Re-try attemps left 0 / %d.", step.Name, step.MaxRetries)
	}
}
