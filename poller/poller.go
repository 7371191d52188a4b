package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/executor"
	"github.com/ahmed-com/telemetry-agent/id"
	"github.com/ahmed-com/telemetry-agent/metrics"
	"github.com/ahmed-com/telemetry-agent/recovery"
	"github.com/ahmed-com/telemetry-agent/state"
	"github.com/ahmed-com/telemetry-agent/ticker"
)

// Lifecycle states
const (
	StateCreated   = "created"
	StateStarted   = "started"
	StateStopped   = "stopped"
	StateDestroyed = "destroyed"
)

// Lifecycle events
const (
	EventStart   = "start"
	EventStop    = "stop"
	EventDestroy = "destroy"
)

// ErrDestroyed is returned when operating on a destroyed poller
var ErrDestroyed = errors.New("poller destroyed")

// Manager is the external collaborator a poller fetches its configuration and
// persisted state from
type Manager interface {
	state.Backend

	// GetConfig returns the poller target, decrypting secrets when decrypt is set.
	// Failures are reported as *telemetry.ConfigError.
	GetConfig(ctx context.Context, pollerID string, decrypt bool) (*telemetry.Target, error)

	// CleanupConfig releases the decrypted configuration after a cycle
	CleanupConfig(ctx context.Context, pollerID string)
}

// CycleHandler receives every finished cycle with the artifact stored under
// Config.ResultKey, or nil when the cycle did not produce one
type CycleHandler func(ctx context.Context, p *Poller, record telemetry.CycleRecord, artifact any)

// Config describes one poller
type Config struct {
	ID         string
	Name       string
	Schedule   ticker.Schedule
	Steps      *telemetry.StepTable
	HistoryCap int

	// Demo pollers run a single cycle and then stay terminated until destroyed
	Demo bool
	// Persist stores the state through the manager between restarts
	Persist bool
	// ResultKey names the artifact handed to OnCycleComplete
	ResultKey string

	OnCycleComplete CycleHandler
}

func (c Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("poller requires an id")
	}
	if c.Name == "" {
		return fmt.Errorf("poller %s requires a name", c.ID)
	}
	if c.Schedule == nil {
		return fmt.Errorf("poller %s requires a schedule", c.Name)
	}
	if c.Steps == nil || c.Steps.Len() == 0 {
		return fmt.Errorf("poller %s requires at least one step", c.Name)
	}
	return nil
}

// Option configures a Poller
type Option func(*Poller)

// WithLogger sets the logger. The poller names it after itself.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(p *Poller) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// WithStepBackOff sets the wait policy between step retries
func WithStepBackOff(factory func() backoff.BackOff) Option {
	return func(p *Poller) {
		p.stepBackOff = factory
	}
}

// WithRestartBackOff sets the wait policy between loop restarts
func WithRestartBackOff(factory func() backoff.BackOff) Option {
	return func(p *Poller) {
		p.restartBackOff = factory
	}
}

// WithStableAfter sets how long the loop must run before a failure no longer counts toward the restart backoff
func WithStableAfter(d time.Duration) Option {
	return func(p *Poller) {
		p.stableAfter = d
	}
}

// WithTolerance sets how late a stored execution date may be before it is missed
func WithTolerance(d time.Duration) Option {
	return func(p *Poller) {
		p.tolerance = d
	}
}

// Poller runs the cycles of one collector on its schedule
type Poller struct {
	cfg     Config
	manager Manager
	logger  *zap.SugaredLogger
	metrics metrics.MetricsCollector
	now     func() time.Time

	stepBackOff    func() backoff.BackOff
	restartBackOff func() backoff.BackOff
	tolerance      time.Duration
	stableAfter    time.Duration

	executor   *executor.Executor
	store      *state.Store
	supervisor *recovery.Supervisor

	// lifecycle guards fsm, cancel and done
	lifecycle sync.Mutex
	fsm       *fsm.FSM
	cancel    context.CancelFunc
	done      chan struct{}

	// mu guards the schedule bookkeeping read by Info
	mu         sync.RWMutex
	loaded     bool
	terminated bool
	anchor     ticker.Anchor
	nextFire   time.Time
	resumeAt   time.Time
	cycleNo    uint64
	// warm is set once the loop restored the stored state during the current Start.
	// Restarts then keep the in-memory state, which is never older than the stored one.
	warm       bool
}

// New creates a poller in the created state
func New(cfg Config, manager Manager, opts ...Option) (*Poller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, fmt.Errorf("poller %s requires a manager", cfg.Name)
	}

	p := &Poller{
		cfg:         cfg,
		manager:     manager,
		logger:      zap.NewNop().Sugar(),
		metrics:     metrics.NewNoOpMetrics(),
		now:         time.Now,
		tolerance:   recovery.DefaultTolerance,
		stableAfter: recovery.DefaultStableAfter,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("poller." + cfg.Name)

	storeOpts := []state.Option{state.WithLogger(p.logger), state.WithTolerance(p.tolerance)}
	if cfg.Persist {
		storeOpts = append(storeOpts, state.WithBackend(manager))
	}
	p.store = state.NewStore(cfg.ID, cfg.HistoryCap, storeOpts...)

	p.executor = executor.NewExecutor(
		executor.WithMetrics(p.metrics),
		executor.WithBackOff(p.stepBackOff),
		executor.WithClock(p.now),
		executor.WithStepObserver(p.onStep),
	)
	p.supervisor = recovery.NewSupervisor(cfg.Name,
		recovery.WithLogger(p.logger),
		recovery.WithMetrics(p.metrics),
		recovery.WithBackOff(p.restartBackOff),
		recovery.WithStableAfter(p.stableAfter),
	)

	p.fsm = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: EventStart, Src: []string{StateCreated, StateStopped}, Dst: StateStarted},
			{Name: EventStop, Src: []string{StateStarted}, Dst: StateStopped},
			{Name: EventDestroy, Src: []string{StateCreated, StateStarted, StateStopped}, Dst: StateDestroyed},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				p.logger.Debugf("poller %s: %s -> %s", cfg.Name, e.Src, e.Dst)
			},
		},
	)

	return p, nil
}

// ID returns the poller ID
func (p *Poller) ID() string {
	return p.cfg.ID
}

// Name returns the poller name
func (p *Poller) Name() string {
	return p.cfg.Name
}

// Demo reports whether this is a one-shot demo poller
func (p *Poller) Demo() bool {
	return p.cfg.Demo
}

// Start loads the persisted state and starts the polling loop
func (p *Poller) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.fsm.Current() == StateDestroyed {
		return ErrDestroyed
	}
	if err := p.fsm.Event(ctx, EventStart); err != nil {
		return fmt.Errorf("cannot start poller %s: %w", p.cfg.Name, err)
	}

	p.mu.Lock()
	p.warm = false
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := p.supervisor.Run(runCtx, p.loop); err != nil {
			p.logger.Errorw("poller loop gave up", "poller", p.cfg.Name, "error", err)
		}
	}(p.done)

	p.logger.Infow("poller started", "poller", p.cfg.Name, "id", p.cfg.ID, "demo", p.cfg.Demo)
	return nil
}

// Stop cancels the running cycle or sleep and waits for the loop to exit.
// A stopped poller can be started again.
func (p *Poller) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.fsm.Current() != StateStarted {
		return nil
	}
	p.halt()
	if err := p.fsm.Event(context.Background(), EventStop); err != nil {
		return fmt.Errorf("cannot stop poller %s: %w", p.cfg.Name, err)
	}

	p.logger.Infow("poller stopped", "poller", p.cfg.Name)
	return nil
}

// Destroy stops the poller for good. Calling it again is a no-op.
func (p *Poller) Destroy() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.fsm.Current() == StateDestroyed {
		return nil
	}
	p.halt()
	if err := p.fsm.Event(context.Background(), EventDestroy); err != nil {
		return fmt.Errorf("cannot destroy poller %s: %w", p.cfg.Name, err)
	}

	p.mu.Lock()
	p.nextFire = time.Time{}
	p.mu.Unlock()

	p.logger.Infow("poller destroyed", "poller", p.cfg.Name)
	return nil
}

// halt cancels the loop and waits for it; the caller holds the lifecycle lock
func (p *Poller) halt() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

// IsRunning reports whether the poller was started and not stopped or destroyed.
// A terminated demo poller is still running until destroyed.
func (p *Poller) IsRunning() bool {
	return p.fsm.Current() == StateStarted
}

// IsDestroyed reports whether Destroy was called
func (p *Poller) IsDestroyed() bool {
	return p.fsm.Current() == StateDestroyed
}

// Terminated reports whether the poller will not schedule any further cycle
func (p *Poller) Terminated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.terminated
}

// Wait blocks until the loop has exited or ctx is done
func (p *Poller) Wait(ctx context.Context) error {
	p.lifecycle.Lock()
	done := p.done
	p.lifecycle.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
