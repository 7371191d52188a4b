// Package service owns the poller instances of one agent: the configured
// pollers, the on-demand demo pollers, and the delivery of their artifacts.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/collector/diagnostic"
	"github.com/ahmed-com/telemetry-agent/collector/stats"
	"github.com/ahmed-com/telemetry-agent/concurrency"
	"github.com/ahmed-com/telemetry-agent/config"
	"github.com/ahmed-com/telemetry-agent/id"
	"github.com/ahmed-com/telemetry-agent/metrics"
	"github.com/ahmed-com/telemetry-agent/poller"
	"github.com/ahmed-com/telemetry-agent/ticker"
	"github.com/ahmed-com/telemetry-agent/transport"
)

var (
	// ErrPollerNotFound is returned for an unknown poller ID
	ErrPollerNotFound = errors.New("poller not found")

	// ErrNotDemo is returned when removing a configured poller through RemoveDemo
	ErrNotDemo = errors.New("not a demo poller")
)

const defaultForwardTimeout = 30 * time.Second

// Forwarder delivers artifacts to the data pipeline
type Forwarder interface {
	Forward(ctx context.Context, env transport.Envelope) error
}

// Collector builds the poller configuration of one collector type
type Collector interface {
	PollerConfig(id, name string, schedule ticker.Schedule) poller.Config
}

// Config is the part of the agent configuration the service needs
type Config struct {
	System   string
	Pollers  []config.PollerConfig
	Pipeline config.PipelineConfig
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics collector shared by all pollers
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithForwarder overrides the pipeline client built from the configuration
func WithForwarder(f Forwarder) Option {
	return func(s *Service) {
		s.forwarder = f
	}
}

// WithCollector overrides the collector used for a poller type
func WithCollector(kind config.PollerType, c Collector) Option {
	return func(s *Service) {
		s.collectors[kind] = c
	}
}

// WithPollerOptions adds options applied to every poller
func WithPollerOptions(opts ...poller.Option) Option {
	return func(s *Service) {
		s.pollerOpts = append(s.pollerOpts, opts...)
	}
}

// WithScheduleOptions adds options applied when building schedules
func WithScheduleOptions(opts ...ticker.Option) Option {
	return func(s *Service) {
		s.scheduleOpts = append(s.scheduleOpts, opts...)
	}
}

// Service is the instance bookkeeping of the agent
type Service struct {
	cfg     Config
	manager *config.Manager
	logger  *zap.SugaredLogger
	metrics metrics.MetricsCollector

	forwarder      Forwarder
	forwardTimeout time.Duration
	pool           *concurrency.WorkerPool

	collectors   map[config.PollerType]Collector
	pollerOpts   []poller.Option
	scheduleOpts []ticker.Option

	mu      sync.RWMutex
	pollers map[string]*poller.Poller
	demos   map[string]*poller.Poller

	runningMu sync.Mutex
	running   bool
}

// NewService creates the configured pollers without starting them
func NewService(cfg Config, manager *config.Manager, opts ...Option) (*Service, error) {
	if manager == nil {
		return nil, fmt.Errorf("service requires a manager")
	}

	s := &Service{
		cfg:            cfg,
		manager:        manager,
		logger:         zap.NewNop().Sugar(),
		metrics:        metrics.NewNoOpMetrics(),
		forwardTimeout: lo.Ternary(cfg.Pipeline.Timeout > 0, cfg.Pipeline.Timeout, defaultForwardTimeout),
		pool:           concurrency.NewWorkerPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize),
		collectors: map[config.PollerType]Collector{
			config.PollerTypeDiagnostic: diagnostic.New(),
			config.PollerTypeStats:      stats.New(),
		},
		pollers: make(map[string]*poller.Poller),
		demos:   make(map[string]*poller.Poller),
	}
	if cfg.Pipeline.URL != "" {
		s.forwarder = transport.NewPipelineClient(cfg.Pipeline.URL, transport.WithTimeout(s.forwardTimeout))
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pc := range cfg.Pollers {
		if err := s.register(pc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) register(pc config.PollerConfig) error {
	schedule, err := ticker.New(pc.Schedule, s.scheduleOpts...)
	if err != nil {
		return fmt.Errorf("poller %s: %w", pc.Name, err)
	}

	pollerID := id.GeneratePollerID(s.cfg.System, pc.Name)
	p, err := s.newPoller(pc.Type, pollerID, pc.Name, schedule, func(c *poller.Config) {
		c.Persist = true
		if pc.HistoryCap > 0 {
			c.HistoryCap = pc.HistoryCap
		}
	})
	if err != nil {
		return err
	}

	s.manager.Register(pollerID, pc.Target)
	s.pollers[pollerID] = p
	s.logger.Infow("poller registered", "poller", pc.Name, "id", pollerID, "type", pc.Type)
	return nil
}

func (s *Service) newPoller(kind config.PollerType, pollerID, name string, schedule ticker.Schedule, customize func(*poller.Config)) (*poller.Poller, error) {
	collector, ok := s.collectors[kind]
	if !ok {
		return nil, fmt.Errorf("poller %s: unknown type %q", name, kind)
	}

	cfg := collector.PollerConfig(pollerID, name, schedule)
	cfg.OnCycleComplete = s.deliver(kind)
	if customize != nil {
		customize(&cfg)
	}

	opts := append([]poller.Option{poller.WithLogger(s.logger), poller.WithMetrics(s.metrics)}, s.pollerOpts...)
	return poller.New(cfg, s.manager, opts...)
}

// Start starts the delivery pool and every configured poller
func (s *Service) Start(ctx context.Context) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return fmt.Errorf("service already running")
	}

	s.pool = concurrency.NewWorkerPool(s.cfg.Pipeline.Workers, s.cfg.Pipeline.QueueSize)
	s.pool.Start()

	s.mu.RLock()
	for _, p := range s.pollers {
		if err := p.Start(ctx); err != nil {
			s.mu.RUnlock()
			return err
		}
	}
	s.mu.RUnlock()

	s.running = true
	s.updateMetrics()
	s.logger.Infow("service started", "pollers", len(s.pollers))
	return nil
}

// Run starts the service and shuts it down when ctx is done
func (s *Service) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown(shutdownTimeout)
}

// Shutdown stops every poller, destroys the demo pollers and drains pending deliveries
func (s *Service) Shutdown(timeout time.Duration) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return nil
	}

	s.mu.Lock()
	configured := lo.Values(s.pollers)
	demos := lo.Values(s.demos)
	s.demos = make(map[string]*poller.Poller)
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range configured {
		g.Go(p.Stop)
	}
	for _, p := range demos {
		g.Go(p.Destroy)
	}

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		for _, p := range demos {
			s.manager.Unregister(p.ID())
		}
		s.pool.Stop()
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("shutdown timed out after %s", timeout)
	}

	s.running = false
	s.updateMetrics()
	s.logger.Infow("service stopped")
	return err
}

// CreateDemo starts a one-shot poller of the given type against target. It fires
// immediately unless ticker.WithFireAt names a later instant.
func (s *Service) CreateDemo(ctx context.Context, kind config.PollerType, target telemetry.Target, opts ...ticker.Option) (poller.Info, error) {
	pollerID := id.NewDemoPollerID()
	name := fmt.Sprintf("%s-%s", kind, pollerID)

	schedule, err := ticker.New(ticker.Config{Kind: ticker.KindOnce}, slices.Concat(s.scheduleOpts, opts)...)
	if err != nil {
		return poller.Info{}, err
	}
	p, err := s.newPoller(kind, pollerID, name, schedule, func(c *poller.Config) {
		c.Demo = true
	})
	if err != nil {
		return poller.Info{}, err
	}

	s.manager.Register(pollerID, target)
	s.mu.Lock()
	s.demos[pollerID] = p
	s.mu.Unlock()

	if err := p.Start(ctx); err != nil {
		s.forget(pollerID)
		return poller.Info{}, err
	}

	s.updateMetrics()
	s.logger.Infow("demo poller created", "poller", name, "id", pollerID)
	return p.Info(), nil
}

// RemoveDemo destroys a demo poller
func (s *Service) RemoveDemo(pollerID string) error {
	s.mu.RLock()
	p, ok := s.demos[pollerID]
	_, configured := s.pollers[pollerID]
	s.mu.RUnlock()

	switch {
	case configured:
		return fmt.Errorf("%w: %s", ErrNotDemo, pollerID)
	case !ok:
		return fmt.Errorf("%w: %s", ErrPollerNotFound, pollerID)
	}

	if err := p.Destroy(); err != nil {
		return err
	}
	s.forget(pollerID)
	s.updateMetrics()
	s.logger.Infow("demo poller removed", "poller", p.Name(), "id", pollerID)
	return nil
}

func (s *Service) forget(pollerID string) {
	s.mu.Lock()
	delete(s.demos, pollerID)
	s.mu.Unlock()
	s.manager.Unregister(pollerID)
}

// Status returns the info of one poller, configured or demo
func (s *Service) Status(pollerID string) (poller.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.pollers[pollerID]; ok {
		return p.Info(), nil
	}
	if p, ok := s.demos[pollerID]; ok {
		return p.Info(), nil
	}
	return poller.Info{}, fmt.Errorf("%w: %s", ErrPollerNotFound, pollerID)
}

// List returns the info of every configured poller sorted by name
func (s *Service) List() []poller.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return infos(s.pollers)
}

// ListDemos returns the info of every demo poller sorted by name
func (s *Service) ListDemos() []poller.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return infos(s.demos)
}

func infos(pollers map[string]*poller.Poller) []poller.Info {
	out := lo.MapToSlice(pollers, func(_ string, p *poller.Poller) poller.Info { return p.Info() })
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// deliver returns the cycle handler forwarding artifacts of one collector type
func (s *Service) deliver(kind config.PollerType) poller.CycleHandler {
	return func(ctx context.Context, p *poller.Poller, record telemetry.CycleRecord, artifact any) {
		s.updateMetrics()
		if artifact == nil {
			return
		}
		if s.forwarder == nil {
			s.metrics.IncForwarded(p.Name(), "dropped")
			s.logger.Debugw("no pipeline configured, artifact dropped", "poller", p.Name(), "cycle", record.CycleNo)
			return
		}

		env := transport.Envelope{
			PollerID:   p.ID(),
			PollerName: p.Name(),
			Type:       string(kind),
			CycleNo:    record.CycleNo,
			Timestamp:  record.End,
			Demo:       p.Demo(),
			Data:       artifact,
		}
		err := s.pool.Submit(ctx, func() {
			fwdCtx, cancel := context.WithTimeout(context.Background(), s.forwardTimeout)
			defer cancel()

			if err := s.forwarder.Forward(fwdCtx, env); err != nil {
				s.metrics.IncForwarded(env.PollerName, "failure")
				s.logger.Warnw("failed to forward artifact", "poller", env.PollerName, "cycle", env.CycleNo, "error", err)
				return
			}
			s.metrics.IncForwarded(env.PollerName, "success")
		})
		if err != nil {
			s.metrics.IncForwarded(p.Name(), "dropped")
			s.logger.Warnw("artifact dropped", "poller", p.Name(), "cycle", record.CycleNo, "error", err)
		}
	}
}

// updateMetrics refreshes the poller gauges
func (s *Service) updateMetrics() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := append(lo.Values(s.pollers), lo.Values(s.demos)...)
	s.metrics.SetPollersRunning(lo.CountBy(all, func(p *poller.Poller) bool { return p.IsRunning() }))
	s.metrics.SetDemoPollers(len(s.demos))
}
