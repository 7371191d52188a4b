package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahmed-com/telemetry-agent/config"
	"github.com/ahmed-com/telemetry-agent/logger"
	"github.com/ahmed-com/telemetry-agent/metrics"
	"github.com/ahmed-com/telemetry-agent/poller"
	"github.com/ahmed-com/telemetry-agent/service"
	"github.com/ahmed-com/telemetry-agent/state"
)

const serverShutdownTimeout = 5 * time.Second

func runCmd(cfgFile *string) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured pollers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for in-flight cycles to stop")
	return cmd
}

func runAgent(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration) error {
	logger.Initialize(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = logger.Sync() }()
	log := logger.For(logger.ComponentAgent)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnw("failed to close storage", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := service.NewService(service.Config{
		System:   cfg.System,
		Pollers:  cfg.Pollers,
		Pipeline: cfg.Pipeline,
	}, config.NewManager(state.FromStorage(store)),
		service.WithLogger(logger.For(logger.ComponentService)),
		service.WithMetrics(metrics.NewPrometheusMetrics(registry)),
		service.WithPollerOptions(
			poller.WithTolerance(cfg.Recovery.Tolerance),
			poller.WithStableAfter(cfg.Recovery.StableAfter),
		),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx, shutdownTimeout)
	})

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           newHandler(registry, svc),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infow("serving metrics", "listen", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Infow("agent started", "system", cfg.System, "pollers", len(cfg.Pollers), "version", version)
	err = g.Wait()
	log.Infow("agent stopped")
	return err
}

// pollerLister is the read side of the service exposed over HTTP
type pollerLister interface {
	List() []poller.Info
	ListDemos() []poller.Info
}

type pollersResponse struct {
	Pollers []poller.Info `json:"pollers"`
	Demos   []poller.Info `json:"demos"`
}

func newHandler(gatherer prometheus.Gatherer, pollers pollerLister) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /pollers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, pollersResponse{Pollers: pollers.List(), Demos: pollers.ListDemos()})
	})
	return mux
}
