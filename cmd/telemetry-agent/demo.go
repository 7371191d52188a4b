package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/config"
	"github.com/ahmed-com/telemetry-agent/logger"
	"github.com/ahmed-com/telemetry-agent/poller"
	"github.com/ahmed-com/telemetry-agent/service"
	"github.com/ahmed-com/telemetry-agent/ticker"
	"github.com/ahmed-com/telemetry-agent/transport"
)

const demoPollInterval = 200 * time.Millisecond

// printForwarder writes every artifact to the command output instead of a pipeline
type printForwarder struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printForwarder) Forward(ctx context.Context, env transport.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return writeJSON(p.w, env)
}

type demoOptions struct {
	kind     string
	target   telemetry.Target
	diagURL  string
	diagUser string
	diagPass string
	at       string
	timeout  time.Duration
	logLevel string
}

func demoCmd() *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo --host <host>",
		Short: "Run a single cycle against a device and print the result",
		Long: `Runs one cycle of the given poller type, immediately or at --at, and prints the
collected artifact followed by the cycle record. Nothing is persisted.

Passphrases accept $VAR and base64: references.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDemo(ctx, cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.kind, "type", string(config.PollerTypeStats), "poller type (diagnostic or stats)")
	f.StringVar(&opts.target.Host, "host", "", "device address")
	f.IntVar(&opts.target.Port, "port", 0, "device port")
	f.StringVar(&opts.target.Username, "username", "admin", "device user")
	f.StringVar(&opts.target.Passphrase, "passphrase", "$DEVICE_PASSPHRASE", "device passphrase")
	f.BoolVar(&opts.target.AllowSelfSignedCert, "insecure", false, "accept self-signed device certificates")
	f.StringVar(&opts.diagURL, "diagnostics-url", "", "diagnostic service URL (diagnostic type only)")
	f.StringVar(&opts.diagUser, "diagnostics-username", "", "diagnostic service user")
	f.StringVar(&opts.diagPass, "diagnostics-passphrase", "$DIAGNOSTICS_PASSPHRASE", "diagnostic service passphrase")
	f.StringVar(&opts.at, "at", "", "RFC3339 instant to run the cycle at instead of immediately")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Minute, "maximum time to wait for the cycle")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, opts demoOptions) error {
	var scheduleOpts []ticker.Option
	if opts.at != "" {
		at, err := time.Parse(time.RFC3339, opts.at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		scheduleOpts = append(scheduleOpts, ticker.WithFireAt(at))
	}

	logger.Initialize(opts.logLevel, "console")
	defer func() { _ = logger.Sync() }()

	target := opts.target
	if opts.diagURL != "" {
		target.Diagnostics = &telemetry.Diagnostics{URL: opts.diagURL, Username: opts.diagUser, Passphrase: opts.diagPass}
	}

	svc, err := service.NewService(
		service.Config{System: "demo", Pipeline: config.PipelineConfig{Workers: 1}},
		config.NewManager(nil),
		service.WithLogger(logger.For(logger.ComponentService)),
		service.WithForwarder(&printForwarder{w: out}),
	)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	info, err := svc.CreateDemo(ctx, config.PollerType(opts.kind), target, scheduleOpts...)
	if err != nil {
		_ = svc.Shutdown(time.Minute)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	final, waitErr := waitTerminated(waitCtx, svc, info.ID)

	// drains the delivery queue so the artifact is printed first
	if err := svc.Shutdown(time.Minute); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}

	if final.State == nil || len(final.State.History) == 0 {
		return fmt.Errorf("demo poller %s finished without a cycle record", info.ID)
	}
	record := final.State.History[len(final.State.History)-1]
	if err := writeJSON(out, record); err != nil {
		return err
	}
	if record.State != telemetry.CycleStateDone {
		return fmt.Errorf("cycle %d %s: %s", record.CycleNo, record.State, record.ErrorMsg)
	}
	return nil
}

func waitTerminated(ctx context.Context, svc *service.Service, pollerID string) (poller.Info, error) {
	t := time.NewTicker(demoPollInterval)
	defer t.Stop()

	for {
		info, err := svc.Status(pollerID)
		if err != nil {
			return poller.Info{}, err
		}
		if info.Terminated {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return poller.Info{}, fmt.Errorf("waiting for demo poller %s: %w", pollerID, ctx.Err())
		case <-t.C:
		}
	}
}
