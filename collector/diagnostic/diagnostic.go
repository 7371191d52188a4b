// Package diagnostic collects diagnostic reports: the device generates a qkview,
// the agent downloads it, uploads it to the diagnostic service and polls for the analysis.
package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/poller"
	"github.com/ahmed-com/telemetry-agent/ticker"
	"github.com/ahmed-com/telemetry-agent/transport"
)

// Step names
const (
	StepQkviewGen      = "QKVIEW_GEN"
	StepQkviewDownload = "QKVIEW_DOWNLOAD"
	StepQkviewUpload   = "QKVIEW_UPLOAD"
	StepIHealthPoll    = "IHEALTH_POLL"
	StepIHealthReport  = "IHEALTH_REPORT"
)

const (
	// Type identifies artifacts produced by this collector
	Type = "diagnostic"
	// HistoryCap is the number of cycles kept in the poller history
	HistoryCap = 20
	// ResultKey names the Report artifact of a finished cycle
	ResultKey = "report"

	DefaultPollInterval    = 5 * time.Second
	DefaultGenerateTimeout = 30 * time.Minute
)

const (
	keyTask     = "qkview.task"
	keyFile     = "qkview.file"
	keyUpload   = "qkview.upload"
	keyAnalysis = "ihealth.analysis"
)

var errServiceNotConfigured = errors.New("diagnostic service is not configured")

// Device generates and serves qkviews
type Device interface {
	CreateQkview(ctx context.Context, name string) (*transport.QkviewTask, error)
	GetQkview(ctx context.Context, id string) (*transport.QkviewTask, error)
	DownloadQkview(ctx context.Context, name, dest string) error
	DeleteQkview(ctx context.Context, id string) error
}

// Service analyses uploaded qkviews
type Service interface {
	Upload(ctx context.Context, path string) (*transport.Upload, error)
	Report(ctx context.Context, id string) (*transport.DiagnosticsReport, error)
}

// Report is the artifact delivered for every successful cycle
type Report struct {
	PollerID     string                 `json:"pollerId"`
	PollerName   string                 `json:"pollerName"`
	CycleID      string                 `json:"cycleId"`
	CycleNo      uint64                 `json:"cycleNo"`
	Scheduled    time.Time              `json:"scheduled"`
	CollectedAt  time.Time              `json:"collectedAt"`
	QkviewID     string                 `json:"qkviewId"`
	Hostname     string                 `json:"hostname,omitempty"`
	Version      string                 `json:"version,omitempty"`
	Diagnostics  []transport.Diagnostic `json:"diagnostics"`
	ByImportance map[string]int         `json:"byImportance"`
}

// Option configures a Collector
type Option func(*Collector)

// WithDevice replaces the device client factory
func WithDevice(fn func(*telemetry.Target) Device) Option {
	return func(c *Collector) {
		c.newDevice = fn
	}
}

// WithService replaces the diagnostic service client factory
func WithService(fn func(*telemetry.Diagnostics) Service) Option {
	return func(c *Collector) {
		c.newService = fn
	}
}

// WithPollInterval sets how often a running qkview generation is checked
func WithPollInterval(d time.Duration) Option {
	return func(c *Collector) {
		c.pollInterval = d
	}
}

// WithGenerateTimeout bounds a single qkview generation attempt
func WithGenerateTimeout(d time.Duration) Option {
	return func(c *Collector) {
		c.generateTimeout = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

// Collector builds the diagnostic step table
type Collector struct {
	newDevice       func(*telemetry.Target) Device
	newService      func(*telemetry.Diagnostics) Service
	pollInterval    time.Duration
	generateTimeout time.Duration
	now             func() time.Time
}

// New creates a collector talking to the real device and diagnostic service
func New(opts ...Option) *Collector {
	c := &Collector{
		newDevice: func(t *telemetry.Target) Device {
			return transport.NewDeviceClient(t)
		},
		newService: func(d *telemetry.Diagnostics) Service {
			return transport.NewDiagnosticsClient(d)
		},
		pollInterval:    DefaultPollInterval,
		generateTimeout: DefaultGenerateTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Steps returns the step table run by every diagnostic cycle
func (c *Collector) Steps() *telemetry.StepTable {
	return telemetry.MustStepTable(
		telemetry.Step{Name: StepQkviewGen, MaxRetries: 5, Retryable: true, Execute: c.generate},
		telemetry.Step{Name: StepQkviewDownload, MaxRetries: 5, Retryable: true, Execute: c.download},
		telemetry.Step{Name: StepQkviewUpload, MaxRetries: 5, Retryable: true, Execute: c.upload},
		telemetry.Step{Name: StepIHealthPoll, MaxRetries: 30, Retryable: true, Execute: c.poll},
		telemetry.Step{Name: StepIHealthReport, MaxRetries: 5, Retryable: true, Execute: c.report},
	)
}

// PollerConfig returns the poller configuration of a diagnostic poller
func (c *Collector) PollerConfig(id, name string, schedule ticker.Schedule) poller.Config {
	return poller.Config{
		ID:         id,
		Name:       name,
		Schedule:   schedule,
		Steps:      c.Steps(),
		HistoryCap: HistoryCap,
		ResultKey:  ResultKey,
	}
}

func (c *Collector) generate(ctx context.Context, ec *telemetry.ExecutionContext) error {
	device := c.newDevice(ec.Target)

	task, err := device.CreateQkview(ctx, qkviewName(ec))
	if err != nil {
		return err
	}

	genCtx, cancel := context.WithTimeout(ctx, c.generateTimeout)
	defer cancel()

	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()

	for task.Status != transport.QkviewSucceeded {
		if task.Status == transport.QkviewFailed {
			c.discard(ctx, device, task.ID)
			return fmt.Errorf("qkview %s generation failed: %s", task.ID, task.Error)
		}

		select {
		case <-genCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.discard(ctx, device, task.ID)
			return fmt.Errorf("qkview %s not generated within %s", task.ID, c.generateTimeout)
		case <-tick.C:
		}

		id := task.ID
		if task, err = device.GetQkview(genCtx, id); err != nil {
			return err
		}
		if task.ID == "" {
			task.ID = id
		}
	}

	if task.Name == "" {
		task.Name = qkviewName(ec)
	}
	ec.Put(keyTask, task)
	ec.Stats.Inc("qkview_generated")
	return nil
}

func (c *Collector) download(ctx context.Context, ec *telemetry.ExecutionContext) error {
	task, err := telemetry.Artifact[*transport.QkviewTask](ec, keyTask)
	if err != nil {
		return telemetry.NonRetryable(err)
	}

	dir := ec.Target.DownloadFolder
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return telemetry.NonRetryable(fmt.Errorf("failed to create download folder: %w", err))
	}

	device := c.newDevice(ec.Target)
	dest := filepath.Join(dir, filepath.Base(task.Name))
	if err := device.DownloadQkview(ctx, task.Name, dest); err != nil {
		return err
	}
	if err := device.DeleteQkview(ctx, task.ID); err != nil {
		ec.Stats.Inc("qkview_delete_failures")
	}

	ec.Put(keyFile, dest)
	ec.Stats.Inc("qkview_downloaded")
	return nil
}

func (c *Collector) upload(ctx context.Context, ec *telemetry.ExecutionContext) error {
	if ec.Target.Diagnostics == nil || ec.Target.Diagnostics.URL == "" {
		return telemetry.NonRetryable(errServiceNotConfigured)
	}
	path, err := telemetry.Artifact[string](ec, keyFile)
	if err != nil {
		return telemetry.NonRetryable(err)
	}

	upload, err := c.newService(ec.Target.Diagnostics).Upload(ctx, path)
	if err != nil {
		return err
	}
	_ = os.Remove(path)

	ec.Put(keyUpload, upload)
	ec.Stats.Inc("qkview_uploaded")
	return nil
}

// poll relies on the step retry budget to wait for the analysis
func (c *Collector) poll(ctx context.Context, ec *telemetry.ExecutionContext) error {
	upload, err := telemetry.Artifact[*transport.Upload](ec, keyUpload)
	if err != nil {
		return telemetry.NonRetryable(err)
	}

	analysis, err := c.newService(ec.Target.Diagnostics).Report(ctx, upload.ID)
	if err != nil {
		return err
	}
	ec.Put(keyAnalysis, analysis)
	return nil
}

func (c *Collector) report(ctx context.Context, ec *telemetry.ExecutionContext) error {
	analysis, err := telemetry.Artifact[*transport.DiagnosticsReport](ec, keyAnalysis)
	if err != nil {
		return telemetry.NonRetryable(err)
	}

	report := &Report{
		PollerID:    ec.PollerID,
		PollerName:  ec.PollerName,
		CycleID:     ec.CycleID,
		CycleNo:     ec.CycleNo,
		Scheduled:   ec.Scheduled,
		CollectedAt: c.now(),
		QkviewID:    analysis.QkviewID,
		Hostname:    analysis.Hostname,
		Version:     analysis.Version,
		Diagnostics: analysis.Diagnostics,
		ByImportance: lo.CountValuesBy(analysis.Diagnostics, func(d transport.Diagnostic) string {
			return strings.ToUpper(d.Importance)
		}),
	}

	ec.Put(ResultKey, report)
	ec.Stats.Inc("reports_collected")
	ec.Stats.Add("diagnostics_found", uint64(len(report.Diagnostics)))
	return nil
}

// discard removes an abandoned task from the device, best effort
func (c *Collector) discard(ctx context.Context, device Device, id string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = device.DeleteQkview(cleanupCtx, id)
}

func qkviewName(ec *telemetry.ExecutionContext) string {
	return fmt.Sprintf("%s_%d.qkview", ec.PollerName, ec.Scheduled.Unix())
}
