// Package stats collects statistics snapshots from the device on a fixed interval.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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
	StepCollect   = "COLLECT"
	StepNormalize = "NORMALIZE"
)

const (
	// Type identifies artifacts produced by this collector
	Type = "stats"
	// HistoryCap is the number of cycles kept in the poller history
	HistoryCap = 40
	// ResultKey names the Snapshot artifact of a finished cycle
	ResultKey = "snapshot"

	keyDevice = "stats.device"
	keyRaw    = "stats.raw"
)

// DefaultEndpoints are the statistics endpoints read every cycle
var DefaultEndpoints = []string{
	"/mgmt/tm/sys/cpu",
	"/mgmt/tm/sys/memory",
	"/mgmt/tm/sys/host-info",
	"/mgmt/tm/ltm/virtual/stats",
	"/mgmt/tm/ltm/pool/stats",
}

// keys carrying API bookkeeping rather than data
var ignoredKeys = map[string]bool{"kind": true, "selfLink": true, "generation": true, "lastUpdateMicros": true}

var errNoMetrics = errors.New("no metrics collected")

// Source reads statistics from the device
type Source interface {
	DeviceInfo(ctx context.Context) (*transport.DeviceInfo, error)
	Stats(ctx context.Context, path string) (map[string]any, error)
}

// Snapshot is the normalized artifact delivered for every successful cycle
type Snapshot struct {
	PollerID    string                `json:"pollerId"`
	PollerName  string                `json:"pollerName"`
	CycleNo     uint64                `json:"cycleNo"`
	Scheduled   time.Time             `json:"scheduled"`
	CollectedAt time.Time             `json:"collectedAt"`
	Device      *transport.DeviceInfo `json:"device,omitempty"`
	Metrics     map[string]float64    `json:"metrics"`
	Properties  map[string]string     `json:"properties,omitempty"`
}

// Option configures a Collector
type Option func(*Collector)

// WithSource replaces the device client factory
func WithSource(fn func(*telemetry.Target) Source) Option {
	return func(c *Collector) {
		c.newSource = fn
	}
}

// WithEndpoints overrides the endpoints read every cycle
func WithEndpoints(endpoints ...string) Option {
	return func(c *Collector) {
		if len(endpoints) > 0 {
			c.endpoints = endpoints
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

// Collector builds the statistics step table
type Collector struct {
	newSource func(*telemetry.Target) Source
	endpoints []string
	now       func() time.Time
}

// New creates a collector reading DefaultEndpoints from the device
func New(opts ...Option) *Collector {
	c := &Collector{
		newSource: func(t *telemetry.Target) Source {
			return transport.NewDeviceClient(t)
		},
		endpoints: DefaultEndpoints,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Steps returns the step table run by every statistics cycle
func (c *Collector) Steps() *telemetry.StepTable {
	return telemetry.MustStepTable(
		telemetry.Step{Name: StepCollect, MaxRetries: 3, Retryable: true, Execute: c.collect},
		telemetry.Step{Name: StepNormalize, Execute: c.normalize},
	)
}

// PollerConfig returns the poller configuration of a statistics poller
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

func (c *Collector) collect(ctx context.Context, ec *telemetry.ExecutionContext) error {
	source := c.newSource(ec.Target)

	info, err := source.DeviceInfo(ctx)
	if err != nil {
		return err
	}

	raw := make(map[string]map[string]any, len(c.endpoints))
	for _, endpoint := range c.endpoints {
		doc, err := source.Stats(ctx, endpoint)
		if err != nil {
			return err
		}
		raw[endpoint] = doc
	}

	ec.Put(keyDevice, info)
	ec.Put(keyRaw, raw)
	ec.Stats.Add("endpoints_collected", uint64(len(raw)))
	return nil
}

func (c *Collector) normalize(ctx context.Context, ec *telemetry.ExecutionContext) error {
	raw, err := telemetry.Artifact[map[string]map[string]any](ec, keyRaw)
	if err != nil {
		return err
	}
	info, _ := telemetry.Artifact[*transport.DeviceInfo](ec, keyDevice)

	metrics := make(map[string]float64)
	properties := make(map[string]string)
	for endpoint, doc := range raw {
		flatten(endpointPrefix(endpoint), doc, metrics, properties)
	}
	if len(metrics) == 0 {
		return errNoMetrics
	}

	ec.Put(ResultKey, &Snapshot{
		PollerID:    ec.PollerID,
		PollerName:  ec.PollerName,
		CycleNo:     ec.CycleNo,
		Scheduled:   ec.Scheduled,
		CollectedAt: c.now(),
		Device:      info,
		Metrics:     metrics,
		Properties:  properties,
	})
	ec.Stats.Add("metrics_normalized", uint64(len(metrics)))
	ec.Stats.Inc("snapshots_collected")
	return nil
}

// endpointPrefix turns /mgmt/tm/sys/cpu into sys.cpu
func endpointPrefix(endpoint string) string {
	trimmed := strings.TrimPrefix(endpoint, "/mgmt/tm/")
	trimmed = strings.TrimPrefix(trimmed, "/")
	parts := lo.Filter(strings.Split(trimmed, "/"), func(p string, _ int) bool { return p != "" })
	return strings.Join(parts, ".")
}

func flatten(prefix string, value any, metrics map[string]float64, properties map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			if ignoredKeys[k] {
				continue
			}
			flatten(join(prefix, k), child, metrics, properties)
		}
	case []any:
		for i, child := range v {
			flatten(join(prefix, strconv.Itoa(i)), child, metrics, properties)
		}
	case float64:
		metrics[prefix] = v
	case int:
		metrics[prefix] = float64(v)
	case int64:
		metrics[prefix] = float64(v)
	case uint64:
		metrics[prefix] = float64(v)
	case bool:
		properties[prefix] = strconv.FormatBool(v)
	case string:
		properties[prefix] = v
	case nil:
	default:
		properties[prefix] = fmt.Sprint(v)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
