package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/executor"
	"github.com/ahmed-com/telemetry-agent/ticker"
	"github.com/ahmed-com/telemetry-agent/transport"
)

type fakeSource struct {
	mu       sync.Mutex
	docs     map[string]map[string]any
	failures int
	err      error
	calls    int
}

func (s *fakeSource) DeviceInfo(ctx context.Context) (*transport.DeviceInfo, error) {
	return &transport.DeviceInfo{Hostname: "bigip1.example.com", Version: "17.1.0"}, nil
}

func (s *fakeSource) Stats(ctx context.Context, path string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, s.err
	}
	return s.docs[path], nil
}

func newSource() *fakeSource {
	return &fakeSource{
		err: errors.New("connection reset by peer"),
		docs: map[string]map[string]any{
			"/mgmt/tm/sys/cpu": {
				"kind":     "tm:sys:cpu:cpustats",
				"selfLink": "https://localhost/mgmt/tm/sys/cpu",
				"usage":    12.5,
				"cores":    []any{map[string]any{"id": "0", "idle": 80.0}},
			},
			"/mgmt/tm/sys/memory": {
				"total": 16384.0,
				"used":  4096.0,
				"swap":  nil,
				"ha":    true,
			},
		},
	}
}

func newCollector(source *fakeSource, opts ...Option) *Collector {
	opts = append([]Option{
		WithSource(func(*telemetry.Target) Source { return source }),
		WithEndpoints("/mgmt/tm/sys/cpu", "/mgmt/tm/sys/memory"),
	}, opts...)
	return New(opts...)
}

func newExecutionContext() *telemetry.ExecutionContext {
	ec := telemetry.NewExecutionContext("poller_2", "stats")
	ec.CycleNo = 7
	ec.Scheduled = time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	ec.Target = &telemetry.Target{Host: "192.0.2.10"}
	return ec
}

func run(t *testing.T, c *Collector, ec *telemetry.ExecutionContext) telemetry.CycleRecord {
	t.Helper()
	e := executor.NewExecutor(executor.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	record, err := e.RunCycle(context.Background(), c.Steps(), ec)
	require.NoError(t, err)
	return record
}

func TestStepTable(t *testing.T) {
	c := New()
	steps := c.Steps().Steps()
	require.Len(t, steps, 2)

	assert.Equal(t, StepCollect, steps[0].Name)
	assert.Equal(t, 3, steps[0].MaxRetries)
	assert.True(t, steps[0].Retryable)
	assert.Equal(t, StepNormalize, steps[1].Name)
	assert.False(t, steps[1].Retryable)

	schedule, err := ticker.NewIntervalSchedule(time.Minute)
	require.NoError(t, err)
	cfg := c.PollerConfig("poller_2", "stats", schedule)
	assert.Equal(t, 40, cfg.HistoryCap)
	assert.Equal(t, ResultKey, cfg.ResultKey)
}

func TestEndpointPrefix(t *testing.T) {
	tests := map[string]string{
		"/mgmt/tm/sys/cpu":           "sys.cpu",
		"/mgmt/tm/ltm/virtual/stats": "ltm.virtual.stats",
		"/custom//path/":             "custom.path",
	}
	for endpoint, want := range tests {
		assert.Equal(t, want, endpointPrefix(endpoint), endpoint)
	}
}

func TestCycleProducesSnapshot(t *testing.T) {
	now := time.Date(2025, 11, 7, 10, 0, 2, 0, time.UTC)
	c := newCollector(newSource(), WithClock(func() time.Time { return now }))
	ec := newExecutionContext()

	record := run(t, c, ec)
	assert.Equal(t, telemetry.CycleStateDone, record.State, record.ErrorMsg)

	snapshot, err := telemetry.Artifact[*Snapshot](ec, ResultKey)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"sys.cpu.usage":        12.5,
		"sys.cpu.cores.0.idle": 80,
		"sys.memory.total":     16384,
		"sys.memory.used":      4096,
	}, snapshot.Metrics)
	assert.Equal(t, map[string]string{
		"sys.cpu.cores.0.id": "0",
		"sys.memory.ha":      "true",
	}, snapshot.Properties)
	assert.Equal(t, "bigip1.example.com", snapshot.Device.Hostname)
	assert.Equal(t, uint64(7), snapshot.CycleNo)
	assert.Equal(t, now, snapshot.CollectedAt)

	assert.Equal(t, telemetry.Stats{
		"endpoints_collected": 2,
		"metrics_normalized":  4,
		"snapshots_collected": 1,
	}, ec.Stats)
}

func TestCollectRetries(t *testing.T) {
	source := newSource()
	source.failures = 3
	ec := newExecutionContext()

	record := run(t, newCollector(source), ec)
	assert.Equal(t, telemetry.CycleStateDone, record.State)
	assert.Equal(t, uint64(3), ec.Stats["COLLECT_retries"])
}

func TestCollectExhaustsRetries(t *testing.T) {
	source := newSource()
	source.failures = 4
	ec := newExecutionContext()

	record := run(t, newCollector(source), ec)
	assert.Equal(t, telemetry.CycleStateFailed, record.State)
	assert.Equal(t, `Step "COLLECT" failed! Re-try allowed = false. Re-try attemps left 0 / 3.`, record.ErrorMsg)
	assert.Equal(t, 4, source.calls)
}

func TestNormalizeWithoutMetricsIsNotRetried(t *testing.T) {
	source := &fakeSource{docs: map[string]map[string]any{
		"/mgmt/tm/sys/cpu": {"kind": "tm:sys:cpu:cpustats", "description": "idle"},
	}}
	ec := newExecutionContext()

	record := run(t, newCollector(source, WithEndpoints("/mgmt/tm/sys/cpu")), ec)
	assert.Equal(t, telemetry.CycleStateFailed, record.State)
	assert.Equal(t, "no metrics collected", record.ErrorMsg)
	assert.Zero(t, ec.Stats["NORMALIZE_retries"])
	_, ok := ec.Get(ResultKey)
	assert.False(t, ok)
}
