package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/id"
	"github.com/ahmed-com/telemetry-agent/poller"
	"github.com/ahmed-com/telemetry-agent/storage/badger"
)

const testConfig = `
system: lab
storage:
  path: %STORAGE%
pollers:
  - name: bigip1-stats
    type: stats
    schedule:
      kind: interval
      intervalSeconds: 60
    target:
      host: 192.0.2.10
  - name: bigip1-diag
    type: diagnostic
    schedule:
      kind: cron
      expression: "0 3 * * *"
      timezone: UTC
    target:
      host: 192.0.2.10
`

func writeTestConfig(t *testing.T, storagePath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry-agent.yaml")
	content := strings.ReplaceAll(testConfig, "%STORAGE%", storagePath)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestSchedulePreview(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())

	out, err := execute(t, "schedule", "--config", cfg, "-n", "3", "bigip1-stats")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "bigip1-stats (interval):", lines[0])
	assert.NotContains(t, out, "bigip1-diag")

	out, err = execute(t, "schedule", "--config", cfg, "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "bigip1-diag (cron):")
	assert.Contains(t, out, "T03:00:00Z")

	_, err = execute(t, "schedule", "--config", cfg, "unknown")
	assert.ErrorContains(t, err, "no configured poller")
}

func TestStatusReadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	store, err := badger.NewBadgerStorage(dir)
	require.NoError(t, err)

	st := telemetry.NewPollerState()
	st.Stats["snapshots_collected"] = 4
	require.NoError(t, store.SavePollerState(context.Background(), id.GeneratePollerID("lab", "bigip1-stats"), st))
	require.NoError(t, store.SavePollerState(context.Background(), "poller_removed", telemetry.NewPollerState()))
	require.NoError(t, store.Close())
	cfg := writeTestConfig(t, dir)

	out, err := execute(t, "status", "--config", cfg)
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Pollers, 2)

	assert.Equal(t, "bigip1-stats", report.Pollers[0].Name)
	require.NotNil(t, report.Pollers[0].State)
	assert.Equal(t, uint64(4), report.Pollers[0].State.Stats["snapshots_collected"])

	assert.Equal(t, "bigip1-diag", report.Pollers[1].Name)
	assert.Nil(t, report.Pollers[1].State)
	assert.Equal(t, []string{"poller_removed"}, report.Orphans)
	assert.False(t, report.Pruned)

	out, err = execute(t, "status", "--config", cfg, "--prune")
	require.NoError(t, err)
	report = statusReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Pruned)

	out, err = execute(t, "status", "--config", cfg)
	require.NoError(t, err)
	report = statusReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Empty(t, report.Orphans)
}

func TestDemoRejectsInvalidFireInstant(t *testing.T) {
	_, err := execute(t, "demo", "--host", "192.0.2.10", "--at", "tomorrow")
	assert.ErrorContains(t, err, "invalid --at")
}

type fakeLister struct{}

func (fakeLister) List() []poller.Info {
	return []poller.Info{{ID: "poller_1", Name: "bigip1-stats", Lifecycle: poller.StateStarted}}
}

func (fakeLister) ListDemos() []poller.Info { return []poller.Info{} }

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(newHandler(registry, fakeLister{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/pollers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body pollersResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Pollers, 1)
	assert.Equal(t, "bigip1-stats", body.Pollers[0].Name)
	assert.Empty(t, body.Demos)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "test_total 1")
}
