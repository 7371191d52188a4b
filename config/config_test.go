package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/state"
	"github.com/ahmed-com/telemetry-agent/storage/memory"
	"github.com/ahmed-com/telemetry-agent/ticker"
)

const sampleConfig = `
system: lab
logging:
  level: debug
  format: json
storage:
  path: /var/lib/telemetry-agent
pipeline:
  url: http://pipeline.local/ingest
  workers: 2
  timeout: 5s
metrics:
  listen: ":9100"
recovery:
  stableAfter: 5m
pollers:
  - name: bigip1-diag
    type: diagnostic
    schedule:
      kind: calendar
      frequency: weekly
      day: wednesday
      timezone: UTC
      window:
        start: "13:00"
        end: "15:00"
    target:
      host: 192.0.2.10
      username: admin
      passphrase: $BIGIP_PASS
      allowSelfSignedCert: true
      diagnostics:
        url: https://ihealth.example.com
        username: user
        passphrase: base64:c2VjcmV0
  - name: bigip1-stats
    type: stats
    historyCap: 10
    schedule:
      kind: interval
      intervalSeconds: 60
    target:
      host: 192.0.2.10
      username: admin
      passphrase: plain
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry-agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	loader := NewLoader(WithConfigFile(writeConfig(t, sampleConfig)))
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "lab", cfg.System)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/var/lib/telemetry-agent", cfg.Storage.Path)
	assert.Equal(t, "http://pipeline.local/ingest", cfg.Pipeline.URL)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 64, cfg.Pipeline.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	assert.Equal(t, 10*time.Second, cfg.Recovery.Tolerance)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.StableAfter)
	assert.NotEmpty(t, loader.ConfigFileUsed())

	require.Len(t, cfg.Pollers, 2)
	diag := cfg.Pollers[0]
	assert.Equal(t, PollerTypeDiagnostic, diag.Type)
	assert.Equal(t, ticker.KindCalendar, diag.Schedule.Kind)
	assert.Equal(t, ticker.FrequencyWeekly, diag.Schedule.Frequency)
	require.NotNil(t, diag.Schedule.Window)
	assert.Equal(t, "13:00", diag.Schedule.Window.Start)
	assert.Equal(t, "$BIGIP_PASS", diag.Target.Passphrase)
	assert.True(t, diag.Target.AllowSelfSignedCert)
	require.NotNil(t, diag.Target.Diagnostics)
	assert.Equal(t, "https://ihealth.example.com", diag.Target.Diagnostics.URL)

	stats := cfg.Pollers[1]
	assert.Equal(t, ticker.KindInterval, stats.Schedule.Kind)
	assert.Equal(t, uint(60), stats.Schedule.IntervalSeconds)
	assert.Equal(t, 10, stats.HistoryCap)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TELEMETRY_PIPELINE_URL", "http://override.local/ingest")
	t.Setenv("TELEMETRY_LOGGING_LEVEL", "warn")

	cfg, err := NewLoader(WithConfigFile(writeConfig(t, sampleConfig))).Load()
	require.NoError(t, err)
	assert.Equal(t, "http://override.local/ingest", cfg.Pipeline.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			System:  "lab",
			Storage: StorageConfig{InMemory: true},
			Pollers: []PollerConfig{{
				Name:     "stats",
				Type:     PollerTypeStats,
				Schedule: ticker.Config{Kind: ticker.KindInterval, IntervalSeconds: 60},
				Target:   telemetry.Target{Host: "192.0.2.10"},
			}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no system", func(c *Config) { c.System = "" }, "system must not be empty"},
		{"no storage", func(c *Config) { c.Storage = StorageConfig{} }, "storage.path is required"},
		{"unknown type", func(c *Config) { c.Pollers[0].Type = "syslog" }, `unknown type "syslog"`},
		{"no host", func(c *Config) { c.Pollers[0].Target.Host = "" }, "target.host must not be empty"},
		{"bad schedule", func(c *Config) { c.Pollers[0].Schedule.IntervalSeconds = 0 }, "intervalSeconds"},
		{"negative recovery", func(c *Config) { c.Recovery.StableAfter = -time.Second }, "recovery.tolerance and recovery.stableAfter"},
		{"duplicate", func(c *Config) { c.Pollers = append(c.Pollers, c.Pollers[0]) }, `duplicate poller name "stats"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveSecret(t *testing.T) {
	env := map[string]string{"BIGIP_PASS": "from-env"}
	lookupEnv := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	tests := []struct {
		secret  string
		want    string
		wantErr bool
	}{
		{"plain", "plain", false},
		{"", "", false},
		{"$BIGIP_PASS", "from-env", false},
		{"${BIGIP_PASS}", "from-env", false},
		{"$MISSING", "", true},
		{"base64:c2VjcmV0", "secret", false},
		{"base64:not base64!", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.secret, func(t *testing.T) {
			got, err := ResolveSecret(tt.secret, lookupEnv)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManagerGetConfig(t *testing.T) {
	m := NewManager(nil, WithLookupEnv(func(name string) (string, bool) {
		if name == "BIGIP_PASS" {
			return "from-env", true
		}
		return "", false
	}))
	m.Register("poller_1", telemetry.Target{
		Host:        "192.0.2.10",
		Username:    "admin",
		Passphrase:  "$BIGIP_PASS",
		Diagnostics: &telemetry.Diagnostics{URL: "https://ihealth.example.com", Passphrase: "base64:c2VjcmV0"},
	})

	raw, err := m.GetConfig(context.Background(), "poller_1", false)
	require.NoError(t, err)
	assert.Equal(t, "$BIGIP_PASS", raw.Passphrase)
	assert.False(t, m.Decrypted("poller_1"))

	target, err := m.GetConfig(context.Background(), "poller_1", true)
	require.NoError(t, err)
	assert.Equal(t, "from-env", target.Passphrase)
	assert.Equal(t, "secret", target.Diagnostics.Passphrase)
	assert.True(t, m.Decrypted("poller_1"))

	// callers get their own copy
	target.Diagnostics.URL = "changed"
	again, err := m.GetConfig(context.Background(), "poller_1", false)
	require.NoError(t, err)
	assert.Equal(t, "https://ihealth.example.com", again.Diagnostics.URL)

	m.CleanupConfig(context.Background(), "poller_1")
	assert.False(t, m.Decrypted("poller_1"))
	assert.Equal(t, "from-env", target.Passphrase)
}

func TestManagerConfigErrors(t *testing.T) {
	m := NewManager(nil, WithLookupEnv(func(string) (string, bool) { return "", false }))

	_, err := m.GetConfig(context.Background(), "unknown", true)
	var configErr *telemetry.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.ErrorIs(t, err, ErrUnknownPoller)

	m.Register("poller_1", telemetry.Target{Host: "192.0.2.10", Passphrase: "$BIGIP_PASS"})
	_, err = m.GetConfig(context.Background(), "poller_1", true)
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "poller_1", configErr.PollerID)
	assert.Contains(t, err.Error(), "environment variable BIGIP_PASS is not set")

	m.Unregister("poller_1")
	_, err = m.GetConfig(context.Background(), "poller_1", false)
	assert.ErrorIs(t, err, ErrUnknownPoller)
}

func TestManagerStorage(t *testing.T) {
	ctx := context.Background()

	m := NewManager(nil)
	st, err := m.GetStorage(ctx, "poller_1")
	require.NoError(t, err)
	assert.Nil(t, st)
	require.NoError(t, m.SaveStorage(ctx, "poller_1", telemetry.NewPollerState()))

	m = NewManager(state.FromStorage(memory.NewMemoryStorage()))
	st, err = m.GetStorage(ctx, "poller_1")
	require.NoError(t, err)
	assert.Nil(t, st)

	saved := telemetry.NewPollerState()
	saved.Stats["collected"] = 3
	require.NoError(t, m.SaveStorage(ctx, "poller_1", saved))

	st, err = m.GetStorage(ctx, "poller_1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, uint64(3), st.Stats["collected"])
}
