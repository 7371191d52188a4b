// Package config loads the agent configuration and serves per-poller targets to the pollers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/ticker"
)

const (
	// EnvPrefix is the prefix of environment overrides, e.g. TELEMETRY_PIPELINE_URL
	EnvPrefix = "TELEMETRY"

	defaultConfigName = "telemetry-agent"
)

// PollerType selects the collector a poller runs
type PollerType string

const (
	PollerTypeDiagnostic PollerType = "diagnostic"
	PollerTypeStats      PollerType = "stats"
)

// Config is the agent configuration
type Config struct {
	// System names this agent instance. Poller IDs derive from it.
	System   string         `mapstructure:"system"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Pollers  []PollerConfig `mapstructure:"pollers"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"inMemory"`
}

type PipelineConfig struct {
	// URL of the ingestion endpoint. Artifacts are dropped when empty.
	URL       string        `mapstructure:"url"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queueSize"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RecoveryConfig struct {
	// Tolerance is how late a stored execution date may be before it counts as missed
	Tolerance   time.Duration `mapstructure:"tolerance"`
	// StableAfter is how long a poller loop must run before its restart backoff resets
	StableAfter time.Duration `mapstructure:"stableAfter"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint. Disabled when empty.
	Listen string `mapstructure:"listen"`
}

// PollerConfig declares one configured poller
type PollerConfig struct {
	Name       string           `mapstructure:"name"`
	Type       PollerType       `mapstructure:"type"`
	Schedule   ticker.Config    `mapstructure:"schedule"`
	HistoryCap int              `mapstructure:"historyCap"`
	Target     telemetry.Target `mapstructure:"target"`
}

// Validate checks the configuration invariants
func (c *Config) Validate() error {
	var errs []error

	if c.System == "" {
		errs = append(errs, errors.New("system must not be empty"))
	}
	if c.Storage.Path == "" && !c.Storage.InMemory {
		errs = append(errs, errors.New("storage.path is required unless storage.inMemory is set"))
	}
	if c.Pipeline.Workers < 0 || c.Pipeline.QueueSize < 0 {
		errs = append(errs, errors.New("pipeline.workers and pipeline.queueSize must not be negative"))
	}
	if c.Recovery.Tolerance < 0 || c.Recovery.StableAfter < 0 {
		errs = append(errs, errors.New("recovery.tolerance and recovery.stableAfter must not be negative"))
	}

	for i, p := range c.Pollers {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("pollers[%d]: %w", i, err))
		}
	}

	names := lo.Map(c.Pollers, func(p PollerConfig, _ int) string { return p.Name })
	for _, dup := range lo.FindDuplicates(lo.Compact(names)) {
		errs = append(errs, fmt.Errorf("duplicate poller name %q", dup))
	}

	return errors.Join(errs...)
}

// Validate checks a single poller declaration
func (p PollerConfig) Validate() error {
	if p.Name == "" {
		return errors.New("name must not be empty")
	}
	switch p.Type {
	case PollerTypeDiagnostic, PollerTypeStats:
	default:
		return fmt.Errorf("poller %s: unknown type %q", p.Name, p.Type)
	}
	if p.HistoryCap < 0 {
		return fmt.Errorf("poller %s: historyCap must not be negative", p.Name)
	}
	if p.Target.Host == "" {
		return fmt.Errorf("poller %s: target.host must not be empty", p.Name)
	}
	if err := p.Schedule.Validate(); err != nil {
		return fmt.Errorf("poller %s: %w", p.Name, err)
	}
	return nil
}

// Loader reads the configuration from a YAML file and the environment
type Loader struct {
	v          *viper.Viper
	configFile string
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit configuration file
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) {
		l.configFile = path
	}
}

// WithViper uses the given viper instance
func WithViper(v *viper.Viper) LoaderOption {
	return func(l *Loader) {
		l.v = v
	}
}

// NewLoader creates a loader. Without a config file it searches the working
// directory and /etc/telemetry-agent for telemetry-agent.yaml.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	if l.v == nil {
		l.v = viper.New()
	}
	return l
}

// Load reads, merges and validates the configuration
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetConfigType("yaml")
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(defaultConfigName)
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/telemetry-agent")
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file the configuration was read from, if any
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("system", "telemetry-agent")
	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "console")
	l.v.SetDefault("storage.path", "")
	l.v.SetDefault("storage.inMemory", false)
	l.v.SetDefault("pipeline.url", "")
	l.v.SetDefault("pipeline.workers", 4)
	l.v.SetDefault("pipeline.queueSize", 64)
	l.v.SetDefault("pipeline.timeout", "30s")
	l.v.SetDefault("metrics.listen", "")
	l.v.SetDefault("recovery.tolerance", "10s")
	l.v.SetDefault("recovery.stableAfter", "1m")
}
