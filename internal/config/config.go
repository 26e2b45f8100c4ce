// Package config handles TOML configuration for cumulus.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Provider string         `toml:"provider"`
	GCE      GCEConfig      `toml:"gce"`
	AWS      AWSConfig      `toml:"aws"`
	Hetzner  HetznerConfig  `toml:"hetzner"`
	Local    LocalConfig    `toml:"local"`
	Waiter   WaiterConfig   `toml:"waiter"`
	Throttle ThrottleConfig `toml:"throttle"`
	Paging   PagingConfig   `toml:"paging"`
	OTEL     OTELConfig     `toml:"otel"`
	Log      LogConfig      `toml:"log"`
}

// GCEConfig holds Google Compute Engine settings.
type GCEConfig struct {
	Project         string `toml:"project"`
	Region          string `toml:"region"`
	Zone            string `toml:"zone"`
	CredentialsFile string `toml:"credentials_file"`
	// Endpoint overrides the API base URL, for emulators and tests.
	Endpoint string `toml:"endpoint"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// HetznerConfig holds Hetzner Cloud settings.
type HetznerConfig struct {
	Token    string `toml:"token"`
	Location string `toml:"location"`
	// Endpoint overrides the API base URL.
	Endpoint string `toml:"endpoint"`
}

// LocalConfig holds settings for the simulated local provider.
type LocalConfig struct {
	Path string `toml:"path"`
	// PendingPolls is how many polls a simulated operation stays pending.
	PendingPolls int `toml:"pending_polls"`
}

// WaiterConfig holds the operation poll schedule.
type WaiterConfig struct {
	InitialDelayStr string  `toml:"initial_delay"`
	MaxDelayStr     string  `toml:"max_delay"`
	Multiplier      float64 `toml:"multiplier"`
	MaxAttempts     int     `toml:"max_attempts"`

	InitialDelay time.Duration `toml:"-"`
	MaxDelay     time.Duration `toml:"-"`
}

// ThrottleConfig holds minimum intervals between rate-sensitive calls.
type ThrottleConfig struct {
	DestructiveStr string `toml:"destructive"`
	MetadataStr    string `toml:"metadata"`
	ListStr        string `toml:"list"`

	Destructive time.Duration `toml:"-"`
	Metadata    time.Duration `toml:"-"`
	List        time.Duration `toml:"-"`
}

// PagingConfig holds pagination settings.
type PagingConfig struct {
	DefaultLimit  int `toml:"default_limit"`
	SnapshotCache int `toml:"snapshot_cache"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
	// Prometheus registers an otel Prometheus reader for /metrics.
	Prometheus bool `toml:"prometheus"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a configuration with every default applied. It uses the
// local provider so it works without credentials.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := parseDurations(cfg); err != nil {
		panic(err) // defaults are constant
	}
	return cfg
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses TOML config data and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = "local"
	}
	if cfg.GCE.Region == "" {
		cfg.GCE.Region = "us-central1"
	}
	if cfg.GCE.Zone == "" {
		cfg.GCE.Zone = cfg.GCE.Region + "-a"
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.Hetzner.Location == "" {
		cfg.Hetzner.Location = "fsn1"
	}
	if cfg.Local.Path == "" {
		cfg.Local.Path = "cumulus.db"
	}
	if cfg.Waiter.InitialDelayStr == "" {
		cfg.Waiter.InitialDelayStr = "500ms"
	}
	if cfg.Waiter.MaxDelayStr == "" {
		cfg.Waiter.MaxDelayStr = "10s"
	}
	if cfg.Waiter.Multiplier == 0 {
		cfg.Waiter.Multiplier = 1.5
	}
	if cfg.Waiter.MaxAttempts == 0 {
		cfg.Waiter.MaxAttempts = 120
	}
	if cfg.Throttle.DestructiveStr == "" {
		cfg.Throttle.DestructiveStr = "0s"
	}
	if cfg.Throttle.MetadataStr == "" {
		cfg.Throttle.MetadataStr = "0s"
	}
	if cfg.Throttle.ListStr == "" {
		cfg.Throttle.ListStr = "0s"
	}
	if cfg.Paging.DefaultLimit == 0 {
		cfg.Paging.DefaultLimit = 50
	}
	if cfg.Paging.SnapshotCache == 0 {
		cfg.Paging.SnapshotCache = 128
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "cumulus"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"waiter.initial_delay", cfg.Waiter.InitialDelayStr, &cfg.Waiter.InitialDelay},
		{"waiter.max_delay", cfg.Waiter.MaxDelayStr, &cfg.Waiter.MaxDelay},
		{"throttle.destructive", cfg.Throttle.DestructiveStr, &cfg.Throttle.Destructive},
		{"throttle.metadata", cfg.Throttle.MetadataStr, &cfg.Throttle.Metadata},
		{"throttle.list", cfg.Throttle.ListStr, &cfg.Throttle.List},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Provider {
	case "gce":
		if c.GCE.Project == "" {
			return fmt.Errorf("gce: project required")
		}
	case "aws":
		if c.AWS.Region == "" {
			return fmt.Errorf("aws: region required")
		}
	case "hetzner":
		if c.Hetzner.Token == "" && os.Getenv("HCLOUD_TOKEN") == "" {
			return fmt.Errorf("hetzner: token required (or set HCLOUD_TOKEN)")
		}
	case "local":
		if c.Local.PendingPolls < 0 {
			return fmt.Errorf("local: pending_polls must not be negative (got %d)", c.Local.PendingPolls)
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Waiter.Multiplier < 1.0 {
		return fmt.Errorf("waiter: multiplier must be at least 1.0 (got %v)", c.Waiter.Multiplier)
	}
	if c.Waiter.MaxAttempts < 1 {
		return fmt.Errorf("waiter: max_attempts must be positive (got %d)", c.Waiter.MaxAttempts)
	}
	if c.Waiter.MaxDelay < c.Waiter.InitialDelay {
		return fmt.Errorf("waiter: max_delay %s is shorter than initial_delay %s", c.Waiter.MaxDelay, c.Waiter.InitialDelay)
	}
	if c.Paging.DefaultLimit < 1 {
		return fmt.Errorf("paging: default_limit must be positive (got %d)", c.Paging.DefaultLimit)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
