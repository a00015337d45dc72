// YAML configuration for the span metrics bridge with environment overrides
// Loads, defaults and validates component, tag, heartbeat and exporter settings
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SPANMETRICS_COMPONENT.
const EnvPrefix = "SPANMETRICS_"

// Defaults for fields left empty.
const (
	DefaultComponent         = "spanmetrics"
	DefaultHeartbeatInterval = time.Minute
	DefaultExporter          = ExporterStdout
)

// Metric exporters understood by the CLI.
const (
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterNone     = "none"
)

var validExporters = []string{ExporterStdout, ExporterOTLPHTTP, ExporterOTLPGRPC, ExporterNone}

// Heartbeat sender types.
const (
	SenderLine = "line"
	SenderOTel = "otel"
)

// Config is the top-level configuration.
type Config struct {
	Component     string          `yaml:"component" env:"COMPONENT"`
	CustomTagKeys []string        `yaml:"custom_tag_keys,omitempty" env:"CUSTOM_TAG_KEYS" envSeparator:","`
	Defaults      DefaultsConfig  `yaml:"defaults,omitempty" envPrefix:"DEFAULT_"`
	Heartbeat     HeartbeatConfig `yaml:"heartbeat,omitempty" envPrefix:"HEARTBEAT_"`
	Sender        SenderConfig    `yaml:"sender,omitempty" envPrefix:"SENDER_"`
	Metrics       MetricsConfig   `yaml:"metrics,omitempty" envPrefix:"METRICS_"`
}

// DefaultsConfig holds tag values used when a span does not carry them.
type DefaultsConfig struct {
	Application string `yaml:"application,omitempty" env:"APPLICATION"`
	Cluster     string `yaml:"cluster,omitempty" env:"CLUSTER"`
	Shard       string `yaml:"shard,omitempty" env:"SHARD"`
	Component   string `yaml:"component,omitempty" env:"COMPONENT"`
	Source      string `yaml:"source,omitempty" env:"SOURCE"`
}

// HeartbeatConfig controls the heartbeat schedule.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval,omitempty" env:"INTERVAL"`
	Attempts uint          `yaml:"attempts,omitempty" env:"ATTEMPTS"`
}

// SenderConfig selects where heartbeats are sent. The line sender writes to
// the proxy at Address, or to stdout when Address is empty. The otel sender
// records heartbeats as gauges alongside the derived metrics.
type SenderConfig struct {
	Type    string `yaml:"type,omitempty" env:"TYPE"`
	Address string `yaml:"address,omitempty" env:"ADDRESS"`
}

// MetricsConfig selects the exporter for derived metrics.
type MetricsConfig struct {
	Exporter string `yaml:"exporter,omitempty" env:"EXPORTER"`
	Endpoint string `yaml:"endpoint,omitempty" env:"ENDPOINT"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// fills in defaults. An empty path loads defaults and the environment only.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // user-supplied config path is expected
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Component == "" {
		c.Component = DefaultComponent
	}
	if c.Defaults.Source == "" {
		if host, err := os.Hostname(); err == nil {
			c.Defaults.Source = host
		}
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if c.Heartbeat.Attempts == 0 {
		c.Heartbeat.Attempts = 1
	}
	if c.Sender.Type == "" {
		c.Sender.Type = SenderLine
	}
	if c.Metrics.Exporter == "" {
		c.Metrics.Exporter = DefaultExporter
	}
}

// ValidateConfig checks a loaded configuration for consistency.
func ValidateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.Component) == "" {
		return fmt.Errorf("component must not be empty")
	}
	for i, k := range cfg.CustomTagKeys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("custom_tag_keys[%d] must not be empty", i)
		}
	}
	if cfg.Heartbeat.Interval < time.Second {
		return fmt.Errorf("heartbeat interval must be at least 1s, got %s", cfg.Heartbeat.Interval)
	}
	if cfg.Sender.Type != SenderLine && cfg.Sender.Type != SenderOTel {
		return fmt.Errorf("unknown sender type %q, valid types: %s, %s", cfg.Sender.Type, SenderLine, SenderOTel)
	}
	if cfg.Sender.Type == SenderOTel && cfg.Metrics.Exporter == ExporterNone {
		return fmt.Errorf("sender type %q needs a metrics exporter", SenderOTel)
	}
	if !slices.Contains(validExporters, cfg.Metrics.Exporter) {
		return fmt.Errorf("unknown metrics exporter %q, valid exporters: %s",
			cfg.Metrics.Exporter, strings.Join(validExporters, ", "))
	}
	return nil
}
