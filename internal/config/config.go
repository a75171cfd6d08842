// Package config handles loading and validating harness configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the harness supervisor.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Data root holding results/ and logs/. Default: ~/.harness/data. Override: HARNESS_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Harness       HarnessConfig        `json:"harness" yaml:"harness"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SandboxConfig bounds the process sandbox.
type SandboxConfig struct {
	MaxProcesses          int      `json:"max_processes" yaml:"max_processes"`                     // Default: 10
	DefaultTimeoutSeconds int      `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Default: 300
	MaxTimeoutSeconds     int      `json:"max_timeout_seconds" yaml:"max_timeout_seconds"`         // Hard ceiling. Default: 3600
	MonitorIntervalMs     int      `json:"monitor_interval_ms" yaml:"monitor_interval_ms"`         // Default: 1000
	MaxOutputBytes        int      `json:"max_output_bytes" yaml:"max_output_bytes"`               // Per stream. Default: 1 MiB
	AllowedCommands       []string `json:"allowed_commands,omitempty" yaml:"allowed_commands,omitempty"`
	BlockedCommands       []string `json:"blocked_commands,omitempty" yaml:"blocked_commands,omitempty"` // nil = built-in block list
	EnvPassthrough        []string `json:"env_passthrough,omitempty" yaml:"env_passthrough,omitempty"`   // Host env vars forwarded to children.
}

// ProcessLimit returns the process ceiling.
func (s SandboxConfig) ProcessLimit() int {
	if s.MaxProcesses > 0 {
		return s.MaxProcesses
	}
	return 10
}

// DefaultTimeout returns the timeout applied when a start request has none.
func (s SandboxConfig) DefaultTimeout() time.Duration {
	if s.DefaultTimeoutSeconds > 0 {
		return time.Duration(s.DefaultTimeoutSeconds) * time.Second
	}
	return 300 * time.Second
}

// MaxTimeout returns the hard timeout ceiling.
func (s SandboxConfig) MaxTimeout() time.Duration {
	if s.MaxTimeoutSeconds > 0 {
		return time.Duration(s.MaxTimeoutSeconds) * time.Second
	}
	return time.Hour
}

// MonitorInterval returns the process monitor tick.
func (s SandboxConfig) MonitorInterval() time.Duration {
	if s.MonitorIntervalMs > 0 {
		return time.Duration(s.MonitorIntervalMs) * time.Millisecond
	}
	return time.Second
}

// OutputLimit returns the per-stream output cap in bytes.
func (s SandboxConfig) OutputLimit() int {
	if s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 1 << 20
}

// HarnessConfig describes the external harness and the run orchestrator limits.
type HarnessConfig struct {
	Command               string        `json:"command" yaml:"command"`                                 // Executable (plus fixed leading args). Override: HARNESS_COMMAND env var.
	ModelBackend          string        `json:"model_backend" yaml:"model_backend"`                     // Passed as --model. Default: "litellm". Override: HARNESS_MODEL_BACKEND.
	MaxConcurrentRuns     int           `json:"max_concurrent_runs" yaml:"max_concurrent_runs"`         // Default: 3
	DefaultTimeoutSeconds int           `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Default: 1800
	MonitorIntervalMs     int           `json:"monitor_interval_ms" yaml:"monitor_interval_ms"`         // Default: 5000
	Models                []ModelConfig `json:"models,omitempty" yaml:"models,omitempty"`               // Empty = no model lookup.
}

// ModelConfig declares a model identifier and whether it can be used.
type ModelConfig struct {
	Name      string `json:"name" yaml:"name"`
	Available bool   `json:"available" yaml:"available"`
}

// Backend returns the --model value passed to the harness.
func (h HarnessConfig) Backend() string {
	if h.ModelBackend != "" {
		return h.ModelBackend
	}
	return "litellm"
}

// RunLimit returns the concurrent run ceiling.
func (h HarnessConfig) RunLimit() int {
	if h.MaxConcurrentRuns > 0 {
		return h.MaxConcurrentRuns
	}
	return 3
}

// DefaultTimeout returns the per-run timeout used when a submission has none.
func (h HarnessConfig) DefaultTimeout() time.Duration {
	if h.DefaultTimeoutSeconds > 0 {
		return time.Duration(h.DefaultTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// MonitorInterval returns the run monitor tick.
func (h HarnessConfig) MonitorInterval() time.Duration {
	if h.MonitorIntervalMs > 0 {
		return time.Duration(h.MonitorIntervalMs) * time.Millisecond
	}
	return 5 * time.Second
}

// ObservabilityConfig configures metrics, tracing and the ops endpoints.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	ListenAddr string         `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Ops HTTP address. Empty = no ops server.
	Metrics    *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing    *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the metrics endpoint path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "harness"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// Default returns a configuration with every field at its default.
// Environment overrides are applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// DefaultConfigPath returns ~/.harness/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/harness.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".harness", "config.yaml")
}

// Load reads a JSON or YAML config file, applies environment overrides and validates it.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HARNESS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HARNESS_COMMAND"); v != "" {
		c.Harness.Command = v
	}
	if v := os.Getenv("HARNESS_MODEL_BACKEND"); v != "" {
		c.Harness.ModelBackend = v
	}
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".harness", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

func (c *Config) validate() error {
	if c.Sandbox.MaxProcesses < 0 {
		return fmt.Errorf("sandbox.max_processes must not be negative")
	}
	if c.Sandbox.DefaultTimeoutSeconds < 0 || c.Sandbox.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox timeouts must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Harness.MaxConcurrentRuns < 0 {
		return fmt.Errorf("harness.max_concurrent_runs must not be negative")
	}
	if c.Harness.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("harness.default_timeout_seconds must not be negative")
	}
	seen := make(map[string]bool, len(c.Harness.Models))
	for i, m := range c.Harness.Models {
		if m.Name == "" {
			return fmt.Errorf("harness.models[%d].name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("harness.models[%d]: duplicate model %q", i, m.Name)
		}
		seen[m.Name] = true
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
