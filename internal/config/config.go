// =============================================================================
// DAEMON CONFIGURATION - LOADING, DEFAULTS, AND PRESETS
// =============================================================================
//
// WHAT IS THIS?
// Configuration for the bufferd daemon, supporting:
//   - YAML config file (--config /etc/bufferd/config.yaml)
//   - Environment variable overrides for deployment-specific values
//   - Workload presets (seeding, interactive, recovery)
//
// CONFIGURATION PRECEDENCE (highest to lowest):
//   1. Environment variables (BUFFERD_LISTEN, BUFFERD_CONDUCTOR_URL, ...)
//   2. Config file values
//   3. Preset (buffer section only)
//   4. Default values
//
// CONFIG FILE FORMAT:
//
//   listen: ":8080"
//   snapshot_path: "/var/lib/bufferd/pending.json"
//   log_level: "info"
//   conductor:
//     url: "http://localhost:9090"
//     timeout: 30s
//     api_key: ""
//   buffer:
//     preset: "interactive"
//     batch_size: 20
//     flush_interval: 100ms
//     max_retries: 3
//     max_queue_size: 1000
//     implementation: "auto"
//   auth:
//     enabled: true
//     api_keys:
//       - name: "importer"
//         key: "bd_..."
//         roles: ["producer"]
//
// WHY PRESETS?
//   The same engine serves very different workloads: bulk seeding wants big
//   batches and a deep queue, interactive editing wants small batches and a
//   shallow queue that backpressures early. A preset picks sane numbers for
//   the workload; explicit fields still override individual values.
//
// =============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethosengine/elohim-sub011/internal/buffer"
	"github.com/ethosengine/elohim-sub011/internal/security"
)

// Config is the top-level bufferd daemon configuration.
type Config struct {
	// Listen is the HTTP API bind address (host:port or :port)
	Listen string `yaml:"listen"`

	// SnapshotPath is where pending operations are persisted on shutdown.
	// Empty disables drain/restore persistence.
	SnapshotPath string `yaml:"snapshot_path"`

	// LogLevel: debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// Conductor configures the slow backend we flush batches to
	Conductor ConductorConfig `yaml:"conductor"`

	// Buffer configures the write-buffering engine
	Buffer BufferConfig `yaml:"buffer"`

	// Auth configures API key authentication for the HTTP API
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	// Enabled turns authentication on; keys then come from api_keys or
	// BUFFERD_API_ROOT_KEY.
	Enabled bool `yaml:"enabled"`

	// APIKeys are pre-provisioned keys with their roles
	APIKeys []security.StaticKey `yaml:"api_keys,omitempty"`
}

// ConductorConfig describes how to reach the batch backend.
type ConductorConfig struct {
	// URL is the conductor base URL (http://host:port)
	URL string `yaml:"url"`

	// Timeout bounds a single batch submission round-trip
	Timeout time.Duration `yaml:"timeout"`

	// APIKey for authentication (optional)
	APIKey string `yaml:"api_key,omitempty"`
}

// BufferConfig is the YAML-facing view of the engine configuration.
//
// WHY A MIRROR STRUCT INSTEAD OF buffer.Config DIRECTLY?
//   The engine config has no YAML tags and no preset field; keeping the file
//   format here means the engine package never learns about serialization.
type BufferConfig struct {
	// Preset: "", "seeding", "interactive", or "recovery"
	Preset string `yaml:"preset,omitempty"`

	BatchSize              int           `yaml:"batch_size,omitempty"`
	FlushInterval          time.Duration `yaml:"flush_interval,omitempty"`
	MaxRetries             int           `yaml:"max_retries,omitempty"`
	MaxQueueSize           int           `yaml:"max_queue_size,omitempty"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures,omitempty"`
	BatchYield             time.Duration `yaml:"batch_yield,omitempty"`

	// Implementation: "auto", "native", or "portable"
	Implementation string `yaml:"implementation,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:       ":8080",
		SnapshotPath: "",
		LogLevel:     "info",
		Conductor: ConductorConfig{
			URL:     "http://localhost:9090",
			Timeout: 30 * time.Second,
		},
		Buffer: BufferConfig{},
	}
}

// Load reads and parses a YAML config file, applies environment overrides,
// and validates the result. An empty path yields the defaults (still subject
// to environment overrides and validation).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays deployment-specific environment variables.
// Only values that differ between environments get env knobs; tuning
// parameters belong in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("BUFFERD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("BUFFERD_SNAPSHOT_PATH"); v != "" {
		c.SnapshotPath = v
	}
	if v := os.Getenv("BUFFERD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BUFFERD_CONDUCTOR_URL"); v != "" {
		c.Conductor.URL = v
	}
	if v := os.Getenv("BUFFERD_CONDUCTOR_API_KEY"); v != "" {
		c.Conductor.APIKey = v
	}
}

// EngineConfig resolves the buffer section into an engine configuration:
// preset first, then explicit overrides, then engine defaults for anything
// still zero.
func (c *Config) EngineConfig() buffer.Config {
	var base buffer.Config
	switch c.Buffer.Preset {
	case "seeding":
		base = buffer.ForSeeding()
	case "interactive":
		base = buffer.ForInteractive()
	case "recovery":
		base = buffer.ForRecovery()
	default:
		base = buffer.DefaultConfig()
	}

	if c.Buffer.BatchSize > 0 {
		base.BatchSize = c.Buffer.BatchSize
	}
	if c.Buffer.FlushInterval > 0 {
		base.FlushInterval = c.Buffer.FlushInterval
	}
	if c.Buffer.MaxRetries > 0 {
		base.MaxRetries = c.Buffer.MaxRetries
	}
	if c.Buffer.MaxQueueSize > 0 {
		base.MaxQueueSize = c.Buffer.MaxQueueSize
	}
	if c.Buffer.MaxConsecutiveFailures > 0 {
		base.MaxConsecutiveFailures = c.Buffer.MaxConsecutiveFailures
	}
	if c.Buffer.BatchYield > 0 {
		base.BatchYield = c.Buffer.BatchYield
	}
	if c.Buffer.Implementation != "" {
		base.Implementation = c.Buffer.Implementation
	}
	return base
}

// KeyManagerConfig resolves the auth section into an API key manager
// configuration. Environment variables (BUFFERD_AUTH_ENABLED,
// BUFFERD_API_ROOT_KEY) fold into the file's settings.
func (c *Config) KeyManagerConfig() security.APIKeyManagerConfig {
	mc := security.LoadAPIKeyConfigFromEnv()
	if c.Auth.Enabled {
		mc.Enabled = true
	}
	mc.StaticKeys = append(mc.StaticKeys, c.Auth.APIKeys...)
	return mc
}
