// =============================================================================
// CLI CONFIGURATION - CONFIG FILE AND CONTEXT MANAGEMENT
// =============================================================================
//
// WHAT IS THIS?
// Configuration management for bufctl, supporting:
//   - Multiple daemon contexts (like kubectl contexts)
//   - Config file (~/.bufctl/config.yaml)
//   - Environment variable overrides
//   - Command-line flag overrides
//
// CONFIGURATION PRECEDENCE (highest to lowest):
//   1. Command-line flags (--server, --context)
//   2. Environment variables (BUFCTL_SERVER, BUFCTL_CONTEXT)
//   3. Config file (current-context determines active daemon)
//   4. Default values (http://localhost:8080)
//
// CONFIG FILE FORMAT (~/.bufctl/config.yaml):
//
//   current-context: production
//   contexts:
//     local:
//       server: http://localhost:8080
//       api-key: ""
//     staging:
//       server: https://bufferd.staging.example.com
//       api-key: "staging-key-123"
//     production:
//       server: https://bufferd.prod.example.com
//       api-key: "prod-key-456"
//
// COMPARISON WITH OTHER CLIs:
//   - kubectl: Uses ~/.kube/config with contexts, clusters, users
//   - aws: Uses ~/.aws/config with profiles
//   - docker: Uses ~/.docker/config.json
//   - bufctl: Similar to kubectl but simpler (no users/auth complexity)
//
// =============================================================================

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// CONFIGURATION STRUCTURES
// =============================================================================

// Config represents the CLI configuration file.
type Config struct {
	// CurrentContext is the name of the active context
	CurrentContext string `yaml:"current-context"`

	// Contexts maps context names to their configurations
	Contexts map[string]*ContextConfig `yaml:"contexts"`
}

// ContextConfig contains configuration for a single daemon context.
type ContextConfig struct {
	// Server is the base URL of the bufferd daemon
	Server string `yaml:"server"`

	// APIKey for authentication (optional)
	APIKey string `yaml:"api-key,omitempty"`

	// Timeout in seconds (optional, default 30)
	Timeout int `yaml:"timeout,omitempty"`
}

// =============================================================================
// DEFAULT PATHS
// =============================================================================

// DefaultConfigDir returns the default config directory (~/.bufctl).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bufctl"
	}
	return filepath.Join(home, ".bufctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// =============================================================================
// CONFIGURATION LOADING
// =============================================================================

// LoadConfig loads configuration from the default path.
func LoadConfig() (*Config, error) {
	return LoadConfigFromPath(DefaultConfigPath())
}

// LoadConfigFromPath loads configuration from a specific path.
func LoadConfigFromPath(path string) (*Config, error) {
	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure contexts map exists
	if config.Contexts == nil {
		config.Contexts = make(map[string]*ContextConfig)
	}

	return &config, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		CurrentContext: "local",
		Contexts: map[string]*ContextConfig{
			"local": {
				Server:  "http://localhost:8080",
				Timeout: 30,
			},
		},
	}
}

// =============================================================================
// CONFIGURATION SAVING
// =============================================================================

// Save saves the configuration to the default path.
func (c *Config) Save() error {
	return c.SaveToPath(DefaultConfigPath())
}

// SaveToPath saves the configuration to a specific path.
func (c *Config) SaveToPath(path string) error {
	// Create directory if needed
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Encode YAML
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// Write file with restricted permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// =============================================================================
// CONTEXT OPERATIONS
// =============================================================================

// GetCurrentContext returns the current context configuration.
func (c *Config) GetCurrentContext() (*ContextConfig, error) {
	if c.CurrentContext == "" {
		return nil, errors.New("no current context set")
	}

	ctx, ok := c.Contexts[c.CurrentContext]
	if !ok {
		return nil, fmt.Errorf("context %q not found", c.CurrentContext)
	}

	return ctx, nil
}

// GetContext returns a specific context by name.
func (c *Config) GetContext(name string) (*ContextConfig, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// SetContext sets or updates a context.
func (c *Config) SetContext(name string, ctx *ContextConfig) {
	if c.Contexts == nil {
		c.Contexts = make(map[string]*ContextConfig)
	}
	c.Contexts[name] = ctx
}

// DeleteContext removes a context.
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}

	delete(c.Contexts, name)

	// Clear current context if it was the deleted one
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}

	return nil
}

// UseContext sets the current context.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// ListContexts returns all context names.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	return names
}

// =============================================================================
// ENVIRONMENT VARIABLE OVERRIDES
// =============================================================================

// Environment variable names
const (
	EnvServer  = "BUFCTL_SERVER"
	EnvContext = "BUFCTL_CONTEXT"
	EnvAPIKey  = "BUFCTL_API_KEY"
	EnvTimeout = "BUFCTL_TIMEOUT"
)

// ResolveClientConfig determines the effective client configuration with
// proper precedence: flag > env > config file context > defaults.
func ResolveClientConfig(serverFlag, contextFlag string, config *Config) ClientConfig {
	result := DefaultClientConfig()

	// Pick the context: flag > env > config file
	contextName := config.CurrentContext
	if v := os.Getenv(EnvContext); v != "" {
		contextName = v
	}
	if contextFlag != "" {
		contextName = contextFlag
	}
	if ctx, ok := config.Contexts[contextName]; ok {
		if ctx.Server != "" {
			result.ServerURL = ctx.Server
		}
		result.APIKey = ctx.APIKey
		if ctx.Timeout > 0 {
			result.Timeout = time.Duration(ctx.Timeout) * time.Second
		}
	}

	// Environment overrides
	if v := os.Getenv(EnvServer); v != "" {
		result.ServerURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		result.APIKey = v
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			result.Timeout = time.Duration(secs) * time.Second
		}
	}

	// Flag overrides everything
	if serverFlag != "" {
		result.ServerURL = serverFlag
	}

	return result
}
