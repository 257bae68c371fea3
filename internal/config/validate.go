package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethosengine/elohim-sub011/internal/security"
)

// =============================================================================
// CONFIG VALIDATION MODULE
// =============================================================================
//
// WHY VALIDATE CONFIG AT STARTUP?
//
//   Bad config is the #1 cause of production outages. Catching it at startup
//   (fail-fast) is MUCH better than discovering it at 3 AM.
//
//   FAIL-FAST: Bad config -> immediate, clear error -> fix before traffic hits
//   FAIL-LAZY: Bad config -> daemon starts -> first flush fails -> pages on-call
//
//   PATTERN: ACCUMULATE ERRORS
//   We collect ALL validation errors and return them together so the operator
//   can fix everything in one pass instead of playing whack-a-mole.
//
//   COMPARISON:
//     - Kafka: Validates config at startup, logs errors and exits
//     - RabbitMQ: Validates config at startup, fails with clear message
//     - NATS: Validates config, returns structured errors
//     - bufferd: Returns all errors at once (not one-by-one)
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
//
// WHY A CUSTOM ERROR TYPE?
//   - Collects multiple errors (operator fixes all at once)
//   - Formats nicely for logging and display
//   - Can be type-asserted to check if error is validation-related
type ValidationError struct {
	Errors []string
}

// Error implements the error interface.
// Formats all validation errors as a numbered list for readability.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks the daemon configuration for common mistakes.
// Returns nil if valid, or a *ValidationError with all problems found.
func (c *Config) Validate() error {
	var errs []string

	// Listen: where the HTTP API binds
	if c.Listen == "" {
		errs = append(errs, "listen: must not be empty")
	} else if err := validateAddress(c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: invalid address %q: %v", c.Listen, err))
	}

	// LogLevel: must be one of slog's four levels
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level: must be debug, info, warn, or error, got %q", c.LogLevel))
	}

	// SnapshotPath: optional, but its parent must be usable if set
	if c.SnapshotPath != "" {
		errs = append(errs, validateSnapshotPath(c.SnapshotPath)...)
	}

	// Conductor: the backend we flush to
	if c.Conductor.URL == "" {
		errs = append(errs, "conductor.url: must not be empty")
	} else if !strings.HasPrefix(c.Conductor.URL, "http://") && !strings.HasPrefix(c.Conductor.URL, "https://") {
		errs = append(errs, fmt.Sprintf("conductor.url: must start with http:// or https://, got %q", c.Conductor.URL))
	}
	if c.Conductor.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("conductor.timeout: must be > 0, got %s", c.Conductor.Timeout))
	}

	// Buffer preset: must name a known preset if set
	switch c.Buffer.Preset {
	case "", "seeding", "interactive", "recovery":
	default:
		errs = append(errs, fmt.Sprintf("buffer.preset: must be seeding, interactive, or recovery, got %q", c.Buffer.Preset))
	}

	// Auth: pre-provisioned keys need a name, key material, and known roles
	for i, key := range c.Auth.APIKeys {
		if key.Name == "" {
			errs = append(errs, fmt.Sprintf("auth.api_keys[%d]: name must not be empty", i))
		}
		if key.Key == "" {
			errs = append(errs, fmt.Sprintf("auth.api_keys[%d]: key must not be empty", i))
		}
		for _, role := range key.Roles {
			switch role {
			case security.RoleAdmin, security.RoleOperator, security.RoleProducer:
			default:
				errs = append(errs, fmt.Sprintf("auth.api_keys[%d]: unknown role %q", i, role))
			}
		}
	}

	// Buffer: delegate to the engine's own validation of the resolved config.
	// An unknown preset resolved to defaults above, so this never double-reports.
	if err := c.EngineConfig().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// validateSnapshotPath checks that the snapshot file location is usable.
func validateSnapshotPath(path string) []string {
	var errs []string

	absPath, err := filepath.Abs(path)
	if err != nil {
		errs = append(errs, fmt.Sprintf("snapshot_path: cannot resolve path %q: %v", path, err))
		return errs
	}

	info, err := os.Stat(absPath)
	if err == nil {
		if info.IsDir() {
			errs = append(errs, fmt.Sprintf("snapshot_path: %q is a directory, want a file path", absPath))
		}
		return errs
	}

	if !os.IsNotExist(err) {
		errs = append(errs, fmt.Sprintf("snapshot_path: cannot access %q: %v", absPath, err))
		return errs
	}

	// File doesn't exist yet -- check if parent is accessible
	parent := filepath.Dir(absPath)
	if _, err := os.Stat(parent); err != nil {
		errs = append(errs, fmt.Sprintf("snapshot_path: %q does not exist and parent %q is not accessible: %v", absPath, parent, err))
	}

	return errs
}

// validateAddress checks that a string is a valid host:port or :port address.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
