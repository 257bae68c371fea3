// =============================================================================
// BUFFER CONFIGURATION
// =============================================================================
//
// WHY SO MANY KNOBS?
// The thresholds here (batch size, flush interval, retry ceiling, queue
// ceiling) are workload policy, not derived constants. The defaults are the
// values the system shipped with, but they are not load-tested optima - so
// every one of them is configuration, never a hard-coded number inside the
// engine.
//
// PRESETS:
//
//	Preset       │ Batch │ Interval │ Retries │ Ceiling │ Use case
//	─────────────┼───────┼──────────┼─────────┼─────────┼──────────────────
//	Default      │   50  │  100ms   │    3    │   5000  │ general
//	ForSeeding   │  100  │   50ms   │    5    │  10000  │ bulk imports
//	ForInteractive│  20  │  100ms   │    3    │   1000  │ responsive UI sync
//	ForRecovery  │  200  │   25ms   │   10    │  50000  │ recovery/resync
//
// =============================================================================

package buffer

import (
	"fmt"
	"strings"
	"time"
)

// Implementation names accepted by NewEngine.
const (
	// ImplAuto probes for the native engine and falls back to portable
	ImplAuto = ""

	// ImplNative is the ring-backed engine with preallocated lane storage
	ImplNative = "native"

	// ImplPortable is the reference engine with growable slice lanes
	ImplPortable = "portable"
)

// Config controls buffer behavior. Zero values are replaced by defaults in
// Normalize; Validate fails fast on values that cannot be defaulted away.
type Config struct {
	// BatchSize is the maximum operations per formed batch
	BatchSize int

	// FlushInterval is the age at which the oldest queued operation makes
	// ShouldFlush return true
	FlushInterval time.Duration

	// MaxRetries is the retry ceiling. An operation requeues while its
	// retry count stays at or below this; above it, the operation is
	// dropped and reported as unrecoverable.
	MaxRetries int

	// MaxQueueSize is the admission ceiling across all lanes. Enqueues
	// beyond it are rejected (never blocked).
	MaxQueueSize int

	// MaxConsecutiveFailures aborts FlushAll after this many batch
	// failures in a row, so a hot failure loop cannot burn through
	// retries instantly
	MaxConsecutiveFailures int

	// BatchYield is the pause FlushAll inserts between batches to avoid
	// starving other work
	BatchYield time.Duration

	// Implementation forces an engine ("native" or "portable").
	// Empty means probe and pick automatically.
	Implementation string
}

// DefaultConfig returns the general-purpose configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:              50,
		FlushInterval:          100 * time.Millisecond,
		MaxRetries:             3,
		MaxQueueSize:           5000,
		MaxConsecutiveFailures: 3,
		BatchYield:             10 * time.Millisecond,
	}
}

// ForSeeding returns a configuration tuned for bulk imports:
// larger batches, faster flush, more retries, higher ceiling.
func ForSeeding() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.MaxRetries = 5
	cfg.MaxQueueSize = 10000
	return cfg
}

// ForInteractive returns a configuration tuned for responsive interactive
// use: small batches, tight ceiling.
func ForInteractive() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 20
	cfg.FlushInterval = 100 * time.Millisecond
	cfg.MaxRetries = 3
	cfg.MaxQueueSize = 1000
	return cfg
}

// ForRecovery returns a configuration tuned for recovery/resync:
// large batches, fast flush, many retries, huge ceiling.
func ForRecovery() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 200
	cfg.FlushInterval = 25 * time.Millisecond
	cfg.MaxRetries = 10
	cfg.MaxQueueSize = 50000
	return cfg
}

// Normalize fills zero values with defaults. It does not touch values that
// are present but invalid - Validate rejects those.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.BatchYield == 0 {
		c.BatchYield = def.BatchYield
	}
	return c
}

// Validate collects every problem with the configuration at once, so the
// operator can fix all of them in one pass.
func (c Config) Validate() error {
	var problems []string

	if c.BatchSize < 1 {
		problems = append(problems, fmt.Sprintf("batch size must be >= 1, got %d", c.BatchSize))
	}
	if c.FlushInterval < 0 {
		problems = append(problems, fmt.Sprintf("flush interval must not be negative, got %s", c.FlushInterval))
	}
	if c.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.MaxQueueSize < 1 {
		problems = append(problems, fmt.Sprintf("max queue size must be >= 1, got %d", c.MaxQueueSize))
	}
	if c.MaxQueueSize > 0 && c.BatchSize > c.MaxQueueSize {
		problems = append(problems, fmt.Sprintf("batch size (%d) must not exceed max queue size (%d)", c.BatchSize, c.MaxQueueSize))
	}
	if c.MaxConsecutiveFailures < 1 {
		problems = append(problems, fmt.Sprintf("max consecutive failures must be >= 1, got %d", c.MaxConsecutiveFailures))
	}
	if c.BatchYield < 0 {
		problems = append(problems, fmt.Sprintf("batch yield must not be negative, got %s", c.BatchYield))
	}
	switch c.Implementation {
	case ImplAuto, ImplNative, ImplPortable, "auto":
	default:
		problems = append(problems, fmt.Sprintf("implementation must be %q or %q, got %q", ImplNative, ImplPortable, c.Implementation))
	}

	if len(problems) > 0 {
		return fmt.Errorf("buffer configuration invalid:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
