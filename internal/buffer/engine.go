// =============================================================================
// ENGINE SELECTION - CAPABILITY-PROBED NATIVE vs PORTABLE
// =============================================================================
//
// Two engines conform to the same Engine interface:
//
//   native   - ring lanes preallocated to the queue ceiling. Steady-state
//              pushes and pops never move memory; dedup removal is a
//              tombstone. Costs ceiling × lanes slots up front.
//
//   portable - growable slice lanes. Allocates nothing up front, works for
//              any ceiling, and is the reference behavior.
//
// The factory probes ONCE at construction whether the native engine can
// serve the configured ceiling and otherwise falls back to portable. After
// that the choice is invisible to callers - no runtime type-switching
// anywhere in the engine logic, which is exactly what keeps the two
// behaviorally identical.
//
// =============================================================================

package buffer

import (
	"fmt"
	"log/slog"
)

// Engine is the write-buffer state machine: admission, lanes, deduplication,
// batch formation, the in-flight ledger, and result reconciliation. The
// flush protocol (FlushBatch/FlushAll) lives on the Buffer facade, which
// drives an Engine from outside its lock.
type Engine interface {
	QueueWrite(opID string, opType OpType, payload []byte, prio Priority) (bool, error)
	QueueWriteWithDedup(opID string, opType OpType, payload []byte, prio Priority, dedupKey string) (bool, error)

	ShouldFlush() bool
	GetPendingBatch() (*Batch, bool)

	MarkBatchCommitted(batchID string) bool
	MarkBatchFailed(batchID, errMsg string) RequeueReport
	MarkOperationsFailed(batchID string, failedOpIDs []string) RequeueReport

	TotalQueued() int
	InFlightCount() int
	Backpressure() int
	IsBackpressured() bool

	Stats() Stats
	ResetStats()

	SetMaxQueueSize(n int)
	Clear()
	DrainAll() []OperationRecord
	Restore(ops []OperationRecord)

	Implementation() string
	Close() error
}

// nativeMaxPreallocOps caps how many ring slots the native engine may
// preallocate in total (across all lanes). Ceilings above this fall back to
// the portable engine rather than committing that much memory up front.
const nativeMaxPreallocOps = 1 << 20

// CheckNativeAvailable is the capability probe: it reports whether the
// native ring engine can serve the given configuration.
func CheckNativeAvailable(cfg Config) bool {
	return cfg.MaxQueueSize > 0 && cfg.MaxQueueSize <= nativeMaxPreallocOps/laneCount
}

// NewEngine selects and constructs an engine for cfg.
//
// Selection rules:
//   - cfg.Implementation forces "native" or "portable"; a forced native
//     that fails the probe falls back to portable with a warning (only a
//     total failure of both would be fatal)
//   - otherwise the probe decides, preferring native
//
// The caller is expected to have validated cfg already; NewEngine only
// normalizes defaults.
func NewEngine(cfg Config, logger *slog.Logger, onStats func(Stats)) (Engine, error) {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = slog.Default()
	}

	impl := cfg.Implementation
	switch impl {
	case ImplAuto, "auto":
		if CheckNativeAvailable(cfg) {
			impl = ImplNative
		} else {
			impl = ImplPortable
		}
	case ImplNative:
		if !CheckNativeAvailable(cfg) {
			logger.Warn("native buffer engine unavailable for configured ceiling, falling back to portable",
				"max_queue_size", cfg.MaxQueueSize)
			impl = ImplPortable
		}
	case ImplPortable:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownImplementation, cfg.Implementation)
	}

	var makeLane func() lane
	switch impl {
	case ImplNative:
		perLane := cfg.MaxQueueSize
		makeLane = func() lane { return newRingLane(perLane) }
	default:
		makeLane = func() lane { return newSliceLane() }
	}

	logger.Info("buffer engine selected",
		"implementation", impl,
		"batch_size", cfg.BatchSize,
		"max_queue_size", cfg.MaxQueueSize,
		"max_retries", cfg.MaxRetries)

	return newCoreEngine(cfg, impl, makeLane, onStats), nil
}
