// =============================================================================
// OPERATION RECORD - THE UNIT OF BUFFERED WORK
// =============================================================================
//
// WHAT IS AN OPERATION RECORD?
// Every write a producer hands to the buffer becomes one OperationRecord:
// an opaque payload plus the bookkeeping the buffer needs to order it,
// deduplicate it, and retry it.
//
// LIFECYCLE:
//
//	┌──────────┐  QueueWrite   ┌──────────┐  GetPendingBatch  ┌───────────┐
//	│ Producer │ ────────────► │  Lane    │ ────────────────► │  Batch    │
//	│          │               │ (queued) │                   │ (in-flight)│
//	└──────────┘               └──────────┘                   └─────┬─────┘
//	                                 ▲                              │
//	                                 │ MarkBatchFailed              │ MarkBatchCommitted
//	                                 │ (retry lane,                 ▼
//	                                 │  retry_count+1)         ┌───────────┐
//	                                 └──────────────────────── │   Done    │
//	                                       (or dropped at      └───────────┘
//	                                        the retry ceiling)
//
// A record lives in exactly one lane at a time, moves into exactly one batch,
// and is destroyed by commit, by exceeding the retry ceiling, or by an
// explicit Clear()/DrainAll().
//
// =============================================================================

package buffer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrInvalidPriority means the caller passed a priority outside the
	// known set. Never silently coerced - fail fast.
	ErrInvalidPriority = errors.New("invalid write priority")

	// ErrEmptyOpID means the caller passed an empty operation ID
	ErrEmptyOpID = errors.New("operation id must not be empty")

	// ErrBufferClosed means the buffer has been closed and no longer
	// accepts writes
	ErrBufferClosed = errors.New("write buffer closed")

	// ErrTooManyFailures means FlushAll aborted after too many consecutive
	// batch failures (remaining operations stay queued)
	ErrTooManyFailures = errors.New("too many consecutive batch failures")

	// ErrUnknownImplementation means the forced engine implementation name
	// is not one of "native" or "portable"
	ErrUnknownImplementation = errors.New("unknown buffer implementation")
)

// =============================================================================
// WRITE PRIORITY
// =============================================================================

// Priority determines which lane an operation is queued into and therefore
// how soon it is flushed.
//
//	High   - identity, auth, critical state (flushed first of the static lanes)
//	Normal - regular content updates (batched moderately)
//	Bulk   - seeding, imports, recovery sync (batched aggressively)
//
// The retry lane is not a Priority a caller can request: operations enter it
// only after a failed flush, and it drains before everything else because it
// represents work that is already late.
type Priority uint8

const (
	// PriorityHigh is for critical writes that should flush first
	PriorityHigh Priority = 0

	// PriorityNormal is the default for regular content updates
	PriorityNormal Priority = 1

	// PriorityBulk is for seeding, imports, and recovery sync
	PriorityBulk Priority = 2

	// PriorityCount is the number of caller-visible priority levels
	PriorityCount = 3
)

// IsValid reports whether p is one of the known priority levels.
func (p Priority) IsValid() bool {
	return p < PriorityCount
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityBulk:
		return "bulk"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ParsePriority converts a string (as used in config files and the HTTP API)
// into a Priority. Unknown names fail fast instead of being coerced.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "bulk":
		return PriorityBulk, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// =============================================================================
// OPERATION TYPE
// =============================================================================

// OpType labels what kind of write an operation is. The buffer itself never
// interprets it - it exists so the flush callback can group operations when
// talking to the backend. The set is open: callers may define their own.
type OpType string

const (
	OpCreateEntry OpType = "CreateEntry"
	OpUpdateEntry OpType = "UpdateEntry"
	OpDeleteEntry OpType = "DeleteEntry"
	OpCreateLink  OpType = "CreateLink"
	OpDeleteLink  OpType = "DeleteLink"
)

// =============================================================================
// OPERATION RECORD
// =============================================================================

// OperationRecord is a single write waiting to be flushed.
//
// The JSON tags matter: DrainAll/Restore snapshots are serialized with these
// names, and the HTTP API speaks the same shape.
type OperationRecord struct {
	// OpID is the caller-assigned identifier, unique per logical write.
	// It stays stable across retries of the same write.
	OpID string `json:"op_id"`

	// OpType labels the operation for the flush callback (opaque here)
	OpType OpType `json:"op_type"`

	// Payload is the serialized operation content (opaque here)
	Payload []byte `json:"payload"`

	// Priority is fixed at enqueue time and never changes
	Priority Priority `json:"priority"`

	// QueuedAt is when the operation entered the buffer.
	// Used for age ordering and the ShouldFlush staleness check.
	QueuedAt time.Time `json:"queued_at"`

	// RetryCount is how many times this operation has been returned to a
	// lane after a failed flush. Monotonically non-decreasing.
	RetryCount int `json:"retry_count"`

	// DedupKey, when non-empty, is the logical identity under which only
	// the most recent operation survives in the queue (last write wins)
	DedupKey string `json:"dedup_key,omitempty"`

	// seq is the engine-assigned admission sequence. It decides which of
	// two operations sharing a dedup key is newer when both come back from
	// failed batches. Not serialized: Restore assigns fresh sequences.
	seq uint64
}

// =============================================================================
// BATCH
// =============================================================================

// BatchState tracks a batch through its lifecycle.
//
// STATE MACHINE:
//
//	Pending ──► InFlight ──► Committed
//	                 │
//	                 └──────► Failed (dissolved: ops requeued or dropped)
type BatchState uint8

const (
	// BatchPending means the batch has been formed but not yet handed out
	BatchPending BatchState = iota

	// BatchInFlight means the batch has been handed to a flush function
	// and its outcome is not yet reconciled
	BatchInFlight

	// BatchCommitted means every operation in the batch is permanently done
	BatchCommitted

	// BatchFailed means the batch was dissolved: each operation was
	// requeued for retry or dropped at the retry ceiling
	BatchFailed
)

func (s BatchState) String() string {
	switch s {
	case BatchPending:
		return "Pending"
	case BatchInFlight:
		return "InFlight"
	case BatchCommitted:
		return "Committed"
	case BatchFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Batch is an immutable, ordered slice of operations handed to a flush
// function as one transmission unit. Once formed its operation set never
// changes; outcomes are recorded against the whole batch (with optional
// per-operation overrides via MarkOperationsFailed).
type Batch struct {
	// BatchID is unique per formation
	BatchID string `json:"batch_id"`

	// Operations in priority-major, age-minor order. Never empty.
	Operations []OperationRecord `json:"operations"`

	// State is the batch lifecycle state
	State BatchState `json:"state"`

	// CreatedAt is when the batch was formed
	CreatedAt time.Time `json:"created_at"`

	// Priority is the highest priority among the contained operations
	Priority Priority `json:"priority"`
}

// newBatchID builds a batch identifier from a formation sequence number plus
// a random nonce so IDs stay unique even across DrainAll/Restore cycles.
//
// FORMAT: batch-{seq}-{nonce}
func newBatchID(seq uint64) string {
	nonce := make([]byte, 4)
	rand.Read(nonce)
	return fmt.Sprintf("batch-%d-%s", seq, hex.EncodeToString(nonce))
}

// highestPriority returns the highest (numerically lowest) priority among ops.
func highestPriority(ops []OperationRecord) Priority {
	best := PriorityBulk
	for _, op := range ops {
		if op.Priority < best {
			best = op.Priority
		}
	}
	return best
}

// =============================================================================
// RECONCILIATION REPORT
// =============================================================================

// RequeueReport is returned by MarkBatchFailed and MarkOperationsFailed so
// that no operation is ever silently lost: callers get the exact op IDs
// that were requeued for retry, those dropped at the retry ceiling, and
// those that lost their dedup key to a newer write.
type RequeueReport struct {
	// Requeued lists op IDs returned to the retry lane
	Requeued []string `json:"requeued,omitempty"`

	// Dropped lists op IDs that exceeded the retry ceiling and are
	// permanently gone - callers need these for reconciliation/alerting
	Dropped []string `json:"dropped,omitempty"`

	// Superseded lists op IDs discarded because a newer write carries the
	// same dedup key (last write wins, regardless of reconciliation order)
	Superseded []string `json:"superseded,omitempty"`
}

// Empty reports whether the reconciliation touched no operations
// (e.g. the batch ID was unknown).
func (r RequeueReport) Empty() bool {
	return len(r.Requeued) == 0 && len(r.Dropped) == 0 && len(r.Superseded) == 0
}

// =============================================================================
// STATISTICS
// =============================================================================

// Stats is a point-in-time snapshot of buffer state. Queue counts are
// current values; the remaining fields are cumulative since the last
// ResetStats.
type Stats struct {
	HighCount   int `json:"high_count"`
	NormalCount int `json:"normal_count"`
	BulkCount   int `json:"bulk_count"`
	RetryCount  int `json:"retry_count"`

	InFlightBatches int `json:"in_flight_batches"`

	BatchesFlushed  uint64 `json:"batches_flushed"`
	OpsCommitted    uint64 `json:"ops_committed"`
	OpsFailed       uint64 `json:"ops_failed"`
	OpsDeduplicated uint64 `json:"ops_deduplicated"`
	OpsRejected     uint64 `json:"ops_rejected"`

	// Backpressure is the current occupancy signal (0-100)
	Backpressure int `json:"backpressure"`
}

// TotalQueued is the number of live operations across all lanes.
func (s Stats) TotalQueued() int {
	return s.HighCount + s.NormalCount + s.BulkCount + s.RetryCount
}
