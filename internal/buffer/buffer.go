// =============================================================================
// WRITE BUFFER FACADE - FLUSH PROTOCOL OVER A SELECTED ENGINE
// =============================================================================
//
// WHY A WRITE BUFFER?
// The downstream backend (the "conductor") can only absorb writes in bounded
// batches. Producers - bulk importers, recovery jobs, incremental sync -
// would otherwise overwhelm it with individual calls. The buffer sits
// between them:
//
//   Producers                       Buffer                      Backend
//   ┌─────┐                    ┌──────────────┐              ┌──────────┐
//   │ P1  │──┐                 │ lanes + dedup│  FlushFunc   │          │
//   └─────┘  │  QueueWrite()   │ + in-flight  │ ───────────► │ conductor│
//   ┌─────┐  ├───────────────► │   ledger     │  (batches)   │          │
//   │ P2  │──┘  (never blocks, │              │              └──────────┘
//   └─────┘      false = full) └──────────────┘
//
// The Buffer owns the flush protocol: it forms batches from its Engine,
// hands them to a caller-supplied flush function, and reconciles the
// outcome. Transport failures are recovered locally (batch dissolved,
// operations requeued) and surfaced through FlushResult, never thrown
// further.
//
// CONCURRENCY:
// Queue mutations are atomic behind the engine's single mutex. The flush
// function runs outside that lock, so producers keep queuing while a batch
// is on the wire. Concurrent FlushBatch calls are legal - each batch is
// handed out exactly once - but serializing them is the caller's business.
//
// =============================================================================

package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// FLUSH CONTRACT
// =============================================================================

// FlushFunc transmits one batch to the backend.
//
// Contract:
//   - return (nil, nil): every operation committed
//   - return (outcome, nil): outcome decides; per-operation results drive
//     partial-failure reconciliation
//   - return (_, err): the whole transport failed; the batch is dissolved
//     and its operations requeued with incremented retry counts
type FlushFunc func(ctx context.Context, batch *Batch) (*FlushOutcome, error)

// FlushOutcome is the structured result a flush function may return when the
// backend validated operations individually.
type FlushOutcome struct {
	// Success means the batch committed as a unit. When false,
	// OperationResults (if any) select which operations failed;
	// with no results the whole batch is treated as failed.
	Success bool `json:"success"`

	// OperationResults holds per-operation verdicts
	OperationResults []OperationResult `json:"operation_results,omitempty"`
}

// OperationResult is the backend's verdict on a single operation.
type OperationResult struct {
	OpID    string `json:"op_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ProgressFunc receives (committed so far, remaining queued) after each
// batch during FlushAll.
type ProgressFunc func(committed, remaining int)

// FlushResult reports the outcome of one FlushBatch call.
type FlushResult struct {
	BatchID    string        `json:"batch_id"`
	Attempted  int           `json:"attempted"`
	Committed  int           `json:"committed"`
	Failed     bool          `json:"failed"`
	Error      string        `json:"error,omitempty"`
	Requeued   []string      `json:"requeued,omitempty"`
	Dropped    []string      `json:"dropped,omitempty"`
	Superseded []string      `json:"superseded,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// =============================================================================
// BUFFER
// =============================================================================

// Buffer is the public face of the write buffer: a capability-selected
// Engine plus the flush protocol.
type Buffer struct {
	engine Engine
	cfg    Config
	logger *slog.Logger
}

// Option configures a Buffer at construction time.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	onStats func(Stats)
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStatsListener registers a callback invoked with a stats snapshot after
// every mutating operation. The callback runs outside the engine lock and
// must not call back into the buffer.
func WithStatsListener(fn func(Stats)) Option {
	return func(o *options) { o.onStats = fn }
}

// New validates cfg, selects an engine (native when available, portable
// otherwise), and returns the buffer. Close releases it.
func New(cfg Config, opts ...Option) (*Buffer, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	engine, err := NewEngine(cfg, o.logger, o.onStats)
	if err != nil {
		return nil, err
	}

	return &Buffer{engine: engine, cfg: cfg, logger: o.logger}, nil
}

// Implementation reports which engine was selected ("native" or "portable").
func (b *Buffer) Implementation() string { return b.engine.Implementation() }

// Config returns the normalized configuration the buffer runs with.
func (b *Buffer) Config() Config { return b.cfg }

// Close marks the buffer closed; further QueueWrite calls fail.
func (b *Buffer) Close() error { return b.engine.Close() }

// =============================================================================
// ENGINE PASSTHROUGH
// =============================================================================

func (b *Buffer) QueueWrite(opID string, opType OpType, payload []byte, prio Priority) (bool, error) {
	return b.engine.QueueWrite(opID, opType, payload, prio)
}

func (b *Buffer) QueueWriteWithDedup(opID string, opType OpType, payload []byte, prio Priority, dedupKey string) (bool, error) {
	return b.engine.QueueWriteWithDedup(opID, opType, payload, prio, dedupKey)
}

func (b *Buffer) ShouldFlush() bool                 { return b.engine.ShouldFlush() }
func (b *Buffer) GetPendingBatch() (*Batch, bool)   { return b.engine.GetPendingBatch() }
func (b *Buffer) MarkBatchCommitted(id string) bool { return b.engine.MarkBatchCommitted(id) }

func (b *Buffer) MarkBatchFailed(id, errMsg string) RequeueReport {
	return b.engine.MarkBatchFailed(id, errMsg)
}

func (b *Buffer) MarkOperationsFailed(id string, failedOpIDs []string) RequeueReport {
	return b.engine.MarkOperationsFailed(id, failedOpIDs)
}

func (b *Buffer) TotalQueued() int             { return b.engine.TotalQueued() }
func (b *Buffer) InFlightCount() int           { return b.engine.InFlightCount() }
func (b *Buffer) Backpressure() int            { return b.engine.Backpressure() }
func (b *Buffer) IsBackpressured() bool        { return b.engine.IsBackpressured() }
func (b *Buffer) Stats() Stats                 { return b.engine.Stats() }
func (b *Buffer) ResetStats()                  { b.engine.ResetStats() }
func (b *Buffer) SetMaxQueueSize(n int)        { b.engine.SetMaxQueueSize(n) }
func (b *Buffer) Clear()                       { b.engine.Clear() }
func (b *Buffer) DrainAll() []OperationRecord  { return b.engine.DrainAll() }
func (b *Buffer) Restore(ops []OperationRecord) { b.engine.Restore(ops) }

// =============================================================================
// FLUSH PROTOCOL
// =============================================================================

// FlushBatch forms one batch and runs it through fn.
//
// Returns (nil, nil) when the queues are empty - fn is not invoked.
// A failed flush is NOT an error return: the failure is recovered locally
// (operations requeued or dropped per the retry policy) and reported in the
// FlushResult for observability.
func (b *Buffer) FlushBatch(ctx context.Context, fn FlushFunc) (*FlushResult, error) {
	batch, ok := b.engine.GetPendingBatch()
	if !ok {
		return nil, nil
	}

	start := time.Now()
	outcome, err := fn(ctx, batch)
	result := &FlushResult{
		BatchID:   batch.BatchID,
		Attempted: len(batch.Operations),
	}

	switch {
	case err != nil:
		// Whole transport failed: dissolve the batch.
		report := b.engine.MarkBatchFailed(batch.BatchID, err.Error())
		result.Failed = true
		result.Error = err.Error()
		result.Requeued = report.Requeued
		result.Dropped = report.Dropped
		result.Superseded = report.Superseded
		b.logger.Warn("batch flush failed",
			"batch_id", batch.BatchID,
			"ops", len(batch.Operations),
			"requeued", len(report.Requeued),
			"dropped", len(report.Dropped),
			"error", err)

	case outcome != nil && !outcome.Success:
		failedIDs := make([]string, 0, len(outcome.OperationResults))
		for _, r := range outcome.OperationResults {
			if !r.Success {
				failedIDs = append(failedIDs, r.OpID)
			}
		}
		if len(outcome.OperationResults) == 0 {
			// No per-op detail: treat as a full batch failure.
			report := b.engine.MarkBatchFailed(batch.BatchID, "flush reported failure")
			result.Failed = true
			result.Error = "flush reported failure"
			result.Requeued = report.Requeued
			result.Dropped = report.Dropped
			result.Superseded = report.Superseded
		} else {
			report := b.engine.MarkOperationsFailed(batch.BatchID, failedIDs)
			result.Committed = len(batch.Operations) - len(failedIDs)
			result.Failed = len(failedIDs) == len(batch.Operations)
			result.Requeued = report.Requeued
			result.Dropped = report.Dropped
			result.Superseded = report.Superseded
			b.logger.Info("batch partially committed",
				"batch_id", batch.BatchID,
				"committed", result.Committed,
				"requeued", len(report.Requeued),
				"dropped", len(report.Dropped))
		}

	default:
		b.engine.MarkBatchCommitted(batch.BatchID)
		result.Committed = len(batch.Operations)
		b.logger.Debug("batch committed",
			"batch_id", batch.BatchID,
			"ops", len(batch.Operations))
	}

	result.Duration = time.Since(start)
	return result, nil
}

// FlushAll drains the queues through fn, one batch at a time, reporting
// progress after each batch and yielding briefly between batches so other
// work is not starved.
//
// Returns the number of committed operations. It aborts early with
// ErrTooManyFailures after MaxConsecutiveFailures batch failures in a row -
// remaining operations stay queued for a later attempt - and with the
// context error if ctx is cancelled.
func (b *Buffer) FlushAll(ctx context.Context, fn FlushFunc, onProgress ProgressFunc) (int, error) {
	committed := 0
	consecutiveFailures := 0

	for b.engine.TotalQueued() > 0 {
		if err := ctx.Err(); err != nil {
			return committed, err
		}

		result, err := b.FlushBatch(ctx, fn)
		if err != nil {
			return committed, err
		}
		if result == nil {
			break
		}

		committed += result.Committed

		// Progress is reported for every attempted batch, including the
		// one that triggers the abort below, so an observer's last report
		// never predates the abort.
		if onProgress != nil {
			onProgress(committed, b.engine.TotalQueued())
		}

		if result.Failed {
			consecutiveFailures++
			if consecutiveFailures >= b.cfg.MaxConsecutiveFailures {
				b.logger.Error("aborting flush-all after consecutive batch failures",
					"failures", consecutiveFailures,
					"committed", committed,
					"remaining", b.engine.TotalQueued())
				return committed, fmt.Errorf("%w (%d in a row)", ErrTooManyFailures, consecutiveFailures)
			}
		} else {
			consecutiveFailures = 0
		}

		// Yield between batches.
		if b.cfg.BatchYield > 0 && b.engine.TotalQueued() > 0 {
			select {
			case <-ctx.Done():
				return committed, ctx.Err()
			case <-time.After(b.cfg.BatchYield):
			}
		}
	}

	return committed, nil
}
