// =============================================================================
// ENGINE CORE - LANES, DEDUPLICATION, IN-FLIGHT LEDGER, RECONCILER
// =============================================================================
//
// This is the load-bearing state machine of the buffer. It owns the three
// shared structures whose invariants span each other:
//
//   ┌──────────────────────────────────────────────────────────────────────┐
//   │                          ENGINE CORE                                 │
//   │                                                                      │
//   │   Lanes (FIFO each)          Dedup index          In-flight ledger   │
//   │   ┌───────────────┐       ┌──────────────┐       ┌───────────────┐   │
//   │   │ retry  ██░░░░ │       │ key → op_id  │       │ batch-3 ████  │   │
//   │   │ high   █░░░░░ │ ◄───► │ (last write  │       │ batch-4 ██    │   │
//   │   │ normal ███░░░ │       │    wins)     │       │               │   │
//   │   │ bulk   █████░ │       └──────────────┘       └───────────────┘   │
//   │   └───────────────┘                                                  │
//   │                                                                      │
//   │   One mutex guards all three as a unit: every invariant (single      │
//   │   live op per dedup key, ceiling never exceeded, op in exactly one   │
//   │   lane or batch) spans at least two of them.                         │
//   └──────────────────────────────────────────────────────────────────────┘
//
// DRAIN ORDER: retry → high → normal → bulk, FIFO within each lane. The
// retry lane wins because its operations are already late. Operations are
// removed from lanes at formation time, never at flush time, so the same
// operation can never ride in two batches at once.
//
// The flush functions themselves run in the facade (buffer.go), outside this
// lock - producers are never blocked by an in-flight transmission.
//
// =============================================================================

package buffer

import (
	"math"
	"sync"
	"time"
)

// =============================================================================
// LANES
// =============================================================================

// lane is the storage strategy boundary between the native and portable
// engines: ring-backed preallocated slots vs growable slices. Everything
// above this interface is shared, which is what keeps the two
// implementations behaviorally identical.
type lane interface {
	push(op OperationRecord)
	popFront() (OperationRecord, bool)
	remove(opID string) bool
	len() int
	oldest() (time.Time, bool)
	drain() []OperationRecord
	clear()
}

// Lane indexes in drain order.
const (
	laneRetry = iota
	laneHigh
	laneNormal
	laneBulk
	laneCount
)

func laneForPriority(p Priority) int {
	switch p {
	case PriorityHigh:
		return laneHigh
	case PriorityBulk:
		return laneBulk
	default:
		return laneNormal
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// coreEngine implements Engine over a set of lanes. The factory wires it
// with either ring lanes ("native") or slice lanes ("portable").
type coreEngine struct {
	mu sync.Mutex

	lanes [laneCount]lane

	// dedup maps a dedup key to the single live operation carrying it,
	// across all lanes. The holder's enqueue sequence decides supersession
	// when a failed operation comes back carrying the same key.
	dedup map[string]dedupHolder

	// inFlight is the ledger of formed batches awaiting reconciliation
	inFlight map[string]*Batch

	cfg    Config
	impl   string
	closed bool

	batchSeq uint64

	// opSeq orders admissions. Strictly increasing, so "newer write" is
	// well defined even for operations queued within the same clock tick.
	opSeq uint64

	batchesFlushed  uint64
	opsCommitted    uint64
	opsFailed       uint64
	opsDeduplicated uint64
	opsRejected     uint64

	// onStats, when set, receives a snapshot after every mutating call.
	// Invoked outside the lock.
	onStats func(Stats)

	// now is swappable for tests
	now func() time.Time
}

// dedupHolder records which operation currently owns a dedup key and how
// recently it was admitted.
type dedupHolder struct {
	opID string
	seq  uint64
}

func newCoreEngine(cfg Config, impl string, makeLane func() lane, onStats func(Stats)) *coreEngine {
	e := &coreEngine{
		dedup:    make(map[string]dedupHolder),
		inFlight: make(map[string]*Batch),
		cfg:      cfg,
		impl:     impl,
		onStats:  onStats,
		now:      time.Now,
	}
	for i := range e.lanes {
		e.lanes[i] = makeLane()
	}
	return e
}

func (e *coreEngine) Implementation() string {
	return e.impl
}

func (e *coreEngine) emit(s Stats) {
	if e.onStats != nil {
		e.onStats(s)
	}
}

// =============================================================================
// ADMISSION & QUEUING
// =============================================================================

// QueueWrite queues an operation at the given priority.
//
// Returns false when the buffer is at its ceiling - the sole backpressure
// signal. The caller is never blocked; it decides whether to drop, wait, or
// escalate.
func (e *coreEngine) QueueWrite(opID string, opType OpType, payload []byte, prio Priority) (bool, error) {
	return e.QueueWriteWithDedup(opID, opType, payload, prio, "")
}

// QueueWriteWithDedup queues an operation under a dedup key: if another live
// operation carries the same key (in any lane, including retry), it is
// superseded - last write wins, counted once in TotalQueued.
func (e *coreEngine) QueueWriteWithDedup(opID string, opType OpType, payload []byte, prio Priority, dedupKey string) (bool, error) {
	if opID == "" {
		return false, ErrEmptyOpID
	}
	if !prio.IsValid() {
		return false, ErrInvalidPriority
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrBufferClosed
	}

	// Admission check first: at 100% occupancy nothing is enqueued,
	// regardless of priority.
	if e.totalQueuedLocked() >= e.cfg.MaxQueueSize {
		e.opsRejected++
		snap := e.statsLocked()
		e.mu.Unlock()
		e.emit(snap)
		return false, nil
	}

	e.opSeq++
	if dedupKey != "" {
		e.supersedeLocked(dedupKey)
		e.dedup[dedupKey] = dedupHolder{opID: opID, seq: e.opSeq}
	}

	e.lanes[laneForPriority(prio)].push(OperationRecord{
		OpID:     opID,
		OpType:   opType,
		Payload:  payload,
		Priority: prio,
		QueuedAt: e.now(),
		DedupKey: dedupKey,
		seq:      e.opSeq,
	})

	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
	return true, nil
}

// supersedeLocked removes the live operation currently holding dedupKey,
// wherever it resides. Called with the lock held.
func (e *coreEngine) supersedeLocked(dedupKey string) {
	holder, ok := e.dedup[dedupKey]
	if !ok {
		return
	}
	for _, l := range e.lanes {
		if l.remove(holder.opID) {
			break
		}
	}
	e.opsDeduplicated++
	delete(e.dedup, dedupKey)
}

// =============================================================================
// BATCH FORMATION
// =============================================================================

// ShouldFlush reports whether a driver should form and flush a batch now.
//
// The policy is monotonic in occupancy, so any non-empty queue eventually
// flushes (no starvation):
//   - retry or high lane non-empty: flush now
//   - any lane at the batch-size threshold: flush now
//   - oldest queued operation older than the flush interval: flush now
func (e *coreEngine) ShouldFlush() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.totalQueuedLocked() == 0 {
		return false
	}
	if e.lanes[laneRetry].len() > 0 || e.lanes[laneHigh].len() > 0 {
		return true
	}
	for _, l := range e.lanes {
		if l.len() >= e.cfg.BatchSize {
			return true
		}
	}
	now := e.now()
	for _, l := range e.lanes {
		if at, ok := l.oldest(); ok && now.Sub(at) >= e.cfg.FlushInterval {
			return true
		}
	}
	return false
}

// GetPendingBatch drains up to BatchSize operations in priority order
// (retry → high → normal → bulk, FIFO within each lane) into an immutable
// batch, moving them out of the lanes and the dedup index and into the
// in-flight ledger. Returns false when all lanes are empty.
//
// The returned batch is the caller's own copy: reconciliation tracks state
// on the ledger's record, so the handout can be read without synchronizing
// against MarkBatchCommitted/MarkBatchFailed. The operation slice is shared
// and never mutated after formation.
func (e *coreEngine) GetPendingBatch() (*Batch, bool) {
	e.mu.Lock()

	if e.totalQueuedLocked() == 0 {
		e.mu.Unlock()
		return nil, false
	}

	ops := make([]OperationRecord, 0, e.cfg.BatchSize)
	for _, l := range e.lanes {
		for len(ops) < e.cfg.BatchSize {
			op, ok := l.popFront()
			if !ok {
				break
			}
			if op.DedupKey != "" {
				delete(e.dedup, op.DedupKey)
			}
			ops = append(ops, op)
		}
		if len(ops) == e.cfg.BatchSize {
			break
		}
	}

	e.batchSeq++
	batch := &Batch{
		BatchID:    newBatchID(e.batchSeq),
		Operations: ops,
		State:      BatchInFlight,
		CreatedAt:  e.now(),
		Priority:   highestPriority(ops),
	}
	e.inFlight[batch.BatchID] = batch
	e.batchesFlushed++
	handout := *batch

	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
	return &handout, true
}

// =============================================================================
// RESULT RECONCILER
// =============================================================================

// MarkBatchCommitted removes the batch from the ledger; all its operations
// are permanently done. Returns false for an unknown batch ID.
func (e *coreEngine) MarkBatchCommitted(batchID string) bool {
	e.mu.Lock()
	batch, ok := e.inFlight[batchID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.inFlight, batchID)
	batch.State = BatchCommitted
	e.opsCommitted += uint64(len(batch.Operations))

	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
	return true
}

// MarkBatchFailed dissolves the batch: every operation has its retry count
// incremented and is either requeued into the retry lane or, past the retry
// ceiling, dropped and reported in the returned RequeueReport.
func (e *coreEngine) MarkBatchFailed(batchID, errMsg string) RequeueReport {
	e.mu.Lock()
	batch, ok := e.inFlight[batchID]
	if !ok {
		e.mu.Unlock()
		return RequeueReport{}
	}
	delete(e.inFlight, batchID)
	batch.State = BatchFailed

	var report RequeueReport
	for _, op := range batch.Operations {
		e.requeueLocked(op, &report)
	}

	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
	return report
}

// MarkOperationsFailed is the partial-failure variant: operations of the
// batch not listed in failedOpIDs are committed; listed ones follow the same
// retry-or-drop rule as a full failure. This distinguishes "the transport
// failed" from "the backend rejected specific operations".
func (e *coreEngine) MarkOperationsFailed(batchID string, failedOpIDs []string) RequeueReport {
	e.mu.Lock()
	batch, ok := e.inFlight[batchID]
	if !ok {
		e.mu.Unlock()
		return RequeueReport{}
	}
	delete(e.inFlight, batchID)
	batch.State = BatchFailed

	failed := make(map[string]bool, len(failedOpIDs))
	for _, id := range failedOpIDs {
		failed[id] = true
	}

	var report RequeueReport
	for _, op := range batch.Operations {
		if failed[op.OpID] {
			e.requeueLocked(op, &report)
		} else {
			e.opsCommitted++
		}
	}

	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
	return report
}

// requeueLocked applies the retry policy to one failed operation.
// Called with the lock held.
//
// Requeued operations bypass the admission ceiling: they were already
// accepted once and must not be lost because the queue filled up meanwhile.
func (e *coreEngine) requeueLocked(op OperationRecord, report *RequeueReport) {
	op.RetryCount++
	if op.RetryCount > e.cfg.MaxRetries {
		e.opsFailed++
		report.Dropped = append(report.Dropped, op.OpID)
		return
	}
	if op.DedupKey != "" {
		if holder, taken := e.dedup[op.DedupKey]; taken {
			if holder.seq > op.seq {
				// A newer write claimed this key while the batch was
				// in flight. Last write wins: the stale failure is
				// superseded, not requeued.
				e.opsDeduplicated++
				report.Superseded = append(report.Superseded, op.OpID)
				return
			}
			// The holder is an OLDER write whose own failed batch was
			// reconciled first. Evict it so the newest payload is the
			// one that retries.
			for _, l := range e.lanes {
				if l.remove(holder.opID) {
					break
				}
			}
			e.opsDeduplicated++
			report.Superseded = append(report.Superseded, holder.opID)
		}
		e.dedup[op.DedupKey] = dedupHolder{opID: op.OpID, seq: op.seq}
	}
	e.lanes[laneRetry].push(op)
	report.Requeued = append(report.Requeued, op.OpID)
}

// =============================================================================
// GAUGES & STATISTICS
// =============================================================================

func (e *coreEngine) totalQueuedLocked() int {
	total := 0
	for _, l := range e.lanes {
		total += l.len()
	}
	return total
}

// TotalQueued returns the number of live operations across all lanes.
func (e *coreEngine) TotalQueued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalQueuedLocked()
}

// InFlightCount returns the number of batches handed out but not reconciled.
func (e *coreEngine) InFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

func (e *coreEngine) backpressureLocked() int {
	bp := int(math.Round(100 * float64(e.totalQueuedLocked()) / float64(e.cfg.MaxQueueSize)))
	if bp < 0 {
		bp = 0
	}
	if bp > 100 {
		bp = 100
	}
	return bp
}

// Backpressure returns the occupancy signal: round(100 * queued / ceiling),
// clamped to [0,100].
func (e *coreEngine) Backpressure() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backpressureLocked()
}

// IsBackpressured reports whether the queue is at capacity - new enqueues
// will be rejected until occupancy drops.
func (e *coreEngine) IsBackpressured() bool {
	return e.Backpressure() >= 100
}

func (e *coreEngine) statsLocked() Stats {
	return Stats{
		RetryCount:      e.lanes[laneRetry].len(),
		HighCount:       e.lanes[laneHigh].len(),
		NormalCount:     e.lanes[laneNormal].len(),
		BulkCount:       e.lanes[laneBulk].len(),
		InFlightBatches: len(e.inFlight),
		BatchesFlushed:  e.batchesFlushed,
		OpsCommitted:    e.opsCommitted,
		OpsFailed:       e.opsFailed,
		OpsDeduplicated: e.opsDeduplicated,
		OpsRejected:     e.opsRejected,
		Backpressure:    e.backpressureLocked(),
	}
}

// Stats returns a point-in-time snapshot of buffer state.
func (e *coreEngine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

// ResetStats zeroes the cumulative counters without touching queued
// operations.
func (e *coreEngine) ResetStats() {
	e.mu.Lock()
	e.batchesFlushed = 0
	e.opsCommitted = 0
	e.opsFailed = 0
	e.opsDeduplicated = 0
	e.opsRejected = 0
	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
}

// SetMaxQueueSize reconfigures the admission ceiling at runtime. Existing
// operations are never evicted: lowering the ceiling below current occupancy
// only blocks future admission until occupancy drops.
func (e *coreEngine) SetMaxQueueSize(n int) {
	if n < 1 {
		n = 1
	}
	e.mu.Lock()
	e.cfg.MaxQueueSize = n
	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
}

// =============================================================================
// LIFECYCLE, DRAIN & RESTORE
// =============================================================================

// Clear unconditionally drops all queued, non-in-flight operations.
// In-flight batches stay in the ledger - they are already on the wire.
func (e *coreEngine) Clear() {
	e.mu.Lock()
	for _, l := range e.lanes {
		l.clear()
	}
	e.dedup = make(map[string]dedupHolder)
	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
}

// DrainAll atomically empties every lane (not the in-flight ledger) and
// returns the removed records in drain order, for graceful shutdown.
func (e *coreEngine) DrainAll() []OperationRecord {
	e.mu.Lock()
	var out []OperationRecord
	for _, l := range e.lanes {
		out = append(out, l.drain()...)
	}
	e.dedup = make(map[string]dedupHolder)
	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
	return out
}

// Restore re-admits previously drained records, preserving each record's
// priority, retry count, and dedup key. It bypasses the admission ceiling:
// work that was accepted once must not be lost because the ceiling was
// lowered since. Records with a retry count route to the retry lane.
func (e *coreEngine) Restore(ops []OperationRecord) {
	e.mu.Lock()
	for _, op := range ops {
		if !op.Priority.IsValid() {
			op.Priority = PriorityNormal
		}
		// Restored records get fresh sequence numbers in arrival order;
		// snapshots preserve relative order, which is all supersession needs.
		e.opSeq++
		op.seq = e.opSeq
		if op.DedupKey != "" {
			e.supersedeLocked(op.DedupKey)
			e.dedup[op.DedupKey] = dedupHolder{opID: op.OpID, seq: op.seq}
		}
		if op.RetryCount > 0 {
			e.lanes[laneRetry].push(op)
		} else {
			e.lanes[laneForPriority(op.Priority)].push(op)
		}
	}
	snap := e.statsLocked()
	e.mu.Unlock()
	e.emit(snap)
}

// Close marks the engine closed. Subsequent QueueWrite calls fail with
// ErrBufferClosed; reads and reconciliation of already-formed batches
// keep working so a shutdown drain can finish.
func (e *coreEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
