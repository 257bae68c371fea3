// =============================================================================
// PORTABLE LANE - GROWABLE SLICE STORAGE (REFERENCE IMPLEMENTATION)
// =============================================================================
//
// This is the reference lane: a plain growable slice used as a FIFO deque.
// It allocates nothing up front, grows on demand, and is the fallback the
// engine factory selects when the native ring lane is not available for the
// configured ceiling.
//
// COMPLEXITY:
//   push:     O(1) amortized
//   popFront: O(1) amortized (head index + periodic compaction)
//   remove:   O(n) retain-style filter (dedup replacement is rare)
//
// =============================================================================

package buffer

import "time"

// sliceLane is a FIFO lane backed by a growable slice.
//
// A head index avoids shifting on every popFront; the backing array is
// compacted once the dead prefix outgrows the live portion, so memory does
// not grow without bound under steady traffic.
type sliceLane struct {
	ops  []OperationRecord
	head int
}

func newSliceLane() *sliceLane {
	return &sliceLane{}
}

func (l *sliceLane) push(op OperationRecord) {
	l.ops = append(l.ops, op)
}

func (l *sliceLane) popFront() (OperationRecord, bool) {
	if l.head >= len(l.ops) {
		return OperationRecord{}, false
	}
	op := l.ops[l.head]
	l.ops[l.head] = OperationRecord{} // release payload for GC
	l.head++
	l.compact()
	return op, true
}

// compact reclaims the dead prefix once it dominates the backing array.
func (l *sliceLane) compact() {
	if l.head > 64 && l.head > len(l.ops)/2 {
		n := copy(l.ops, l.ops[l.head:])
		for i := n; i < len(l.ops); i++ {
			l.ops[i] = OperationRecord{}
		}
		l.ops = l.ops[:n]
		l.head = 0
	}
}

func (l *sliceLane) remove(opID string) bool {
	for i := l.head; i < len(l.ops); i++ {
		if l.ops[i].OpID == opID {
			copy(l.ops[i:], l.ops[i+1:])
			l.ops[len(l.ops)-1] = OperationRecord{}
			l.ops = l.ops[:len(l.ops)-1]
			return true
		}
	}
	return false
}

func (l *sliceLane) len() int {
	return len(l.ops) - l.head
}

func (l *sliceLane) oldest() (time.Time, bool) {
	if l.head >= len(l.ops) {
		return time.Time{}, false
	}
	return l.ops[l.head].QueuedAt, true
}

func (l *sliceLane) drain() []OperationRecord {
	live := l.ops[l.head:]
	out := make([]OperationRecord, len(live))
	copy(out, live)
	l.ops = nil
	l.head = 0
	return out
}

func (l *sliceLane) clear() {
	l.ops = nil
	l.head = 0
}
