// =============================================================================
// NATIVE LANE - PREALLOCATED RING STORAGE
// =============================================================================
//
// The native lane is a circular buffer preallocated to the configured queue
// ceiling. Compared to the portable slice lane it trades memory up front for
// steady-state behavior:
//
//   - push/popFront never move elements, only head/tail indexes
//   - no reallocation under normal load (the ceiling bounds occupancy)
//   - dedup removal is a tombstone, not an O(n) splice
//
// TOMBSTONES:
// Deduplication can remove an operation from the middle of a lane. A ring
// cannot splice, so the slot is marked dead and skipped on the way out:
//
//	head                                   tail
//	  │                                      │
//	  ▼                                      ▼
//	┌────┬────┬────┬────┬────┬────┬────┬────┐
//	│ op │ ✝  │ op │ op │ ✝  │ op │    │    │   ✝ = tombstone (skipped)
//	└────┴────┴────┴────┴────┴────┴────┴────┘
//
// The live count excludes tombstones; occupied slots (live + tombstones) are
// what trigger a grow. Restore can legitimately overfill past the ceiling,
// so the ring grows geometrically in that case rather than losing work.
//
// =============================================================================

package buffer

import "time"

// ringSlot is one slot of a ring lane.
type ringSlot struct {
	op   OperationRecord
	live bool
}

// ringLane is a FIFO lane backed by a circular buffer with tombstone removal.
type ringLane struct {
	slots []ringSlot
	head  int // next read position
	tail  int // next write position
	size  int // occupied slots, including tombstones
	count int // live operations, excluding tombstones
}

func newRingLane(capacity int) *ringLane {
	if capacity < 1 {
		capacity = 1
	}
	return &ringLane{slots: make([]ringSlot, capacity)}
}

func (l *ringLane) push(op OperationRecord) {
	if l.size == len(l.slots) {
		l.grow()
	}
	l.slots[l.tail] = ringSlot{op: op, live: true}
	l.tail = (l.tail + 1) % len(l.slots)
	l.size++
	l.count++
}

// grow doubles the ring, re-linearizing live order.
// Only reachable when Restore overfills past the preallocated ceiling.
func (l *ringLane) grow() {
	bigger := make([]ringSlot, len(l.slots)*2)
	n := 0
	for i := 0; i < l.size; i++ {
		s := l.slots[(l.head+i)%len(l.slots)]
		if s.live {
			bigger[n] = s
			n++
		}
	}
	l.slots = bigger
	l.head = 0
	l.tail = n
	l.size = n
	l.count = n
}

func (l *ringLane) popFront() (OperationRecord, bool) {
	for l.size > 0 {
		s := l.slots[l.head]
		l.slots[l.head] = ringSlot{}
		l.head = (l.head + 1) % len(l.slots)
		l.size--
		if s.live {
			l.count--
			return s.op, true
		}
	}
	return OperationRecord{}, false
}

func (l *ringLane) remove(opID string) bool {
	for i := 0; i < l.size; i++ {
		idx := (l.head + i) % len(l.slots)
		if l.slots[idx].live && l.slots[idx].op.OpID == opID {
			l.slots[idx] = ringSlot{} // tombstone, skipped by popFront
			l.count--
			return true
		}
	}
	return false
}

func (l *ringLane) len() int {
	return l.count
}

func (l *ringLane) oldest() (time.Time, bool) {
	for i := 0; i < l.size; i++ {
		idx := (l.head + i) % len(l.slots)
		if l.slots[idx].live {
			return l.slots[idx].op.QueuedAt, true
		}
	}
	return time.Time{}, false
}

func (l *ringLane) drain() []OperationRecord {
	out := make([]OperationRecord, 0, l.count)
	for l.size > 0 {
		op, ok := l.popFront()
		if !ok {
			break
		}
		out = append(out, op)
	}
	l.head = 0
	l.tail = 0
	return out
}

func (l *ringLane) clear() {
	for i := range l.slots {
		l.slots[i] = ringSlot{}
	}
	l.head = 0
	l.tail = 0
	l.size = 0
	l.count = 0
}
