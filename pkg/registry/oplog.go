package registry

import (
	"github.com/palettelabs/palettesync/pkg/palette"
)

// opLog is a bounded ring buffer of accepted operations plus the floor
// clock describing everything that has already been compacted out of it.
//
// It is NOT safe for concurrent use; the owning Room's actor is the only
// caller. The buffer overwrites oldest entries when full, maintaining a
// sliding window of recent operations that can be replayed to a
// reconnecting client whose clock still covers the floor.
type opLog struct {
	entries  []palette.Operation
	head     int // next write position (circular)
	count    int // current number of entries
	capacity int

	// floor holds, per origin, the highest origin counter among operations
	// that have been overwritten. A client clock that covers the floor has
	// seen the entire compacted prefix and can be caught up from the
	// buffer alone.
	floor palette.VectorClock
}

func newOpLog(capacity int) *opLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &opLog{
		entries:  make([]palette.Operation, capacity),
		capacity: capacity,
		floor:    palette.NewVectorClock(),
	}
}

// append stores an accepted operation, compacting the oldest entry into the
// floor clock when the buffer is full.
func (l *opLog) append(op palette.Operation) {
	if l.count == l.capacity {
		evicted := l.entries[l.head]
		l.floor.Observe(evicted.Origin, evicted.OriginSeq)
	}

	l.entries[l.head] = op
	l.head = (l.head + 1) % l.capacity
	if l.count < l.capacity {
		l.count++
	}
}

// recent returns the buffered operations oldest-first.
func (l *opLog) recent() []palette.Operation {
	ops := make([]palette.Operation, 0, l.count)
	for i := 0; i < l.count; i++ {
		idx := (l.head - l.count + i + l.capacity) % l.capacity
		ops = append(ops, l.entries[idx])
	}
	return ops
}

// canRecover reports whether a client at the given clock can be caught up
// by replaying buffered operations alone. True iff the client has seen
// everything compacted out of the buffer.
func (l *opLog) canRecover(clock palette.VectorClock) bool {
	return clock.Covers(l.floor)
}

// since returns the buffered operations the given clock has not seen,
// oldest-first. Only meaningful when canRecover(clock) is true; otherwise
// the compacted prefix may also contain unseen operations.
func (l *opLog) since(clock palette.VectorClock) []palette.Operation {
	var ops []palette.Operation
	for i := 0; i < l.count; i++ {
		idx := (l.head - l.count + i + l.capacity) % l.capacity
		op := l.entries[idx]
		if op.OriginSeq > clock.Seen(op.Origin) {
			ops = append(ops, op)
		}
	}
	return ops
}

func (l *opLog) len() int { return l.count }

// floorClock returns a copy of the compaction floor.
func (l *opLog) floorClock() palette.VectorClock {
	return l.floor.Clone()
}
