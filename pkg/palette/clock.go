package palette

// VectorClock maps an origin (participant/node id) to a monotonically
// non-decreasing counter. A room's clock entry for origin O equals the
// OriginSeq of the last operation from O the registry accepted, so a replica
// holding clock C has observed exactly the operations op with
// op.OriginSeq <= C[op.Origin].
type VectorClock map[string]uint64

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Clone returns a copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	c := make(VectorClock, len(vc))
	for k, v := range vc {
		c[k] = v
	}
	return c
}

// Tick increments the counter for origin and returns the new value.
func (vc VectorClock) Tick(origin string) uint64 {
	vc[origin]++
	return vc[origin]
}

// Observe raises the counter for origin to at least seq. Counters never
// decrease.
func (vc VectorClock) Observe(origin string, seq uint64) {
	if seq > vc[origin] {
		vc[origin] = seq
	}
}

// Merge raises every counter to at least the other clock's value.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Covers reports whether vc has observed everything in other, i.e. every
// counter in other is <= the corresponding counter in vc.
func (vc VectorClock) Covers(other VectorClock) bool {
	for k, v := range other {
		if vc[k] < v {
			return false
		}
	}
	return true
}

// Equal reports whether the two clocks record identical counters. Zero
// entries compare equal to absent ones.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Covers(other) && other.Covers(vc)
}

// Seen returns the counter for origin: every operation from origin with
// OriginSeq at or below it has been observed. Zero for unknown origins.
func (vc VectorClock) Seen(origin string) uint64 {
	return vc[origin]
}
