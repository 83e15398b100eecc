package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/wrightlabs/syncroom/internal/v1/types"
)

const (
	// clockTruncateThreshold is the entry count past which a clock is
	// trimmed. Only reachable under pathological replica churn.
	clockTruncateThreshold = 1000
	// clockTruncateKeep is how many of the newest entries survive a trim.
	clockTruncateKeep = 100
)

// VectorClock maps replica ids to monotonically increasing counters. Entry
// insertion order is preserved so the clock serializes as an ordered pair
// sequence and truncation can drop the oldest entries first.
type VectorClock struct {
	counters map[types.ReplicaIDType]uint64
	order    []types.ReplicaIDType
}

// ClockEntry is one (replica, counter) pair of a serialized clock.
type ClockEntry struct {
	Replica types.ReplicaIDType
	Counter uint64
}

// NewVectorClock returns an empty clock.
func NewVectorClock() *VectorClock {
	return &VectorClock{counters: make(map[types.ReplicaIDType]uint64)}
}

// Get returns the counter for a replica, zero when absent.
func (vc *VectorClock) Get(id types.ReplicaIDType) uint64 {
	return vc.counters[id]
}

// Len returns the number of tracked replicas.
func (vc *VectorClock) Len() int {
	return len(vc.order)
}

// Increment bumps the counter for the given replica, inserting it first if
// needed, then applies the truncation safeguard.
func (vc *VectorClock) Increment(id types.ReplicaIDType) {
	vc.touch(id)
	vc.counters[id]++
	vc.truncate()
}

// Ensure records a replica with counter zero if the clock has never seen it.
func (vc *VectorClock) Ensure(id types.ReplicaIDType) {
	vc.touch(id)
}

func (vc *VectorClock) touch(id types.ReplicaIDType) {
	if _, ok := vc.counters[id]; !ok {
		vc.counters[id] = 0
		vc.order = append(vc.order, id)
	}
}

// Merge folds another clock into this one, taking the per-entry maximum.
// Entries new to this clock keep the other clock's relative order.
func (vc *VectorClock) Merge(other *VectorClock) {
	if other == nil {
		return
	}
	for _, id := range other.order {
		if c, ok := vc.counters[id]; !ok || other.counters[id] > c {
			vc.touch(id)
			vc.counters[id] = other.counters[id]
		}
	}
	vc.truncate()
}

// truncate drops the oldest entries once the clock grows past the
// threshold. Observable only under extreme short-lived-replica churn; the
// trimmed history is unrecoverable and deliberately so.
func (vc *VectorClock) truncate() {
	if len(vc.order) <= clockTruncateThreshold {
		return
	}
	cut := len(vc.order) - clockTruncateKeep
	for _, id := range vc.order[:cut] {
		delete(vc.counters, id)
	}
	vc.order = append([]types.ReplicaIDType(nil), vc.order[cut:]...)
}

// Dominates reports whether every entry of other is <= the matching entry
// here, with at least one strictly greater here.
func (vc *VectorClock) Dominates(other *VectorClock) bool {
	strictly := false
	for _, id := range other.order {
		oc := other.counters[id]
		mc := vc.counters[id]
		if mc < oc {
			return false
		}
		if mc > oc {
			strictly = true
		}
	}
	if strictly {
		return true
	}
	// Entries other has never seen still count as strictly greater.
	for _, id := range vc.order {
		if vc.counters[id] > 0 {
			if _, ok := other.counters[id]; !ok {
				return true
			}
		}
	}
	return false
}

// MaxCounter returns the largest counter in the clock.
func (vc *VectorClock) MaxCounter() uint64 {
	var max uint64
	for _, c := range vc.counters {
		if c > max {
			max = c
		}
	}
	return max
}

// Clone returns a deep copy.
func (vc *VectorClock) Clone() *VectorClock {
	out := &VectorClock{
		counters: make(map[types.ReplicaIDType]uint64, len(vc.counters)),
		order:    append([]types.ReplicaIDType(nil), vc.order...),
	}
	for id, c := range vc.counters {
		out.counters[id] = c
	}
	return out
}

// Entries returns the clock as an ordered pair sequence.
func (vc *VectorClock) Entries() []ClockEntry {
	out := make([]ClockEntry, 0, len(vc.order))
	for _, id := range vc.order {
		out = append(out, ClockEntry{Replica: id, Counter: vc.counters[id]})
	}
	return out
}

// ClockFromEntries rebuilds a clock from an ordered pair sequence.
func ClockFromEntries(entries []ClockEntry) *VectorClock {
	vc := NewVectorClock()
	for _, e := range entries {
		vc.touch(e.Replica)
		vc.counters[e.Replica] = e.Counter
	}
	return vc
}

// MarshalJSON renders the clock as [[replica, counter], ...] so the pair
// order survives transport.
func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	pairs := make([][2]any, 0, len(vc.order))
	for _, id := range vc.order {
		pairs = append(pairs, [2]any{string(id), vc.counters[id]})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON accepts the ordered pair-sequence form.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var pairs [][2]any
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("vector clock must be a pair sequence: %w", err)
	}
	vc.counters = make(map[types.ReplicaIDType]uint64, len(pairs))
	vc.order = vc.order[:0]
	for _, p := range pairs {
		id, ok := p[0].(string)
		if !ok {
			return fmt.Errorf("vector clock replica id must be a string, got %T", p[0])
		}
		count, ok := p[1].(float64)
		if !ok || count < 0 {
			return fmt.Errorf("vector clock counter must be a non-negative number, got %v", p[1])
		}
		rid := types.ReplicaIDType(id)
		vc.touch(rid)
		vc.counters[rid] = uint64(count)
	}
	return nil
}
