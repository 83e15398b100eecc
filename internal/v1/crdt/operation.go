package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/wrightlabs/syncroom/internal/v1/types"
)

// OpType enumerates the mutations a property log can carry.
type OpType string

const (
	OpSet                 OpType = "set"
	OpArrayAdd            OpType = "array-add"
	OpArrayAddUnique      OpType = "array-add-unique"
	OpArrayRemoveMatching OpType = "array-remove-matching"
	OpArrayUpdateMatching OpType = "array-update-matching"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpSet, OpArrayAdd, OpArrayAddUnique, OpArrayRemoveMatching, OpArrayUpdateMatching:
		return true
	}
	return false
}

// Operation is a single CRDT mutation record. The clock snapshot is the
// author's vector clock at the moment of authorship and anchors the
// operation's position in the causal order.
type Operation struct {
	UUID        string              `json:"uuid"`
	Source      types.ReplicaIDType `json:"source"`
	Clock       *VectorClock        `json:"vectorClock"`
	Type        OpType              `json:"type"`
	Value       any                 `json:"value,omitempty"`
	UpdateValue any                 `json:"updateValue,omitempty"`
}

// newOperation stamps a fresh operation authored by the given replica. The
// clock is snapshotted, not shared.
func newOperation(source types.ReplicaIDType, clock *VectorClock, opType OpType, value, updateValue any) *Operation {
	return &Operation{
		UUID:        uuid.NewString(),
		Source:      source,
		Clock:       clock.Clone(),
		Type:        opType,
		Value:       value,
		UpdateValue: updateValue,
	}
}

// Validate rejects operations that cannot participate in ordering. A legacy
// operation without a vector clock is an error, never a guess.
func (op *Operation) Validate() error {
	if op.UUID == "" {
		return fmt.Errorf("operation is missing a uuid")
	}
	if op.Source == "" {
		return fmt.Errorf("operation %s is missing a source replica", op.UUID)
	}
	if !op.Type.Valid() {
		return fmt.Errorf("operation %s has unknown type %q", op.UUID, op.Type)
	}
	if op.Clock == nil {
		return fmt.Errorf("operation %s carries no vector clock", op.UUID)
	}
	return nil
}

// Compare defines the causal total order over a key's log. It returns a
// negative value when a sorts before b, positive when after, zero only for
// the same operation. Concurrent operations fall back to the maximum clock
// counter (lower first), then lexicographic source replica, then uuid, so
// every replica sorts an identical set of operations identically.
func Compare(a, b *Operation) int {
	if a.UUID == b.UUID {
		return 0
	}
	if a.Clock.Dominates(b.Clock) {
		return 1
	}
	if b.Clock.Dominates(a.Clock) {
		return -1
	}

	maxA, maxB := a.Clock.MaxCounter(), b.Clock.MaxCounter()
	switch {
	case maxA < maxB:
		return -1
	case maxA > maxB:
		return 1
	}

	switch {
	case a.Source < b.Source:
		return -1
	case a.Source > b.Source:
		return 1
	}

	if a.UUID < b.UUID {
		return -1
	}
	return 1
}

// apply folds the operation into the accumulator. Any array operation first
// coerces a non-slice accumulator to an empty slice; this coercion is part
// of the convergence contract.
func (op *Operation) apply(acc any) any {
	if op.Type == OpSet {
		return op.Value
	}

	arr, ok := acc.([]any)
	if !ok {
		arr = []any{}
	}

	switch op.Type {
	case OpArrayAdd:
		return append(arr, op.Value)

	case OpArrayAddUnique:
		for _, elem := range arr {
			if valuesEqual(elem, op.Value) {
				return arr
			}
		}
		return append(arr, op.Value)

	case OpArrayRemoveMatching:
		out := make([]any, 0, len(arr))
		for _, elem := range arr {
			if !valuesEqual(elem, op.Value) {
				out = append(out, elem)
			}
		}
		return out

	case OpArrayUpdateMatching:
		out := append([]any(nil), arr...)
		for i, elem := range out {
			if valuesEqual(elem, op.Value) {
				out[i] = op.UpdateValue
				break
			}
		}
		return out
	}

	return acc
}

// valuesEqual implements the matching rule: identity for strings and
// bools, canonical JSON for everything else. Numbers must go through the
// serialized form: a locally authored int and the same number decoded off
// the wire as float64 have to match on every replica, or logs materialize
// differently. encoding/json emits map keys in lexicographic order, so the
// comparison is deterministic for containers too.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch a.(type) {
	case string, bool:
		return a == b
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Clone deep-copies the operation, including its values, through the
// serialized form.
func (op *Operation) Clone() *Operation {
	out := &Operation{
		UUID:   op.UUID,
		Source: op.Source,
		Clock:  op.Clock.Clone(),
		Type:   op.Type,
	}
	out.Value = cloneValue(op.Value)
	out.UpdateValue = cloneValue(op.UpdateValue)
	return out
}

// cloneValue deep-copies a storage value tree. Values already passed
// sanitization, so marshaling cannot fail for well-formed state.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
