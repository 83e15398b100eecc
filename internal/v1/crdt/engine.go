// Package crdt implements the replicated key-value document shared by a
// room's participants. Each replica keeps a per-key operation log sorted by
// a deterministic causal order, a vector clock, and the materialized value
// per key; replicas that learn the same set of operations converge on
// byte-identical state.
package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wrightlabs/syncroom/internal/v1/metrics"
	"github.com/wrightlabs/syncroom/internal/v1/sanitize"
	"github.com/wrightlabs/syncroom/internal/v1/types"
)

const (
	// gcMinInterval throttles how often the lazy collector may run.
	gcMinInterval = time.Second
	// gcMinOps is the log length below which a key is never compacted.
	gcMinOps = 5
	// gcMinAge is how long an operation must have been known before it is
	// eligible for compaction. Kept equal to one heartbeat interval so a
	// briefly disconnected peer can still dedupe by uuid.
	gcMinAge = types.HeartbeatInterval
)

// PropertyUpdate is the transportable record produced by a local mutation
// and consumed by ImportPropertyUpdate on peers.
type PropertyUpdate struct {
	Key       string       `json:"key"`
	Operation *Operation   `json:"operation"`
	Clock     *VectorClock `json:"vectorClock"`
}

// Validate checks the update is complete enough to import.
func (u *PropertyUpdate) Validate() error {
	if u == nil {
		return fmt.Errorf("update is nil")
	}
	if u.Key == "" {
		return fmt.Errorf("update is missing a key")
	}
	if u.Operation == nil {
		return fmt.Errorf("update is missing an operation")
	}
	return u.Operation.Validate()
}

// Engine is one replica of a room document. All methods are safe for
// concurrent use.
type Engine struct {
	mu        sync.Mutex
	replicaID types.ReplicaIDType
	clock     *VectorClock

	keyOps   map[string][]*Operation
	keyOrder []string

	store     map[string]any
	lastStore map[string]any

	// opTimestamps records when this replica first learned each operation;
	// it drives GC eligibility.
	opTimestamps map[string]time.Time
	lastGC       time.Time

	now func() time.Time
}

// NewEngine constructs a replica with a freshly minted replica id.
func NewEngine() *Engine {
	e := &Engine{
		replicaID:    types.ReplicaIDType(uuid.NewString()),
		clock:        NewVectorClock(),
		keyOps:       make(map[string][]*Operation),
		store:        make(map[string]any),
		lastStore:    make(map[string]any),
		opTimestamps: make(map[string]time.Time),
		now:          time.Now,
	}
	e.clock.Ensure(e.replicaID)
	return e
}

// ReplicaID returns this replica's globally unique id.
func (e *Engine) ReplicaID() types.ReplicaIDType {
	return e.replicaID
}

// UpdateProperty applies a local mutation: sanitize, bump own clock entry,
// append the new operation (local operations are always newest, so no
// re-sort), re-materialize, and return the export record for transport.
// A failed sanitization leaves the replica untouched.
func (e *Engine) UpdateProperty(key string, opType OpType, value, updateValue any) (*PropertyUpdate, error) {
	if !opType.Valid() {
		return nil, fmt.Errorf("unknown operation type %q", opType)
	}

	cleanValue, err := sanitize.Value(value)
	if err != nil {
		return nil, err
	}
	cleanUpdate, err := sanitize.Value(updateValue)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.keyOps[key]; !exists && len(e.keyOrder) >= types.MaxRoomKeys {
		return nil, types.ErrTooManyKeys
	}

	e.clock.Increment(e.replicaID)
	op := newOperation(e.replicaID, e.clock, opType, cleanValue, cleanUpdate)

	e.appendOp(key, op)
	e.materializeKey(key)
	e.opTimestamps[op.UUID] = e.now()
	e.maybeGC()

	metrics.CRDTOperations.WithLabelValues(string(opType), "local").Inc()

	return &PropertyUpdate{Key: key, Operation: op, Clock: e.clock.Clone()}, nil
}

// ImportPropertyUpdate folds a peer's operation into this replica. Imports
// are idempotent by operation uuid.
func (e *Engine) ImportPropertyUpdate(u *PropertyUpdate) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("rejecting import: %w", err)
	}

	op := u.Operation.Clone()

	// Defensive re-sanitization; peers are not trusted to have done it.
	cleanValue, err := sanitize.Value(op.Value)
	if err != nil {
		return err
	}
	cleanUpdate, err := sanitize.Value(op.UpdateValue)
	if err != nil {
		return err
	}
	op.Value, op.UpdateValue = cleanValue, cleanUpdate

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.keyOps[u.Key]; !exists && len(e.keyOrder) >= types.MaxRoomKeys {
		return types.ErrTooManyKeys
	}

	clock := u.Clock
	if clock == nil {
		clock = op.Clock
	}
	e.clock.Merge(clock)

	if !e.hasOp(u.Key, op.UUID) {
		e.appendOp(u.Key, op)
		e.sortKey(u.Key)
	}
	if _, seen := e.opTimestamps[op.UUID]; !seen {
		e.opTimestamps[op.UUID] = e.now()
	}
	e.materializeKey(u.Key)
	e.maybeGC()

	metrics.CRDTOperations.WithLabelValues(string(op.Type), "import").Inc()

	return nil
}

// State is a deep, serializable snapshot of a replica: an ordered pair
// sequence of key logs plus the vector clock.
type State struct {
	Keys  []KeyLog     `json:"keys"`
	Clock *VectorClock `json:"vectorClock"`
}

// KeyLog is one (key, operations) pair of a snapshot.
type KeyLog struct {
	Key string       `json:"key"`
	Ops []*Operation `json:"operations"`
}

// ExportState returns a deep snapshot suitable for transport.
func (e *Engine) ExportState() *State {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := &State{Clock: e.clock.Clone()}
	for _, key := range e.keyOrder {
		ops := make([]*Operation, 0, len(e.keyOps[key]))
		for _, op := range e.keyOps[key] {
			ops = append(ops, op.Clone())
		}
		out.Keys = append(out.Keys, KeyLog{Key: key, Ops: ops})
	}
	return out
}

// ImportState replaces this replica's logs and clock atomically, re-stamps
// every operation as newly learned, and re-materializes every key. Used by
// clients on join and on reconnection.
func (e *Engine) ImportState(s *State) error {
	if s == nil {
		return fmt.Errorf("state is nil")
	}
	for _, kl := range s.Keys {
		for _, op := range kl.Ops {
			if err := op.Validate(); err != nil {
				return fmt.Errorf("rejecting state import: %w", err)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.keyOps = make(map[string][]*Operation, len(s.Keys))
	e.keyOrder = e.keyOrder[:0]
	e.store = make(map[string]any)
	e.opTimestamps = make(map[string]time.Time)

	if s.Clock != nil {
		e.clock = s.Clock.Clone()
	} else {
		e.clock = NewVectorClock()
	}
	e.clock.Ensure(e.replicaID)

	learned := e.now()
	for _, kl := range s.Keys {
		for _, op := range kl.Ops {
			e.appendOp(kl.Key, op.Clone())
			e.opTimestamps[op.UUID] = learned
		}
		e.sortKey(kl.Key)
		e.materializeKey(kl.Key)
	}
	return nil
}

// Properties returns a deep copy of the materialized document.
func (e *Engine) Properties() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]any, len(e.store))
	for k, v := range e.store {
		out[k] = cloneValue(v)
	}
	return out
}

// Property returns the materialized value for one key.
func (e *Engine) Property(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.store[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// KeyCount returns the number of keys with an operation log.
func (e *Engine) KeyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keyOrder)
}

// DidPropertiesChange reports whether the materialized document differs
// from the last time this method was called. Consume-once: the comparison
// snapshot is updated as a side effect.
func (e *Engine) DidPropertiesChange() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := !storesEqual(e.store, e.lastStore)
	if changed {
		e.lastStore = make(map[string]any, len(e.store))
		for k, v := range e.store {
			e.lastStore[k] = cloneValue(v)
		}
	}
	return changed
}

func storesEqual(a, b map[string]any) bool {
	// Canonical JSON compare; encoding/json sorts map keys.
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// --- internals (callers hold e.mu) ---

func (e *Engine) appendOp(key string, op *Operation) {
	if _, exists := e.keyOps[key]; !exists {
		e.keyOrder = append(e.keyOrder, key)
	}
	e.keyOps[key] = append(e.keyOps[key], op)
}

func (e *Engine) hasOp(key, opUUID string) bool {
	for _, op := range e.keyOps[key] {
		if op.UUID == opUUID {
			return true
		}
	}
	return false
}

func (e *Engine) sortKey(key string) {
	ops := e.keyOps[key]
	// Insertion sort: logs are nearly sorted, usually one element out of
	// place after an import.
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && Compare(ops[j-1], ops[j]) > 0; j-- {
			ops[j-1], ops[j] = ops[j], ops[j-1]
		}
	}
}

// materializeKey folds the key's log in order, starting from nil.
func (e *Engine) materializeKey(key string) {
	e.store[key] = foldOps(e.keyOps[key])
}

func foldOps(ops []*Operation) any {
	var acc any
	for _, op := range ops {
		acc = op.apply(acc)
	}
	return acc
}

// maybeGC runs the lazy collector at most once per gcMinInterval. For each
// key with at least gcMinOps operations, the longest prefix of operations
// learned more than gcMinAge ago is folded into a single synthetic set
// operation carrying the clock of the last removed one. The materialized
// value is unchanged by construction: folding a prefix then applying the
// suffix equals folding the whole log.
func (e *Engine) maybeGC() {
	nowTs := e.now()
	if nowTs.Sub(e.lastGC) < gcMinInterval {
		return
	}
	e.lastGC = nowTs

	for _, key := range e.keyOrder {
		ops := e.keyOps[key]
		if len(ops) < gcMinOps {
			continue
		}

		prefix := 0
		for _, op := range ops {
			ts, ok := e.opTimestamps[op.UUID]
			if !ok || nowTs.Sub(ts) <= gcMinAge {
				break
			}
			prefix++
		}
		if prefix == 0 {
			continue
		}

		folded := foldOps(ops[:prefix])
		last := ops[prefix-1]
		synthetic := newOperation(e.replicaID, last.Clock, OpSet, folded, nil)

		for _, op := range ops[:prefix] {
			delete(e.opTimestamps, op.UUID)
		}
		e.opTimestamps[synthetic.UUID] = nowTs
		e.keyOps[key] = append([]*Operation{synthetic}, ops[prefix:]...)

		metrics.CRDTCompactions.Inc()
	}
}
