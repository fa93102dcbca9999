package blockstm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"
)

// ReadOutcome classifies the result of an MVMap.Read call.
type ReadOutcome int

const (
	OutcomeNotFound ReadOutcome = iota
	OutcomeDependency
	OutcomeVersion
	OutcomeMerged
	OutcomePartialMerged
	OutcomeUnmerged
)

// ReadResult is the raw outcome of MVMap.Read, before any fallback to
// Storage. MVMapView is the layer that turns this into a materialized
// value and a captured ReadDescriptor.
type ReadResult[V any, D any] struct {
	Outcome       ReadOutcome
	Version       Version
	Value         V
	Delta         D
	Deltas        []D
	DependencyIdx TxnIndex
}

type entryKind int

const (
	entryWrite entryKind = iota
	entryDelta
)

// mvEntry is immutable except for the estimate flag: a write or delta
// is never mutated in place, only replaced wholesale by a fresh Write
// or Delta call, which is how §3's "at most one entry" invariant stays
// cheap to maintain.
type mvEntry[V any, D any] struct {
	estimate    atomic.Bool
	kind        entryKind
	incarnation Incarnation
	value       V
	delta       D
}

type keySlot[V any, D any] struct {
	mu      sync.RWMutex
	entries *treemap.Map // TxnIndex (int) -> *mvEntry[V, D]
}

func newKeySlot[V any, D any]() *keySlot[V, D] {
	return &keySlot[V, D]{entries: treemap.NewWith(godsutils.IntComparator)}
}

// MVMap is the multi-version keyed store of writes and deltas described
// in spec §3–§4.1: for each key, an ordered map keyed by TxnIndex holds
// at most one entry per txn index, each carrying an atomic estimate
// flag.
type MVMap[K comparable, V Value[V, D], D comparable] struct {
	mu   sync.RWMutex
	data map[K]*keySlot[V, D]
}

// NewMVMap constructs an empty multi-version map.
func NewMVMap[K comparable, V Value[V, D], D comparable]() *MVMap[K, V, D] {
	return &MVMap[K, V, D]{data: make(map[K]*keySlot[V, D])}
}

func (m *MVMap[K, V, D]) slot(k K) *keySlot[V, D] {
	m.mu.RLock()
	s, ok := m.data[k]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.data[k]; ok {
		return s
	}
	s = newKeySlot[V, D]()
	m.data[k] = s
	return s
}

func (m *MVMap[K, V, D]) slotOrNil(k K) *keySlot[V, D] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[k]
}

// Read implements the highest-first scan of §4.1: entries strictly
// below txnIdx are folded according to whether V's deltas are
// partial-mergeable.
func (m *MVMap[K, V, D]) Read(k K, txnIdx TxnIndex) ReadResult[V, D] {
	slot := m.slotOrNil(k)
	if slot == nil {
		return ReadResult[V, D]{Outcome: OutcomeNotFound}
	}

	slot.mu.RLock()
	defer slot.mu.RUnlock()

	keys := slot.entries.Keys()
	upper := sort.Search(len(keys), func(i int) bool { return keys[i].(int) >= int(txnIdx) })

	var zeroV V
	partialMergeable := zeroV.PartialMergeable()

	if partialMergeable {
		var (
			acc    D
			hasAcc bool
		)
		for i := upper - 1; i >= 0; i-- {
			idx := keys[i].(int)
			e, _ := slot.entries.Get(idx)
			entry := e.(*mvEntry[V, D])

			if entry.estimate.Load() {
				return ReadResult[V, D]{Outcome: OutcomeDependency, DependencyIdx: TxnIndex(idx)}
			}

			switch entry.kind {
			case entryWrite:
				if !hasAcc {
					return ReadResult[V, D]{
						Outcome: OutcomeVersion,
						Version: Version{TxnIndex(idx), entry.incarnation},
						Value:   entry.value,
					}
				}
				return ReadResult[V, D]{Outcome: OutcomeMerged, Value: entry.value.ApplyDelta(acc)}
			case entryDelta:
				if !hasAcc {
					acc = entry.delta
					hasAcc = true
				} else {
					acc = zeroV.PartialMerge(entry.delta, acc)
				}
			}
		}
		if hasAcc {
			return ReadResult[V, D]{Outcome: OutcomePartialMerged, Delta: acc}
		}
		return ReadResult[V, D]{Outcome: OutcomeNotFound}
	}

	var deltas []D
	for i := upper - 1; i >= 0; i-- {
		idx := keys[i].(int)
		e, _ := slot.entries.Get(idx)
		entry := e.(*mvEntry[V, D])

		if entry.estimate.Load() {
			return ReadResult[V, D]{Outcome: OutcomeDependency, DependencyIdx: TxnIndex(idx)}
		}

		switch entry.kind {
		case entryWrite:
			if len(deltas) == 0 {
				return ReadResult[V, D]{
					Outcome: OutcomeVersion,
					Version: Version{TxnIndex(idx), entry.incarnation},
					Value:   entry.value,
				}
			}
			result := entry.value
			for j := len(deltas) - 1; j >= 0; j-- {
				result = result.ApplyDelta(deltas[j])
			}
			return ReadResult[V, D]{Outcome: OutcomeMerged, Value: result}
		case entryDelta:
			deltas = append(deltas, entry.delta)
		}
	}
	if len(deltas) == 0 {
		return ReadResult[V, D]{Outcome: OutcomeNotFound}
	}
	reversed := make([]D, len(deltas))
	for i, d := range deltas {
		reversed[len(deltas)-1-i] = d
	}
	return ReadResult[V, D]{Outcome: OutcomeUnmerged, Deltas: reversed}
}

// Write inserts a materialized write, clearing any estimate flag by
// virtue of installing a fresh entry.
func (m *MVMap[K, V, D]) Write(k K, value V, ver Version) {
	slot := m.slot(k)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.entries.Put(int(ver.TxnIndex), &mvEntry[V, D]{kind: entryWrite, incarnation: ver.Incarnation, value: value})
}

// WriteDelta inserts a commutative update entry.
func (m *MVMap[K, V, D]) WriteDelta(k K, delta D, ver Version) {
	slot := m.slot(k)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.entries.Put(int(ver.TxnIndex), &mvEntry[V, D]{kind: entryDelta, incarnation: ver.Incarnation, delta: delta})
}

// MarkEstimate raises the estimate flag on the entry at (k, txnIdx).
// The entry must already exist.
func (m *MVMap[K, V, D]) MarkEstimate(k K, txnIdx TxnIndex) {
	slot := m.slotOrNil(k)
	if slot == nil {
		panic(newInvariantError("MarkEstimate on key with no entries"))
	}
	slot.mu.RLock()
	e, found := slot.entries.Get(int(txnIdx))
	slot.mu.RUnlock()
	if !found {
		panic(newInvariantError("MarkEstimate on txn index %d with no entry", txnIdx))
	}
	e.(*mvEntry[V, D]).estimate.Store(true)
}

// Delete removes the entry at (k, txnIdx), if any.
func (m *MVMap[K, V, D]) Delete(k K, txnIdx TxnIndex) {
	slot := m.slotOrNil(k)
	if slot == nil {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.entries.Remove(int(txnIdx))
}

// Apply installs the writes and deltas of one incarnation, removing
// stale entries this incarnation no longer produces (keys the prior
// incarnation wrote that lastModified still names after the loop).
// It reports whether this incarnation touched a key no prior
// incarnation of the same txn touched.
func (m *MVMap[K, V, D]) Apply(ver Version, lastModified map[K]struct{}, writes []WriteOp[K, V], deltas []DeltaOp[K, D]) bool {
	modifyNewKey := false

	for _, w := range writes {
		if _, ok := lastModified[w.Key]; !ok {
			modifyNewKey = true
		}
		delete(lastModified, w.Key)
		m.Write(w.Key, w.Value, ver)
	}
	for _, d := range deltas {
		if _, ok := lastModified[d.Key]; !ok {
			modifyNewKey = true
		}
		delete(lastModified, d.Key)
		m.WriteDelta(d.Key, d.Delta, ver)
	}
	for k := range lastModified {
		m.Delete(k, ver.TxnIndex)
	}

	return modifyNewKey
}

// ValidateReadSet re-reads every captured descriptor against the
// current map state at txnIdx and reports whether all of them still
// hold.
func (m *MVMap[K, V, D]) ValidateReadSet(txnIdx TxnIndex, reads []ReadDescriptor[K, V, D]) bool {
	for _, rd := range reads {
		cur := m.Read(rd.Key, txnIdx)
		if cur.Outcome == OutcomeDependency {
			return false
		}

		switch rd.Kind {
		case ReadVersion:
			if cur.Outcome != OutcomeVersion || cur.Version != rd.Version {
				return false
			}
		case ReadStorage:
			if cur.Outcome != OutcomeNotFound {
				return false
			}
		case ReadMerged:
			if cur.Outcome != OutcomeMerged || !cur.Value.Equal(rd.Value) {
				return false
			}
		case ReadPartialMerged:
			if cur.Outcome != OutcomePartialMerged || cur.Delta != rd.Delta {
				return false
			}
		case ReadUnmerged:
			if cur.Outcome != OutcomeUnmerged || !deltaSliceEqual(cur.Deltas, rd.Deltas) {
				return false
			}
		}
	}
	return true
}

func deltaSliceEqual[D comparable](a, b []D) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Keys returns a snapshot of the keys currently tracked by the map.
// Used by Snapshot/Materialize to enumerate the final state.
func (m *MVMap[K, V, D]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]K, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}
