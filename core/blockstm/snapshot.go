package blockstm

// Snapshot is the materialized result of a completed block: for every
// key any transaction touched, the value as of the last write in block
// order.
type Snapshot[K comparable, V any] struct {
	Values map[K]V
}

// Materialize reads every key tracked by mv at index n (one past the
// last transaction), which by construction of the algorithm returns
// each key's final committed value once every transaction has
// executed and validated successfully. storage resolves keys whose
// final state is a delta chain with no preceding write in the block.
// A key whose resolved value serializes to a tombstone (§6, Serialize
// reporting ok == false) represents a deletion and is omitted from the
// snapshot rather than copied in.
func Materialize[K comparable, V Value[V, D], D comparable](mv *MVMap[K, V, D], storage Storage[K, V], n int) Snapshot[K, V] {
	snap := Snapshot[K, V]{Values: make(map[K]V)}
	for _, k := range mv.Keys() {
		res := mv.Read(k, TxnIndex(n))

		var v V
		switch res.Outcome {
		case OutcomeVersion, OutcomeMerged:
			v = res.Value
		case OutcomePartialMerged:
			v = storage.Read(k).ApplyDelta(res.Delta)
		case OutcomeUnmerged:
			v = storage.Read(k)
			for _, d := range res.Deltas {
				v = v.ApplyDelta(d)
			}
		default:
			continue
		}

		if _, ok := v.Serialize(); !ok {
			delete(snap.Values, k)
			continue
		}
		snap.Values[k] = v
	}
	return snap
}
