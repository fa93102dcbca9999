package blockstm

// MVMapView is the per-execution façade a VM sees: every Read goes
// through the multi-version map first, falls back to Storage on a
// miss, and captures a ReadDescriptor for later validation. A
// Dependency outcome suspends the current worker via the scheduler
// and, once resumed, transparently retries the same read (§4.3).
type MVMapView[K comparable, V Value[V, D], D comparable] struct {
	txnIdx  TxnIndex
	mv      *MVMap[K, V, D]
	storage Storage[K, V]
	sched   *Scheduler

	reads []ReadDescriptor[K, V, D]
}

func newMVMapView[K comparable, V Value[V, D], D comparable](
	txnIdx TxnIndex, mv *MVMap[K, V, D], storage Storage[K, V], sched *Scheduler,
) *MVMapView[K, V, D] {
	return &MVMapView[K, V, D]{txnIdx: txnIdx, mv: mv, storage: storage, sched: sched}
}

// TxnIdx reports the index of the transaction this view belongs to.
func (v *MVMapView[K, V, D]) TxnIdx() TxnIndex {
	return v.txnIdx
}

// Read resolves a key for this transaction's incarnation, blocking on
// any in-block write this read depends on that has not finished
// executing yet, and recording the outcome into the view's read set.
func (v *MVMapView[K, V, D]) Read(key K) V {
	for {
		res := v.mv.Read(key, v.txnIdx)

		switch res.Outcome {
		case OutcomeDependency:
			wake := v.sched.WaitForDependency(v.txnIdx, res.DependencyIdx)
			if wake != nil {
				wake.wait()
			}
			continue

		case OutcomeVersion:
			v.reads = append(v.reads, ReadDescriptor[K, V, D]{Key: key, Kind: ReadVersion, Version: res.Version})
			return res.Value

		case OutcomeMerged:
			v.reads = append(v.reads, ReadDescriptor[K, V, D]{Key: key, Kind: ReadMerged, Value: res.Value})
			return res.Value

		case OutcomePartialMerged:
			v.reads = append(v.reads, ReadDescriptor[K, V, D]{Key: key, Kind: ReadPartialMerged, Delta: res.Delta})
			base := v.storage.Read(key)
			return base.ApplyDelta(res.Delta)

		case OutcomeUnmerged:
			v.reads = append(v.reads, ReadDescriptor[K, V, D]{Key: key, Kind: ReadUnmerged, Deltas: res.Deltas})
			base := v.storage.Read(key)
			for _, d := range res.Deltas {
				base = base.ApplyDelta(d)
			}
			return base

		case OutcomeNotFound:
			v.reads = append(v.reads, ReadDescriptor[K, V, D]{Key: key, Kind: ReadStorage})
			return v.storage.Read(key)
		}
	}
}

// TakeReadSet returns the read descriptors captured so far and resets
// the view's internal buffer, so a single *MVMapView value can be
// reused across an incarnation's retries without leaking descriptors
// from an aborted attempt into the next one.
func (v *MVMapView[K, V, D]) TakeReadSet() []ReadDescriptor[K, V, D] {
	reads := v.reads
	v.reads = nil
	return reads
}
