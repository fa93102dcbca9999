package blockstm

import "sync/atomic"

// ReadKind classifies what an MVMap read observed, so that a later
// validation pass can re-check the same condition without needing the
// original value reconstructed from Storage.
type ReadKind int

const (
	ReadVersion ReadKind = iota
	ReadStorage
	ReadMerged
	ReadPartialMerged
	ReadUnmerged
)

// ReadDescriptor is one entry of a transaction's captured read set, as
// described in spec §3. MVMapView.Read appends one of these per key
// read; MVMap.ValidateReadSet re-derives the same Kind/Version/Value
// shape from a fresh Read and compares.
type ReadDescriptor[K comparable, V any, D any] struct {
	Key     K
	Kind    ReadKind
	Version Version // valid when Kind == ReadVersion
	Value   V       // valid when Kind == ReadMerged
	Delta   D       // valid when Kind == ReadPartialMerged
	Deltas  []D     // valid when Kind == ReadUnmerged
}

// txnRecord is the pair of read-set and output an execution produces,
// held behind a single atomic.Pointer so
// a reader always observes a complete, self-consistent incarnation's
// worth of data (§4.5).
type txnRecord[K comparable, V any, D any, O any] struct {
	reads  []ReadDescriptor[K, V, D]
	output O
	hasOut bool
}

// LastTxnIO holds, per transaction index, the most recently completed
// incarnation's read set and output. Writers (the executing worker for
// that index) replace the slot wholesale with a new pointer; readers
// (validation, the output collection at the end of
// ExecuteTransactions, and BuildDependencyDAG) load it
// without ever blocking a writer, per §4.5's single-writer/
// multi-reader RCU design.
type LastTxnIO[K comparable, V any, D any, O any] struct {
	slots []atomic.Pointer[txnRecord[K, V, D, O]]
}

// NewLastTxnIO allocates storage for n transactions, all initially
// empty.
func NewLastTxnIO[K comparable, V any, D any, O any](n int) *LastTxnIO[K, V, D, O] {
	return &LastTxnIO[K, V, D, O]{slots: make([]atomic.Pointer[txnRecord[K, V, D, O]], n)}
}

// Record installs the read set and output of one completed incarnation
// for idx, replacing whatever was recorded before.
func (t *LastTxnIO[K, V, D, O]) Record(idx TxnIndex, reads []ReadDescriptor[K, V, D], output O) {
	t.slots[idx].Store(&txnRecord[K, V, D, O]{reads: reads, output: output, hasOut: true})
}

// LastReadSet returns the read set most recently recorded for idx, or
// nil if idx has not completed an incarnation yet.
func (t *LastTxnIO[K, V, D, O]) LastReadSet(idx TxnIndex) []ReadDescriptor[K, V, D] {
	rec := t.slots[idx].Load()
	if rec == nil {
		return nil
	}
	return rec.reads
}

// LastOutput returns the output most recently recorded for idx.
func (t *LastTxnIO[K, V, D, O]) LastOutput(idx TxnIndex) (O, bool) {
	rec := t.slots[idx].Load()
	if rec == nil {
		var zero O
		return zero, false
	}
	return rec.output, rec.hasOut
}

// LastModifiedKeys collects the union of write-set and delta-set keys
// from idx's most recently recorded output, for use as the
// lastModified argument to MVMap.Apply on the next incarnation.
func LastModifiedKeys[K comparable, V any, D any, O TransactionOutput[K, V, D]](t *LastTxnIO[K, V, D, O], idx TxnIndex) map[K]struct{} {
	out, ok := t.LastOutput(idx)
	modified := make(map[K]struct{})
	if !ok {
		return modified
	}
	for _, w := range out.WriteSet() {
		modified[w.Key] = struct{}{}
	}
	for _, d := range out.DeltaSet() {
		modified[d.Key] = struct{}{}
	}
	return modified
}
