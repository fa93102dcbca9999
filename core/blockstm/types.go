package blockstm

// Value is the client-supplied capability set a value type must carry.
// It is F-bounded (the interface is parameterized by the concrete
// receiver type V) so that Mergeable operations stay strongly typed
// without a generic "Self" type.
//
// D is the corresponding commutative delta type: client code that has
// no use for deltas can set D to struct{} and return false from
// PartialMergeable.
type Value[V any, D any] interface {
	// Equal reports whether two values are the same for validation
	// purposes.
	Equal(other V) bool

	// Serialize converts the value to its storage-shape byte
	// encoding. ok is false to encode a tombstone (deletion).
	Serialize() (b []byte, ok bool)

	// Deserialize is Serialize's inverse, reconstructing a value from
	// its storage-shape byte encoding.
	Deserialize(b []byte) (V, error)

	// PartialMergeable reports whether deltas on this value type can
	// be combined with each other ahead of being applied to a base
	// value (the "partial-merge path" of MVMap.Read). It is called on
	// values only for type-level dispatch; implementations should not
	// depend on receiver state.
	PartialMergeable() bool

	// PartialMerge combines two deltas, in block order (d1 occurred
	// before d2), into a single equivalent delta. Only called when
	// PartialMergeable reports true.
	PartialMerge(d1, d2 D) D

	// ApplyDelta folds a single delta onto the receiver, producing the
	// resulting value. It must be associative with PartialMerge:
	// v.ApplyDelta(PartialMerge(d1, d2)) equals
	// v.ApplyDelta(d1).ApplyDelta(d2), so that a read's result does not
	// depend on how the deltas below it were grouped.
	ApplyDelta(d D) V
}

// Storage is the base, read-only view consulted the first time a key
// is read with no prior writer in the block.
type Storage[K comparable, V any] interface {
	Read(key K) V
}

// WriteOp is a single materialized write a transaction's output
// contains.
type WriteOp[K comparable, V any] struct {
	Key   K
	Value V
}

// DeltaOp is a single commutative update a transaction's output
// contains.
type DeltaOp[K comparable, D any] struct {
	Key   K
	Delta D
}

// TransactionOutput is the result of running one transaction: the set
// of materialized writes and the set of commutative deltas it issued.
// The two sets must be disjoint in keys.
type TransactionOutput[K comparable, V any, D any] interface {
	WriteSet() []WriteOp[K, V]
	DeltaSet() []DeltaOp[K, D]
}

// VM executes a single transaction against a speculative view of the
// multi-version map. Implementations must be deterministic: given the
// same txn and the same sequence of values Read returns, Execute must
// produce the same output.
type VM[K comparable, V Value[V, D], D comparable, T any, O TransactionOutput[K, V, D]] interface {
	Execute(txn T, view *MVMapView[K, V, D]) (O, error)
}
