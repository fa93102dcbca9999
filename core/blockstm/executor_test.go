package blockstm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// incrementVM applies a +1 delta to a fixed key for every transaction,
// exercising the commutative-delta path end to end under the real
// scheduler and worker pool.
type incrementVM struct{ key string }

func (vm incrementVM) Execute(_ int, view *MVMapView[string, testValue, int]) (testOutput, error) {
	view.Read(vm.key)
	return testOutput{deltas: []DeltaOp[string, int]{{Key: vm.key, Delta: 1}}}, nil
}

func TestEngineExecuteTransactionsAppliesAllDeltas(t *testing.T) {
	const n = 200
	txns := make([]int, n)
	for i := range txns {
		txns[i] = i
	}

	storage := newMapStorage()
	storage.values["counter"] = tv(0)

	engine, err := NewEngine[string, testValue, int, int, testOutput](
		Config{ConcurrencyLevel: 8}, storage, incrementVM{key: "counter"})
	require.NoError(t, err)

	outputs, snap, _, err := engine.ExecuteTransactions(txns)
	require.NoError(t, err)
	require.True(t, snap.Values["counter"].Equal(tv(n)))

	require.Len(t, outputs, n)
	for _, out := range outputs {
		require.Equal(t, []DeltaOp[string, int]{{Key: "counter", Delta: 1}}, out.deltas)
	}
}

// conflictingVM makes every transaction write a fresh version of the
// same key depending on its own index, forcing the validation path to
// actually reject stale reads and re-execute.
type conflictingVM struct{}

func (conflictingVM) Execute(idx int, view *MVMapView[string, testValue, int]) (testOutput, error) {
	cur := view.Read("shared")
	return testOutput{writes: []WriteOp[string, testValue]{{Key: "shared", Value: tv(cur.n + idx)}}}, nil
}

func TestEngineExecuteTransactionsSerializesInBlockOrder(t *testing.T) {
	const n = 50
	txns := make([]int, n)
	for i := range txns {
		txns[i] = i
	}

	storage := newMapStorage()

	engine, err := NewEngine[string, testValue, int, int, testOutput](
		Config{ConcurrencyLevel: 4}, storage, conflictingVM{})
	require.NoError(t, err)

	outputs, snap, _, err := engine.ExecuteTransactions(txns)
	require.NoError(t, err)

	expected := 0
	for i := 0; i < n; i++ {
		expected += i
	}
	require.True(t, snap.Values["shared"].Equal(tv(expected)))

	require.Len(t, outputs, n)
	require.Equal(t, expected, outputs[n-1].writes[0].Value.n)
}

type failingVM struct{}

func (failingVM) Execute(idx int, _ *MVMapView[string, testValue, int]) (testOutput, error) {
	if idx == 3 {
		return testOutput{}, fmt.Errorf("boom")
	}
	return testOutput{}, nil
}

func TestEngineExecuteTransactionsReturnsFatalVMError(t *testing.T) {
	txns := make([]int, 10)
	for i := range txns {
		txns[i] = i
	}

	engine, err := NewEngine[string, testValue, int, int, testOutput](
		Config{ConcurrencyLevel: 4}, newMapStorage(), failingVM{})
	require.NoError(t, err)

	_, _, _, err = engine.ExecuteTransactions(txns)
	require.Error(t, err)

	var vmErr *ErrVMExecution
	require.ErrorAs(t, err, &vmErr)
	require.Equal(t, TxnIndex(3), vmErr.TxnIndex)
}

func TestConfigValidateDefaultsConcurrency(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	require.GreaterOrEqual(t, cfg.ConcurrencyLevel, 1)
}
