package blockstm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLastTxnIORecordAndRead(t *testing.T) {
	io := NewLastTxnIO[string, testValue, int, testOutput](3)

	require.Nil(t, io.LastReadSet(1))
	_, ok := io.LastOutput(1)
	require.False(t, ok)

	reads := []ReadDescriptor[string, testValue, int]{{Key: "a", Kind: ReadStorage}}
	out := testOutput{writes: []WriteOp[string, testValue]{{Key: "a", Value: tv(5)}}}
	io.Record(1, reads, out)

	require.Equal(t, reads, io.LastReadSet(1))
	got, ok := io.LastOutput(1)
	require.True(t, ok)
	require.Equal(t, out, got)
}

func TestLastTxnIORecordReplacesPriorIncarnation(t *testing.T) {
	io := NewLastTxnIO[string, testValue, int, testOutput](1)

	io.Record(0, []ReadDescriptor[string, testValue, int]{{Key: "a", Kind: ReadStorage}},
		testOutput{writes: []WriteOp[string, testValue]{{Key: "a", Value: tv(1)}}})
	io.Record(0, []ReadDescriptor[string, testValue, int]{{Key: "b", Kind: ReadStorage}},
		testOutput{writes: []WriteOp[string, testValue]{{Key: "b", Value: tv(2)}}})

	reads := io.LastReadSet(0)
	require.Len(t, reads, 1)
	require.Equal(t, "b", reads[0].Key)
}

func TestLastModifiedKeysUnionsWritesAndDeltas(t *testing.T) {
	io := NewLastTxnIO[string, testValue, int, testOutput](1)
	io.Record(0, nil, testOutput{
		writes: []WriteOp[string, testValue]{{Key: "a", Value: tv(1)}},
		deltas: []DeltaOp[string, int]{{Key: "b", Delta: 2}},
	})

	modified := LastModifiedKeys[string, testValue, int, testOutput](io, 0)
	require.Len(t, modified, 2)
	_, hasA := modified["a"]
	_, hasB := modified["b"]
	require.True(t, hasA)
	require.True(t, hasB)
}

func TestLastModifiedKeysEmptyBeforeAnyRecord(t *testing.T) {
	io := NewLastTxnIO[string, testValue, int, testOutput](1)
	modified := LastModifiedKeys[string, testValue, int, testOutput](io, 0)
	require.Empty(t, modified)
}
