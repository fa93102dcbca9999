package blockstm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestViewReadFallsBackToStorage(t *testing.T) {
	mv := NewMVMap[string, testValue, int]()
	storage := newMapStorage()
	storage.values["a"] = tv(42)
	sched := NewScheduler(1)

	view := newMVMapView[string, testValue, int](0, mv, storage, sched)
	got := view.Read("a")
	require.True(t, got.Equal(tv(42)))

	reads := view.TakeReadSet()
	require.Len(t, reads, 1)
	require.Equal(t, ReadStorage, reads[0].Kind)
}

func TestViewReadLowerIndexVersion(t *testing.T) {
	mv := NewMVMap[string, testValue, int]()
	mv.Write("a", tv(7), Version{TxnIndex: 2, Incarnation: 0})
	sched := NewScheduler(3)

	view := newMVMapView[string, testValue, int](4, mv, newMapStorage(), sched)
	got := view.Read("a")
	require.True(t, got.Equal(tv(7)))

	reads := view.TakeReadSet()
	require.Equal(t, ReadVersion, reads[0].Kind)
	require.Equal(t, Version{TxnIndex: 2, Incarnation: 0}, reads[0].Version)
}

func TestViewTakeReadSetResets(t *testing.T) {
	mv := NewMVMap[string, testValue, int]()
	sched := NewScheduler(1)
	view := newMVMapView[string, testValue, int](0, mv, newMapStorage(), sched)

	view.Read("a")
	require.Len(t, view.TakeReadSet(), 1)
	require.Empty(t, view.TakeReadSet())
}

func TestViewReadBlocksOnDependencyThenResumes(t *testing.T) {
	mv := NewMVMap[string, testValue, int]()
	sched := NewScheduler(2)
	storage := newMapStorage()

	// txn 0's prior incarnation wrote "a" and is now mid re-execution,
	// so its entry carries the estimate flag; txn 1's read must block
	// until txn 0 finishes its next incarnation.
	mv.Write("a", tv(1), Version{TxnIndex: 0, Incarnation: 0})
	mv.MarkEstimate("a", 0)

	execTask := pollExecutionTask(t, sched)
	require.Equal(t, TxnIndex(0), execTask.Version.TxnIndex)

	view := newMVMapView[string, testValue, int](1, mv, storage, sched)

	done := make(chan testValue)
	go func() {
		done <- view.Read("a")
	}()

	mv.Write("a", tv(99), Version{TxnIndex: 0, Incarnation: 1})
	sched.FinishExecution(0, 1, true, execTask.Guard)

	got := <-done
	require.True(t, got.Equal(tv(99)))
}
