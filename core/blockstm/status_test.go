package blockstm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// pollExecutionTask drives NextTask until it yields an execution task,
// tolerating the TaskNone rounds that occur whenever a validation
// attempt is tried against a txn that isn't Executed yet.
func pollExecutionTask(t *testing.T, s *Scheduler) Task {
	t.Helper()
	for i := 0; i < 100; i++ {
		task := s.NextTask()
		if task.Kind == TaskExecution {
			return task
		}
	}
	t.Fatal("scheduler never produced an execution task")
	return Task{}
}

func TestSchedulerNextTaskEventuallyExecutesFirstTxn(t *testing.T) {
	s := NewScheduler(3)
	task := pollExecutionTask(t, s)
	require.Equal(t, TxnIndex(0), task.Version.TxnIndex)
}

func TestSchedulerRunsToDone(t *testing.T) {
	s := NewScheduler(2)

	executed, validated, done := 0, 0, false
	for i := 0; i < 50 && !done; i++ {
		task := s.NextTask()
		switch task.Kind {
		case TaskExecution:
			executed++
			next := s.FinishExecution(task.Version.TxnIndex, task.Version.Incarnation, false, task.Guard)
			if next.Kind == TaskValidation {
				validated++
				s.FinishValidation(next.Version.TxnIndex, false, next.Guard)
			}
		case TaskValidation:
			validated++
			s.FinishValidation(task.Version.TxnIndex, false, task.Guard)
		case TaskDone:
			done = true
		case TaskNone:
			// no claimable index right now; keep polling.
		}
	}

	require.True(t, done)
	require.Equal(t, 2, executed)
	require.Equal(t, 2, validated)
}

func TestSchedulerAbortReincarnates(t *testing.T) {
	s := NewScheduler(1)
	task := pollExecutionTask(t, s)

	// finish_execution's fast path hands back the validation of this
	// same txn directly, since validation_idx has already passed it.
	vtask := s.FinishExecution(0, 0, false, task.Guard)
	require.Equal(t, TaskValidation, vtask.Kind)

	ok := s.Abort(0, 0)
	require.True(t, ok)

	// finish_validation on an aborted incarnation hands back the retry
	// as a fast-path execution task for the next incarnation, rather
	// than requiring a fresh NextTask round trip.
	next := s.FinishValidation(0, true, vtask.Guard)
	require.Equal(t, TaskExecution, next.Kind)
	require.Equal(t, Incarnation(1), next.Version.Incarnation)
}

func TestSchedulerWaitForDependencyReturnsNilWhenAlreadyExecuted(t *testing.T) {
	s := NewScheduler(2)
	task := pollExecutionTask(t, s)
	require.Equal(t, TxnIndex(0), task.Version.TxnIndex)
	s.FinishExecution(task.Version.TxnIndex, task.Version.Incarnation, false, task.Guard)

	wake := s.WaitForDependency(1, 0)
	require.Nil(t, wake)
}

func TestSchedulerWaitForDependencyWakesOnFinish(t *testing.T) {
	s := NewScheduler(2)

	wake := s.WaitForDependency(1, 0)
	require.NotNil(t, wake)

	done := make(chan struct{})
	go func() {
		wake.wait()
		close(done)
	}()

	task := pollExecutionTask(t, s)
	require.Equal(t, TxnIndex(0), task.Version.TxnIndex)
	s.FinishExecution(0, 0, false, task.Guard)

	<-done
}

func TestSchedulerForceDoneUnblocksWaiters(t *testing.T) {
	s := NewScheduler(2)
	wake := s.WaitForDependency(1, 0)
	require.NotNil(t, wake)

	done := make(chan struct{})
	go func() {
		wake.wait()
		close(done)
	}()

	s.ForceDone()
	<-done
	require.True(t, s.Done())
}
