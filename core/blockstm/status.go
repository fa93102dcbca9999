package blockstm

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type txnStatusKind int

const (
	statusReadyToExecute txnStatusKind = iota
	statusExecuting
	statusSuspended
	statusExecuted
	statusAborting
)

type txnStatus struct {
	kind        txnStatusKind
	incarnation Incarnation
	wake        *wakeHandle // set for Suspended, and carried through to the resuming ReadyToExecute
}

// TaskKind classifies what Scheduler.NextTask handed out.
type TaskKind int

const (
	TaskNone TaskKind = iota
	TaskExecution
	TaskValidation
	TaskDone
)

// TaskGuard bumps Scheduler.numActiveTasks on creation and must be
// released exactly once, whether or not the task it guards produces a
// useful result. It is the only mechanism keeping check_done from
// firing while a worker still owns a task (§3 invariant 3).
type TaskGuard struct {
	s        *Scheduler
	released atomic.Bool
}

func (g *TaskGuard) release() {
	if g.released.CompareAndSwap(false, true) {
		g.s.numActiveTasks.Add(-1)
	}
}

// Task is one unit of work handed out by the scheduler.
type Task struct {
	Kind    TaskKind
	Version Version
	Guard   *TaskGuard
}

// Scheduler coordinates speculative parallel execution via the
// monotone execution_idx/validation_idx cursors of spec §4.2.
type Scheduler struct {
	numTxns int

	executionIdx   atomic.Int64
	validationIdx  atomic.Int64
	decreaseCnt    atomic.Int64
	numActiveTasks atomic.Int64
	doneMarker     atomic.Bool

	statusMu []sync.Mutex
	status   []txnStatus

	depMu []sync.Mutex
	deps  [][]TxnIndex
}

// NewScheduler constructs a scheduler for a block of n transactions,
// all initially ReadyToExecute at incarnation 0.
func NewScheduler(n int) *Scheduler {
	s := &Scheduler{
		numTxns:  n,
		statusMu: make([]sync.Mutex, n),
		status:   make([]txnStatus, n),
		depMu:    make([]sync.Mutex, n),
		deps:     make([][]TxnIndex, n),
	}
	for i := range s.status {
		s.status[i] = txnStatus{kind: statusReadyToExecute}
	}
	return s
}

func (s *Scheduler) newGuard() *TaskGuard {
	return &TaskGuard{s: s}
}

// Done reports whether the block has finished.
func (s *Scheduler) Done() bool {
	return s.doneMarker.Load()
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// checkDone implements the double-check pattern of §4.2: re-reading
// decrease_cnt after observing both cursors past N and no active tasks
// closes the race where a cursor is lowered between the emptiness
// observation and the termination decision.
func (s *Scheduler) checkDone() bool {
	if s.doneMarker.Load() {
		return true
	}
	observed := s.decreaseCnt.Load()
	vi := s.validationIdx.Load()
	ei := s.executionIdx.Load()
	active := s.numActiveTasks.Load()

	if min64(ei, vi) < int64(s.numTxns) || active > 0 {
		return false
	}
	if observed == s.decreaseCnt.Load() {
		s.doneMarker.Store(true)
		return true
	}
	return false
}

func (s *Scheduler) decreaseExecutionIdx(target TxnIndex) {
	for {
		cur := s.executionIdx.Load()
		if int64(target) >= cur {
			break
		}
		if s.executionIdx.CompareAndSwap(cur, int64(target)) {
			break
		}
	}
	s.decreaseCnt.Add(1)
}

func (s *Scheduler) decreaseValidationIdx(target TxnIndex) {
	for {
		cur := s.validationIdx.Load()
		if int64(target) >= cur {
			break
		}
		if s.validationIdx.CompareAndSwap(cur, int64(target)) {
			break
		}
	}
	s.decreaseCnt.Add(1)
}

// tryIncarnate transitions txnIdx from ReadyToExecute to Executing and
// returns the resulting Execution task. It never touches
// numActiveTasks; callers decide whether a guard is being created or
// reused.
func (s *Scheduler) tryIncarnate(idx TxnIndex) (Task, bool) {
	if int(idx) >= s.numTxns {
		return Task{}, false
	}
	s.statusMu[idx].Lock()
	defer s.statusMu[idx].Unlock()

	st := s.status[idx]
	if st.kind != statusReadyToExecute {
		return Task{}, false
	}
	s.status[idx] = txnStatus{kind: statusExecuting, incarnation: st.incarnation}
	return Task{Kind: TaskExecution, Version: Version{idx, st.incarnation}}, true
}

func (s *Scheduler) tryExecutionTask() (Task, bool) {
	idx := TxnIndex(s.executionIdx.Add(1) - 1)
	if int(idx) >= s.numTxns {
		return Task{}, false
	}
	s.numActiveTasks.Add(1)
	guard := s.newGuard()

	t, ok := s.tryIncarnate(idx)
	if !ok {
		guard.release()
		return Task{}, false
	}
	t.Guard = guard
	return t, true
}

func (s *Scheduler) tryValidationTask() (Task, bool) {
	idx := TxnIndex(s.validationIdx.Add(1) - 1)
	if int(idx) >= s.numTxns {
		return Task{}, false
	}
	s.numActiveTasks.Add(1)
	guard := s.newGuard()

	s.statusMu[idx].Lock()
	st := s.status[idx]
	s.statusMu[idx].Unlock()

	if st.kind != statusExecuted {
		guard.release()
		return Task{}, false
	}
	return Task{Kind: TaskValidation, Version: Version{idx, st.incarnation}, Guard: guard}, true
}

// NextTask implements the scheduling rule of §4.2: if execution_idx is
// behind validation_idx, attempt an execution task; otherwise attempt
// a validation task. Either attempt can fail to claim a useful index
// (the slot may already be taken, or past N, or not yet in the right
// status) — callers just see TaskNone and retry, and the asymmetry
// self-corrects as the losing cursor races ahead of N, making the
// other branch the one that is taken on the following calls. Once a
// task attempt fails to claim any index within the block, check_done
// decides whether the block has finished.
func (s *Scheduler) NextTask() Task {
	if s.doneMarker.Load() {
		return Task{Kind: TaskDone}
	}

	var (
		t  Task
		ok bool
	)
	if s.executionIdx.Load() < s.validationIdx.Load() {
		t, ok = s.tryExecutionTask()
	} else {
		t, ok = s.tryValidationTask()
	}
	if ok {
		return t
	}

	if s.checkDone() {
		return Task{Kind: TaskDone}
	}
	// Spin briefly: another in-flight task may still lower a cursor or
	// resume a dependency, making more work available shortly.
	runtime.Gosched()
	return Task{Kind: TaskNone}
}

// WaitForDependency is called by a worker whose read observed
// Dependency(blockingIdx). It suspends selfIdx and registers it on
// blockingIdx's dependency list, unless blockingIdx has already
// finished executing (in which case the caller should simply retry its
// read). The dependency-list lock is acquired before the status check
// to close the race where blockingIdx transitions to Executed between
// the two (§5).
func (s *Scheduler) WaitForDependency(selfIdx, blockingIdx TxnIndex) *wakeHandle {
	s.depMu[blockingIdx].Lock()
	defer s.depMu[blockingIdx].Unlock()

	s.statusMu[blockingIdx].Lock()
	executed := s.status[blockingIdx].kind == statusExecuted
	s.statusMu[blockingIdx].Unlock()
	if executed {
		return nil
	}

	wake := newWakeHandle()

	s.statusMu[selfIdx].Lock()
	st := s.status[selfIdx]
	s.status[selfIdx] = txnStatus{kind: statusSuspended, incarnation: st.incarnation, wake: wake}
	s.statusMu[selfIdx].Unlock()

	s.deps[blockingIdx] = append(s.deps[blockingIdx], selfIdx)
	return wake
}

// FinishExecution implements §4.2's finish_execution: mark idx
// Executed, resume any suspended dependents, and either hand back a
// fast-path validation task for idx itself or release the guard.
func (s *Scheduler) FinishExecution(idx TxnIndex, inc Incarnation, wroteNewKey bool, guard *TaskGuard) Task {
	s.statusMu[idx].Lock()
	s.status[idx] = txnStatus{kind: statusExecuted, incarnation: inc}
	s.statusMu[idx].Unlock()

	s.depMu[idx].Lock()
	dependents := s.deps[idx]
	s.deps[idx] = nil
	s.depMu[idx].Unlock()

	if len(dependents) > 0 {
		minResumed := dependents[0]
		for _, d := range dependents {
			s.statusMu[d].Lock()
			st := s.status[d]
			s.status[d] = txnStatus{kind: statusReadyToExecute, incarnation: st.incarnation}
			s.statusMu[d].Unlock()
			if st.wake != nil {
				st.wake.notifyOne()
			}
			if d < minResumed {
				minResumed = d
			}
		}
		s.decreaseExecutionIdx(minResumed)
	}

	if s.validationIdx.Load() > int64(idx) {
		if wroteNewKey {
			s.decreaseValidationIdx(idx)
		} else {
			return Task{Kind: TaskValidation, Version: Version{idx, inc}, Guard: guard}
		}
	}

	guard.release()
	return Task{Kind: TaskNone}
}

// Abort transitions idx from Executed(inc) to Aborting(inc), failing
// if another incarnation has already superseded inc.
func (s *Scheduler) Abort(idx TxnIndex, inc Incarnation) bool {
	s.statusMu[idx].Lock()
	defer s.statusMu[idx].Unlock()

	st := s.status[idx]
	if st.kind == statusExecuted && st.incarnation == inc {
		s.status[idx] = txnStatus{kind: statusAborting, incarnation: inc}
		return true
	}
	return false
}

// FinishValidation implements §4.2's finish_validation.
func (s *Scheduler) FinishValidation(idx TxnIndex, aborted bool, guard *TaskGuard) Task {
	if aborted {
		s.statusMu[idx].Lock()
		st := s.status[idx]
		s.status[idx] = txnStatus{kind: statusReadyToExecute, incarnation: st.incarnation + 1}
		s.statusMu[idx].Unlock()

		s.decreaseValidationIdx(idx + 1)

		if s.executionIdx.Load() > int64(idx) {
			if t, ok := s.tryIncarnate(idx); ok {
				t.Guard = guard
				return t
			}
		}
	}

	guard.release()
	return Task{Kind: TaskNone}
}

// ForceDone is the external-cancel-token extension §9 sanctions: it is
// used internally when a VM execution fails fatally, to unblock every
// suspended worker and make every subsequent NextTask observe Done.
func (s *Scheduler) ForceDone() {
	s.doneMarker.Store(true)
	for i := range s.status {
		s.statusMu[i].Lock()
		st := s.status[i]
		s.statusMu[i].Unlock()
		if st.kind == statusSuspended && st.wake != nil {
			st.wake.notifyOne()
		}
	}
}
