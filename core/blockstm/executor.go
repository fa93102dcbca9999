package blockstm

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/pkg/errors"

	"github.com/ethereum/go-ethereum/log"
)

// Config tunes an Engine's execution.
type Config struct {
	// ConcurrencyLevel is the number of workers drawing tasks from the
	// scheduler concurrently. Zero or negative selects
	// runtime.GOMAXPROCS(0).
	ConcurrencyLevel int
}

// Validate normalizes the config, filling in the GOMAXPROCS default.
func (c *Config) Validate() error {
	if c.ConcurrencyLevel <= 0 {
		c.ConcurrencyLevel = runtime.GOMAXPROCS(0)
	}
	if c.ConcurrencyLevel < 1 {
		return errors.New("blockstm: ConcurrencyLevel resolved below 1")
	}
	return nil
}

// Engine drives one block's worth of transactions through the
// scheduler and worker pool described in spec §4.4.
type Engine[K comparable, V Value[V, D], D comparable, T any, O TransactionOutput[K, V, D]] struct {
	cfg     Config
	storage Storage[K, V]
	vm      VM[K, V, D, T, O]
}

// NewEngine builds an Engine that will execute transactions against
// storage using vm.
func NewEngine[K comparable, V Value[V, D], D comparable, T any, O TransactionOutput[K, V, D]](
	cfg Config, storage Storage[K, V], vm VM[K, V, D, T, O],
) (*Engine[K, V, D, T, O], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine[K, V, D, T, O]{cfg: cfg, storage: storage, vm: vm}, nil
}

type execState[K comparable, V Value[V, D], D comparable, T any, O TransactionOutput[K, V, D]] struct {
	mv    *MVMap[K, V, D]
	io    *LastTxnIO[K, V, D, O]
	sched *Scheduler
	txns  []T

	fatal atomic.Pointer[ErrVMExecution]

	statsMu sync.Mutex
	stats   map[int]ExecutionStat
	start   time.Time

	cntExec      atomic.Int64
	cntAbort     atomic.Int64
	cntValidate  atomic.Int64
	cntValidFail atomic.Int64
}

// ExecuteTransactions runs txns to completion and returns each txn's
// recorded output in block order alongside the materialized final
// state, matching §6's execute_transactions(txns, parameter) ->
// ([Output], MVMap). A fatal VM error aborts the whole block and is
// returned wrapped in an *ErrVMExecution naming the failing txn; aborts and re-executions caused by read-set
// conflicts are invisible to the caller.
func (e *Engine[K, V, D, T, O]) ExecuteTransactions(txns []T) ([]O, Snapshot[K, V], DependencyDAG, error) {
	n := len(txns)
	st := &execState[K, V, D, T, O]{
		mv:    NewMVMap[K, V, D](),
		io:    NewLastTxnIO[K, V, D, O](n),
		sched: NewScheduler(n),
		txns:  txns,
		stats: make(map[int]ExecutionStat, n),
		start: time.Now(),
	}

	if n == 0 {
		return nil, Snapshot[K, V]{Values: map[K]V{}}, DependencyDAG{}, nil
	}

	wp := workerpool.New(e.cfg.ConcurrencyLevel)
	var wg sync.WaitGroup
	wg.Add(e.cfg.ConcurrencyLevel)

	for i := 0; i < e.cfg.ConcurrencyLevel; i++ {
		wp.Submit(func() {
			defer wg.Done()
			e.runWorker(st)
		})
	}
	wg.Wait()
	wp.StopWait()

	if f := st.fatal.Load(); f != nil {
		return nil, Snapshot[K, V]{}, DependencyDAG{}, f
	}

	dag := BuildDependencyDAG[K, V, D, O](st.io, n)
	dag.Report(st.stats)

	log.Info("blockstm exec summary",
		"txns", n,
		"workers", e.cfg.ConcurrencyLevel,
		"elapsed", time.Since(st.start),
		"cnt_exec", st.cntExec.Load(),
		"cnt_abort", st.cntAbort.Load(),
		"cnt_validate", st.cntValidate.Load(),
		"cnt_validate_fail", st.cntValidFail.Load(),
	)

	outputs := make([]O, n)
	for idx := 0; idx < n; idx++ {
		out, _ := st.io.LastOutput(TxnIndex(idx))
		outputs[idx] = out
	}

	return outputs, Materialize[K, V, D](st.mv, e.storage, n), dag, nil
}

func (e *Engine[K, V, D, T, O]) runWorker(st *execState[K, V, D, T, O]) {
	for {
		task := st.sched.NextTask()
		if !e.processTask(st, task) {
			return
		}
	}
}

// processTask runs one task to completion, looping on the fast-path
// follow-up tasks finish_execution/finish_validation can hand back
// directly rather than requiring a fresh NextTask round trip. It
// reports false once the scheduler is done.
func (e *Engine[K, V, D, T, O]) processTask(st *execState[K, V, D, T, O], task Task) bool {
	for {
		switch task.Kind {
		case TaskDone:
			return false
		case TaskNone:
			return true
		case TaskExecution:
			task = e.execute(st, task)
		case TaskValidation:
			task = e.validate(st, task)
		}
	}
}

func (e *Engine[K, V, D, T, O]) execute(st *execState[K, V, D, T, O], task Task) Task {
	idx, inc := task.Version.TxnIndex, task.Version.Incarnation
	started := time.Since(st.start)

	st.cntExec.Add(1)

	view := newMVMapView[K, V, D](idx, st.mv, e.storage, st.sched)
	out, err := e.vm.Execute(st.txns[idx], view)
	if err != nil {
		st.fatal.CompareAndSwap(nil, &ErrVMExecution{TxnIndex: idx, Err: err})
		st.sched.ForceDone()
		task.Guard.release()
		return Task{Kind: TaskNone}
	}

	lastModified := LastModifiedKeys[K, V, D, O](st.io, idx)
	wroteNewKey := st.mv.Apply(task.Version, lastModified, out.WriteSet(), out.DeltaSet())
	st.io.Record(idx, view.TakeReadSet(), out)

	st.statsMu.Lock()
	st.stats[int(idx)] = ExecutionStat{Start: uint64(started), End: uint64(time.Since(st.start))}
	st.statsMu.Unlock()

	return st.sched.FinishExecution(idx, inc, wroteNewKey, task.Guard)
}

func (e *Engine[K, V, D, T, O]) validate(st *execState[K, V, D, T, O], task Task) Task {
	idx, inc := task.Version.TxnIndex, task.Version.Incarnation

	st.cntValidate.Add(1)

	reads := st.io.LastReadSet(idx)
	valid := st.mv.ValidateReadSet(idx, reads)

	if valid {
		return st.sched.FinishValidation(idx, false, task.Guard)
	}

	st.cntValidFail.Add(1)

	aborted := st.sched.Abort(idx, inc)
	if aborted {
		st.cntAbort.Add(1)
		for k := range LastModifiedKeys[K, V, D, O](st.io, idx) {
			st.mv.MarkEstimate(k, idx)
		}
	}
	return st.sched.FinishValidation(idx, aborted, task.Guard)
}
