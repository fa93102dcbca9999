package blockstm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrVMExecution wraps a transaction-level error returned by a VM's
// Execute call. Block-STM treats any such error as fatal to the whole
// block: unlike an abort, it is not something re-execution can fix.
type ErrVMExecution struct {
	TxnIndex TxnIndex
	Err      error
}

func (e *ErrVMExecution) Error() string {
	return fmt.Sprintf("blockstm: txn %d: %v", e.TxnIndex, e.Err)
}

func (e *ErrVMExecution) Unwrap() error { return e.Err }

// newInvariantError wraps a broken internal invariant with a stack
// trace, for the fail-stop panics that guard scheduler/map bugs that
// should never occur if the algorithm is implemented correctly.
func newInvariantError(format string, args ...any) error {
	return errors.Wrap(fmt.Errorf(format, args...), "blockstm: internal invariant violated")
}
