// Package operation serializes the moves sent to a drive: starting a new operation cancels the
// one in progress and waits for it to let go of the drive.
package operation

import (
	"context"
	"sync"
)

// SingleOperationManager ensures only 1 operation is happening a time.
type SingleOperationManager struct {
	mu        sync.Mutex
	currentOp *anOp

	// owner is held by the operation currently allowed to act.
	owner sync.Mutex
}

type anOp struct {
	cancel context.CancelFunc
	once   sync.Once
}

// New cancels the current operation, waits until it is done and returns a context for the new
// one along with the function to call when it is done. The function may be called more than once.
func (sm *SingleOperationManager) New(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	op := &anOp{cancel: cancel}

	sm.mu.Lock()
	if sm.currentOp != nil {
		sm.currentOp.cancel()
	}
	sm.currentOp = op
	sm.mu.Unlock()

	sm.owner.Lock()
	return opCtx, func() {
		op.once.Do(func() {
			op.cancel()
			sm.mu.Lock()
			if sm.currentOp == op {
				sm.currentOp = nil
			}
			sm.mu.Unlock()
			sm.owner.Unlock()
		})
	}
}

// OpRunning returns if there is a current operation.
func (sm *SingleOperationManager) OpRunning() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.currentOp != nil
}
