package executor

import (
	"errors"
	"fmt"
)

// CrashPolicy selects how the Crash-Recovery State Machine reacts to a
// worker fault.
type CrashPolicy string

const (
	RestartFailInFlight    CrashPolicy = "restart-fail-in-flight"
	RestartRequeueInFlight CrashPolicy = "restart-requeue-in-flight"
	FailTask               CrashPolicy = "fail-task"
)

// WorkerCrashedError reports that the worker hosting a call terminated
// abnormally before the call could settle normally.
type WorkerCrashedError struct {
	TaskID string
	Slot   int
	Cause  error
}

func (e *WorkerCrashedError) Error() string {
	return fmt.Sprintf("executor: worker crashed (task=%s slot=%d): %v", e.TaskID, e.Slot, e.Cause)
}

func (e *WorkerCrashedError) Unwrap() error {
	return e.Cause
}

// ErrNoAvailableWorkers is returned by Dispatch when every slot is in
// restart backoff and a single retry still found nothing runnable.
var ErrNoAvailableWorkers = errors.New("executor: no available workers")

// ErrHalted is returned by Dispatch once the pool has escalated to the
// fail-task policy's terminal state. Only StartWorkers clears it.
var ErrHalted = errors.New("executor: halted, call StartWorkers to recover")

// ErrDisposed is returned by a dispatch in flight when Dispose runs
// concurrently, so a run goroutine unblocked by Dispose's restart broadcast
// does not go on to spawn a fresh worker for a torn-down pool.
var ErrDisposed = errors.New("executor: disposed")

// IsWorkerCrashed reports whether err is a *WorkerCrashedError, unwrapping
// as needed.
func IsWorkerCrashed(err error) bool {
	var wce *WorkerCrashedError
	return errors.As(err, &wce)
}
