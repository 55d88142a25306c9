package worker

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one call's args and returns its result.
type Handler func(ctx context.Context, args any) (any, error)

// FuncWorker is a goroutine-backed Worker that routes by method name
// through a handler table, in place of the dynamic dispatch proxy a
// reflection- or interface-based worker would use. Every in-flight call
// gets its own context.CancelFunc, tracked under mu, so Cancel(callID) can
// unblock a specific in-flight Dispatch without affecting any other.
type FuncWorker struct {
	mu       sync.Mutex
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc

	faults chan Fault
	closed bool
}

// NewFuncWorker builds a FuncWorker from a method-name-to-handler table.
func NewFuncWorker(handlers map[string]Handler) *FuncWorker {
	return &FuncWorker{
		handlers: handlers,
		cancels:  make(map[string]context.CancelFunc),
		faults:   make(chan Fault, 1),
	}
}

// Dispatch looks up method in the handler table and runs it, tracking a
// derived, cancellable context under callID for the duration of the call.
func (w *FuncWorker) Dispatch(ctx context.Context, callID string, method string, args any) (any, error) {
	handler, ok := w.handlers[method]
	if !ok {
		return nil, fmt.Errorf("worker: unknown method %q", method)
	}

	callCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancels[callID] = cancel
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.cancels, callID)
		w.mu.Unlock()
		cancel()
	}()

	return handler(callCtx, args)
}

// Cancel cancels callID's context if it is currently in flight.
func (w *FuncWorker) Cancel(callID string) {
	w.mu.Lock()
	cancel, ok := w.cancels[callID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// Faults returns the fault-notification channel.
func (w *FuncWorker) Faults() <-chan Fault {
	return w.faults
}

// SimulateFault reports cause on the fault stream, as if this worker's
// host had observed an uncaught error. Used to drive crash-recovery tests
// without a real worker process.
func (w *FuncWorker) SimulateFault(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.faults <- Fault{Cause: cause}:
	default:
	}
}

// Close tears the worker down, cancelling every in-flight call and
// closing the fault stream. Idempotent.
func (w *FuncWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, cancel := range w.cancels {
		cancel()
	}
	close(w.faults)
}
