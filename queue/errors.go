package queue

import (
	"errors"
	"fmt"
)

// ErrDisposed is returned by Enqueue once the queue has been disposed, and
// delivered to every outstanding entry when Dispose runs.
var ErrDisposed = errors.New("queue: disposed")

// AbortError reports that a call was cancelled, tagged with the lifecycle
// phase it was in when the cancellation fired.
type AbortError struct {
	Phase State
}

// NewAbortError constructs an AbortError for the given phase.
func NewAbortError(phase State) *AbortError {
	return &AbortError{Phase: phase}
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("queue: call aborted while %s", e.Phase)
}

// DropReason identifies which overflow policy produced a QueueDropError.
type DropReason string

const (
	DropReject DropReason = "reject"
	DropLatest DropReason = "drop-latest"
	DropOldest DropReason = "drop-oldest"
)

// QueueDropError reports that an entry was refused or displaced by the
// overflow policy rather than admitted.
type QueueDropError struct {
	Reason DropReason
}

// NewQueueDropError constructs a QueueDropError for the given reason.
func NewQueueDropError(reason DropReason) *QueueDropError {
	return &QueueDropError{Reason: reason}
}

func (e *QueueDropError) Error() string {
	return fmt.Sprintf("queue: dropped (%s)", e.Reason)
}

// IsAbort reports whether err is an *AbortError, unwrapping as needed.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// IsQueueDrop reports whether err is a *QueueDropError, unwrapping as needed.
func IsQueueDrop(err error) bool {
	var qe *QueueDropError
	return errors.As(err, &qe)
}
