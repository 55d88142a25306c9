package queue

import (
	"context"

	"github.com/tailored-agentic-units/taskrunner/token"
)

// State is both the Work Entry lifecycle phase and the tag reported on a
// cancellation event. The spec names the cancellation phases Waiting,
// Queued, and InFlight; Queued and Pending denote the same lifecycle
// state, so this package uses a single State type for both purposes.
type State string

const (
	StateWaiting  State = "waiting"
	StatePending  State = "pending"
	StateInFlight State = "in-flight"
)

// Policy is the overflow policy applied when an admission would exceed
// max_queue_depth.
type Policy string

const (
	PolicyBlock      Policy = "block"
	PolicyReject     Policy = "reject"
	PolicyDropLatest Policy = "drop-latest"
	PolicyDropOldest Policy = "drop-oldest"
)

// Unbounded marks max_queue_depth as infinite.
const Unbounded = -1

// Hooks are typed listener callbacks invoked at each lifecycle event the
// pump drives. Every field is optional; pump checks for nil before
// calling. This is the typed-channel/typed-callback re-architecture
// spec.md §9 calls for in place of a dynamic event emitter.
type Hooks[P any] struct {
	OnQueued      func(ctx context.Context, payload P)
	OnDispatch    func(ctx context.Context, payload P, queueWaitMs int64)
	OnStateChange func(ctx context.Context, snapshot Snapshot)
	OnReject      func(ctx context.Context, payload P, err error)
	OnCancel      func(ctx context.Context, payload P, phase State)
	OnIdle        func(ctx context.Context)
	OnActive      func(ctx context.Context)

	// OnInFlightCancel fires when an in-flight entry's token aborts, so an
	// executor can forward worker.cancel(callId). Delivery is best-effort;
	// the queue does not wait for it.
	OnInFlightCancel func(ctx context.Context, payload P)
}

// Snapshot is the read-only state returned by GetState.
type Snapshot struct {
	InFlight      int
	Pending       int
	Waiting       int
	MaxInFlight   int
	MaxQueueDepth int // Unbounded if infinite
	Policy        Policy
	Paused        bool
	Disposed      bool
}

// EnqueueOptions carries per-call admission options.
type EnqueueOptions struct {
	// Token, if non-nil, is this call's cancellation token. A nil Token is
	// treated as one that never fires.
	Token token.Token
}

// DrainResult groups payloads by the phase they were in when drained,
// returned by RejectAll so the caller (typically an executor) can emit
// the correctly phase-tagged event per group.
type DrainResult[P any] struct {
	Waiting  []P
	Pending  []P
	InFlight []P
}
