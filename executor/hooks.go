package executor

import (
	"context"

	"github.com/tailored-agentic-units/taskrunner/queue"
)

// Hooks are the optional listener callbacks the pool invokes at each
// worker-lifecycle event, mirroring queue.Hooks' typed-callback shape one
// layer up. The pool also forwards its underlying Dispatch Queue's own
// lifecycle hooks here, so a single Hooks value covers every event
// spec.md §6 names for a task's executor, not just worker spawn/terminate/
// crash. Payloads are passed through as the opaque `any` the queue already
// treats them as; a listener that wants task-specific fields type-asserts
// or simply logs the value, same as the queue itself never inspects it.
type Hooks struct {
	OnSpawn     func(ctx context.Context, slot int)
	OnTerminate func(ctx context.Context, slot int)
	OnCrash     func(ctx context.Context, slot int, cause error)

	OnQueued      func(ctx context.Context, payload any)
	OnDispatch    func(ctx context.Context, payload any, queueWaitMs int64)
	OnStateChange func(ctx context.Context, snapshot queue.Snapshot)
	OnReject      func(ctx context.Context, payload any, err error)
	OnCancel      func(ctx context.Context, payload any, phase queue.State)
	OnIdle        func(ctx context.Context)
	OnActive      func(ctx context.Context)
}

// Merge returns a Hooks whose fields call both h's and other's non-nil
// callbacks for each event, h's first. Used to combine an observer-backed
// Hooks (observability.ExecutorHooksFor) with a caller-supplied one so
// neither silently wins.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnSpawn: func(ctx context.Context, slot int) {
			if h.OnSpawn != nil {
				h.OnSpawn(ctx, slot)
			}
			if other.OnSpawn != nil {
				other.OnSpawn(ctx, slot)
			}
		},
		OnTerminate: func(ctx context.Context, slot int) {
			if h.OnTerminate != nil {
				h.OnTerminate(ctx, slot)
			}
			if other.OnTerminate != nil {
				other.OnTerminate(ctx, slot)
			}
		},
		OnCrash: func(ctx context.Context, slot int, cause error) {
			if h.OnCrash != nil {
				h.OnCrash(ctx, slot, cause)
			}
			if other.OnCrash != nil {
				other.OnCrash(ctx, slot, cause)
			}
		},
		OnQueued: func(ctx context.Context, payload any) {
			if h.OnQueued != nil {
				h.OnQueued(ctx, payload)
			}
			if other.OnQueued != nil {
				other.OnQueued(ctx, payload)
			}
		},
		OnDispatch: func(ctx context.Context, payload any, queueWaitMs int64) {
			if h.OnDispatch != nil {
				h.OnDispatch(ctx, payload, queueWaitMs)
			}
			if other.OnDispatch != nil {
				other.OnDispatch(ctx, payload, queueWaitMs)
			}
		},
		OnStateChange: func(ctx context.Context, snapshot queue.Snapshot) {
			if h.OnStateChange != nil {
				h.OnStateChange(ctx, snapshot)
			}
			if other.OnStateChange != nil {
				other.OnStateChange(ctx, snapshot)
			}
		},
		OnReject: func(ctx context.Context, payload any, err error) {
			if h.OnReject != nil {
				h.OnReject(ctx, payload, err)
			}
			if other.OnReject != nil {
				other.OnReject(ctx, payload, err)
			}
		},
		OnCancel: func(ctx context.Context, payload any, phase queue.State) {
			if h.OnCancel != nil {
				h.OnCancel(ctx, payload, phase)
			}
			if other.OnCancel != nil {
				other.OnCancel(ctx, payload, phase)
			}
		},
		OnIdle: func(ctx context.Context) {
			if h.OnIdle != nil {
				h.OnIdle(ctx)
			}
			if other.OnIdle != nil {
				other.OnIdle(ctx)
			}
		},
		OnActive: func(ctx context.Context) {
			if h.OnActive != nil {
				h.OnActive(ctx)
			}
			if other.OnActive != nil {
				other.OnActive(ctx)
			}
		},
	}
}

// CrashInfo records the most recent worker crash observed by a pool.
type CrashInfo struct {
	Slot  int
	Cause error
}

// Snapshot is the read-only state returned by GetState.
type Snapshot struct {
	Type              string // always "parallel": NewSingleton returns a one-slot Pool, which reports the same type
	TotalWorkers      int
	ActiveWorkers     int
	PerWorkerInFlight []int
	Queue             queue.Snapshot
	LastCrash         *CrashInfo
	Halted            bool
}
