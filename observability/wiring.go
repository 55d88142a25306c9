package observability

import (
	"context"
	"time"

	"github.com/tailored-agentic-units/taskrunner/executor"
	"github.com/tailored-agentic-units/taskrunner/queue"
)

// QueueHooksFor builds a queue.Hooks that reports every Dispatch Queue
// lifecycle event to observer as an Event, named per spec.md §6. source
// identifies the emitting task in each event's Source field. Payloads are
// passed through opaquely in Data, the same way the queue itself never
// inspects them.
func QueueHooksFor[P any](observer Observer, source string) queue.Hooks[P] {
	emit := func(ctx context.Context, typ EventType, level Level, data map[string]any) {
		observer.OnEvent(ctx, Event{Type: typ, Level: level, Timestamp: time.Now(), Source: source, Data: data})
	}
	return queue.Hooks[P]{
		OnQueued: func(ctx context.Context, payload P) {
			emit(ctx, EventQueued, LevelVerbose, map[string]any{"payload": payload})
		},
		OnDispatch: func(ctx context.Context, payload P, queueWaitMs int64) {
			emit(ctx, EventDispatch, LevelVerbose, map[string]any{"payload": payload, "queue_wait_ms": queueWaitMs})
		},
		OnStateChange: func(ctx context.Context, snapshot queue.Snapshot) {
			emit(ctx, EventStateChange, LevelVerbose, map[string]any{"snapshot": snapshot})
		},
		OnReject: func(ctx context.Context, payload P, err error) {
			emit(ctx, EventReject, LevelWarning, map[string]any{"payload": payload, "error": err.Error()})
		},
		OnCancel: func(ctx context.Context, payload P, phase queue.State) {
			emit(ctx, EventCancel, LevelInfo, map[string]any{"payload": payload, "phase": string(phase)})
		},
		OnIdle: func(ctx context.Context) {
			emit(ctx, EventIdle, LevelVerbose, nil)
		},
		OnActive: func(ctx context.Context) {
			emit(ctx, EventActive, LevelVerbose, nil)
		},
	}
}

// ExecutorHooksFor builds an executor.Hooks that reports worker-lifecycle
// events, plus the Dispatch Queue events the pool forwards through it, to
// observer — covering every event spec.md §6 names for a single task's
// executor with one Hooks value.
func ExecutorHooksFor(observer Observer, source string) executor.Hooks {
	emit := func(ctx context.Context, typ EventType, level Level, data map[string]any) {
		observer.OnEvent(ctx, Event{Type: typ, Level: level, Timestamp: time.Now(), Source: source, Data: data})
	}
	return executor.Hooks{
		OnSpawn: func(ctx context.Context, slot int) {
			emit(ctx, EventWorkerSpawn, LevelInfo, map[string]any{"slot": slot})
		},
		OnTerminate: func(ctx context.Context, slot int) {
			emit(ctx, EventWorkerTerminate, LevelInfo, map[string]any{"slot": slot})
		},
		OnCrash: func(ctx context.Context, slot int, cause error) {
			emit(ctx, EventWorkerCrash, LevelError, map[string]any{"slot": slot, "cause": cause.Error()})
		},
		OnQueued: func(ctx context.Context, payload any) {
			emit(ctx, EventQueued, LevelVerbose, map[string]any{"payload": payload})
		},
		OnDispatch: func(ctx context.Context, payload any, queueWaitMs int64) {
			emit(ctx, EventDispatch, LevelVerbose, map[string]any{"payload": payload, "queue_wait_ms": queueWaitMs})
		},
		OnStateChange: func(ctx context.Context, snapshot queue.Snapshot) {
			emit(ctx, EventStateChange, LevelVerbose, map[string]any{"snapshot": snapshot})
		},
		OnReject: func(ctx context.Context, payload any, err error) {
			emit(ctx, EventReject, LevelWarning, map[string]any{"payload": payload, "error": err.Error()})
		},
		OnCancel: func(ctx context.Context, payload any, phase queue.State) {
			emit(ctx, EventCancel, LevelInfo, map[string]any{"payload": payload, "phase": string(phase)})
		},
		OnIdle: func(ctx context.Context) {
			emit(ctx, EventIdle, LevelVerbose, nil)
		},
		OnActive: func(ctx context.Context) {
			emit(ctx, EventActive, LevelVerbose, nil)
		},
	}
}
