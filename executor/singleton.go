package executor

import "github.com/tailored-agentic-units/taskrunner/queue"

// NewSingleton builds a Singleton Executor: a Pool fixed at one worker
// slot. It is structurally identical to the Parallel Pool Executor at
// poolSize=1 — the round-robin cursor and callId→slot map are both
// trivial at N=1, so Pool's general machinery already implements the two
// simplifications the spec calls out without needing its own type.
func NewSingleton(taskID string, factory WorkerFactory, queueOpts queue.Options, crashPolicy CrashPolicy, crashMaxRetries int, idleTimeoutMs int, hooks Hooks) *Pool {
	return NewPool(taskID, factory, 1, queueOpts, crashPolicy, crashMaxRetries, idleTimeoutMs, hooks)
}
