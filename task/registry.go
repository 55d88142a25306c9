// Package task implements the Task Registry and Runtime Surface: task
// definition, per-call cancellation-token composition, and a read-only
// snapshot subscription over every registered task.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/taskrunner/executor"
	"github.com/tailored-agentic-units/taskrunner/observability"
	"github.com/tailored-agentic-units/taskrunner/queue"
	"github.com/tailored-agentic-units/taskrunner/token"
)

// KeyOfFunc derives a cancellation-registry key from a call's arguments.
// ok is false when this call has no associated key.
type KeyOfFunc func(args any) (key string, ok bool)

// Definition is everything DefineTask needs beyond Config: the worker
// factory and, optionally, a key-derivation function.
type Definition struct {
	Config        Config
	WorkerFactory executor.WorkerFactory
	KeyOf         KeyOfFunc
	Hooks         executor.Hooks
}

// CallOptions carries the per-call "with" token overlay (composition
// step (c) of spec.md §4.4).
type CallOptions struct {
	Token token.Token
}

// Handle is the polymorphic call interface DefineTask returns.
type Handle struct {
	id       string
	def      Definition
	pool     *executor.Pool
	registry *Registry
}

// ID returns this task's id.
func (h *Handle) ID() string { return h.id }

// Call composes this call's cancellation token from key-derivation,
// per-task timeout, and the caller's overlay, then dispatches method with
// args through the underlying executor.
func (h *Handle) Call(ctx context.Context, method string, args any, opts CallOptions) (any, error) {
	var tokens []token.Token
	var key string

	if h.def.KeyOf != nil {
		if k, ok := h.def.KeyOf(args); ok {
			key = k
			tokens = append(tokens, h.registry.Keys.SignalFor(k))
		}
	}

	var timer *time.Timer
	if h.def.Config.TimeoutMs > 0 {
		src := token.New()
		timer = time.AfterFunc(time.Duration(h.def.Config.TimeoutMs)*time.Millisecond, src.Abort)
		tokens = append(tokens, src)
	}

	if opts.Token != nil {
		tokens = append(tokens, opts.Token)
	}

	composite, cleanup := token.Any(tokens...)
	// The key-derived token, if any, comes from a long-lived, un-cleared
	// source (spec.md §6: one-shot only after Clear); detach this call's
	// listener from it once the call settles so a sustained stream of
	// calls sharing a key does not leak one listener per call.
	defer cleanup()
	callID := uuid.Must(uuid.NewV7()).String()

	result, err := h.pool.Dispatch(ctx, callID, method, args, executor.CallOptions{Token: composite, Key: key})
	if timer != nil {
		timer.Stop()
	}
	return result, err
}

// GetState returns the underlying executor's snapshot.
func (h *Handle) GetState() executor.Snapshot {
	return h.pool.GetState()
}

// StartWorkers, StopWorkers, and Dispose forward to the underlying
// executor.
func (h *Handle) StartWorkers(ctx context.Context) { h.pool.StartWorkers(ctx) }
func (h *Handle) StopWorkers(ctx context.Context)  { h.pool.StopWorkers(ctx) }
func (h *Handle) Dispose(ctx context.Context)      { h.pool.Dispose(ctx) }

// Registry is the Task Registry and Runtime Surface.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Handle

	// Keys is the Keyed Cancellation Registry used for key-derivation
	// composition across every task this registry owns.
	Keys KeyedCancellationRegistry

	nextAutoID int
}

// NewRegistry constructs an empty Registry with an in-memory keyed
// cancellation registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Handle),
		Keys:  NewInMemoryKeyedRegistry(),
	}
}

func queuePolicyOf(p QueuePolicy) queue.Policy {
	switch p {
	case QueuePolicyReject:
		return queue.PolicyReject
	case QueuePolicyDropLatest:
		return queue.PolicyDropLatest
	case QueuePolicyDropOldest:
		return queue.PolicyDropOldest
	default:
		return queue.PolicyBlock
	}
}

func crashPolicyOf(p CrashPolicy) executor.CrashPolicy {
	switch p {
	case CrashRestartRequeueInFlight:
		return executor.RestartRequeueInFlight
	case CrashFailTask:
		return executor.FailTask
	default:
		return executor.RestartFailInFlight
	}
}

// DefineTask resolves defaults, constructs the backing executor, registers
// it, and returns a call handle.
func (r *Registry) DefineTask(def Definition) (*Handle, error) {
	cfg := def.Config
	switch cfg.Type {
	case TypeSingleton:
		cfg = DefaultSingletonConfig().Merge(cfg)
	default:
		cfg = DefaultParallelConfig().Merge(cfg)
	}

	r.mu.Lock()
	id := cfg.ID
	if id == "" {
		r.nextAutoID++
		id = fmt.Sprintf("task-%d", r.nextAutoID)
	}
	if _, exists := r.tasks[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("task: id already registered: %s", id)
	}
	r.mu.Unlock()

	queueOpts := queue.Options{
		MaxInFlight:   cfg.MaxInFlight,
		MaxQueueDepth: cfg.MaxQueueDepth,
		Policy:        queuePolicyOf(cfg.QueuePolicy),
	}

	hooks := def.Hooks
	if cfg.Observer != "" {
		obs, err := observability.GetObserver(cfg.Observer)
		if err != nil {
			return nil, fmt.Errorf("task: resolving observer %q: %w", cfg.Observer, err)
		}
		hooks = observability.ExecutorHooksFor(obs, id).Merge(def.Hooks)
	}

	var pool *executor.Pool
	if cfg.Type == TypeSingleton {
		pool = executor.NewSingleton(id, def.WorkerFactory, queueOpts, crashPolicyOf(cfg.CrashPolicy), cfg.CrashMaxRetries, cfg.IdleTimeoutMs, hooks)
	} else {
		pool = executor.NewPool(id, def.WorkerFactory, cfg.PoolSize, queueOpts, crashPolicyOf(cfg.CrashPolicy), cfg.CrashMaxRetries, cfg.IdleTimeoutMs, hooks)
	}

	def.Config = cfg
	handle := &Handle{id: id, def: def, pool: pool, registry: r}

	if cfg.Init == InitEager {
		pool.SpawnAll(context.Background())
	}

	r.mu.Lock()
	r.tasks[id] = handle
	r.mu.Unlock()

	return handle, nil
}

// Get returns the handle registered under id, if any.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[id]
	return h, ok
}

// Snapshot is the task-state vector: one executor.Snapshot per registered
// task, keyed by task id.
type Snapshot map[string]executor.Snapshot

// GetSnapshot returns the current task-state vector.
func (r *Registry) GetSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(Snapshot, len(r.tasks))
	for id, h := range r.tasks {
		snap[id] = h.GetState()
	}
	return snap
}
