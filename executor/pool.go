// Package executor implements the Parallel Pool Executor, the Singleton
// Executor, and the Crash-Recovery State Machine shared by both: N worker
// slots dispatched round-robin over a Dispatch Queue, with automatic
// restart-with-backoff on worker crash and escalation to a terminal
// Halted state after too many consecutive crashes.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tailored-agentic-units/taskrunner/queue"
	"github.com/tailored-agentic-units/taskrunner/token"
	"github.com/tailored-agentic-units/taskrunner/worker"
)

// WorkerFactory constructs a fresh worker instance. The pool calls it
// once per slot spawn (initial lazy spawn or post-crash respawn).
type WorkerFactory func() worker.Worker

// CallOptions carries per-dispatch options.
type CallOptions struct {
	Token  token.Token
	Key    string // opaque correlation key, carried in the queue payload (visible to hooks); not passed to the worker's Dispatch
}

type slotState string

const (
	slotIdle       slotState = "idle"       // never spawned, or torn down, no restart pending
	slotRunning    slotState = "running"
	slotRestarting slotState = "restarting" // crashed, backoff timer pending
)

type slotRec struct {
	index    int
	mu       sync.Mutex // guards this slot's mutable fields below
	state    slotState
	worker   worker.Worker
	inFlight int
	backoff  *backoff.ExponentialBackOff

	faultCancel context.CancelFunc // stops this slot's fault-listener goroutine
	restartTimer *time.Timer
}

type callPayload struct {
	CallID string
	Method string
	Args   any
	Key    string
}

// Pool is the Parallel Pool Executor.
type Pool struct {
	taskID  string
	factory WorkerFactory
	hooks   Hooks

	crashPolicy     CrashPolicy
	crashMaxRetries int

	mu                 sync.Mutex
	slots              []*slotRec
	cursor             int
	callSlot           map[string]int
	consecutiveCrashes int
	halted             bool
	disposed           bool
	restartSignal      chan struct{} // closed and replaced whenever a slot leaves restarting

	idleTimeoutMs int
	idleTimer     *time.Timer
	lastCrash     *CrashInfo

	queue *queue.Queue[callPayload, any]
}

func newExponentialBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 2000 * time.Millisecond
	b.MaxElapsedTime = 0 // never stop producing backoffs on its own
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// NewPool constructs a Parallel Pool Executor with poolSize worker slots.
func NewPool(taskID string, factory WorkerFactory, poolSize int, queueOpts queue.Options, crashPolicy CrashPolicy, crashMaxRetries int, idleTimeoutMs int, hooks Hooks) *Pool {
	if poolSize < 1 {
		poolSize = 1
	}
	if crashPolicy == "" {
		crashPolicy = RestartFailInFlight
	}

	p := &Pool{
		taskID:          taskID,
		factory:         factory,
		hooks:           hooks,
		crashPolicy:     crashPolicy,
		crashMaxRetries: crashMaxRetries,
		callSlot:        make(map[string]int),
		restartSignal:   make(chan struct{}),
		idleTimeoutMs:   idleTimeoutMs,
	}

	for i := 0; i < poolSize; i++ {
		p.slots = append(p.slots, &slotRec{
			index:   i,
			state:   slotIdle,
			backoff: newExponentialBackoff(),
		})
	}

	queueHooks := queue.Hooks[callPayload]{
		OnInFlightCancel: func(ctx context.Context, payload callPayload) {
			p.mu.Lock()
			idx, ok := p.callSlot[payload.CallID]
			p.mu.Unlock()
			if !ok {
				return
			}
			p.mu.Lock()
			s := p.slots[idx]
			p.mu.Unlock()
			s.mu.Lock()
			w := s.worker
			s.mu.Unlock()
			if w != nil {
				w.Cancel(payload.CallID)
			}
		},
		OnQueued: func(ctx context.Context, payload callPayload) {
			if p.hooks.OnQueued != nil {
				p.hooks.OnQueued(ctx, payload)
			}
		},
		OnDispatch: func(ctx context.Context, payload callPayload, queueWaitMs int64) {
			if p.hooks.OnDispatch != nil {
				p.hooks.OnDispatch(ctx, payload, queueWaitMs)
			}
		},
		OnStateChange: func(ctx context.Context, snapshot queue.Snapshot) {
			if p.hooks.OnStateChange != nil {
				p.hooks.OnStateChange(ctx, snapshot)
			}
		},
		OnReject: func(ctx context.Context, payload callPayload, err error) {
			if p.hooks.OnReject != nil {
				p.hooks.OnReject(ctx, payload, err)
			}
		},
		OnCancel: func(ctx context.Context, payload callPayload, phase queue.State) {
			if p.hooks.OnCancel != nil {
				p.hooks.OnCancel(ctx, payload, phase)
			}
		},
		OnIdle: func(ctx context.Context) {
			p.onQueueIdle(ctx)
			if p.hooks.OnIdle != nil {
				p.hooks.OnIdle(ctx)
			}
		},
		OnActive: func(ctx context.Context) {
			p.onQueueActive(ctx)
			if p.hooks.OnActive != nil {
				p.hooks.OnActive(ctx)
			}
		},
	}
	p.queue = queue.New(queueOpts, p.run, queueHooks)

	return p
}

// Dispatch wraps the call under the caller-supplied callID as a queue
// payload and waits for it to settle. A halted pool rejects it at once
// with ErrHalted.
func (p *Pool) Dispatch(ctx context.Context, callID string, method string, args any, opts CallOptions) (any, error) {
	p.mu.Lock()
	halted := p.halted
	p.mu.Unlock()
	if halted {
		return nil, ErrHalted
	}
	payload := callPayload{CallID: callID, Method: method, Args: args, Key: opts.Key}
	return p.queue.Enqueue(ctx, payload, queue.EnqueueOptions{Token: opts.Token})
}

// run is the Dispatch Queue's RunFunc: it selects a slot, dispatches to
// its worker, and on success resets the pool's crash counter and that
// slot's backoff.
func (p *Pool) run(ctx context.Context, payload callPayload, queueWaitMs int64) (any, error) {
	p.mu.Lock()
	if p.halted {
		p.mu.Unlock()
		return nil, ErrHalted
	}
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrDisposed
	}
	p.mu.Unlock()

	s, err := p.selectSlot(ctx, false)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.callSlot[payload.CallID] = s.index
	p.mu.Unlock()
	s.mu.Lock()
	s.inFlight++
	w := s.worker
	s.mu.Unlock()

	result, err := w.Dispatch(ctx, payload.CallID, payload.Method, payload.Args)

	s.mu.Lock()
	s.inFlight--
	if err == nil {
		s.backoff.Reset()
	}
	s.mu.Unlock()
	p.mu.Lock()
	delete(p.callSlot, payload.CallID)
	if err == nil {
		p.consecutiveCrashes = 0
	}
	p.mu.Unlock()

	return result, err
}

// selectSlot implements the round-robin-with-lazy-spawn selection
// algorithm: prefer an already-running slot, then an idle (never spawned)
// slot, and only if every slot is in restart backoff, wait for one to
// leave backoff and retry exactly once.
func (p *Pool) selectSlot(ctx context.Context, retried bool) (*slotRec, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrDisposed
	}
	n := len(p.slots)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		s := p.slots[idx]
		s.mu.Lock()
		running := s.state == slotRunning
		s.mu.Unlock()
		if running {
			p.cursor = (idx + 1) % n
			p.mu.Unlock()
			return s, nil
		}
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		s := p.slots[idx]
		s.mu.Lock()
		idle := s.state == slotIdle
		s.mu.Unlock()
		if idle {
			p.cursor = (idx + 1) % n
			p.mu.Unlock()
			p.spawnSlot(ctx, s)
			return s, nil
		}
	}
	signal := p.restartSignal
	p.mu.Unlock()

	if retried {
		return nil, ErrNoAvailableWorkers
	}

	select {
	case <-signal:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.selectSlot(ctx, true)
}

// spawnSlot constructs the slot's worker, registers its fault listener,
// and transitions it to Running.
func (p *Pool) spawnSlot(ctx context.Context, s *slotRec) {
	w := p.factory()
	listenCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.worker = w
	s.state = slotRunning
	s.faultCancel = cancel
	s.mu.Unlock()

	go p.listenForFaults(listenCtx, s, w)

	if p.hooks.OnSpawn != nil {
		p.hooks.OnSpawn(ctx, s.index)
	}
}

func (p *Pool) listenForFaults(ctx context.Context, s *slotRec, w worker.Worker) {
	select {
	case fault, ok := <-w.Faults():
		if !ok {
			return
		}
		p.handleCrash(context.Background(), s, fault.Cause)
	case <-ctx.Done():
	}
}

// teardownSlot stops the fault listener and drops the worker reference,
// returning the slot to Idle so the next dispatch lazily respawns it.
func (p *Pool) teardownSlot(ctx context.Context, s *slotRec) {
	s.mu.Lock()
	if s.faultCancel != nil {
		s.faultCancel()
		s.faultCancel = nil
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.worker = nil
	s.inFlight = 0
	s.state = slotIdle
	s.mu.Unlock()

	if p.hooks.OnTerminate != nil {
		p.hooks.OnTerminate(ctx, s.index)
	}
}

// handleCrash implements the Crash-Recovery State Machine's reaction to a
// fault on slot s. It is idempotent per slot: a slot already mid-crash-
// handling is ignored.
func (p *Pool) handleCrash(ctx context.Context, s *slotRec, cause error) {
	s.mu.Lock()
	if s.state != slotRunning {
		s.mu.Unlock()
		return
	}
	s.state = slotRestarting
	s.mu.Unlock()

	p.mu.Lock()
	p.lastCrash = &CrashInfo{Slot: s.index, Cause: cause}
	p.mu.Unlock()

	if p.hooks.OnCrash != nil {
		p.hooks.OnCrash(ctx, s.index, cause)
	}

	p.teardownSlot(ctx, s)
	s.mu.Lock()
	s.state = slotRestarting
	s.mu.Unlock()

	werr := &WorkerCrashedError{TaskID: p.taskID, Slot: s.index, Cause: cause}

	p.mu.Lock()
	p.consecutiveCrashes++
	effective := p.crashPolicy
	if p.crashMaxRetries > 0 && p.consecutiveCrashes > p.crashMaxRetries {
		effective = FailTask
	}
	p.mu.Unlock()

	matchesSlot := func(payload callPayload) bool {
		p.mu.Lock()
		idx, ok := p.callSlot[payload.CallID]
		p.mu.Unlock()
		return ok && idx == s.index
	}
	forgetSlot := func(payloads []callPayload) {
		p.mu.Lock()
		for _, payload := range payloads {
			delete(p.callSlot, payload.CallID)
		}
		p.mu.Unlock()
	}

	switch effective {
	case RestartFailInFlight:
		rejected := p.queue.RejectInFlight(ctx, matchesSlot, werr)
		forgetSlot(rejected)
		p.scheduleRestart(s)
	case RestartRequeueInFlight:
		requeued := p.queue.RequeueInFlight(ctx, matchesSlot)
		forgetSlot(requeued)
		p.scheduleRestart(s)
	case FailTask:
		p.queue.RejectAll(ctx, werr)
		p.queue.Pause()
		p.mu.Lock()
		p.halted = true
		p.mu.Unlock()
		for _, other := range p.slots {
			p.teardownSlot(ctx, other)
		}
	}
}

// scheduleRestart arms slot s's per-slot backoff timer. When it fires the
// slot returns to Idle, so the next selectSlot that reaches it respawns it
// lazily, and the restart signal is broadcast so a caller waiting in
// selectSlot while every slot was backing off retries promptly. The timer
// does not spawn a worker itself.
func (p *Pool) scheduleRestart(s *slotRec) {
	s.mu.Lock()
	d := s.backoff.NextBackOff()
	s.mu.Unlock()

	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.state != slotRestarting {
			s.mu.Unlock()
			return
		}
		s.state = slotIdle
		s.mu.Unlock()
		p.broadcastRestart()
	})

	s.mu.Lock()
	s.restartTimer = timer
	s.mu.Unlock()
}

func (p *Pool) broadcastRestart() {
	p.mu.Lock()
	old := p.restartSignal
	p.restartSignal = make(chan struct{})
	p.mu.Unlock()
	close(old)
}

func (p *Pool) onQueueIdle(ctx context.Context) {
	if p.idleTimeoutMs <= 0 {
		return
	}
	p.mu.Lock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(time.Duration(p.idleTimeoutMs)*time.Millisecond, func() {
		if p.queue.IsIdle() {
			p.mu.Lock()
			slots := append([]*slotRec{}, p.slots...)
			p.mu.Unlock()
			for _, s := range slots {
				s.mu.Lock()
				running := s.state == slotRunning
				s.mu.Unlock()
				if running {
					p.teardownSlot(ctx, s)
				}
			}
		}
	})
	p.mu.Unlock()
}

func (p *Pool) onQueueActive(ctx context.Context) {
	p.mu.Lock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()
}

// SpawnAll eagerly spawns every idle slot, used by task.InitEager instead
// of waiting for the first real dispatch to trigger lazy spawn.
func (p *Pool) SpawnAll(ctx context.Context) {
	p.mu.Lock()
	slots := append([]*slotRec{}, p.slots...)
	p.mu.Unlock()
	for _, s := range slots {
		s.mu.Lock()
		idle := s.state == slotIdle
		s.mu.Unlock()
		if idle {
			p.spawnSlot(ctx, s)
		}
	}
}

// StartWorkers clears the Halted state, resets the consecutive-crash
// counter, and resumes the queue. Slots respawn lazily on next dispatch.
func (p *Pool) StartWorkers(ctx context.Context) {
	p.mu.Lock()
	p.halted = false
	p.consecutiveCrashes = 0
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()
	p.queue.Resume(ctx)
}

// StopWorkers pauses the queue's pump (new calls are still admitted to
// Pending), requeues every in-flight call so it
// survives the pause, and tears every running or backing-off slot down.
// Per spec.md §4.2's restart-backoff paragraph, this also cancels every
// slot's pending restart timer and resolves every restart waiter, so a
// run goroutine parked in selectSlot while every slot was in restart
// backoff does not leak.
func (p *Pool) StopWorkers(ctx context.Context) {
	p.queue.Pause()
	p.queue.RequeueInFlight(ctx, func(callPayload) bool { return true })

	p.mu.Lock()
	slots := append([]*slotRec{}, p.slots...)
	p.mu.Unlock()
	for _, s := range slots {
		s.mu.Lock()
		needsTeardown := s.state == slotRunning || s.state == slotRestarting
		s.mu.Unlock()
		if needsTeardown {
			p.teardownSlot(ctx, s)
		}
	}
	p.broadcastRestart()
}

// Dispose tears the pool down permanently: every outstanding call rejects
// and every slot is torn down. As with StopWorkers, every pending restart
// timer is cancelled and every restart waiter released, so a run goroutine
// blocked in selectSlot does not leak past Dispose; selectSlot itself
// rejects with ErrDisposed once woken, rather than spawning a fresh
// worker for a disposed pool.
func (p *Pool) Dispose(ctx context.Context) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	slots := append([]*slotRec{}, p.slots...)
	p.mu.Unlock()

	p.queue.Dispose(ctx)
	for _, s := range slots {
		p.teardownSlot(ctx, s)
	}
	p.broadcastRestart()
}

// GetState returns a point-in-time snapshot of the pool.
func (p *Pool) GetState() Snapshot {
	p.mu.Lock()
	halted := p.halted
	lastCrash := p.lastCrash
	p.mu.Unlock()

	active := 0
	perWorker := make([]int, len(p.slots))
	for _, s := range p.slots {
		s.mu.Lock()
		if s.state == slotRunning {
			active++
		}
		perWorker[s.index] = s.inFlight
		s.mu.Unlock()
	}

	return Snapshot{
		Type:              "parallel",
		TotalWorkers:      len(p.slots),
		ActiveWorkers:     active,
		PerWorkerInFlight: perWorker,
		Queue:             p.queue.GetState(),
		LastCrash:         lastCrash,
		Halted:            halted,
	}
}
