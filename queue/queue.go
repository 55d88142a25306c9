// Package queue implements the Dispatch Queue: the per-task admission and
// scheduling engine described in spec.md §4.1. It gates incoming calls
// against two capacity limits (max in-flight, max queue depth), drives a
// pump loop that hands admitted entries to a caller-supplied run function,
// and reports lifecycle transitions through Hooks.
//
// Queue is generic over the opaque call payload (P) and its result (R); it
// never inspects either, matching spec.md §3's "payload opaque to the
// queue" invariant.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tailored-agentic-units/taskrunner/token"
)

// errWaiterAborted is a private sentinel distinguishing an aborted
// permit-wait from a disposed one; Enqueue translates it to an
// *AbortError before it ever reaches a caller.
var errWaiterAborted = errors.New("queue: permit wait aborted")

// RunFunc is the caller-supplied function the pump dispatches admitted
// payloads to. queueWaitMs is the time the entry spent in Pending before
// dispatch.
type RunFunc[P, R any] func(ctx context.Context, payload P, queueWaitMs int64) (R, error)

// Options configures a Queue at construction.
type Options struct {
	MaxInFlight   int // >= 1
	MaxQueueDepth int // >= 0, or Unbounded
	Policy        Policy
}

type outcome[R any] struct {
	value R
	err   error
}

type entry[P, R any] struct {
	payload P

	firstEnqueuedAt time.Time // stable across requeues; used for FIFO ordering
	enqueuedAt      time.Time // reset on each requeue

	tok      token.Token
	resultCh chan outcome[R]

	attempt uint64
	state   State

	elem *list.Element // this entry's node in Queue.pending, or nil

	permitHeld bool // holding a block-policy permit while Pending

	detachAbort func() // remove the currently-attached abort listener
}

type permitWaiter[P any] struct {
	payload P
	ch      chan error
	elem    *list.Element
	listed  bool
}

// Queue is the Dispatch Queue.
type Queue[P, R any] struct {
	mu sync.Mutex

	maxInFlight   int
	maxQueueDepth int
	policy        Policy

	paused   bool
	disposed bool
	wasIdle  bool

	pending  *list.List // of *entry[P,R], FIFO
	inFlight map[*entry[P, R]]struct{}
	waiters  *list.List // of *permitWaiter[P], FIFO; only used by block+bounded

	permits int

	run   RunFunc[P, R]
	hooks Hooks[P]

	Metrics *Metrics
}

// New creates a Queue with the given options, run function, and hooks.
func New[P, R any](opts Options, run RunFunc[P, R], hooks Hooks[P]) *Queue[P, R] {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyBlock
	}

	q := &Queue[P, R]{
		maxInFlight:   opts.MaxInFlight,
		maxQueueDepth: opts.MaxQueueDepth,
		policy:        opts.Policy,
		pending:       list.New(),
		inFlight:      make(map[*entry[P, R]]struct{}),
		waiters:       list.New(),
		run:           run,
		hooks:         hooks,
		Metrics:       NewMetrics(),
		wasIdle:       true,
	}
	if q.bounded() {
		q.permits = q.maxQueueDepth
	}
	return q
}

func (q *Queue[P, R]) bounded() bool {
	return q.maxQueueDepth != Unbounded
}

// Enqueue admits payload, applying the admission algorithm of spec.md
// §4.1, and blocks until the call resolves (successfully, with a user
// error, or with one of Abort/QueueDrop/Disposed).
func (q *Queue[P, R]) Enqueue(ctx context.Context, payload P, opts EnqueueOptions) (R, error) {
	var zero R
	tok := opts.Token
	if tok == nil {
		tok = token.Never
	}

	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		q.Metrics.Rejected.Add(1)
		q.emitReject(ctx, payload, ErrDisposed)
		return zero, ErrDisposed
	}
	if tok.Aborted() {
		q.mu.Unlock()
		q.Metrics.Canceled.Add(1)
		q.emitCancel(ctx, payload, StateWaiting)
		return zero, NewAbortError(StateWaiting)
	}

	if q.policy == PolicyBlock && q.bounded() {
		if err := q.acquirePermit(tok, payload); err != nil {
			if errors.Is(err, errWaiterAborted) {
				q.Metrics.Canceled.Add(1)
				q.emitCancel(ctx, payload, StateWaiting)
				return zero, NewAbortError(StateWaiting)
			}
			q.Metrics.Rejected.Add(1)
			q.emitReject(ctx, payload, ErrDisposed)
			return zero, ErrDisposed
		}

		// Permit acquired; re-check disposal and token-aborted.
		q.mu.Lock()
		if q.disposed {
			q.releasePermitLocked()
			q.mu.Unlock()
			q.Metrics.Rejected.Add(1)
			q.emitReject(ctx, payload, ErrDisposed)
			return zero, ErrDisposed
		}
		if tok.Aborted() {
			q.releasePermitLocked()
			q.mu.Unlock()
			q.Metrics.Canceled.Add(1)
			q.emitCancel(ctx, payload, StateWaiting)
			return zero, NewAbortError(StateWaiting)
		}
	} else if q.bounded() && q.pending.Len() >= q.maxQueueDepth {
		switch q.policy {
		case PolicyReject:
			q.mu.Unlock()
			err := NewQueueDropError(DropReject)
			q.Metrics.Rejected.Add(1)
			q.emitReject(ctx, payload, err)
			return zero, err
		case PolicyDropLatest:
			q.mu.Unlock()
			err := NewQueueDropError(DropLatest)
			q.Metrics.Rejected.Add(1)
			q.emitReject(ctx, payload, err)
			return zero, err
		case PolicyDropOldest:
			dropped := q.dropOldestLocked()
			if dropped != nil {
				defer func() {
					q.Metrics.Rejected.Add(1)
					q.emitReject(ctx, dropped.payload, NewQueueDropError(DropOldest))
					dropped.resultCh <- outcome[R]{err: NewQueueDropError(DropOldest)}
				}()
			}
			// fall through: continue admitting the new entry below
		}
	}

	now := time.Now()
	e := &entry[P, R]{
		payload:         payload,
		firstEnqueuedAt: now,
		enqueuedAt:      now,
		tok:             tok,
		resultCh:        make(chan outcome[R], 1),
		state:           StatePending,
		permitHeld:      q.policy == PolicyBlock && q.bounded(),
	}
	e.elem = q.pending.PushBack(e)
	e.detachAbort = tok.OnAbort(func() { q.onPendingAbort(ctx, e) })
	q.mu.Unlock()

	q.emitQueued(ctx, payload)
	q.pump(ctx)

	res := <-e.resultCh
	return res.value, res.err
}

// dropOldestLocked removes and returns the head of pending. Caller holds
// q.mu and must deliver the drop error to the returned entry's resultCh
// after unlocking.
func (q *Queue[P, R]) dropOldestLocked() *entry[P, R] {
	front := q.pending.Front()
	if front == nil {
		return nil
	}
	e := front.Value.(*entry[P, R])
	q.pending.Remove(front)
	e.elem = nil
	if e.detachAbort != nil {
		e.detachAbort()
		e.detachAbort = nil
	}
	if e.permitHeld {
		q.releasePermitLocked()
		e.permitHeld = false
	}
	return e
}

func (q *Queue[P, R]) onPendingAbort(ctx context.Context, e *entry[P, R]) {
	q.mu.Lock()
	if e.state != StatePending || e.elem == nil {
		q.mu.Unlock()
		return
	}
	q.pending.Remove(e.elem)
	e.elem = nil
	if e.permitHeld {
		q.releasePermitLocked()
		e.permitHeld = false
	}
	q.mu.Unlock()

	q.Metrics.Canceled.Add(1)
	q.emitCancel(ctx, e.payload, StatePending)
	e.resultCh <- outcome[R]{err: NewAbortError(StatePending)}
	q.pump(ctx)
}

// acquirePermit blocks the calling goroutine until a pending permit is
// available, the token aborts, or the queue is disposed. It returns with
// q.mu unlocked in all cases.
func (q *Queue[P, R]) acquirePermit(tok token.Token, payload P) error {
	if q.permits > 0 {
		q.permits--
		q.mu.Unlock()
		return nil
	}

	w := &permitWaiter[P]{payload: payload, ch: make(chan error, 1)}
	w.elem = q.waiters.PushBack(w)
	w.listed = true
	q.mu.Unlock()

	remove := tok.OnAbort(func() {
		q.mu.Lock()
		if w.listed {
			q.waiters.Remove(w.elem)
			w.listed = false
			q.mu.Unlock()
			w.ch <- errWaiterAborted
		} else {
			q.mu.Unlock()
		}
	})

	err := <-w.ch
	remove()
	return err
}

// releasePermitLocked returns a permit to the pool, immediately handing it
// to the head waiter if one is queued. Caller holds q.mu.
func (q *Queue[P, R]) releasePermitLocked() {
	q.permits++
	front := q.waiters.Front()
	if front == nil {
		return
	}
	w := front.Value.(*permitWaiter[P])
	q.waiters.Remove(front)
	w.listed = false
	q.permits--
	w.ch <- nil
}

// pump dispatches while capacity allows, then returns without suspending.
func (q *Queue[P, R]) pump(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.paused || q.disposed || len(q.inFlight) >= q.maxInFlight || q.pending.Len() == 0 {
			q.mu.Unlock()
			break
		}

		front := q.pending.Front()
		e := front.Value.(*entry[P, R])
		q.pending.Remove(front)
		e.elem = nil
		if e.detachAbort != nil {
			e.detachAbort()
			e.detachAbort = nil
		}
		if e.permitHeld {
			q.releasePermitLocked()
			e.permitHeld = false
		}

		waitMs := time.Since(e.enqueuedAt).Milliseconds()
		e.state = StateInFlight
		e.attempt++
		attempt := e.attempt
		q.inFlight[e] = struct{}{}
		q.mu.Unlock()

		q.Metrics.Dispatched.Add(1)
		q.Metrics.QueueWaitMs.observe(waitMs)
		q.emitDispatch(ctx, e.payload, waitMs)

		e.detachAbort = e.tok.OnAbort(func() { q.onInFlightAbort(ctx, e, attempt) })

		go q.runEntry(ctx, e, attempt)
	}

	q.mu.Lock()
	idleNow := q.pending.Len() == 0 && len(q.inFlight) == 0
	wasIdle := q.wasIdle
	q.wasIdle = idleNow
	q.mu.Unlock()

	q.emitStateChange(ctx)
	if idleNow && !wasIdle {
		q.emitIdle(ctx)
	} else if !idleNow && wasIdle {
		q.emitActive(ctx)
	}
}

func (q *Queue[P, R]) runEntry(ctx context.Context, e *entry[P, R], attempt uint64) {
	start := time.Now()
	value, err := q.run(ctx, e.payload, time.Since(e.enqueuedAt).Milliseconds())
	durationMs := time.Since(start).Milliseconds()

	q.mu.Lock()
	_, stillIn := q.inFlight[e]
	if !stillIn || e.attempt != attempt {
		q.mu.Unlock()
		return // stale completion, suppressed
	}
	delete(q.inFlight, e)
	if e.detachAbort != nil {
		e.detachAbort()
		e.detachAbort = nil
	}
	q.mu.Unlock()

	q.Metrics.TaskDurationMs.observe(durationMs)
	if err != nil {
		q.Metrics.Failed.Add(1)
	} else {
		q.Metrics.Succeeded.Add(1)
	}

	e.resultCh <- outcome[R]{value: value, err: err}
	q.pump(ctx)
}

func (q *Queue[P, R]) onInFlightAbort(ctx context.Context, e *entry[P, R], attempt uint64) {
	q.mu.Lock()
	_, stillIn := q.inFlight[e]
	if !stillIn || e.attempt != attempt {
		q.mu.Unlock()
		return
	}
	delete(q.inFlight, e)
	q.mu.Unlock()

	q.Metrics.Canceled.Add(1)
	q.emitCancel(ctx, e.payload, StateInFlight)
	if q.hooks.OnInFlightCancel != nil {
		q.hooks.OnInFlightCancel(ctx, e.payload)
	}
	e.resultCh <- outcome[R]{err: NewAbortError(StateInFlight)}
	q.pump(ctx)
}

// Pause suspends the pump. Admission is unaffected; entries keep queuing.
func (q *Queue[P, R]) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lifts Pause and runs a pump pass.
func (q *Queue[P, R]) Resume(ctx context.Context) {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.pump(ctx)
}

// Dispose tears the queue down permanently: every Waiting, Pending, and
// InFlight entry rejects with ErrDisposed, and every subsequent Enqueue
// rejects synchronously.
func (q *Queue[P, R]) Dispose(ctx context.Context) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	q.paused = true

	var waiterChans []chan error
	for el := q.waiters.Front(); el != nil; el = el.Next() {
		w := el.Value.(*permitWaiter[P])
		w.listed = false
		waiterChans = append(waiterChans, w.ch)
	}
	q.waiters.Init()

	var pendingEntries []*entry[P, R]
	for el := q.pending.Front(); el != nil; el = el.Next() {
		pendingEntries = append(pendingEntries, el.Value.(*entry[P, R]))
	}
	q.pending.Init()

	var inFlightEntries []*entry[P, R]
	for e := range q.inFlight {
		inFlightEntries = append(inFlightEntries, e)
	}
	q.inFlight = make(map[*entry[P, R]]struct{})

	if q.bounded() {
		q.permits = q.maxQueueDepth
	}
	q.mu.Unlock()

	for _, ch := range waiterChans {
		ch <- ErrDisposed
	}
	for _, e := range pendingEntries {
		if e.detachAbort != nil {
			e.detachAbort()
		}
		e.resultCh <- outcome[R]{err: ErrDisposed}
	}
	for _, e := range inFlightEntries {
		if e.detachAbort != nil {
			e.detachAbort()
		}
		e.resultCh <- outcome[R]{err: ErrDisposed}
	}

	q.emitStateChange(ctx)
}

// RequeueInFlight moves every in-flight entry matching predicate back to
// the front of Pending, incrementing its attempt counter so the prior
// dispatch's eventual completion is suppressed. Entries are reinserted
// ordered by original admission time (spec.md §9 Open Question 1), not
// crash-discovery order. Returns the requeued payloads.
func (q *Queue[P, R]) RequeueInFlight(ctx context.Context, predicate func(P) bool) []P {
	q.mu.Lock()
	var matched []*entry[P, R]
	for e := range q.inFlight {
		if predicate(e.payload) {
			matched = append(matched, e)
			delete(q.inFlight, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].firstEnqueuedAt.Before(matched[j].firstEnqueuedAt)
	})

	var requeued []P
	var abortedNow []*entry[P, R]
	bounded := q.bounded()
	for i := len(matched) - 1; i >= 0; i-- {
		e := matched[i]
		if e.detachAbort != nil {
			e.detachAbort()
			e.detachAbort = nil
		}
		e.attempt++
		if e.tok.Aborted() {
			abortedNow = append(abortedNow, e)
			continue
		}
		e.enqueuedAt = time.Now()
		e.state = StatePending
		e.elem = q.pending.PushFront(e)
		if q.policy == PolicyBlock && bounded {
			q.permits--
			e.permitHeld = true
		}
		e.detachAbort = e.tok.OnAbort(func() { q.onPendingAbort(ctx, e) })
		requeued = append(requeued, e.payload)
	}
	q.mu.Unlock()

	for _, e := range abortedNow {
		q.Metrics.Canceled.Add(1)
		q.emitCancel(ctx, e.payload, StateInFlight)
		e.resultCh <- outcome[R]{err: NewAbortError(StateInFlight)}
	}
	// requeued is built in descending admission order (matched is walked
	// backwards so each PushFront lands ahead of the later ones); iterate it
	// in reverse so events go out in ascending admission order.
	for i := len(requeued) - 1; i >= 0; i-- {
		q.Metrics.Requeued.Add(1)
		q.emitQueued(ctx, requeued[i])
	}

	q.pump(ctx)
	return requeued
}

// RejectInFlight completes every in-flight entry matching predicate with
// err, without requeuing it. Returns the rejected payloads.
func (q *Queue[P, R]) RejectInFlight(ctx context.Context, predicate func(P) bool, err error) []P {
	q.mu.Lock()
	var matched []*entry[P, R]
	for e := range q.inFlight {
		if predicate(e.payload) {
			matched = append(matched, e)
			delete(q.inFlight, e)
		}
	}
	q.mu.Unlock()

	payloads := make([]P, 0, len(matched))
	for _, e := range matched {
		if e.detachAbort != nil {
			e.detachAbort()
		}
		payloads = append(payloads, e.payload)
		q.Metrics.Failed.Add(1)
		e.resultCh <- outcome[R]{err: err}
	}

	q.pump(ctx)
	return payloads
}

// RejectAll drains Waiting, Pending, and InFlight, completing every entry
// with err, and returns the payloads grouped by the phase they were
// drained from so the caller can emit the right event per phase.
func (q *Queue[P, R]) RejectAll(ctx context.Context, err error) DrainResult[P] {
	q.mu.Lock()
	var result DrainResult[P]

	var waiterChans []chan error
	for el := q.waiters.Front(); el != nil; el = el.Next() {
		w := el.Value.(*permitWaiter[P])
		w.listed = false
		result.Waiting = append(result.Waiting, w.payload)
		waiterChans = append(waiterChans, w.ch)
	}
	q.waiters.Init()

	var pendingEntries []*entry[P, R]
	for el := q.pending.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[P, R])
		result.Pending = append(result.Pending, e.payload)
		pendingEntries = append(pendingEntries, e)
	}
	q.pending.Init()

	var inFlightEntries []*entry[P, R]
	for e := range q.inFlight {
		result.InFlight = append(result.InFlight, e.payload)
		inFlightEntries = append(inFlightEntries, e)
	}
	q.inFlight = make(map[*entry[P, R]]struct{})

	if q.bounded() {
		q.permits = q.maxQueueDepth
	}
	q.mu.Unlock()

	for _, ch := range waiterChans {
		ch <- err
	}
	for _, e := range pendingEntries {
		if e.detachAbort != nil {
			e.detachAbort()
		}
		q.Metrics.Failed.Add(1)
		e.resultCh <- outcome[R]{err: err}
	}
	for _, e := range inFlightEntries {
		if e.detachAbort != nil {
			e.detachAbort()
		}
		q.Metrics.Failed.Add(1)
		e.resultCh <- outcome[R]{err: err}
	}

	q.pump(ctx)
	return result
}

// GetState returns a point-in-time snapshot of the queue's admission
// state.
func (q *Queue[P, R]) GetState() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		InFlight:      len(q.inFlight),
		Pending:       q.pending.Len(),
		Waiting:       q.waiters.Len(),
		MaxInFlight:   q.maxInFlight,
		MaxQueueDepth: q.maxQueueDepth,
		Policy:        q.policy,
		Paused:        q.paused,
		Disposed:      q.disposed,
	}
}

// IsIdle reports whether the queue currently has no pending or in-flight
// work.
func (q *Queue[P, R]) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() == 0 && len(q.inFlight) == 0
}

func (q *Queue[P, R]) emitQueued(ctx context.Context, payload P) {
	if q.hooks.OnQueued != nil {
		q.hooks.OnQueued(ctx, payload)
	}
}

func (q *Queue[P, R]) emitDispatch(ctx context.Context, payload P, queueWaitMs int64) {
	if q.hooks.OnDispatch != nil {
		q.hooks.OnDispatch(ctx, payload, queueWaitMs)
	}
}

func (q *Queue[P, R]) emitStateChange(ctx context.Context) {
	if q.hooks.OnStateChange != nil {
		q.hooks.OnStateChange(ctx, q.GetState())
	}
}

func (q *Queue[P, R]) emitReject(ctx context.Context, payload P, err error) {
	if q.hooks.OnReject != nil {
		q.hooks.OnReject(ctx, payload, err)
	}
}

func (q *Queue[P, R]) emitCancel(ctx context.Context, payload P, phase State) {
	if q.hooks.OnCancel != nil {
		q.hooks.OnCancel(ctx, payload, phase)
	}
}

func (q *Queue[P, R]) emitIdle(ctx context.Context) {
	if q.hooks.OnIdle != nil {
		q.hooks.OnIdle(ctx)
	}
}

func (q *Queue[P, R]) emitActive(ctx context.Context) {
	if q.hooks.OnActive != nil {
		q.hooks.OnActive(ctx)
	}
}
