// Package token implements the single-fire cancellation signal the core
// consumes for call abort, timeout, and composed cancellation.
//
// A Token is intentionally minimal: an aborted flag, a subscribe-for-abort
// capability, and an Any composition operator that produces a token firing
// when any input token fires. Hosts with a native cancellation primitive
// (context.Context, an AbortSignal) can wrap it behind this interface;
// this package also provides a self-contained implementation for callers
// with no such primitive.
package token

import "sync"

// Token is a single-fire cancellation signal.
//
// Aborted reports whether the token has already fired. OnAbort registers a
// listener that runs at most once, at the moment the token fires; if the
// token has already fired, the listener runs synchronously before OnAbort
// returns. The returned removal function is idempotent and safe to call
// after the token has already fired (it becomes a no-op).
type Token interface {
	Aborted() bool
	OnAbort(listener func()) (remove func())
}

// Source is an owned, fireable Token. Abort is idempotent: only the first
// call has any effect, and every registered listener runs exactly once.
type Source struct {
	mu        sync.Mutex
	aborted   bool
	listeners map[int]func()
	nextID    int
}

// New creates an unfired Source.
func New() *Source {
	return &Source{listeners: make(map[int]func())}
}

// Aborted reports whether Abort has been called.
func (s *Source) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// OnAbort registers listener to run once, when the token fires. If the
// token has already fired, listener runs synchronously before OnAbort
// returns.
func (s *Source) OnAbort(listener func()) (remove func()) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		listener()
		return func() {}
	}

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Abort fires the token, if it has not already fired, running every
// registered listener exactly once. Listeners run synchronously, in
// registration order, with the token's lock released.
func (s *Source) Abort() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	listeners := make([]func(), 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if l, ok := s.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

// Never is a Token that never fires. Useful as a zero-value placeholder
// where a caller did not supply a cancellation token.
var Never Token = neverToken{}

type neverToken struct{}

func (neverToken) Aborted() bool                  { return false }
func (neverToken) OnAbort(func()) (remove func()) { return func() {} }

// Any composes tokens so the result fires as soon as any input fires. If
// any input is already aborted, the returned token is already aborted. An
// empty input list returns Never. This is the composition operator
// referenced by spec.md §4.4 and §6 for hosts without a built-in one.
//
// The second return value detaches the composition's listeners from every
// live input. Callers MUST invoke it once they are done with the composite
// (typically right after the operation it guards settles); otherwise every
// use of a long-lived input — such as a keyed-registry source that stays
// un-aborted across many calls, per spec.md §6's one-shot-until-Clear
// contract — leaks one listener closure per composition.
func Any(tokens ...Token) (Token, func()) {
	noop := func() {}

	live := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t == nil {
			continue
		}
		if t.Aborted() {
			return alreadyAborted{}, noop
		}
		live = append(live, t)
	}
	if len(live) == 0 {
		return Never, noop
	}

	out := New()
	removers := make([]func(), 0, len(live))
	for _, t := range live {
		// Source.Abort is already idempotent (guarded by s.aborted), so
		// registering out.Abort directly on every input needs no extra
		// "fire once" guard of its own.
		removers = append(removers, t.OnAbort(out.Abort))
	}
	return out, func() {
		for _, remove := range removers {
			remove()
		}
	}
}

type alreadyAborted struct{}

func (alreadyAborted) Aborted() bool { return true }
func (alreadyAborted) OnAbort(listener func()) (remove func()) {
	listener()
	return func() {}
}
