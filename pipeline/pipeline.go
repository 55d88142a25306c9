// Package pipeline implements the Parallel-Limit Pipeline Operator: apply
// a function to every item of an iterable with bounded concurrency,
// yielding results as a lazy sequence in completion order rather than
// submission order.
package pipeline

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tailored-agentic-units/taskrunner/token"
)

// ErrorPolicy selects how Map reacts to a rejected computation.
type ErrorPolicy string

const (
	// FailFast calls the on-error hook and stops the sequence on the
	// first rejection. This is the default outside settled mode.
	FailFast ErrorPolicy = "fail-fast"
	// Continue swallows rejections (after the on-error hook) and keeps
	// yielding subsequent successes.
	Continue ErrorPolicy = "continue"
)

// KeyAbortChecker is the subset of a Keyed Cancellation Registry the
// operator needs: a way to ask whether a key has already been aborted.
// task.InMemoryKeyedRegistry and any other KeyedCancellationRegistry
// implementation satisfy this.
type KeyAbortChecker interface {
	IsAborted(key string) bool
}

// Options configures a Map or MapSettled call.
type Options[T any] struct {
	Token token.Token

	// KeyOf derives a cancellation-registry key from an item. Items
	// whose key is already aborted are skipped before submission; a
	// completed item whose key aborted meanwhile is dropped rather than
	// yielded, unless Settled mode is requested via MapSettled.
	KeyOf func(item T) (key string, ok bool)
	Keys  KeyAbortChecker

	ErrorPolicy ErrorPolicy
	OnError     func(item T, err error)
}

// Status tags a Settled result.
type Status string

const (
	Fulfilled Status = "fulfilled"
	Rejected  Status = "rejected"
)

// Settled wraps one item's outcome for MapSettled's never-throw contract.
type Settled[T, R any] struct {
	Status Status
	Value  R
	Err    error
	Item   T
}

type tuple[T, R any] struct {
	value   R
	err     error
	item    T
	dropped bool
}

// engine pulls items from seq, applies fn to each with at most limit
// concurrent in-flight calls, and streams results on a channel in
// completion order. The channel is closed once every submitted item has
// completed and the source is exhausted or the context is done.
func engine[T, R any](ctx context.Context, seq iter.Seq[T], limit int, fn func(context.Context, T) (R, error), opts Options[T]) <-chan tuple[T, R] {
	if limit < 1 {
		panic("pipeline: limit must be >= 1")
	}

	out := make(chan tuple[T, R], limit)
	tok := opts.Token
	if tok == nil {
		tok = token.Never
	}

	go func() {
		defer close(out)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if tok != token.Never {
			remove := tok.OnAbort(cancel)
			defer remove()
		}

		sem := semaphore.NewWeighted(int64(limit))
		g, gctx := errgroup.WithContext(runCtx)

		next, stop := iter.Pull(seq)
		defer stop()

		for {
			item, ok := next()
			if !ok {
				break
			}
			if gctx.Err() != nil {
				break
			}

			var key string
			var hasKey bool
			if opts.KeyOf != nil {
				key, hasKey = opts.KeyOf(item)
				if hasKey && opts.Keys != nil && opts.Keys.IsAborted(key) {
					continue
				}
			}

			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}

			itemCopy := item
			g.Go(func() error {
				defer sem.Release(1)
				value, err := fn(gctx, itemCopy)
				dropped := hasKey && opts.Keys != nil && opts.Keys.IsAborted(key)
				select {
				case out <- tuple[T, R]{value: value, err: err, item: itemCopy, dropped: dropped}:
				case <-gctx.Done():
				}
				return nil
			})
		}

		_ = g.Wait()
	}()

	return out
}

// Map applies fn to each item of seq with at most limit concurrent calls,
// yielding (result, nil) pairs in completion order. On a rejection, the
// on-error hook runs and, under FailFast (the default), the sequence
// yields (zero, err) and stops; under Continue, the rejection is
// swallowed and iteration proceeds. A key-aborted completion is dropped
// silently rather than yielded.
func Map[T, R any](ctx context.Context, seq iter.Seq[T], limit int, fn func(context.Context, T) (R, error), opts Options[T]) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		// runCtx is cancelled whenever this closure returns, including
		// fail-fast's early return and a consumer break, not only when the
		// source is exhausted. Without this, engine's still-running worker
		// goroutines block forever trying to send on an out channel nobody
		// drains any longer, and the producer goroutine behind them blocks
		// on its semaphore acquire in turn — the whole engine leaks.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		for t := range engine(runCtx, seq, limit, fn, opts) {
			if t.dropped {
				continue
			}
			if t.err != nil {
				if opts.OnError != nil {
					opts.OnError(t.item, t.err)
				}
				if opts.ErrorPolicy == Continue {
					continue
				}
				var zero R
				yield(zero, t.err)
				return
			}
			if !yield(t.value, nil) {
				return
			}
		}
	}
}

// MapSettled is Map's never-throw variant: every completion, including a
// key-aborted one, is yielded as a Settled wrapper instead of stopping
// the sequence or being dropped.
func MapSettled[T, R any](ctx context.Context, seq iter.Seq[T], limit int, fn func(context.Context, T) (R, error), opts Options[T]) iter.Seq[Settled[T, R]] {
	return func(yield func(Settled[T, R]) bool) {
		// See Map's runCtx comment: cancellation on early return prevents
		// engine's goroutines from leaking past a consumer break.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		for t := range engine(runCtx, seq, limit, fn, opts) {
			s := Settled[T, R]{Item: t.item}
			if t.err != nil {
				if opts.OnError != nil {
					opts.OnError(t.item, t.err)
				}
				s.Status = Rejected
				s.Err = t.err
			} else {
				s.Status = Fulfilled
				s.Value = t.value
			}
			if !yield(s) {
				return
			}
		}
	}
}
