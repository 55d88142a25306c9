package task

import (
	"context"
	"reflect"
	"time"
)

// SubscribeOptions configures a snapshot subscription.
type SubscribeOptions struct {
	Interval     time.Duration
	OnlyChanges  bool // emit only when the snapshot differs from the previous emit
	SkipInitial  bool // don't emit immediately on subscribe
}

// Subscribe emits the current task-state vector to listener at the
// configured interval until ctx is cancelled, per spec.md §4.4's snapshot
// subscription. Returns immediately; the emission loop runs in its own
// goroutine.
func (r *Registry) Subscribe(ctx context.Context, opts SubscribeOptions, listener func(Snapshot)) {
	go func() {
		var last Snapshot
		emit := func() {
			snap := r.GetSnapshot()
			if opts.OnlyChanges && last != nil && snapshotsEqual(last, snap) {
				return
			}
			last = snap
			listener(snap)
		}

		if !opts.SkipInitial {
			emit()
		} else {
			last = r.GetSnapshot()
		}

		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emit()
			}
		}
	}()
}

func snapshotsEqual(a, b Snapshot) bool {
	return reflect.DeepEqual(a, b)
}
