package queue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/taskrunner/queue"
	"github.com/tailored-agentic-units/taskrunner/token"
)

func blockingRun(release <-chan struct{}) queue.RunFunc[int, int] {
	return func(ctx context.Context, payload int, queueWaitMs int64) (int, error) {
		<-release
		return payload * 2, nil
	}
}

func echoRun() queue.RunFunc[int, int] {
	return func(ctx context.Context, payload int, queueWaitMs int64) (int, error) {
		return payload, nil
	}
}

// P1: max_in_flight is never exceeded.
func TestQueue_RespectsMaxInFlight(t *testing.T) {
	t.Parallel()

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	run := func(ctx context.Context, payload int, queueWaitMs int64) (int, error) {
		n := inFlight.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return payload, nil
	}

	q := queue.New(queue.Options{MaxInFlight: 2, MaxQueueDepth: queue.Unbounded}, run, queue.Hooks[int]{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), i, queue.EnqueueOptions{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
}

// P2: FIFO within a policy for payloads admitted while capacity is saturated.
func TestQueue_FIFOOrdering(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var order []int
	var mu sync.Mutex
	run := func(ctx context.Context, payload int, queueWaitMs int64) (int, error) {
		<-release
		mu.Lock()
		order = append(order, payload)
		mu.Unlock()
		return payload, nil
	}

	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: queue.Unbounded}, run, queue.Hooks[int]{})

	var wg sync.WaitGroup
	results := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := q.Enqueue(context.Background(), i, queue.EnqueueOptions{})
			assert.NoError(t, err)
			results <- v
		}(i)
		time.Sleep(2 * time.Millisecond) // ensure admission order
	}

	close(release)
	wg.Wait()
	close(results)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

// P5 / S3: three-phase cancellation — waiting, pending, in-flight.
func TestQueue_CancelWhilePending(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: queue.Unbounded}, blockingRun(release), queue.Hooks[int]{})

	go func() {
		_, _ = q.Enqueue(context.Background(), 1, queue.EnqueueOptions{})
	}()
	time.Sleep(5 * time.Millisecond) // let entry 1 go in-flight

	src := token.New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), 2, queue.EnqueueOptions{Token: src})
		errCh <- err
	}()
	time.Sleep(5 * time.Millisecond) // entry 2 now pending
	src.Abort()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, queue.IsAbort(err))

	var ae *queue.AbortError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, queue.StatePending, ae.Phase)

	close(release)
}

func TestQueue_CancelWhileInFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	var cancelForwarded atomic.Bool
	hooks := queue.Hooks[int]{
		OnInFlightCancel: func(ctx context.Context, payload int) { cancelForwarded.Store(true) },
	}
	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: queue.Unbounded}, blockingRun(release), hooks)

	src := token.New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), 1, queue.EnqueueOptions{Token: src})
		errCh <- err
	}()
	time.Sleep(5 * time.Millisecond) // entry goes in-flight
	src.Abort()

	err := <-errCh
	require.Error(t, err)
	var ae *queue.AbortError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, queue.StateInFlight, ae.Phase)
	assert.True(t, cancelForwarded.Load())
}

func TestQueue_CancelWhileWaitingForPermit(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: 0, Policy: queue.PolicyBlock}, blockingRun(release), queue.Hooks[int]{})

	go func() { _, _ = q.Enqueue(context.Background(), 1, queue.EnqueueOptions{}) }()
	time.Sleep(5 * time.Millisecond)

	src := token.New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), 2, queue.EnqueueOptions{Token: src})
		errCh <- err
	}()
	time.Sleep(5 * time.Millisecond)
	src.Abort()

	err := <-errCh
	require.Error(t, err)
	var ae *queue.AbortError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, queue.StateWaiting, ae.Phase)
}

// P6: reject policy refuses admission once max_queue_depth is saturated.
func TestQueue_PolicyReject(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: 1, Policy: queue.PolicyReject}, blockingRun(release), queue.Hooks[int]{})

	go func() { _, _ = q.Enqueue(context.Background(), 1, queue.EnqueueOptions{}) }()
	time.Sleep(5 * time.Millisecond)
	go func() { _, _ = q.Enqueue(context.Background(), 2, queue.EnqueueOptions{}) }()
	time.Sleep(5 * time.Millisecond)

	_, err := q.Enqueue(context.Background(), 3, queue.EnqueueOptions{})
	require.Error(t, err)
	assert.True(t, queue.IsQueueDrop(err))
	var qe *queue.QueueDropError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, queue.DropReject, qe.Reason)
}

// P6 / S2: drop-oldest evicts the pending head to admit the newest call.
func TestQueue_PolicyDropOldest(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: 1, Policy: queue.PolicyDropOldest}, blockingRun(release), queue.Hooks[int]{})

	go func() { _, _ = q.Enqueue(context.Background(), 1, queue.EnqueueOptions{}) }()
	time.Sleep(5 * time.Millisecond)

	droppedErrCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), 2, queue.EnqueueOptions{})
		droppedErrCh <- err
	}()
	time.Sleep(5 * time.Millisecond)

	admittedCh := make(chan int, 1)
	go func() {
		v, err := q.Enqueue(context.Background(), 3, queue.EnqueueOptions{})
		assert.NoError(t, err)
		admittedCh <- v
	}()
	time.Sleep(5 * time.Millisecond)

	droppedErr := <-droppedErrCh
	require.Error(t, droppedErr)
	var qe *queue.QueueDropError
	require.ErrorAs(t, droppedErr, &qe)
	assert.Equal(t, queue.DropOldest, qe.Reason)

	close(release)
	assert.Equal(t, 3, <-admittedCh)
}

// P8: Disposed queue rejects new admission and drains outstanding work.
func TestQueue_Dispose(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: queue.Unbounded}, blockingRun(release), queue.Hooks[int]{})

	pendingErrCh := make(chan error, 1)
	go func() { _, _ = q.Enqueue(context.Background(), 1, queue.EnqueueOptions{}) }()
	time.Sleep(5 * time.Millisecond)
	go func() {
		_, err := q.Enqueue(context.Background(), 2, queue.EnqueueOptions{})
		pendingErrCh <- err
	}()
	time.Sleep(5 * time.Millisecond)

	q.Dispose(context.Background())
	close(release)

	assert.ErrorIs(t, <-pendingErrCh, queue.ErrDisposed)

	_, err := q.Enqueue(context.Background(), 3, queue.EnqueueOptions{})
	assert.ErrorIs(t, err, queue.ErrDisposed)
}

// P4: a crash-recovery requeue suppresses the stale original dispatch's
// completion so only the requeued attempt's result is ever delivered.
func TestQueue_RequeueInFlightSuppressesStaleCompletion(t *testing.T) {
	t.Parallel()

	firstRun := make(chan struct{})
	var callCount atomic.Int32
	run := func(ctx context.Context, payload int, queueWaitMs int64) (int, error) {
		n := callCount.Add(1)
		if n == 1 {
			<-firstRun // blocks "forever" (until test unblocks it after requeue)
			return -1, nil
		}
		return payload, nil
	}

	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: queue.Unbounded}, run, queue.Hooks[int]{})

	resultCh := make(chan int, 1)
	go func() {
		v, err := q.Enqueue(context.Background(), 42, queue.EnqueueOptions{})
		assert.NoError(t, err)
		resultCh <- v
	}()
	time.Sleep(5 * time.Millisecond) // first attempt now in-flight

	requeued := q.RequeueInFlight(context.Background(), func(p int) bool { return p == 42 })
	require.Equal(t, []int{42}, requeued)

	// allow the stale first run to complete; it must be discarded, not delivered.
	close(firstRun)

	select {
	case v := <-resultCh:
		assert.Equal(t, 42, v, "result must come from the requeued attempt, not the stale one")
	case <-time.After(time.Second):
		t.Fatal("requeued call never completed")
	}
}

// RejectInFlight completes a matched call with the given error without
// requeuing it.
func TestQueue_RejectInFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: queue.Unbounded}, blockingRun(release), queue.Hooks[int]{})

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), 7, queue.EnqueueOptions{})
		errCh <- err
	}()
	time.Sleep(5 * time.Millisecond)

	sentinel := assert.AnError
	rejected := q.RejectInFlight(context.Background(), func(p int) bool { return p == 7 }, sentinel)
	assert.Equal(t, []int{7}, rejected)
	assert.ErrorIs(t, <-errCh, sentinel)
}

// Pause/Resume suspend and resume dispatch without affecting admission.
func TestQueue_PauseResume(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: queue.Unbounded}, echoRun(), queue.Hooks[int]{})
	q.Pause()

	doneCh := make(chan int, 1)
	go func() {
		v, err := q.Enqueue(context.Background(), 9, queue.EnqueueOptions{})
		assert.NoError(t, err)
		doneCh <- v
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-doneCh:
		t.Fatal("call completed while queue paused")
	default:
	}

	q.Resume(context.Background())
	select {
	case v := <-doneCh:
		assert.Equal(t, 9, v)
	case <-time.After(time.Second):
		t.Fatal("call never completed after Resume")
	}
}

func TestQueue_GetStateSnapshot(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: 5, Policy: queue.PolicyReject}, blockingRun(release), queue.Hooks[int]{})
	go func() { _, _ = q.Enqueue(context.Background(), 1, queue.EnqueueOptions{}) }()
	time.Sleep(5 * time.Millisecond)

	snap := q.GetState()
	assert.Equal(t, 1, snap.InFlight)
	assert.Equal(t, 0, snap.Pending)
	assert.Equal(t, 1, snap.MaxInFlight)
	assert.Equal(t, 5, snap.MaxQueueDepth)
	assert.Equal(t, queue.PolicyReject, snap.Policy)
	assert.False(t, snap.Disposed)
}

func TestQueue_MetricsTrackOutcomes(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Options{MaxInFlight: 1, MaxQueueDepth: queue.Unbounded}, echoRun(), queue.Hooks[int]{})
	_, err := q.Enqueue(context.Background(), 1, queue.EnqueueOptions{})
	require.NoError(t, err)

	snap := q.Metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Dispatched)
	assert.Equal(t, int64(1), snap.Succeeded)
	assert.Equal(t, int64(0), snap.Failed)
}
