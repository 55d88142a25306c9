package queue

import "sync/atomic"

// histogramBucketsMs are the upper bounds (inclusive, milliseconds) of the
// fixed-bucket histograms used for queue.wait_ms and task.duration_ms.
// A full HDR histogram is out of scope (spec.md §1 excludes telemetry
// aggregation); this is enough resolution for a caller to build a rough
// distribution without pulling in a metrics library the core has no other
// use for.
var histogramBucketsMs = []int64{1, 5, 10, 50, 100, 500, 1000, 5000}

// Histogram is a fixed-bucket, monotonically-updated latency histogram.
type Histogram struct {
	buckets []atomic.Int64
	overMax atomic.Int64
	sum     atomic.Int64
	count   atomic.Int64
}

func newHistogram() *Histogram {
	return &Histogram{buckets: make([]atomic.Int64, len(histogramBucketsMs))}
}

func (h *Histogram) observe(ms int64) {
	h.sum.Add(ms)
	h.count.Add(1)
	for i, bound := range histogramBucketsMs {
		if ms <= bound {
			h.buckets[i].Add(1)
			return
		}
	}
	h.overMax.Add(1)
}

// HistogramSnapshot is a read-only view of a Histogram.
type HistogramSnapshot struct {
	BucketUpperBoundsMs []int64
	BucketCounts        []int64
	OverMaxCount        int64
	Count               int64
	SumMs               int64
}

func (h *Histogram) snapshot() HistogramSnapshot {
	counts := make([]int64, len(h.buckets))
	for i := range h.buckets {
		counts[i] = h.buckets[i].Load()
	}
	return HistogramSnapshot{
		BucketUpperBoundsMs: histogramBucketsMs,
		BucketCounts:        counts,
		OverMaxCount:        h.overMax.Load(),
		Count:               h.count.Load(),
		SumMs:               h.sum.Load(),
	}
}

// Metrics holds the derived counters spec.md §6 names: per-task
// dispatch/success/failure/canceled/rejected/requeue counts and the
// queue-wait and task-duration histograms. Populated only as a side
// effect of the pump's own bookkeeping, never as an independent code
// path, so metrics and observability events can never disagree.
type Metrics struct {
	Dispatched atomic.Int64
	Succeeded  atomic.Int64
	Failed     atomic.Int64
	Canceled   atomic.Int64
	Rejected   atomic.Int64
	Requeued   atomic.Int64

	QueueWaitMs    *Histogram
	TaskDurationMs *Histogram
}

// NewMetrics creates a zeroed Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		QueueWaitMs:    newHistogram(),
		TaskDurationMs: newHistogram(),
	}
}

// MetricsSnapshot is a read-only view of Metrics, safe to retain.
type MetricsSnapshot struct {
	Dispatched int64
	Succeeded  int64
	Failed     int64
	Canceled   int64
	Rejected   int64
	Requeued   int64

	QueueWaitMs    HistogramSnapshot
	TaskDurationMs HistogramSnapshot
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Dispatched:     m.Dispatched.Load(),
		Succeeded:      m.Succeeded.Load(),
		Failed:         m.Failed.Load(),
		Canceled:       m.Canceled.Load(),
		Rejected:       m.Rejected.Load(),
		Requeued:       m.Requeued.Load(),
		QueueWaitMs:    m.QueueWaitMs.snapshot(),
		TaskDurationMs: m.TaskDurationMs.snapshot(),
	}
}
