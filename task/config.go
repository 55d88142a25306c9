package task

import "runtime"

// Type selects which executor kind a task is backed by.
type Type string

const (
	TypeParallel  Type = "parallel"
	TypeSingleton Type = "singleton"
)

// Init controls whether a task's executor spawns its first worker
// immediately at registration (eager) or on first dispatch (lazy).
type Init string

const (
	InitLazy  Init = "lazy"
	InitEager Init = "eager"
)

// QueuePolicy mirrors queue.Policy as a JSON-friendly string so Config
// can be loaded from a configuration file without importing queue's
// constant type directly.
type QueuePolicy string

const (
	QueuePolicyBlock      QueuePolicy = "block"
	QueuePolicyReject     QueuePolicy = "reject"
	QueuePolicyDropLatest QueuePolicy = "drop-latest"
	QueuePolicyDropOldest QueuePolicy = "drop-oldest"
)

// CrashPolicy mirrors executor.CrashPolicy for the same reason.
type CrashPolicy string

const (
	CrashRestartFailInFlight    CrashPolicy = "restart-fail-in-flight"
	CrashRestartRequeueInFlight CrashPolicy = "restart-requeue-in-flight"
	CrashFailTask               CrashPolicy = "fail-task"
)

// Config is the configuration recognized at task registration, JSON-
// tagged the way the teacher's config.ParallelConfig and
// config.GraphConfig are, so it loads the same way from a configuration
// file cmd/taskrunner might read.
type Config struct {
	ID   string `json:"id,omitempty"`
	Type Type   `json:"type"`
	Init Init   `json:"init,omitempty"`

	PoolSize      int `json:"pool_size,omitempty"`
	MaxInFlight   int `json:"max_in_flight,omitempty"`
	MaxQueueDepth int `json:"max_queue_depth,omitempty"`

	QueuePolicy     QueuePolicy `json:"queue_policy,omitempty"`
	CrashPolicy     CrashPolicy `json:"crash_policy,omitempty"`
	CrashMaxRetries int         `json:"crash_max_retries,omitempty"`

	IdleTimeoutMs int `json:"idle_timeout_ms,omitempty"`
	TimeoutMs     int `json:"timeout_ms,omitempty"`

	// Observer names an observability.Observer resolved via
	// observability.GetObserver at DefineTask time. When set, the
	// executor's lifecycle events are reported to it (merged with any
	// Definition.Hooks) in addition to whatever Hooks the caller supplied.
	Observer string `json:"observer,omitempty"`
}

func hardwareConcurrency() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 4
}

// DefaultParallelConfig returns the parallel-task defaults spec.md §4.4
// names: pool_size = hardware concurrency, max_in_flight = pool_size,
// max_queue_depth = pool_size*2, policy block, crash policy
// restart-fail-in-flight with 3 retries.
func DefaultParallelConfig() Config {
	poolSize := hardwareConcurrency()
	return Config{
		Type:            TypeParallel,
		Init:            InitLazy,
		PoolSize:        poolSize,
		MaxInFlight:     poolSize,
		MaxQueueDepth:   poolSize * 2,
		QueuePolicy:     QueuePolicyBlock,
		CrashPolicy:     CrashRestartFailInFlight,
		CrashMaxRetries: 3,
	}
}

// DefaultSingletonConfig returns the singleton-task defaults: max_in_flight
// = 1, max_queue_depth = 2, policy block.
func DefaultSingletonConfig() Config {
	return Config{
		Type:            TypeSingleton,
		Init:            InitLazy,
		PoolSize:        1,
		MaxInFlight:     1,
		MaxQueueDepth:   2,
		QueuePolicy:     QueuePolicyBlock,
		CrashPolicy:     CrashRestartFailInFlight,
		CrashMaxRetries: 3,
	}
}

// Merge overlays non-zero fields of override onto c, returning the
// result. Zero-valued fields in override are treated as "unset" and
// leave c's value untouched.
func (c Config) Merge(override Config) Config {
	result := c
	if override.ID != "" {
		result.ID = override.ID
	}
	if override.Type != "" {
		result.Type = override.Type
	}
	if override.Init != "" {
		result.Init = override.Init
	}
	if override.PoolSize != 0 {
		result.PoolSize = override.PoolSize
	}
	if override.MaxInFlight != 0 {
		result.MaxInFlight = override.MaxInFlight
	}
	if override.MaxQueueDepth != 0 {
		result.MaxQueueDepth = override.MaxQueueDepth
	}
	if override.QueuePolicy != "" {
		result.QueuePolicy = override.QueuePolicy
	}
	if override.CrashPolicy != "" {
		result.CrashPolicy = override.CrashPolicy
	}
	if override.CrashMaxRetries != 0 {
		result.CrashMaxRetries = override.CrashMaxRetries
	}
	if override.IdleTimeoutMs != 0 {
		result.IdleTimeoutMs = override.IdleTimeoutMs
	}
	if override.TimeoutMs != 0 {
		result.TimeoutMs = override.TimeoutMs
	}
	if override.Observer != "" {
		result.Observer = override.Observer
	}
	return result
}
