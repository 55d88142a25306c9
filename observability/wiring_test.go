package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/taskrunner/executor"
	"github.com/tailored-agentic-units/taskrunner/observability"
	"github.com/tailored-agentic-units/taskrunner/queue"
	"github.com/tailored-agentic-units/taskrunner/task"
	"github.com/tailored-agentic-units/taskrunner/worker"
)

func TestQueueHooksFor_EmitsNamedEvents(t *testing.T) {
	t.Parallel()

	var events []observability.Event
	obs := &captureObserver{events: &events}

	hooks := observability.QueueHooksFor[int](obs, "source-x")
	hooks.OnQueued(context.Background(), 7)
	hooks.OnDispatch(context.Background(), 7, 42)
	hooks.OnReject(context.Background(), 7, assert.AnError)
	hooks.OnIdle(context.Background())

	require.Len(t, events, 4)
	assert.Equal(t, observability.EventQueued, events[0].Type)
	assert.Equal(t, "source-x", events[0].Source)
	assert.Equal(t, observability.EventDispatch, events[1].Type)
	assert.Equal(t, observability.EventReject, events[2].Type)
	assert.Equal(t, observability.LevelWarning, events[2].Level)
	assert.Equal(t, observability.EventIdle, events[3].Type)
}

func TestExecutorHooksFor_EmitsWorkerAndQueueEvents(t *testing.T) {
	t.Parallel()

	var events []observability.Event
	obs := &captureObserver{events: &events}

	hooks := observability.ExecutorHooksFor(obs, "source-y")
	hooks.OnSpawn(context.Background(), 0)
	hooks.OnCrash(context.Background(), 0, assert.AnError)
	hooks.OnStateChange(context.Background(), queue.Snapshot{})

	require.Len(t, events, 3)
	assert.Equal(t, observability.EventWorkerSpawn, events[0].Type)
	assert.Equal(t, observability.EventWorkerCrash, events[1].Type)
	assert.Equal(t, observability.LevelError, events[1].Level)
	assert.Equal(t, observability.EventStateChange, events[2].Type)
}

// TestTaskDefineTask_ResolvesConfiguredObserver proves Config.Observer is
// not a dead field: naming a registered observer wires its events through
// DefineTask's pool construction, and a caller-supplied Definition.Hooks
// still fires alongside it.
func TestTaskDefineTask_ResolvesConfiguredObserver(t *testing.T) {
	t.Parallel()

	var events []observability.Event
	obs := &captureObserver{events: &events}
	observability.RegisterObserver("test-wiring-observer", obs)

	var callerSpawns int
	r := task.NewRegistry()
	handle, err := r.DefineTask(task.Definition{
		Config: task.Config{Type: task.TypeSingleton, Observer: "test-wiring-observer"},
		WorkerFactory: func() worker.Worker {
			return worker.NewFuncWorker(map[string]worker.Handler{
				"echo": func(ctx context.Context, args any) (any, error) { return args, nil },
			})
		},
		Hooks: executor.Hooks{
			OnSpawn: func(ctx context.Context, slot int) { callerSpawns++ },
		},
	})
	require.NoError(t, err)

	_, err = handle.Call(context.Background(), "echo", 1, task.CallOptions{})
	require.NoError(t, err)

	assert.Greater(t, callerSpawns, 0, "caller-supplied OnSpawn hook must still fire alongside the observer's")

	var sawSpawn, sawDispatch bool
	for _, e := range events {
		switch e.Type {
		case observability.EventWorkerSpawn:
			sawSpawn = true
		case observability.EventDispatch:
			sawDispatch = true
		}
	}
	assert.True(t, sawSpawn, "expected a worker.spawn event from the resolved observer")
	assert.True(t, sawDispatch, "expected a queue.dispatch event from the resolved observer")
}
