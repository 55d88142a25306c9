package observability

// Event types emitted by the queue and executor packages, named after
// spec.md §6's observability event list. Defined here, alongside the
// Hooks adapters that emit them, the same way orchestrate/state and
// orchestrate/workflows each carry their own EventType constants next to
// the code that calls Observer.OnEvent.
const (
	EventQueued      EventType = "queue.queued"
	EventDispatch    EventType = "queue.dispatch"
	EventStateChange EventType = "queue.state_change"
	EventReject      EventType = "queue.reject"
	EventCancel      EventType = "queue.cancel"
	EventIdle        EventType = "queue.idle"
	EventActive      EventType = "queue.active"

	EventWorkerSpawn     EventType = "worker.spawn"
	EventWorkerTerminate EventType = "worker.terminate"
	EventWorkerCrash     EventType = "worker.crash"
)
