package task

import (
	"sync"

	"github.com/tailored-agentic-units/taskrunner/token"
)

// KeyedCancellationRegistry hands out one-shot cancellation tokens keyed
// by an opaque string, consumed by the task layer's key-derivation
// composition step (spec.md §4.4) and directly by the pipeline operator's
// key-function skipping.
type KeyedCancellationRegistry interface {
	SignalFor(key string) token.Token
	Abort(key string)
	AbortMany(keys []string)
	IsAborted(key string) bool
	Clear(key string)
	ClearAll()
}

// InMemoryKeyedRegistry is the default KeyedCancellationRegistry: a plain
// map of key to token.Source guarded by a mutex. Tokens are one-shot —
// once a key's source aborts, SignalFor keeps returning that same aborted
// source until Clear(key) removes it, per the interface's one-shot
// contract.
type InMemoryKeyedRegistry struct {
	mu      sync.Mutex
	sources map[string]*token.Source
}

// NewInMemoryKeyedRegistry constructs an empty registry.
func NewInMemoryKeyedRegistry() *InMemoryKeyedRegistry {
	return &InMemoryKeyedRegistry{sources: make(map[string]*token.Source)}
}

func (r *InMemoryKeyedRegistry) SignalFor(key string) token.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[key]
	if !ok {
		src = token.New()
		r.sources[key] = src
	}
	return src
}

func (r *InMemoryKeyedRegistry) Abort(key string) {
	r.mu.Lock()
	src, ok := r.sources[key]
	r.mu.Unlock()
	if ok {
		src.Abort()
	}
}

func (r *InMemoryKeyedRegistry) AbortMany(keys []string) {
	for _, key := range keys {
		r.Abort(key)
	}
}

func (r *InMemoryKeyedRegistry) IsAborted(key string) bool {
	r.mu.Lock()
	src, ok := r.sources[key]
	r.mu.Unlock()
	return ok && src.Aborted()
}

func (r *InMemoryKeyedRegistry) Clear(key string) {
	r.mu.Lock()
	delete(r.sources, key)
	r.mu.Unlock()
}

func (r *InMemoryKeyedRegistry) ClearAll() {
	r.mu.Lock()
	r.sources = make(map[string]*token.Source)
	r.mu.Unlock()
}
