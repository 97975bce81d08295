// Package runtime builds the per-tenant agent runtime: the expensive
// orchestration object that carries model options, registered plugins, and a
// memory backend.
//
// Plugin function bodies and prompt execution live elsewhere; this package
// only assembles and owns the pieces.
package runtime

import (
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/randallgann/chat-copilot/internal/config"
)

// MemoryKind distinguishes where a runtime's semantic memory lives.
type MemoryKind string

const (
	// MemoryDedicated means the runtime addresses its own Qdrant
	// collection.
	MemoryDedicated MemoryKind = "dedicated"
	// MemoryVolatile means provisioning failed and the runtime fell back
	// to an embedded in-process store. Contents do not survive eviction.
	MemoryVolatile MemoryKind = "volatile"
)

// MemoryBackend describes the memory store a runtime was built with.
type MemoryBackend struct {
	Kind MemoryKind
	// Collection is the Qdrant collection name for dedicated memory, or
	// the embedded collection name for volatile memory.
	Collection string
	// Volatile is the embedded store, set only for MemoryVolatile.
	Volatile *chromem.Collection
}

// Degraded reports whether the runtime is running without its dedicated
// collection.
func (m MemoryBackend) Degraded() bool {
	return m.Kind == MemoryVolatile
}

// Runtime is one tenant's orchestration instance. It is built by a Factory,
// owned exclusively by the resource cache, and discarded on release or
// eviction.
type Runtime struct {
	id         string
	createdOn  time.Time
	completion config.LLMOptions
	embedding  config.LLMOptions
	plugins    []Plugin
	memory     MemoryBackend

	closed bool
}

// ID returns the unique instance identifier.
func (r *Runtime) ID() string { return r.id }

// CreatedOn returns the construction timestamp.
func (r *Runtime) CreatedOn() time.Time { return r.createdOn }

// CompletionOptions returns the effective completion model options.
func (r *Runtime) CompletionOptions() config.LLMOptions { return r.completion }

// EmbeddingOptions returns the effective embedding model options.
func (r *Runtime) EmbeddingOptions() config.LLMOptions { return r.embedding }

// Memory returns the memory backend descriptor.
func (r *Runtime) Memory() MemoryBackend { return r.memory }

// Plugins returns the registered plugin names in registration order.
func (r *Runtime) Plugins() []string {
	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name
	}
	return names
}

// HasPlugin reports whether a plugin is registered.
func (r *Runtime) HasPlugin(name string) bool {
	for _, p := range r.plugins {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Close releases the runtime's resources. Safe to call more than once.
func (r *Runtime) Close() {
	if r.closed {
		return
	}
	r.closed = true
	// Dedicated collections are never touched here: eviction must not
	// destroy backing storage. Volatile memory dies with the process
	// reference.
	r.memory.Volatile = nil
	r.plugins = nil
}
