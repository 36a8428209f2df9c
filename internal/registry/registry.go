// Package registry maps authenticated identities to their live connection.
//
// A Registry holds at most one connection per identity. Registering a new
// connection for an identity replaces the previous entry; the previous
// connection is returned to the caller, which decides whether to close it.
// All methods are safe for concurrent use.
package registry

import (
	"slices"
	"sync"
)

// Registry is a mutex-protected identity -> connection map. C is typically a
// pointer to the relay's per-connection client type.
type Registry[C comparable] struct {
	mu      sync.RWMutex
	entries map[string]C
}

// New creates an empty Registry.
func New[C comparable]() *Registry[C] {
	return &Registry[C]{entries: make(map[string]C)}
}

// Register binds identity to conn. When identity was bound to a different
// connection, that connection is returned with replaced set to true.
// Registering the same connection twice is a no-op.
func (r *Registry[C]) Register(identity string, conn C) (previous C, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.entries[identity]
	r.entries[identity] = conn
	if exists && prev != conn {
		return prev, true
	}
	var zero C
	return zero, false
}

// Lookup returns the live connection for identity.
func (r *Registry[C]) Lookup(identity string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.entries[identity]
	return conn, ok
}

// Unregister removes identity only while it still points at conn, so a
// connection closing after its identity reconnected elsewhere leaves the
// newer entry in place. It reports whether an entry was removed.
func (r *Registry[C]) Unregister(identity string, conn C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[identity]
	if !ok || current != conn {
		return false
	}
	delete(r.entries, identity)
	return true
}

// Snapshot returns the registered identities in sorted order.
func (r *Registry[C]) Snapshot() []string {
	r.mu.RLock()
	identities := make([]string, 0, len(r.entries))
	for identity := range r.entries {
		identities = append(identities, identity)
	}
	r.mu.RUnlock()

	slices.Sort(identities)
	return identities
}

// Len returns the number of registered identities.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
