package server

import "sync"

// Registry is the authoritative mapping from authenticated identity to its
// one live connection. All mutations and read-then-act sequences run under
// a single coarse lock; the working set is small and critical sections are
// sub-millisecond.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Bind associates username with conn. It fails (returning false) if the
// username is already bound; a concurrent second login never displaces the
// first session.
func (r *Registry) Bind(username string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.conns[username]; bound {
		return false
	}
	r.conns[username] = conn
	return true
}

// Unbind removes username's binding, but only if it still points at conn.
// The guard keeps a late disconnect cleanup from evicting a newer binding.
func (r *Registry) Unbind(username string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, ok := r.conns[username]; ok && bound == conn {
		delete(r.conns, username)
	}
}

// Lookup returns the connection bound to username, if any.
func (r *Registry) Lookup(username string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[username]
	return conn, ok
}

// Snapshot returns a copy of all current bindings. Broadcasts iterate the
// copy so concurrent connects and disconnects never mutate the map under
// the iteration.
func (r *Registry) Snapshot() map[string]*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string]*Conn, len(r.conns))
	for username, conn := range r.conns {
		snapshot[username] = conn
	}
	return snapshot
}

// Len returns the number of bound identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
