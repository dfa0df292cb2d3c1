package websocket

import (
	"sync"
)

// Registry tracks live driver connections with thread-safe operations
// ARCHITECTURAL DISCOVERY: one entry per live socket; a connection leaves the
// registry exactly once, when its socket is released
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // connection ID -> Connection
	released    int64
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// Register adds a live connection
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Unregister removes a connection and reports whether it was present.
// Idempotent: removing an absent connection is a no-op.
func (r *Registry) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// RACE CONDITION FIX: only remove the exact instance that was registered
	registered, exists := r.connections[conn.ID()]
	if !exists || registered != conn {
		return false
	}
	delete(r.connections, conn.ID())
	r.released++
	return true
}

// Get returns a live connection by ID
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[id]
	return conn, exists
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Released returns how many connections have left the registry
func (r *Registry) Released() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.released
}

// Snapshot returns the live connections at the time of the call
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}
