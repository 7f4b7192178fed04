// Package session hosts the live per-client engines: agent chat sessions
// driving the agent CLI, interactive PTY shells, and the registry the
// shutdown coordinator drains.
package session

import "sync"

// Entry is a live session owned by the registry. Close must be safe to call
// more than once and from any goroutine.
type Entry interface {
	ID() string
	UserID() string
	Close()
}

// Sender delivers one outbound frame to the session's client socket.
// Implementations must be safe for concurrent use.
type Sender interface {
	Send(eventType string, payload any) error
}

// Registry is the process-wide map of live sessions.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Put registers a session, replacing and closing any previous entry with the
// same id.
func (r *Registry) Put(e Entry) {
	r.mu.Lock()
	prev := r.entries[e.ID()]
	r.entries[e.ID()] = e
	r.mu.Unlock()

	if prev != nil && prev != e {
		prev.Close()
	}
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Remove drops the entry without closing it; the caller owns teardown.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// ForEach calls fn for every live entry, iterating over a snapshot so fn may
// call back into the registry.
func (r *Registry) ForEach(fn func(Entry)) {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		fn(e)
	}
}

// ByUser returns the live entries owned by the given user.
func (r *Registry) ByUser(userID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.UserID() == userID {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drain removes and closes every entry. Used at shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]Entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.Close()
	}
}
