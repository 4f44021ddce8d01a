package signal

import (
	"sync"

	"teamcast/internal/core/domain"
)

type viewerEntry struct {
	conn *Conn
	key  domain.MatchKey
}

// Registry maps match keys to live connection handles. At most one host and
// one current viewer exist per key; registering a replacement wins over the
// previous holder. The backing maps are never exposed.
type Registry struct {
	mu      sync.Mutex
	hosts   map[domain.MatchKey]*Conn
	viewers map[string]viewerEntry      // conn id -> registration
	current map[domain.MatchKey]string // key -> conn id of the current viewer
}

func NewRegistry() *Registry {
	return &Registry{
		hosts:   make(map[domain.MatchKey]*Conn),
		viewers: make(map[string]viewerEntry),
		current: make(map[domain.MatchKey]string),
	}
}

// RegisterHost stores c as the host for key and returns the evicted previous
// host, if any. Re-registering the same connection returns nil.
func (r *Registry) RegisterHost(key domain.MatchKey, c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.hosts[key]
	r.hosts[key] = c
	if prev == c {
		return nil
	}
	return prev
}

// Host returns the registered host for key, or nil.
func (r *Registry) Host(key domain.MatchKey) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hosts[key]
}

// RegisterViewer stores c as the current viewer for key and returns the
// silently abandoned previous viewer, if any.
func (r *Registry) RegisterViewer(key domain.MatchKey, c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev *Conn
	if prevID, ok := r.current[key]; ok && prevID != c.id {
		if entry, ok := r.viewers[prevID]; ok {
			prev = entry.conn
		}
	}

	// A re-request under a new key abandons the connection's old
	// registration; the old key must not keep routing to it.
	if entry, ok := r.viewers[c.id]; ok && entry.key != key && r.current[entry.key] == c.id {
		delete(r.current, entry.key)
	}

	r.viewers[c.id] = viewerEntry{conn: c, key: key}
	r.current[key] = c.id
	return prev
}

// Viewer returns the current viewer for key, or nil.
func (r *Registry) Viewer(key domain.MatchKey) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.current[key]
	if !ok {
		return nil
	}
	entry, ok := r.viewers[id]
	if !ok {
		return nil
	}
	return entry.conn
}

// Remove drops every registration owned by c. It reports which registrations
// were actually held so the caller can keep gauges accurate.
func (r *Registry) Remove(c *Conn) (wasHost, wasViewer bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.viewers[c.id]; ok {
		delete(r.viewers, c.id)
		if r.current[entry.key] == c.id {
			delete(r.current, entry.key)
		}
		wasViewer = true
	}

	key := c.Key()
	if host, ok := r.hosts[key]; ok && host == c {
		delete(r.hosts, key)
		wasHost = true
	}
	return wasHost, wasViewer
}

// Counts returns the number of registered hosts and viewers.
func (r *Registry) Counts() (hosts, viewers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts), len(r.viewers)
}
