// internal/hub/registry.go
package hub

import (
	"sort"
	"sync"
)

// anonName is shown for senders that have not authenticated.
const anonName = "anon"

// Identity is either anonymous (the zero value) or a username.
type Identity struct {
	username string
}

func Anonymous() Identity { return Identity{} }

func Named(username string) Identity { return Identity{username: username} }

func (i Identity) IsNamed() bool { return i.username != "" }

func (i Identity) Username() string { return i.username }

// DisplayName is the username, or "anon" when not authenticated.
func (i Identity) DisplayName() string {
	if i.username == "" {
		return anonName
	}
	return i.username
}

// Entry is one live connection and its identity at snapshot time.
type Entry struct {
	Conn     Conn
	Identity Identity
}

type registryEntry struct {
	identity Identity
	order    uint64
}

// Registry tracks live connections. Every method is safe for concurrent use
// and none of them fail: unknown connections are ignored.
type Registry struct {
	mu      sync.RWMutex
	entries map[Conn]*registryEntry
	nextSeq uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Conn]*registryEntry)}
}

// Add registers c as anonymous. Adding a registered connection is a no-op.
func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c]; ok {
		return
	}
	r.nextSeq++
	r.entries[c] = &registryEntry{order: r.nextSeq}
}

// SetIdentity replaces the identity of c and reports whether c was still
// registered.
func (r *Registry) SetIdentity(c Conn, id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c]
	if !ok {
		return false
	}
	e.identity = id
	return true
}

// Remove deregisters c and returns the identity it held. removed is false
// when c was not registered, which makes teardown paths idempotent.
func (r *Registry) Remove(c Conn) (id Identity, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c]
	if !ok {
		return Identity{}, false
	}
	delete(r.entries, c)
	return e.identity, true
}

// Lookup returns the current identity of c.
func (r *Registry) Lookup(c Conn) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[c]
	if !ok {
		return Identity{}, false
	}
	return e.identity, true
}

// Snapshot copies the registry in registration order. The copy may be
// iterated freely while the registry keeps changing.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	type ordered struct {
		entry Entry
		order uint64
	}
	items := make([]ordered, 0, len(r.entries))
	for c, e := range r.entries {
		items = append(items, ordered{Entry{Conn: c, Identity: e.identity}, e.order})
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].order < items[j].order })
	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = it.entry
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
