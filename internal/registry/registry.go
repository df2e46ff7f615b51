// Package registry keeps a non-owning index of live engine objects for debug
// snapshots. Entries hold weak pointers: registering never extends an
// object's lifetime, and an entry whose object was collected reads as gone.
package registry

import (
	"sort"
	"sync"
	"weak"
)

// Describer is implemented by registered objects. Describe must only be
// called on the goroutine that owns the object.
type Describer interface {
	Describe() map[string]any
}

// Snapshot is one live object's state at capture time.
type Snapshot struct {
	ID    uint64         `json:"id"`
	Kind  string         `json:"kind"`
	State map[string]any `json:"state"`
}

type entry struct {
	kind  string
	value func() (Describer, bool)
}

// Registry is safe for concurrent registration; Capture reads object state
// and so must run where the objects live.
type Registry struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[uint64]entry)}
}

// Register records obj under kind and returns its id. A nil registry
// returns 0 and records nothing.
func Register[T any, P interface {
	*T
	Describer
}](r *Registry, kind string, obj P) uint64 {
	if r == nil || (*T)(obj) == nil {
		return 0
	}
	wp := weak.Make((*T)(obj))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries[r.next] = entry{
		kind: kind,
		value: func() (Describer, bool) {
			p := wp.Value()
			if p == nil {
				return nil, false
			}
			return P(p), true
		},
	}
	return r.next
}

// Deregister drops id. Unknown ids are ignored.
func (r *Registry) Deregister(id uint64) {
	if r == nil || id == 0 {
		return
	}
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Len returns the number of entries, including collected ones not yet pruned.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Capture snapshots every live entry in id order and prunes collected ones.
func (r *Registry) Capture() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	entries := make([]entry, len(ids))
	for i, id := range ids {
		entries[i] = r.entries[id]
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	var dead []uint64
	for i, e := range entries {
		d, ok := e.value()
		if !ok {
			dead = append(dead, ids[i])
			continue
		}
		out = append(out, Snapshot{ID: ids[i], Kind: e.kind, State: d.Describe()})
	}
	if len(dead) > 0 {
		r.mu.Lock()
		for _, id := range dead {
			delete(r.entries, id)
		}
		r.mu.Unlock()
	}
	return out
}
