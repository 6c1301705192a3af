// Package weakset keeps an ordered set of subscriber handles without keeping the subscribers
// alive. The set only holds weak pointers: a Handle stays registered while its owner keeps a
// reference to it, and is removed when the owner releases it or when it is garbage collected.
package weakset

import (
	"runtime"
	"sync"
	"weak"
)

// Handle is the owning token of one registration. The registered value is only reachable
// through the handle, so dropping the handle drops the value.
type Handle[V any] struct {
	id      uint64
	value   V
	set     *Set[V]
	cleanup runtime.Cleanup
	once    sync.Once
}

// ID returns the registration id, unique within its set
func (h *Handle[V]) ID() uint64 {
	return h.id
}

// Value returns the registered value
func (h *Handle[V]) Value() V {
	return h.value
}

// Unsubscribe removes the registration. It is safe to call several times, and from within
// a callback invoked on this handle.
func (h *Handle[V]) Unsubscribe() {
	h.once.Do(func() {
		h.cleanup.Stop()
		h.set.remove(h.id)
	})
}

type entry[V any] struct {
	id  uint64
	ref weak.Pointer[Handle[V]]
}

// Set is a registration-ordered collection of weakly held handles
type Set[V any] struct {
	mu       sync.Mutex
	entries  []entry[V]
	nextID   uint64
	onRemove func(id uint64, remaining int)
}

// New creates a set. onRemove, if not nil, is called after every removal with the removed id
// and the number of registrations left. It may run on the runtime cleanup goroutine.
func New[V any](onRemove func(id uint64, remaining int)) *Set[V] {
	return &Set[V]{onRemove: onRemove}
}

// Add registers v and returns its handle together with the number of registrations after
// the addition.
func (s *Set[V]) Add(v V) (*Handle[V], int) {
	s.mu.Lock()
	s.nextID++
	h := &Handle[V]{id: s.nextID, value: v, set: s}
	s.mu.Unlock()

	// The handle is complete before Live can hand it out
	h.cleanup = runtime.AddCleanup(h, s.remove, h.id)

	s.mu.Lock()
	s.entries = append(s.entries, entry[V]{id: h.id, ref: weak.Make(h)})
	n := len(s.entries)
	s.mu.Unlock()
	return h, n
}

// Live returns the handles still registered, in registration order. A collected handle is
// skipped here and removed by its cleanup, which also reports the removal.
func (s *Set[V]) Live() []*Handle[V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]*Handle[V], 0, len(s.entries))
	for _, e := range s.entries {
		if h := e.ref.Value(); h != nil {
			live = append(live, h)
		}
	}
	return live
}

// Len returns the number of registrations not yet removed
func (s *Set[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Weak returns a weak pointer to h, for goroutines that deliver to a handle without owning it
func Weak[V any](h *Handle[V]) weak.Pointer[Handle[V]] {
	return weak.Make(h)
}

func (s *Set[V]) remove(id uint64) {
	s.mu.Lock()
	idx := -1
	for i, e := range s.entries {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	remaining := len(s.entries)
	s.mu.Unlock()

	if s.onRemove != nil {
		s.onRemove(id, remaining)
	}
}
