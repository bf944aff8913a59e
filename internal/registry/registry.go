// Package registry provides a concurrency-safe per-project instance registry.
// Lifecycle and auto-fix orchestrators are created on demand, one per project,
// and looked up explicitly rather than through package globals.
package registry

import "sync"

// Registry maps project IDs to lazily constructed instances of T.
type Registry[T any] struct {
	mu    sync.Mutex
	items map[string]T
	newFn func(projectID string) T
}

// New creates a registry whose entries are built by newFn on first access.
func New[T any](newFn func(projectID string) T) *Registry[T] {
	return &Registry[T]{
		items: make(map[string]T),
		newFn: newFn,
	}
}

// Get returns the instance for projectID, creating it on first use.
func (r *Registry[T]) Get(projectID string) T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item, ok := r.items[projectID]; ok {
		return item
	}
	item := r.newFn(projectID)
	r.items[projectID] = item
	return item
}

// Peek returns the instance for projectID without creating one.
func (r *Registry[T]) Peek(projectID string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[projectID]
	return item, ok
}

// Remove drops the instance for projectID, if any, and returns it so the
// caller can shut it down.
func (r *Registry[T]) Remove(projectID string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[projectID]
	if ok {
		delete(r.items, projectID)
	}
	return item, ok
}

// All returns a snapshot of every registered instance.
func (r *Registry[T]) All() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	return out
}
