// Package adapters collects the concrete task.Adapter implementations
// the engine ships with, plus a Registry that indexes them by name and
// fallback priority.
package adapters

import (
	"sort"
	"sync"

	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
)

// Registry indexes a fixed set of adapters by name and exposes them
// sorted by descending Priority() for the task actor's fallback logic.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]domaintask.Adapter
	ordered []domaintask.Adapter
}

// NewRegistry builds a Registry from a set of adapters, already sorted
// by descending priority.
func NewRegistry(adapters ...domaintask.Adapter) *Registry {
	r := &Registry{byName: make(map[string]domaintask.Adapter, len(adapters))}
	for _, a := range adapters {
		r.byName[a.Name()] = a
	}
	r.reorder()
	return r
}

// Register adds or replaces an adapter at runtime (e.g. an operator
// wiring in a new downloader without a restart).
func (r *Registry) Register(a domaintask.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[a.Name()] = a
	r.reorder()
}

func (r *Registry) reorder() {
	ordered := make([]domaintask.Adapter, 0, len(r.byName))
	for _, a := range r.byName {
		ordered = append(ordered, a)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})
	r.ordered = ordered
}

// Adapter resolves an adapter by name.
func (r *Registry) Adapter(name string) (domaintask.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// ByPriority returns every adapter ordered from highest to lowest
// Priority().
func (r *Registry) ByPriority() []domaintask.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domaintask.Adapter, len(r.ordered))
	copy(out, r.ordered)
	return out
}
