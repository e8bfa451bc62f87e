package node

import (
	"fmt"
	"sync"
)

// Factory constructs a node instance from an optional config map.
type Factory func(config map[string]interface{}) Node

// Registry maps node type names to factories. Registration order is
// preserved for enumeration. After startup the registry is read-only by
// convention; the lock exists for test engines that share one registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	order   []string
}

type registryEntry struct {
	meta    Metadata
	factory Factory
}

// NewRegistry creates an empty registry. The registry is passed to the
// engine at construction rather than held as a process global, so tests can
// run multiple engines side by side.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds a node type under its metadata name.
func (r *Registry) Register(meta Metadata, factory Factory) error {
	if meta.Name == "" {
		return fmt.Errorf("node type has no metadata name")
	}
	if factory == nil {
		return fmt.Errorf("node type %q has no factory", meta.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[meta.Name]; exists {
		return fmt.Errorf("node type %q already registered", meta.Name)
	}
	r.entries[meta.Name] = registryEntry{meta: meta, factory: factory}
	r.order = append(r.order, meta.Name)
	return nil
}

// Unregister removes a node type.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("node type %q not registered", name)
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Create instantiates a node of the given type.
func (r *Registry) Create(name string, config map[string]interface{}) (Node, error) {
	r.mu.RLock()
	entry, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("node type %q not registered", name)
	}
	return entry.factory(config), nil
}

// Has reports whether the type name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[name]
	return exists
}

// List returns the registered type names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ListByCategory returns type names of the given category, in registration
// order.
func (r *Registry) ListByCategory(cat Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if r.entries[name].meta.Category == cat {
			out = append(out, name)
		}
	}
	return out
}

// GetMeta returns the metadata for a type name.
func (r *Registry) GetMeta(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[name]
	return entry.meta, exists
}

// GetAllMetadata returns all metadata in registration order.
func (r *Registry) GetAllMetadata() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].meta)
	}
	return out
}

// Clear removes every registered type.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]registryEntry)
	r.order = nil
}

// Count returns the number of registered types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
