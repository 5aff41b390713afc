package tool

import (
	"fmt"
	"sort"
	"sync"
)

// Definition is a serializable description of a capability, used for the
// system prompt and the capabilities.list RPC.
type Definition struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Schema       string `json:"schema,omitempty"`
	Irreversible bool   `json:"irreversible"`
}

// Registry maps directive names to capabilities. It is filled at startup and
// only read afterwards.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. Names must be unique.
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if name == "" {
		return fmt.Errorf("capability has empty name")
	}
	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}
	r.caps[name] = c
	return nil
}

// Lookup returns the capability for name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Get is Lookup with an error for unknown names.
func (r *Registry) Get(name string) (Capability, error) {
	if c, ok := r.Lookup(name); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns a definition per capability, sorted by name.
func (r *Registry) Definitions() []Definition {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(names))
	for _, n := range names {
		c, ok := r.caps[n]
		if !ok {
			continue
		}
		defs = append(defs, Definition{
			Name:         c.Name(),
			Description:  c.Description(),
			Schema:       c.Schema(),
			Irreversible: c.Irreversible(),
		})
	}
	return defs
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}
