package plugin

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/tool"
)

// Registry runs plugin lifecycles and remembers which plugin contributed
// each capability.
type Registry struct {
	hooks *hooks.Manager
	caps  *tool.Registry
	log   *logging.Logger

	mu      sync.RWMutex
	entries []*entry
	owners  map[string]string // capability -> plugin ID
}

type entry struct {
	plugin      Plugin
	initialized bool
	provides    []string
}

// NewRegistry creates a plugin registry that installs capabilities into caps.
func NewRegistry(hm *hooks.Manager, caps *tool.Registry, log *logging.Logger) *Registry {
	return &Registry{
		hooks:  hm,
		caps:   caps,
		log:    log.Sub("plugins"),
		owners: make(map[string]string),
	}
}

// Register queues a plugin for InitAll.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(p.ID()) != nil {
		return fmt.Errorf("plugin already registered: %s", p.ID())
	}
	r.entries = append(r.entries, &entry{plugin: p})
	r.log.Debug().Str("id", p.ID()).Str("version", p.Version()).Msg("plugin registered")
	return nil
}

func (r *Registry) findLocked(id string) *entry {
	for _, e := range r.entries {
		if e.plugin.ID() == id {
			return e
		}
	}
	return nil
}

// InitAll initializes plugins in registration order. If one fails, the
// plugins already initialized are closed again before the error returns.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.initialized {
			continue
		}
		id := e.plugin.ID()
		before := r.caps.Names()
		err := e.plugin.Init(ctx, API{
			Hooks:        r.hooks,
			Capabilities: r.caps,
			Log:          r.log.Sub(id),
		})
		if err != nil {
			r.closeLocked(r.entries[:i])
			return fmt.Errorf("init plugin %s: %w", id, err)
		}

		e.initialized = true
		for _, name := range r.caps.Names() {
			if !slices.Contains(before, name) {
				e.provides = append(e.provides, name)
				r.owners[name] = id
			}
		}
		r.log.Info().Str("id", id).Strs("capabilities", e.provides).Msg("plugin initialized")
	}
	return nil
}

// CloseAll closes initialized plugins in reverse registration order.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(r.entries)
}

func (r *Registry) closeLocked(entries []*entry) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.initialized {
			continue
		}
		e.initialized = false
		if err := e.plugin.Close(); err != nil {
			r.log.Error().Err(err).Str("id", e.plugin.ID()).Msg("plugin close error")
		}
	}
}

// Owner reports which plugin registered a capability.
func (r *Registry) Owner(capability string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[capability]
	return id, ok
}

// Info summarizes every registered plugin in registration order.
func (r *Registry) Info() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			ID:           e.plugin.ID(),
			Name:         e.plugin.Name(),
			Version:      e.plugin.Version(),
			Initialized:  e.initialized,
			Capabilities: slices.Clone(e.provides),
		})
	}
	return out
}

// Info describes one plugin.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Initialized  bool     `json:"initialized"`
	Capabilities []string `json:"capabilities,omitempty"`
}
