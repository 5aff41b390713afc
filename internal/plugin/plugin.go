// Package plugin manages the bundles that contribute capabilities and hook
// handlers at startup.
package plugin

import (
	"context"

	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/tool"
)

// Plugin is a bundle of capabilities and hook handlers.
type Plugin interface {
	// ID returns a unique identifier for the plugin (e.g., "builtin").
	ID() string

	// Name returns a human-readable name.
	Name() string

	// Version returns the plugin version string.
	Version() string

	// Init registers the plugin's capabilities and hooks.
	Init(ctx context.Context, api API) error

	// Close shuts down the plugin and releases resources.
	Close() error
}

// API is what a plugin may touch during Init.
type API struct {
	Hooks        *hooks.Manager
	Capabilities *tool.Registry
	Log          *logging.Logger
}
