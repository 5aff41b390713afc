// Package builtin is the plugin that ships parley's own capabilities:
// clock, notes, files and reminders.
package builtin

import (
	"context"
	"fmt"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/plugin"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/tool"
)

// Notes is the slice of store.NoteStore the note capabilities need.
type Notes interface {
	Store(note store.Note) (*store.Note, error)
	Search(conv domain.ConversationID, query string, limit int) ([]store.Note, error)
	Delete(conv domain.ConversationID, id string) (bool, error)
}

// Plugin registers the built-in capabilities.
type Plugin struct {
	notes     Notes
	scheduler Scheduler
	log       *logging.Logger
}

// Option configures the builtin plugin.
type Option func(*Plugin)

// WithNotes enables remember, recall and forget.
func WithNotes(n Notes) Option {
	return func(p *Plugin) { p.notes = n }
}

// WithScheduler replaces the in-process reminder scheduler.
func WithScheduler(s Scheduler) Option {
	return func(p *Plugin) { p.scheduler = s }
}

// New creates the builtin plugin.
func New(opts ...Option) *Plugin {
	p := &Plugin{}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ plugin.Plugin = (*Plugin)(nil)

func (p *Plugin) ID() string      { return "builtin" }
func (p *Plugin) Name() string    { return "Built-in capabilities" }
func (p *Plugin) Version() string { return "1.0.0" }

// Init registers every capability whose dependencies are present.
func (p *Plugin) Init(_ context.Context, api plugin.API) error {
	p.log = api.Log
	if p.scheduler == nil {
		p.scheduler = NewTimerScheduler(api.Log)
	}

	caps := []tool.Capability{clock(), makeFile(), remind(p.scheduler, api.Log)}
	if p.notes != nil {
		caps = append(caps, remember(p.notes), recall(p.notes), forget(p.notes))
	} else {
		api.Log.Info().Msg("no note store; remember/recall disabled")
	}

	for _, c := range caps {
		if err := api.Capabilities.Register(c); err != nil {
			return fmt.Errorf("registering %s: %w", c.Name(), err)
		}
	}
	return nil
}

// Close cancels pending reminders.
func (p *Plugin) Close() error {
	if p.scheduler != nil {
		return p.scheduler.Close()
	}
	return nil
}
