// Package tool resolves directives to capabilities, runs them, and renders
// their results for the engine and the user.
package tool

import (
	"context"
	"errors"

	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/domain"
)

// ArtifactKey is the Result.Data entry that carries a domain.Artifact for
// delivery. It never reaches the engine.
const ArtifactKey = "artifact"

// ErrNotFound is returned by Registry.Get for unknown names.
var ErrNotFound = errors.New("capability not found")

// Capability is a named operation a directive can invoke.
type Capability interface {
	// Name is the directive name the capability answers to.
	Name() string

	// Description is shown to the engine in the system prompt.
	Description() string

	// Schema is an optional JSON Schema for the parameters. Empty disables
	// validation.
	Schema() string

	// Irreversible reports whether a successful invocation has an externally
	// observable effect that must not be repeated, such as delivering a file
	// or scheduling a message.
	Irreversible() bool

	// Invoke runs the capability. Returning an error is equivalent to
	// returning Fail(err.Error()).
	Invoke(ctx context.Context, params directive.Params, ec ExecutionContext) (Result, error)
}

// ExecutionContext is the read-only context handed to a capability.
type ExecutionContext struct {
	Conversation domain.ConversationID
	Sender       string
	SenderName   string
	ChannelID    string
	ChatID       string
	ReplyTo      string // address replies and artifacts should go to

	// Transport is the originating channel, for capabilities that send
	// something themselves. May be nil.
	Transport domain.Channel
}

// Result is the normalized outcome of one invocation.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// OK builds a successful result.
func OK(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed result.
func Fail(msg string) Result {
	return Result{Success: false, Error: msg}
}

// WithArtifact returns a successful result carrying an artifact envelope
// alongside data.
func WithArtifact(data map[string]any, a domain.Artifact) Result {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[ArtifactKey] = a
	return OK(out)
}
