package tool

import (
	"context"

	"github.com/soyeahso/parley/internal/domain"
)

// Sink receives artifacts split off capability results.
type Sink interface {
	Deliver(ctx context.Context, ec ExecutionContext, capability string, a domain.Artifact) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ec ExecutionContext, capability string, a domain.Artifact) error

func (f SinkFunc) Deliver(ctx context.Context, ec ExecutionContext, capability string, a domain.Artifact) error {
	return f(ctx, ec, capability, a)
}

// DiscardSink drops every artifact.
var DiscardSink Sink = SinkFunc(func(context.Context, ExecutionContext, string, domain.Artifact) error { return nil })
