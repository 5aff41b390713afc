package tool

import (
	"context"

	"github.com/soyeahso/parley/internal/directive"
)

// InvokeFunc is the signature of a capability body.
type InvokeFunc func(ctx context.Context, params directive.Params, ec ExecutionContext) (Result, error)

// Func adapts a plain function into a Capability.
type Func struct {
	ID       string
	Desc     string
	Params   string // JSON Schema, optional
	External bool   // reported by Irreversible
	Fn       InvokeFunc
}

func (f *Func) Name() string        { return f.ID }
func (f *Func) Description() string { return f.Desc }
func (f *Func) Schema() string      { return f.Params }
func (f *Func) Irreversible() bool  { return f.External }

func (f *Func) Invoke(ctx context.Context, params directive.Params, ec ExecutionContext) (Result, error) {
	return f.Fn(ctx, params, ec)
}
