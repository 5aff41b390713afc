package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/xeipuuv/gojsonschema"

	"github.com/soyeahso/parley/internal/cancel"
	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
)

// DefaultTimeout bounds a single invocation when none is configured.
const DefaultTimeout = 30 * time.Second

// Outcome pairs a directive with what happened when it ran.
type Outcome struct {
	Directive directive.Directive
	Result    Result // sanitized: no artifact, no binary data

	// Irreversible is set when an irreversible capability succeeded or an
	// artifact reached the sink.
	Irreversible bool

	// Artifact is the envelope split off the result, already handed to the
	// sink. Nil when the result carried none.
	Artifact *domain.Artifact
}

// Executor runs directives against a Registry.
type Executor struct {
	registry *Registry
	sink     Sink
	timeout  time.Duration
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithSink sets where artifacts go.
func WithSink(s Sink) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithMetrics records per-directive metrics.
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor. Without WithSink, artifacts are dropped.
func NewExecutor(registry *Registry, log *logging.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		sink:     DiscardSink,
		timeout:  DefaultTimeout,
		log:      log.Sub("executor"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the registry the executor resolves against.
func (e *Executor) Registry() *Registry { return e.registry }

// ExecuteAll runs directives one at a time in order. The token is checked
// before each directive; once it is cancelled no further directive starts
// and the outcomes so far are returned with cancel.ErrCancelled.
// onIrreversible, if set, is called right after an outcome is marked
// irreversible and before the next directive starts. A directive that has
// already started is not abandoned on cancel when its effect cannot be undone.
func (e *Executor) ExecuteAll(ctx context.Context, ds []directive.Directive, ec ExecutionContext, token *cancel.Token, onIrreversible func()) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(ds))
	for _, d := range ds {
		if token.Cancelled() {
			return outcomes, cancel.ErrCancelled
		}
		out := e.Execute(ctx, d, ec)
		outcomes = append(outcomes, out)
		if out.Irreversible && onIrreversible != nil {
			onIrreversible()
		}
	}
	return outcomes, nil
}

// Execute runs one directive. It never returns an error: unknown names,
// invalid params, errors, panics and timeouts all become failed results.
func (e *Executor) Execute(ctx context.Context, d directive.Directive, ec ExecutionContext) Outcome {
	log := e.log.With("capability", d.Name).With("conversation", string(ec.Conversation))
	out := Outcome{Directive: d}

	if d.Diagnostics.Failed || len(d.Diagnostics.DanglingKeys) > 0 {
		log.Warn().
			Bool("failed", d.Diagnostics.Failed).
			Strs("danglingKeys", d.Diagnostics.DanglingKeys).
			Msg("directive parameters needed repair")
	}

	c, ok := e.registry.Lookup(d.Name)
	if !ok {
		log.Warn().Msg("capability not found")
		out.Result = Fail(ErrNotFound.Error())
		e.metrics.DirectiveExecuted(d.Name, false, 0)
		return out
	}

	if err := validateParams(c.Schema(), d.Params); err != nil {
		log.Warn().Err(err).Msg("invalid parameters")
		out.Result = Fail(err.Error())
		e.metrics.DirectiveExecuted(d.Name, false, 0)
		return out
	}

	// Once an irreversible capability starts it runs to completion, bounded
	// only by the executor timeout, so its outcome is always known.
	if c.Irreversible() {
		ctx = context.WithoutCancel(ctx)
	}

	start := time.Now()
	res := e.invoke(ctx, c, d.Params, ec)
	elapsed := time.Since(start)
	e.metrics.DirectiveExecuted(d.Name, res.Success, elapsed)

	if !res.Success {
		log.Warn().Str("error", res.Error).Dur("duration", elapsed).Msg("capability failed")
		out.Result = res
		return out
	}

	clean, artifact := sanitize(res)
	out.Result = clean
	out.Irreversible = c.Irreversible()

	if artifact != nil {
		out.Artifact = artifact
		if err := e.deliver(ctx, ec, d.Name, *artifact); err != nil {
			log.Error().Err(err).Str("artifact", artifact.Name).Msg("artifact delivery failed")
			out.Result.Data[ArtifactKey] = "delivery failed: " + err.Error()
		} else {
			out.Irreversible = true
		}
	}

	log.Info().
		Dur("duration", elapsed).
		Bool("irreversible", out.Irreversible).
		Bool("artifact", artifact != nil).
		Msg("capability executed")
	return out
}

// invoke calls the capability under the executor timeout, converting errors
// and panics into failed results.
func (e *Executor) invoke(ctx context.Context, c Capability, params directive.Params, ec ExecutionContext) Result {
	ctx, cancelFn := context.WithTimeout(ctx, e.timeout)
	defer cancelFn()

	done := make(chan Result, 1)
	go func() {
		var res Result
		var err error
		var pc panics.Catcher
		pc.Try(func() {
			res, err = c.Invoke(ctx, params, ec)
		})
		if r := pc.Recovered(); r != nil {
			e.log.Error().
				Str("capability", c.Name()).
				Str("panic", fmt.Sprint(r.Value)).
				Bytes("stack", r.Stack).
				Msg("capability panicked")
			done <- Fail(fmt.Sprintf("capability panicked: %v", r.Value))
			return
		}
		if err != nil {
			done <- Fail(err.Error())
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return e.timedOut()
		}
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return e.timedOut()
		}
		return Fail("capability cancelled")
	}
}

// deliver hands an artifact to the sink. The capability already produced it,
// so a cancelled turn does not stop the delivery; the executor timeout does.
func (e *Executor) deliver(ctx context.Context, ec ExecutionContext, capability string, a domain.Artifact) error {
	ctx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancelFn()
	return e.sink.Deliver(ctx, ec, capability, a)
}

func (e *Executor) timedOut() Result {
	return Fail(fmt.Sprintf("capability timed out after %s", e.timeout))
}

// sanitize copies res without the artifact envelope and without binary
// values. The artifact is returned separately and a summary left in its
// place.
func sanitize(res Result) (Result, *domain.Artifact) {
	clean := Result{Success: res.Success, Error: res.Error, Data: make(map[string]any, len(res.Data))}
	var artifact *domain.Artifact

	for k, v := range res.Data {
		if k == ArtifactKey {
			switch a := v.(type) {
			case domain.Artifact:
				artifact = &a
				clean.Data[k] = a.Summary()
				continue
			case *domain.Artifact:
				if a != nil {
					cp := *a
					artifact = &cp
					clean.Data[k] = a.Summary()
				}
				continue
			}
		}
		if b, ok := v.([]byte); ok {
			clean.Data[k] = fmt.Sprintf("<%d bytes omitted>", len(b))
			continue
		}
		clean.Data[k] = v
	}
	return clean, artifact
}

// validateParams checks params against a JSON Schema document.
func validateParams(schema string, params directive.Params) error {
	if strings.TrimSpace(schema) == "" {
		return nil
	}
	doc, err := json.Marshal(params.Map())
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return fmt.Errorf("invalid parameters: %s", strings.Join(msgs, "; "))
	}
	return nil
}
