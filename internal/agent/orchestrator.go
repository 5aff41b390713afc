// Package agent drives a single turn: it calls the engine, runs the
// directives in its reply, feeds the results back and repeats until the
// reply has no directives or the depth limit is reached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/parley/internal/cancel"
	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/llm"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
	"github.com/soyeahso/parley/internal/tool"
)

const (
	DefaultMaxDepth      = 4
	DefaultEngineTimeout = 2 * time.Minute

	// TruncationNote is appended to the reply when the depth limit stops a
	// chain of directives.
	TruncationNote = "(Stopped after too many tool steps; the last request was not carried out.)"
)

var (
	// ErrCancelled is returned by RunTurn when the turn's token was
	// cancelled. No TurnResult accompanies it.
	ErrCancelled = cancel.ErrCancelled

	// ErrNoResponse is returned when the engine stream closes without
	// producing anything.
	ErrNoResponse = errors.New("no response from engine")
)

// State is a turn's position in the generate/execute loop.
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateParsingDirectives
	StateExecuting
	StateContinuing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateParsingDirectives:
		return "parsing_directives"
	case StateExecuting:
		return "executing"
	case StateContinuing:
		return "continuing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Turn outcomes, as reported to metrics and hooks.
const (
	OutcomeOK        = "ok"
	OutcomeTruncated = "truncated"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Config configures the orchestrator.
type Config struct {
	AssistantName string
	Model         string
	Fallbacks     []string
	MaxTokens     int
	Temperature   *float64
	ExtraPrompt   string
	MaxDepth      int
	EngineTimeout time.Duration
	DirectiveTag  string
}

// TurnInput is one batch of user input for a conversation.
type TurnInput struct {
	Conversation domain.ConversationID
	Key          domain.ConversationKey
	Text         string
	ChatType     domain.ChatType
	Exec         tool.ExecutionContext

	// OnIrreversible is called right after an irreversible capability
	// succeeds. The aggregator uses it to stop re-merging the batch.
	OnIrreversible func()
}

// SideEffect is an artifact a capability produced during the turn. It has
// already been handed to the sink when the turn returns.
type SideEffect struct {
	Capability string
	Artifact   domain.Artifact
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	FinalText   string
	SideEffects []SideEffect
	Directives  []directive.Directive
	Depth       int
	Truncated   bool
	Model       string
	Usage       llm.Usage
	SessionID   string
	Duration    time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHooks emits turn lifecycle events to m.
func WithHooks(m *hooks.Manager) Option {
	return func(o *Orchestrator) { o.hooks = m }
}

// WithMetrics records turn metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClient replaces the failover client built from the registry.
func WithClient(c llm.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// Orchestrator runs turns. It holds no per-conversation state; the
// aggregator guarantees one turn at a time per conversation.
type Orchestrator struct {
	cfg      Config
	client   llm.Client
	executor *tool.Executor
	parser   *directive.Parser
	sessions SessionStore
	hooks    *hooks.Manager
	metrics  *metrics.Metrics
	log      *logging.Logger
}

// NewOrchestrator creates an orchestrator that streams from registry with
// failover across cfg.Model and cfg.Fallbacks.
func NewOrchestrator(cfg Config, registry *llm.Registry, executor *tool.Executor, sessions SessionStore, log *logging.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = DefaultEngineTimeout
	}
	o := &Orchestrator{
		cfg:      cfg,
		executor: executor,
		parser:   directive.NewParser(cfg.DirectiveTag),
		sessions: sessions,
		log:      log.Sub("agent"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		o.client = NewFailoverClient(registry, cfg.Model, cfg.Fallbacks, log)
	}
	return o
}

// turn is the mutable state of one RunTurn call.
type turn struct {
	in           TurnInput
	log          *logging.Logger
	state        State
	depth        int
	transcript   []domain.Message
	directives   []directive.Directive
	effects      []tool.Outcome
	usage        llm.Usage
	model        string
	irreversible bool
}

// RunTurn processes one batch. It returns ErrCancelled, and no result, when
// token is cancelled before the turn finishes; a capability that already ran
// is not undone. Engine failures end the turn with an error and no
// continuation. Capability failures never end the turn.
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput, token *cancel.Token) (*TurnResult, error) {
	start := time.Now()
	if in.Conversation == "" {
		in.Conversation = in.Key.ID()
	}
	t := &turn{
		in:  in,
		log: o.log.With("conversation", string(in.Conversation)),
	}

	session := o.sessions.GetOrCreate(in.Key)
	history := o.sessions.History(session.ID)
	t.transcript = append(t.transcript, domain.Message{Role: llm.RoleUser, Content: in.Text, Timestamp: start})

	o.emit(ctx, hooks.EventTurnStart, map[string]any{
		"conversation": string(in.Conversation),
		"sessionId":    session.ID,
	})
	t.log.Info().Str("sessionId", session.ID).Int("historyLen", len(history)).Msg("turn started")

	res, err := o.loop(ctx, t, history, token)

	outcome := OutcomeOK
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = OutcomeCancelled
		// The batch is only dropped, rather than merged into the next one,
		// when something irreversible already happened.
		if t.irreversible {
			o.sessions.Append(session.ID, t.transcript...)
		}
	case err != nil:
		outcome = OutcomeError
		o.sessions.Append(session.ID, t.transcript...)
	default:
		if res.Truncated {
			outcome = OutcomeTruncated
		}
		o.sessions.Append(session.ID, t.transcript...)
	}

	d := time.Since(start)
	o.metrics.TurnFinished(outcome, t.depth, d)
	o.emit(ctx, hooks.EventTurnEnd, map[string]any{
		"conversation": string(in.Conversation),
		"outcome":      outcome,
		"depth":        t.depth,
		"directives":   len(t.directives),
		"durationMs":   d.Milliseconds(),
	})

	ev := t.log.Info()
	if outcome == OutcomeError {
		ev = t.log.Warn().Err(err)
	}
	ev.Str("outcome", outcome).
		Int("depth", t.depth).
		Int("directives", len(t.directives)).
		Int("inputTokens", t.usage.InputTokens).
		Int("outputTokens", t.usage.OutputTokens).
		Dur("duration", d).
		Msg("turn finished")

	if err != nil {
		return nil, err
	}
	res.SessionID = session.ID
	res.Duration = d
	return res, nil
}

func (o *Orchestrator) loop(ctx context.Context, t *turn, history []llm.Message, token *cancel.Token) (*TurnResult, error) {
	system := BuildSystemPrompt(PromptConfig{
		AssistantName: o.cfg.AssistantName,
		Tag:           o.cfg.DirectiveTag,
		Capabilities:  o.executor.Registry().Definitions(),
		ChannelID:     t.in.Exec.ChannelID,
		ChatType:      string(t.in.ChatType),
		UserName:      t.in.Exec.SenderName,
		ExtraPrompt:   o.cfg.ExtraPrompt,
	})

	onIrreversible := func() {
		t.irreversible = true
		if t.in.OnIrreversible != nil {
			t.in.OnIrreversible()
		}
	}

	for {
		o.transition(ctx, t, StateGenerating)
		if token.Cancelled() {
			return nil, ErrCancelled
		}

		msgs := make([]llm.Message, 0, len(history)+len(t.transcript))
		msgs = append(msgs, history...)
		for _, m := range t.transcript {
			msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
		}

		reply, err := o.generate(ctx, t, llm.CompletionRequest{
			Model:       o.cfg.Model,
			System:      system,
			Messages:    msgs,
			MaxTokens:   o.cfg.MaxTokens,
			Temperature: o.cfg.Temperature,
			Stream:      true,
		}, token)
		if err != nil {
			return nil, err
		}
		if token.Cancelled() {
			return nil, ErrCancelled
		}

		o.transition(ctx, t, StateParsingDirectives)
		ds := o.parser.Parse(reply)
		display := tool.Display(reply, ds)

		if len(ds) == 0 {
			t.transcript = append(t.transcript, domain.Message{Role: llm.RoleAssistant, Content: display, Timestamp: time.Now()})
			o.transition(ctx, t, StateDone)
			return t.result(display, false), nil
		}

		if t.depth >= o.cfg.MaxDepth {
			t.log.Warn().Int("depth", t.depth).Int("pending", len(ds)).Msg("depth limit reached, dropping directives")
			final := TruncationNote
			if display != "" {
				final = display + "\n\n" + TruncationNote
			}
			t.transcript = append(t.transcript, domain.Message{Role: llm.RoleAssistant, Content: final, Timestamp: time.Now()})
			o.transition(ctx, t, StateDone)
			return t.result(final, true), nil
		}

		t.transcript = append(t.transcript, domain.Message{Role: llm.RoleAssistant, Content: reply, Timestamp: time.Now()})

		o.transition(ctx, t, StateExecuting)
		if token.Cancelled() {
			return nil, ErrCancelled
		}

		execCtx, stop := token.Context(ctx)
		outcomes, err := o.executor.ExecuteAll(execCtx, ds, t.in.Exec, token, onIrreversible)
		stop()
		for _, out := range outcomes {
			t.directives = append(t.directives, out.Directive)
			if out.Artifact != nil {
				t.effects = append(t.effects, out)
			}
			o.emit(ctx, hooks.EventDirective, map[string]any{
				"conversation": string(t.in.Conversation),
				"capability":   out.Directive.Name,
				"success":      out.Result.Success,
				"irreversible": out.Irreversible,
				"depth":        t.depth,
			})
		}
		if err != nil {
			return nil, err
		}

		o.transition(ctx, t, StateContinuing)
		t.transcript = append(t.transcript, domain.Message{
			Role:      llm.RoleUser,
			Content:   tool.Continuation(outcomes),
			Timestamp: time.Now(),
		})
		t.depth++
	}
}

// generate streams one engine reply. The token is checked at every chunk;
// returning early cancels the stream context so the producer stops.
func (o *Orchestrator) generate(ctx context.Context, t *turn, req llm.CompletionRequest, token *cancel.Token) (string, error) {
	ctx, stopToken := token.Context(ctx)
	defer stopToken()
	ctx, stopTimeout := context.WithTimeout(ctx, o.cfg.EngineTimeout)
	defer stopTimeout()

	ch, err := o.client.Stream(ctx, req)
	if err != nil {
		return "", o.engineError(ctx, token, err)
	}

	var full strings.Builder
	var final *llm.CompletionResponse
	received := false

	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			if token.Cancelled() {
				return "", ErrCancelled
			}
			received = true
			switch ev.Type {
			case llm.EventDelta:
				full.WriteString(ev.Content)
			case llm.EventDone:
				final = ev.Response
				done = true
			case llm.EventError:
				return "", o.engineError(ctx, token, fmt.Errorf("engine stream: %s", ev.Error))
			}
		case <-ctx.Done():
			return "", o.engineError(ctx, token, ctx.Err())
		}
	}

	if token.Cancelled() {
		return "", ErrCancelled
	}
	if final == nil && ctx.Err() != nil {
		return "", o.engineError(ctx, token, ctx.Err())
	}
	if !received {
		return "", ErrNoResponse
	}

	text := full.String()
	if final != nil {
		if final.Content != "" {
			text = final.Content
		}
		t.usage.Add(final.Usage)
		if final.Model != "" {
			t.model = final.Model
		}
	}
	return text, nil
}

func (o *Orchestrator) engineError(ctx context.Context, token *cancel.Token, err error) error {
	if token.Cancelled() {
		return ErrCancelled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("engine timed out after %s: %w", o.cfg.EngineTimeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("engine: %w", err)
}

func (o *Orchestrator) transition(ctx context.Context, t *turn, s State) {
	t.state = s
	t.log.Debug().Str("state", s.String()).Int("depth", t.depth).Msg("turn state")
	o.emit(ctx, hooks.EventTurnState, map[string]any{
		"conversation": string(t.in.Conversation),
		"state":        s.String(),
		"depth":        t.depth,
	})
}

func (o *Orchestrator) emit(ctx context.Context, event string, data map[string]any) {
	o.hooks.Emit(ctx, event, data)
}

func (t *turn) result(text string, truncated bool) *TurnResult {
	effects := make([]SideEffect, 0, len(t.effects))
	for _, out := range t.effects {
		effects = append(effects, SideEffect{Capability: out.Directive.Name, Artifact: *out.Artifact})
	}
	return &TurnResult{
		FinalText:   text,
		SideEffects: effects,
		Directives:  t.directives,
		Depth:       t.depth,
		Truncated:   truncated,
		Model:       t.model,
		Usage:       t.usage,
	}
}
