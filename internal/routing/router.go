// Package routing connects messaging channels to the turn pipeline: events
// are keyed to conversations, coalesced by the aggregator, answered by the
// orchestrator and replied to through the originating channel.
package routing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/agent"
	"github.com/soyeahso/parley/internal/aggregator"
	"github.com/soyeahso/parley/internal/cancel"
	"github.com/soyeahso/parley/internal/channel"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/lease"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/tool"
)

// Apology is sent when a turn fails for a reason other than cancellation.
const Apology = "Sorry, I ran into a problem answering that. Please try again."

const releaseTimeout = 5 * time.Second

// Turner runs one turn. *agent.Orchestrator implements it.
type Turner interface {
	RunTurn(ctx context.Context, in agent.TurnInput, token *cancel.Token) (*agent.TurnResult, error)
}

// TurnRecorder is satisfied by store.TurnLog.
type TurnRecorder interface {
	Record(rec store.TurnRecord) error
}

// Option configures a Router.
type Option func(*Router)

// WithLeaser serializes turns across processes.
func WithLeaser(l lease.Leaser) Option {
	return func(r *Router) { r.leaser = l }
}

// WithTurnLog writes one audit row per consumed batch.
func WithTurnLog(t TurnRecorder) Option {
	return func(r *Router) { r.turns = t }
}

// WithHooks emits message_received, batch_ready and message_sending.
func WithHooks(m *hooks.Manager) Option {
	return func(r *Router) { r.hooks = m }
}

// WithMetrics records aggregator metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router routes inbound events to turns and replies to channels.
type Router struct {
	channels *channel.Registry
	turner   Turner
	agg      *aggregator.Aggregator
	scope    string
	leaser   lease.Leaser
	turns    TurnRecorder
	hooks    *hooks.Manager
	metrics  *metrics.Metrics
	log      *logging.Logger
}

// NewRouter creates a router with its own aggregator.
func NewRouter(channels *channel.Registry, turner Turner, aggCfg aggregator.Config, scope string, log *logging.Logger, opts ...Option) *Router {
	if scope == "" {
		scope = ScopePerSender
	}
	r := &Router{
		channels: channels,
		turner:   turner,
		scope:    scope,
		leaser:   lease.Noop{},
		log:      log.Sub("routing"),
	}
	for _, o := range opts {
		o(r)
	}
	r.agg = aggregator.New(aggCfg, r.runBatch, log, aggregator.WithMetrics(r.metrics))
	return r
}

// Aggregator exposes the aggregator for status reporting.
func (r *Router) Aggregator() *aggregator.Aggregator { return r.agg }

// Wire registers HandleEvent on every channel in the registry.
func (r *Router) Wire() {
	for _, id := range r.channels.List() {
		ch, ok := r.channels.Get(id)
		if !ok {
			continue
		}
		ch.OnEvent(r.HandleEvent)
		r.log.Debug().Str("channel", id).Msg("wired event handler")
	}
}

// HandleEvent keys an inbound event to its conversation and queues it. It
// never blocks on a turn.
func (r *Router) HandleEvent(ev domain.InboundEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Conversation = ResolveConversationKey(ev, r.scope).ID()

	r.log.Debug().
		Str("channel", ev.ChannelID).
		Str("from", ev.Sender).
		Str("chatId", ev.ChatID).
		Str("conversation", string(ev.Conversation)).
		Msg("inbound event")

	r.hooks.Emit(context.Background(), hooks.EventMessageReceived, map[string]any{
		"conversation": string(ev.Conversation),
		"channel":      ev.ChannelID,
		"sender":       ev.Sender,
		"text":         ev.Text,
	})
	r.agg.Submit(ev)
}

// Stop cancels in-flight turns and waits for them to return.
func (r *Router) Stop() {
	r.agg.Stop()
}

// runBatch is the aggregator's TurnFunc.
func (r *Router) runBatch(ctx context.Context, b *aggregator.Batch) error {
	last := b.Last()
	key := ResolveConversationKey(last, r.scope)
	log := r.log.With("conversation", string(b.Conversation))

	r.hooks.Emit(ctx, hooks.EventBatchReady, map[string]any{
		"conversation": string(b.Conversation),
		"events":       len(b.Events),
		"seq":          b.Seq,
	})

	ch, ok := r.channels.Get(last.ChannelID)
	if !ok {
		log.Error().Str("channel", last.ChannelID).Msg("channel not found for batch")
		return nil
	}

	release, err := r.acquire(ctx, b)
	if err != nil {
		return err
	}
	defer release()

	in := agent.TurnInput{
		Conversation: b.Conversation,
		Key:          key,
		Text:         b.Text(),
		ChatType:     last.ChatType,
		Exec: tool.ExecutionContext{
			Conversation: b.Conversation,
			Sender:       last.Sender,
			SenderName:   last.SenderName,
			ChannelID:    last.ChannelID,
			ChatID:       last.ChatID,
			ReplyTo:      last.ReplyTarget(),
			Transport:    ch,
		},
		OnIrreversible: b.MarkIrreversible,
	}

	start := time.Now()
	res, err := r.turner.RunTurn(ctx, in, b.Token)
	r.record(b, res, err, time.Since(start))

	switch {
	case errors.Is(err, cancel.ErrCancelled):
		log.Debug().Uint64("seq", b.Seq).Msg("turn superseded by newer input")
		return err
	case err != nil:
		log.Error().Err(err).Uint64("seq", b.Seq).Msg("turn failed")
		r.reply(ctx, ch, last, Apology)
		return err
	}

	if res.FinalText != "" {
		r.reply(ctx, ch, last, res.FinalText)
	}
	log.Info().
		Uint64("seq", b.Seq).
		Int("events", len(b.Events)).
		Int("depth", res.Depth).
		Int("sideEffects", len(res.SideEffects)).
		Str("model", res.Model).
		Dur("duration", res.Duration).
		Msg("turn answered")
	return nil
}

// acquire takes the conversation lease. Newer input aborts the wait and
// the batch is merged like any other cancelled turn. A lease backend
// failure is logged and the turn proceeds unleased.
func (r *Router) acquire(ctx context.Context, b *aggregator.Batch) (func(), error) {
	lctx, stop := b.Token.Context(ctx)
	defer stop()

	l, err := r.leaser.Acquire(lctx, b.Conversation)
	if err != nil {
		if b.Token.Cancelled() {
			return nil, cancel.ErrCancelled
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn().Err(err).Str("conversation", string(b.Conversation)).Msg("lease unavailable, continuing without it")
		return func() {}, nil
	}

	return func() {
		rctx, cancelFn := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancelFn()
		if err := l.Release(rctx); err != nil {
			r.log.Warn().Err(err).Str("conversation", string(b.Conversation)).Msg("lease release failed")
		}
	}, nil
}

func (r *Router) reply(ctx context.Context, ch domain.Channel, last domain.InboundEvent, body string) {
	msg := domain.OutboundMessage{
		ChannelID: last.ChannelID,
		To:        last.ReplyTarget(),
		Body:      body,
		ReplyToID: last.ID,
	}
	r.hooks.Emit(ctx, hooks.EventMessageSending, map[string]any{
		"conversation": string(last.Conversation),
		"channel":      msg.ChannelID,
		"to":           msg.To,
		"body":         msg.Body,
	})
	if err := ch.Send(ctx, msg); err != nil {
		r.log.Error().Err(err).
			Str("channel", msg.ChannelID).
			Str("to", msg.To).
			Msg("failed to send reply")
	}
}

func (r *Router) record(b *aggregator.Batch, res *agent.TurnResult, err error, d time.Duration) {
	if r.turns == nil {
		return
	}
	rec := store.TurnRecord{
		Conversation: b.Conversation,
		BatchSeq:     b.Seq,
		Events:       len(b.Events),
		Duration:     d,
	}
	switch {
	case errors.Is(err, cancel.ErrCancelled):
		rec.Outcome = agent.OutcomeCancelled
	case err != nil:
		rec.Outcome = agent.OutcomeError
		rec.Error = err.Error()
	default:
		rec.Outcome = agent.OutcomeOK
		if res.Truncated {
			rec.Outcome = agent.OutcomeTruncated
		}
		rec.SessionID = res.SessionID
		rec.Depth = res.Depth
		rec.Directives = len(res.Directives)
	}
	if err := r.turns.Record(rec); err != nil {
		r.log.Warn().Err(err).Msg("failed to record turn")
	}
}
