// Package aggregator coalesces bursts of inbound events per conversation
// into batches, one turn at a time.
//
// Each conversation has a quiet-period timer that restarts on every event,
// plus an optional max-wait timer that bounds how long a burst can delay a
// turn. When a timer fires the pending events become a Batch and are handed
// to the TurnFunc on their own goroutine. At most one batch per
// conversation is in flight.
//
// An event arriving while a batch is in flight cancels that batch's token.
// When the handler returns cancel.ErrCancelled, the cancelled events are put
// back in front of the queue unless the batch was marked irreversible.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/conc/panics"

	"github.com/soyeahso/parley/internal/cancel"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
)

// Config controls batching.
type Config struct {
	QuietPeriod time.Duration // debounce window; reset by every event
	MaxWait     time.Duration // longest a pending event waits; 0 disables
	IdleTTL     time.Duration // evict idle conversations after this; 0 disables
}

// DefaultConfig returns the defaults used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		QuietPeriod: 1500 * time.Millisecond,
		MaxWait:     10 * time.Second,
		IdleTTL:     30 * time.Minute,
	}
}

// TurnFunc runs one turn for a batch. Returning an error wrapping
// cancel.ErrCancelled tells the aggregator the turn unwound early and its
// events were not answered.
type TurnFunc func(ctx context.Context, b *Batch) error

// Status is a point-in-time view of one conversation.
type Status struct {
	Conversation domain.ConversationID `json:"conversation"`
	Pending      int                   `json:"pending"`
	InFlight     bool                  `json:"inFlight"`
	Cancelling   bool                  `json:"cancelling"`
	Batches      uint64                `json:"batches"`
}

// Aggregator owns all per-conversation batching state.
type Aggregator struct {
	cfg     Config
	handle  TurnFunc
	log     *logging.Logger
	metrics *metrics.Metrics

	ctx       context.Context
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	convs  map[domain.ConversationID]*state
	closed bool
}

// state is the AggregationState of one conversation. Only the Aggregator
// touches it, always under mu.
type state struct {
	id      domain.ConversationID
	pending []domain.InboundEvent

	quiet    *time.Timer
	quietGen uint64
	maxWait  *time.Timer
	maxGen   uint64
	idle     *time.Timer
	idleGen  uint64
	inflight *Batch
	ready    bool // a timer fired while a batch was in flight
	batchSeq uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMetrics records aggregator metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// New creates an aggregator that hands batches to handle.
func New(cfg Config, handle TurnFunc, log *logging.Logger, opts ...Option) *Aggregator {
	def := DefaultConfig()
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = def.QuietPeriod
	}
	if cfg.MaxWait > 0 && cfg.MaxWait < cfg.QuietPeriod {
		cfg.MaxWait = cfg.QuietPeriod
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	a := &Aggregator{
		cfg:       cfg,
		handle:    handle,
		log:       log.Sub("aggregator"),
		ctx:       ctx,
		cancelCtx: cancelFn,
		convs:     make(map[domain.ConversationID]*state),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Submit queues an event for its conversation. It never blocks on a turn.
// Events without a conversation ID are dropped.
func (a *Aggregator) Submit(ev domain.InboundEvent) {
	if ev.Conversation == "" {
		a.log.Warn().Str("event", ev.ID).Msg("event without conversation dropped")
		return
	}

	var supersede *cancel.Token

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.metrics.EventReceived()

	st, ok := a.convs[ev.Conversation]
	if !ok {
		st = &state{id: ev.Conversation}
		a.convs[ev.Conversation] = st
	}
	st.pending = append(st.pending, ev)
	a.stopIdleLocked(st)

	if b := st.inflight; b != nil && !b.Token.Cancelled() {
		supersede = b.Token
	}

	a.armQuietLocked(st)

	if a.cfg.MaxWait > 0 && st.maxWait == nil {
		st.maxGen++
		mgen := st.maxGen
		st.maxWait = time.AfterFunc(a.cfg.MaxWait, func() { a.fireMaxWait(st, mgen) })
	}
	pending := len(st.pending)
	a.mu.Unlock()

	if supersede != nil {
		a.metrics.TurnCancelled()
		a.log.Debug().Str("conversation", string(ev.Conversation)).Msg("new input, cancelling in-flight turn")
		supersede.Cancel()
	}

	a.log.Debug().
		Str("conversation", string(ev.Conversation)).
		Int("pending", pending).
		Msg("event queued")
}

// armQuietLocked (re)starts the debounce timer.
func (a *Aggregator) armQuietLocked(st *state) {
	st.quietGen++
	if st.quiet != nil {
		st.quiet.Stop()
	}
	gen := st.quietGen
	st.quiet = time.AfterFunc(a.cfg.QuietPeriod, func() { a.fireQuiet(st, gen) })
}

func (a *Aggregator) fireQuiet(st *state, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.convs[st.id] != st || st.quietGen != gen {
		return
	}
	a.flushLocked(st)
}

func (a *Aggregator) fireMaxWait(st *state, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.convs[st.id] != st || st.maxGen != gen {
		return
	}
	a.log.Debug().Str("conversation", string(st.id)).Msg("max wait reached")
	a.flushLocked(st)
}

// flushLocked dispatches pending events, or defers until the in-flight batch
// returns.
func (a *Aggregator) flushLocked(st *state) {
	if len(st.pending) == 0 || a.closed {
		return
	}
	if st.inflight != nil {
		st.ready = true
		return
	}
	a.dispatchLocked(st)
}

func (a *Aggregator) dispatchLocked(st *state) {
	a.stopTimersLocked(st)
	st.ready = false
	st.batchSeq++

	b := &Batch{
		Conversation: st.id,
		Events:       st.pending,
		Token:        cancel.New(),
		Seq:          st.batchSeq,
	}
	st.pending = nil
	st.inflight = b

	a.metrics.BatchDispatched()
	a.log.Info().
		Str("conversation", string(st.id)).
		Uint64("seq", b.Seq).
		Int("events", len(b.Events)).
		Msg("dispatching batch")

	a.wg.Add(1)
	go a.run(st, b)
}

func (a *Aggregator) run(st *state, b *Batch) {
	defer a.wg.Done()

	var err error
	var pc panics.Catcher
	pc.Try(func() { err = a.handle(a.ctx, b) })
	if r := pc.Recovered(); r != nil {
		a.log.Error().
			Str("conversation", string(b.Conversation)).
			Str("panic", fmt.Sprint(r.Value)).
			Bytes("stack", r.Stack).
			Msg("turn handler panicked")
		err = r.AsError()
	}

	a.finish(st, b, err)
}

// finish settles a returned batch: merge policy first, then any deferred
// dispatch.
func (a *Aggregator) finish(st *state, b *Batch, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st.inflight == b {
		st.inflight = nil
	}
	if a.convs[st.id] != st || a.closed {
		return
	}

	if errors.Is(err, cancel.ErrCancelled) {
		if b.Irreversible() {
			a.metrics.BatchMerged(false)
			a.log.Info().
				Str("conversation", string(st.id)).
				Int("dropped", len(b.Events)).
				Msg("cancelled turn had irreversible effects, not merging its events")
		} else {
			merged := make([]domain.InboundEvent, 0, len(b.Events)+len(st.pending))
			merged = append(merged, b.Events...)
			merged = append(merged, st.pending...)
			st.pending = merged
			a.metrics.BatchMerged(true)
			a.log.Debug().
				Str("conversation", string(st.id)).
				Int("merged", len(b.Events)).
				Msg("cancelled turn events merged into next batch")
		}
	} else if err != nil {
		a.log.Warn().Err(err).Str("conversation", string(st.id)).Msg("turn failed")
	}

	switch {
	case st.ready && len(st.pending) > 0:
		a.dispatchLocked(st)
	case len(st.pending) > 0 && st.quiet == nil:
		// Cancelled without new input; nothing else will flush the merged
		// events.
		a.armQuietLocked(st)
	case len(st.pending) == 0:
		st.ready = false
		a.armIdleLocked(st)
	}
}

func (a *Aggregator) armIdleLocked(st *state) {
	if a.cfg.IdleTTL <= 0 {
		return
	}
	a.stopIdleLocked(st)
	gen := st.idleGen
	st.idle = time.AfterFunc(a.cfg.IdleTTL, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.convs[st.id] != st || st.idleGen != gen || st.inflight != nil || len(st.pending) > 0 {
			return
		}
		delete(a.convs, st.id)
		a.log.Debug().Str("conversation", string(st.id)).Msg("idle conversation evicted")
	})
}

func (a *Aggregator) stopIdleLocked(st *state) {
	st.idleGen++
	if st.idle != nil {
		st.idle.Stop()
		st.idle = nil
	}
}

func (a *Aggregator) stopTimersLocked(st *state) {
	st.quietGen++
	if st.quiet != nil {
		st.quiet.Stop()
		st.quiet = nil
	}
	st.maxGen++
	if st.maxWait != nil {
		st.maxWait.Stop()
		st.maxWait = nil
	}
	a.stopIdleLocked(st)
}

// Close tears down one conversation: pending events are discarded and an
// in-flight turn is cancelled. Its result is not merged anywhere.
func (a *Aggregator) Close(id domain.ConversationID) {
	a.mu.Lock()
	st, ok := a.convs[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.convs, id)
	a.stopTimersLocked(st)
	st.pending = nil
	var tok *cancel.Token
	if st.inflight != nil {
		tok = st.inflight.Token
	}
	a.mu.Unlock()

	tok.Cancel()
}

// Stop closes every conversation and waits for running handlers to return.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.wg.Wait()
		return
	}
	a.closed = true
	var tokens []*cancel.Token
	for id, st := range a.convs {
		a.stopTimersLocked(st)
		if st.inflight != nil {
			tokens = append(tokens, st.inflight.Token)
		}
		delete(a.convs, id)
	}
	a.mu.Unlock()

	for _, t := range tokens {
		t.Cancel()
	}
	a.cancelCtx()
	a.wg.Wait()
}

// Snapshot reports every tracked conversation, sorted by ID.
func (a *Aggregator) Snapshot() []Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Status, 0, len(a.convs))
	for _, st := range a.convs {
		s := Status{
			Conversation: st.id,
			Pending:      len(st.pending),
			InFlight:     st.inflight != nil,
			Batches:      st.batchSeq,
		}
		if st.inflight != nil {
			s.Cancelling = st.inflight.Token.Cancelled()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conversation < out[j].Conversation })
	return out
}

// Shard maps a conversation onto one of n workers. Every event of a
// conversation lands on the same worker.
func Shard(id domain.ConversationID, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(string(id)) % uint64(n))
}
