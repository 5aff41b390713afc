package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soyeahso/parley/internal/agent"
	"github.com/soyeahso/parley/internal/aggregator"
	"github.com/soyeahso/parley/internal/cancel"
	"github.com/soyeahso/parley/internal/channel"
	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/lease"
	"github.com/soyeahso/parley/internal/llm"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() *logging.Logger { return logging.New(nil, "silent") }

// mockChannel records sent messages.
type mockChannel struct {
	mu      sync.Mutex
	id      string
	sent    []domain.OutboundMessage
	handler func(domain.InboundEvent)
}

func (m *mockChannel) ID() string                               { return m.id }
func (m *mockChannel) Capabilities() domain.ChannelCapabilities { return domain.ChannelCapabilities{} }
func (m *mockChannel) Start(context.Context) error              { return nil }
func (m *mockChannel) Stop(context.Context) error               { return nil }
func (m *mockChannel) OnEvent(h func(domain.InboundEvent))      { m.handler = h }
func (m *mockChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockChannel) messages() []domain.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OutboundMessage(nil), m.sent...)
}

// artifactChannel also implements domain.ArtifactSender.
type artifactChannel struct {
	mockChannel
	artifacts []domain.Artifact
}

func (a *artifactChannel) SendArtifact(_ context.Context, _ string, art domain.Artifact) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.artifacts = append(a.artifacts, art)
	return nil
}

// fakeTurner runs fn for every turn and records the inputs.
type fakeTurner struct {
	mu     sync.Mutex
	inputs []agent.TurnInput
	fn     func(n int, in agent.TurnInput, token *cancel.Token) (*agent.TurnResult, error)
}

func (f *fakeTurner) RunTurn(_ context.Context, in agent.TurnInput, token *cancel.Token) (*agent.TurnResult, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	n := len(f.inputs)
	f.mu.Unlock()
	return f.fn(n, in, token)
}

func (f *fakeTurner) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inputs))
	for i, in := range f.inputs {
		out[i] = in.Text
	}
	return out
}

type recordedTurns struct {
	mu   sync.Mutex
	recs []store.TurnRecord
}

func (r *recordedTurns) Record(rec store.TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recordedTurns) all() []store.TurnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.TurnRecord(nil), r.recs...)
}

var testAggConfig = aggregator.Config{QuietPeriod: 20 * time.Millisecond}

func newRouter(t *testing.T, turner Turner, opts ...Option) (*Router, *mockChannel, *recordedTurns) {
	t.Helper()
	channels := channel.NewRegistry(silentLog())
	ch := &mockChannel{id: "irc"}
	channels.Register(ch)

	turns := &recordedTurns{}
	opts = append([]Option{WithTurnLog(turns)}, opts...)
	r := NewRouter(channels, turner, testAggConfig, ScopePerSender, silentLog(), opts...)
	r.Wire()
	t.Cleanup(r.Stop)
	return r, ch, turns
}

func groupEvent(sender, text string) domain.InboundEvent {
	return domain.InboundEvent{
		ChannelID: "irc",
		ChatID:    "#dev",
		ChatType:  domain.ChatTypeGroup,
		Sender:    sender,
		Text:      text,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestResolveConversationKey(t *testing.T) {
	group := groupEvent("alice", "hi")
	dm := domain.InboundEvent{ChannelID: "irc", ChatID: "alice", ChatType: domain.ChatTypeDM, Sender: "alice"}

	tests := []struct {
		name  string
		ev    domain.InboundEvent
		scope string
		want  domain.ConversationID
	}{
		{"per-sender group", group, ScopePerSender, "irc:#dev:alice"},
		{"per-chat group", group, ScopePerChat, "irc:#dev"},
		{"default scope", group, "", "irc:#dev:alice"},
		{"per-chat dm stays per sender", dm, ScopePerChat, "irc:alice:alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveConversationKey(tt.ev, tt.scope).ID())
		})
	}
}

func TestRouter_RepliesThroughOriginatingChannel(t *testing.T) {
	turner := &fakeTurner{fn: func(int, agent.TurnInput, *cancel.Token) (*agent.TurnResult, error) {
		return &agent.TurnResult{FinalText: "hello alice", Depth: 1, SessionID: "s-1"}, nil
	}}
	_, ch, turns := newRouter(t, turner)

	ch.handler(groupEvent("alice", "hi there"))

	waitFor(t, func() bool { return len(ch.messages()) == 1 })
	msg := ch.messages()[0]
	assert.Equal(t, "irc", msg.ChannelID)
	assert.Equal(t, "#dev", msg.To)
	assert.Equal(t, "hello alice", msg.Body)
	assert.NotEmpty(t, msg.ReplyToID)

	in := turner.inputs[0]
	assert.Equal(t, domain.ConversationID("irc:#dev:alice"), in.Conversation)
	assert.Equal(t, "#dev", in.Exec.ReplyTo)
	assert.Same(t, ch, in.Exec.Transport)

	waitFor(t, func() bool { return len(turns.all()) == 1 })
	rec := turns.all()[0]
	assert.Equal(t, agent.OutcomeOK, rec.Outcome)
	assert.Equal(t, "s-1", rec.SessionID)
	assert.Equal(t, uint64(1), rec.BatchSeq)
}

func TestRouter_CoalescesBurst(t *testing.T) {
	turner := &fakeTurner{fn: func(int, agent.TurnInput, *cancel.Token) (*agent.TurnResult, error) {
		return &agent.TurnResult{FinalText: "ok"}, nil
	}}
	_, ch, _ := newRouter(t, turner)

	ch.handler(groupEvent("alice", "first"))
	ch.handler(groupEvent("alice", "second"))
	ch.handler(groupEvent("bob", "unrelated"))

	waitFor(t, func() bool { return len(ch.messages()) == 2 })
	assert.ElementsMatch(t, []string{"first\nsecond", "unrelated"}, turner.texts())
}

func TestRouter_EngineErrorSendsApology(t *testing.T) {
	turner := &fakeTurner{fn: func(int, agent.TurnInput, *cancel.Token) (*agent.TurnResult, error) {
		return nil, errors.New("engine: overloaded")
	}}
	_, ch, turns := newRouter(t, turner)

	ch.handler(groupEvent("alice", "hi"))

	waitFor(t, func() bool { return len(ch.messages()) == 1 })
	assert.Equal(t, Apology, ch.messages()[0].Body)

	waitFor(t, func() bool { return len(turns.all()) == 1 })
	assert.Equal(t, agent.OutcomeError, turns.all()[0].Outcome)
	assert.Equal(t, "engine: overloaded", turns.all()[0].Error)
}

// blockingFirstTurn blocks the first turn until its token is cancelled.
func blockingFirstTurn(started chan<- struct{}, markIrreversible bool) *fakeTurner {
	return &fakeTurner{fn: func(n int, in agent.TurnInput, token *cancel.Token) (*agent.TurnResult, error) {
		if n == 1 {
			if markIrreversible {
				in.OnIrreversible()
			}
			close(started)
			<-token.Done()
			return nil, cancel.ErrCancelled
		}
		return &agent.TurnResult{FinalText: "answer " + in.Text}, nil
	}}
}

func TestRouter_NewInputCancelsAndMerges(t *testing.T) {
	started := make(chan struct{})
	turner := blockingFirstTurn(started, false)
	_, ch, turns := newRouter(t, turner)

	ch.handler(groupEvent("alice", "what is the weather"))
	<-started
	ch.handler(groupEvent("alice", "in Paris"))

	waitFor(t, func() bool { return len(ch.messages()) == 1 })
	assert.Equal(t, []string{"what is the weather", "what is the weather\nin Paris"}, turner.texts())
	assert.Equal(t, "answer what is the weather\nin Paris", ch.messages()[0].Body)

	waitFor(t, func() bool { return len(turns.all()) == 2 })
	assert.Equal(t, agent.OutcomeCancelled, turns.all()[0].Outcome)
	assert.Equal(t, agent.OutcomeOK, turns.all()[1].Outcome)
}

func TestRouter_IrreversibleTurnIsNotMerged(t *testing.T) {
	started := make(chan struct{})
	turner := blockingFirstTurn(started, true)
	_, ch, _ := newRouter(t, turner)

	ch.handler(groupEvent("alice", "send me the file"))
	<-started
	ch.handler(groupEvent("alice", "thanks"))

	waitFor(t, func() bool { return len(ch.messages()) == 1 })
	assert.Equal(t, []string{"send me the file", "thanks"}, turner.texts())
}

// stuckLeaser blocks until ctx ends, like a lease held elsewhere.
type stuckLeaser struct{ calls atomic.Int32 }

func (s *stuckLeaser) Acquire(ctx context.Context, _ domain.ConversationID) (lease.Lease, error) {
	if s.calls.Add(1) == 1 {
		<-ctx.Done()
		return nil, lease.ErrNotAcquired
	}
	return lease.Noop{}.Acquire(ctx, "")
}

func TestRouter_LeaseWaitIsCancelledByNewInput(t *testing.T) {
	turner := &fakeTurner{fn: func(_ int, in agent.TurnInput, _ *cancel.Token) (*agent.TurnResult, error) {
		return &agent.TurnResult{FinalText: in.Text}, nil
	}}
	leaser := &stuckLeaser{}
	_, ch, _ := newRouter(t, turner, WithLeaser(leaser))

	ch.handler(groupEvent("alice", "one"))
	waitFor(t, func() bool { return leaser.calls.Load() == 1 })
	ch.handler(groupEvent("alice", "two"))

	waitFor(t, func() bool { return len(ch.messages()) == 1 })
	assert.Equal(t, "one\ntwo", ch.messages()[0].Body)
	assert.Equal(t, []string{"one\ntwo"}, turner.texts())
}

type brokenLeaser struct{}

func (brokenLeaser) Acquire(context.Context, domain.ConversationID) (lease.Lease, error) {
	return nil, errors.New("redis: connection refused")
}

func TestRouter_LeaseFailureDoesNotBlockTurn(t *testing.T) {
	turner := &fakeTurner{fn: func(int, agent.TurnInput, *cancel.Token) (*agent.TurnResult, error) {
		return &agent.TurnResult{FinalText: "still here"}, nil
	}}
	_, ch, _ := newRouter(t, turner, WithLeaser(brokenLeaser{}))

	ch.handler(groupEvent("alice", "hi"))
	waitFor(t, func() bool { return len(ch.messages()) == 1 })
	assert.Equal(t, "still here", ch.messages()[0].Body)
}

type recordedArtifacts struct {
	mu   sync.Mutex
	recs []store.ArtifactRecord
}

func (r *recordedArtifacts) Record(rec store.ArtifactRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func TestChannelSink(t *testing.T) {
	channels := channel.NewRegistry(silentLog())
	plain := &mockChannel{id: "irc"}
	native := &artifactChannel{mockChannel: mockChannel{id: "gateway"}}
	channels.Register(plain)
	channels.Register(native)

	records := &recordedArtifacts{}
	sink := NewChannelSink(channels, records, silentLog())
	ctx := context.Background()
	file := domain.Artifact{Kind: "file", Name: "notes.txt", MimeType: "text/plain", Data: []byte("line one\n")}

	// Native delivery.
	require.NoError(t, sink.Deliver(ctx, tool.ExecutionContext{ChannelID: "gateway", ReplyTo: "c1", Transport: native}, "make_file", file))
	require.Len(t, native.artifacts, 1)
	assert.Equal(t, "notes.txt", native.artifacts[0].Name)

	// Small text inline, resolved through the registry.
	require.NoError(t, sink.Deliver(ctx, tool.ExecutionContext{ChannelID: "irc", ReplyTo: "#dev"}, "make_file", file))
	require.Len(t, plain.messages(), 1)
	assert.Equal(t, "--- notes.txt ---\nline one", plain.messages()[0].Body)

	// Binary becomes a notice.
	img := domain.Artifact{Kind: "image", Name: "cat.png", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}
	require.NoError(t, sink.Deliver(ctx, tool.ExecutionContext{ChannelID: "irc", ReplyTo: "#dev"}, "draw", img))
	assert.Equal(t, "[image cat.png, 4 bytes; this channel cannot carry files]", plain.messages()[1].Body)

	// Unknown channel fails and is recorded as such.
	err := sink.Deliver(ctx, tool.ExecutionContext{ChannelID: "slack", ReplyTo: "x"}, "make_file", file)
	require.Error(t, err)

	require.Len(t, records.recs, 4)
	assert.Equal(t, store.ArtifactDelivered, records.recs[0].Status)
	assert.Equal(t, 9, records.recs[0].Size)
	assert.Equal(t, store.ArtifactFailed, records.recs[3].Status)
}

// TestRouter_EndToEnd drives a real orchestrator: the engine asks for a
// file, the sink delivers it, and the final answer follows.
func TestRouter_EndToEnd(t *testing.T) {
	var calls atomic.Int32
	engine := &llm.MockClient{
		ProviderName: "mock",
		StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			if calls.Add(1) == 1 {
				return llm.StaticStream(`Here you go. [tool:make_file name=todo.txt content="buy milk"]`), nil
			}
			return llm.StaticStream("Sent you todo.txt."), nil
		},
	}
	llms := llm.NewRegistry(silentLog())
	llms.Register("mock", engine)
	llms.SetFallback("mock")

	caps := tool.NewRegistry()
	require.NoError(t, caps.Register(&tool.Func{
		ID:       "make_file",
		External: true,
		Fn: func(_ context.Context, p directive.Params, _ tool.ExecutionContext) (tool.Result, error) {
			return tool.WithArtifact(nil, domain.Artifact{Kind: "file", Name: p.Str("name"), MimeType: "text/plain", Data: []byte(p.Str("content"))}), nil
		},
	}))

	channels := channel.NewRegistry(silentLog())
	ch := &mockChannel{id: "irc"}
	channels.Register(ch)

	exec := tool.NewExecutor(caps, silentLog(), tool.WithSink(NewChannelSink(channels, nil, silentLog())))
	orch := agent.NewOrchestrator(agent.Config{Model: "mock"}, llms, exec, agent.NewMemorySessionStore(), silentLog())
	r := NewRouter(channels, orch, testAggConfig, ScopePerSender, silentLog())
	r.Wire()
	defer r.Stop()

	ch.handler(groupEvent("alice", "make me a todo file"))

	waitFor(t, func() bool { return len(ch.messages()) == 2 })
	msgs := ch.messages()
	assert.Equal(t, "--- todo.txt ---\nbuy milk", msgs[0].Body)
	assert.Equal(t, "Sent you todo.txt.", msgs[1].Body)
	assert.Equal(t, int32(2), calls.Load())
}
