package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/parley/internal/aggregator"
	"github.com/soyeahso/parley/internal/channel"
	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload[T any](t *testing.T, f Frame) T {
	t.Helper()
	require.NotNil(t, f.OK)
	require.True(t, *f.OK, "rpc failed: %+v", f.Error)
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

func TestIsAllowedConfigPath(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"gateway.port", true},
		{"aggregator.quietPeriod", true},
		{"session", true},
		{"logging.level", true},
		{"gateway.auth.token", false},
		{"gateway.portal", false},
		{"engine.apiKey", false},
		{"lease.password", false},
		{"channels.irc.password", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, isAllowedConfigPath(tt.key))
		})
	}
}

func TestRPCHealth(t *testing.T) {
	_, ts := testServer(t)
	conn, _ := mustConnect(t, ts)

	h := payload[HealthResponse](t, call(t, conn, "h1", "health", nil))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Clients)
	assert.NotEmpty(t, h.Version)
}

func TestRPCConfigGetSet(t *testing.T) {
	raw := map[string]any{
		"gateway": map[string]any{"port": 18790, "auth": map[string]any{"token": "secret"}},
	}
	_, ts := testServer(t, WithConfigRaw(raw))
	conn, _ := mustConnect(t, ts)

	got := payload[map[string]any](t, call(t, conn, "g1", "config.get", configParams{Key: "gateway.port"}))
	assert.Equal(t, float64(18790), got["value"])

	resp := call(t, conn, "g2", "config.get", configParams{Key: "gateway.auth.token"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "forbidden", resp.Error.Code)

	resp = call(t, conn, "g3", "config.get", configParams{Key: "logging.level"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "not_found", resp.Error.Code)

	resp = call(t, conn, "g4", "config.get", configParams{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_params", resp.Error.Code)

	payload[map[string]any](t, call(t, conn, "s1", "config.set", configParams{Key: "logging.level", Value: "debug"}))
	got = payload[map[string]any](t, call(t, conn, "g5", "config.get", configParams{Key: "logging.level"}))
	assert.Equal(t, "debug", got["value"])

	resp = call(t, conn, "s2", "config.set", configParams{Key: "engine.apiKey", Value: "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "forbidden", resp.Error.Code)
}

func TestRPCChannelsStatus(t *testing.T) {
	reg := channel.NewRegistry(logging.New(nil, "silent"))
	srv, ts := testServer(t, WithChannels(reg))
	reg.Register(srv)
	conn, _ := mustConnect(t, ts)

	out := payload[struct {
		Channels []domain.ChannelStatus `json:"channels"`
	}](t, call(t, conn, "c1", "channels.status", nil))
	require.Len(t, out.Channels, 1)
	assert.Equal(t, ChannelID, out.Channels[0].ChannelID)
}

type fakeLister []aggregator.Status

func (f fakeLister) Snapshot() []aggregator.Status { return f }

func TestRPCConversationsList(t *testing.T) {
	lister := fakeLister{{Conversation: "gateway:c1:c1", Pending: 2, InFlight: true, Batches: 3}}
	_, ts := testServer(t, WithConversations(lister))
	conn, _ := mustConnect(t, ts)

	out := payload[struct {
		Conversations []aggregator.Status `json:"conversations"`
	}](t, call(t, conn, "l1", "conversations.list", nil))
	assert.Equal(t, []aggregator.Status(lister), out.Conversations)
}

func TestRPCConversationsListUnwired(t *testing.T) {
	_, ts := testServer(t)
	conn, _ := mustConnect(t, ts)

	out := payload[map[string][]any](t, call(t, conn, "l1", "conversations.list", nil))
	assert.Empty(t, out["conversations"])
}

func TestRPCCapabilitiesList(t *testing.T) {
	caps := tool.NewRegistry()
	require.NoError(t, caps.Register(&tool.Func{
		ID:   "clock",
		Desc: "Current time",
		Fn: func(context.Context, directive.Params, tool.ExecutionContext) (tool.Result, error) {
			return tool.OK(nil), nil
		},
	}))
	_, ts := testServer(t, WithCapabilities(caps))
	conn, _ := mustConnect(t, ts)

	out := payload[struct {
		Capabilities []tool.Definition `json:"capabilities"`
	}](t, call(t, conn, "k1", "capabilities.list", nil))
	require.Len(t, out.Capabilities, 1)
	assert.Equal(t, "clock", out.Capabilities[0].Name)
	assert.False(t, out.Capabilities[0].Irreversible)
}

func TestRPCChatSendUnwired(t *testing.T) {
	_, ts := testServer(t)
	conn, _ := mustConnect(t, ts)

	resp := call(t, conn, "m1", "chat.send", chatSendParams{Message: "hi"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unavailable", resp.Error.Code)
}

func TestRPCChatSendRejectsBlank(t *testing.T) {
	srv, ts := testServer(t)
	srv.OnEvent(func(domain.InboundEvent) { t.Error("blank message submitted") })
	conn, _ := mustConnect(t, ts)

	resp := call(t, conn, "m1", "chat.send", chatSendParams{Message: "  "})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_params", resp.Error.Code)
}

func TestChatRoundTrip(t *testing.T) {
	srv, ts := testServer(t)

	var mu sync.Mutex
	var events []domain.InboundEvent
	srv.OnEvent(func(ev domain.InboundEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	conn, hello := mustConnect(t, ts)
	connID := hello.Server.ConnID

	accepted := payload[ChatAccepted](t, call(t, conn, "m1", "chat.send", chatSendParams{Message: "what time is it"}))
	assert.NotEmpty(t, accepted.EventID)
	assert.Equal(t, "gateway:"+connID+":"+connID, accepted.Conversation)

	mu.Lock()
	require.Len(t, events, 1)
	ev := events[0]
	mu.Unlock()

	assert.Equal(t, ChannelID, ev.ChannelID)
	assert.Equal(t, domain.ChatTypeDM, ev.ChatType)
	assert.Equal(t, connID, ev.Sender)
	assert.Equal(t, "Tester", ev.SenderName)
	assert.Equal(t, accepted.EventID, ev.ID)
	assert.Equal(t, connID, ev.ReplyTarget())

	// The router answers through Send with the event's reply target.
	require.NoError(t, srv.Send(context.Background(), domain.OutboundMessage{
		ChannelID: ChannelID,
		To:        ev.ReplyTarget(),
		Body:      "It is noon.",
		ReplyToID: ev.ID,
	}))

	f := readFrame(t, conn, func(f Frame) bool { return f.Event == EventChatReply })
	var reply ChatReply
	require.NoError(t, json.Unmarshal(f.Payload, &reply))
	assert.Equal(t, "It is noon.", reply.Text)
	assert.Equal(t, accepted.EventID, reply.ReplyTo)
	assert.Positive(t, f.Seq)
}

func TestSendArtifact(t *testing.T) {
	srv, ts := testServer(t)
	conn, hello := mustConnect(t, ts)

	art := domain.Artifact{Kind: "file", Name: "todo.txt", MimeType: "text/plain", Data: []byte("buy milk")}
	require.NoError(t, srv.SendArtifact(context.Background(), hello.Server.ConnID, art))

	f := readFrame(t, conn, func(f Frame) bool { return f.Event == EventChatArtifact })
	assert.Contains(t, string(f.Payload), `"data":"YnV5IG1pbGs="`)

	var got ChatArtifact
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	assert.Equal(t, art.Data, got.Data)
	assert.Equal(t, "todo.txt", got.Name)
}

func TestSendToUnknownClient(t *testing.T) {
	srv, _ := testServer(t)

	err := srv.Send(context.Background(), domain.OutboundMessage{To: "gone"})
	assert.ErrorIs(t, err, ErrUnknownClient)

	err = srv.SendArtifact(context.Background(), "gone", domain.Artifact{Kind: "file"})
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestSendAfterDisconnect(t *testing.T) {
	srv, ts := testServer(t)
	conn, hello := mustConnect(t, ts)
	conn.Close()

	require.Eventually(t, func() bool { return srv.clients.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	err := srv.Send(context.Background(), domain.OutboundMessage{To: hello.Server.ConnID, Body: "late"})
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestChannelIdentity(t *testing.T) {
	srv, _ := testServer(t)

	assert.Equal(t, "gateway", srv.ID())
	caps := srv.Capabilities()
	assert.True(t, caps.Artifacts)
	assert.Equal(t, []domain.ChatType{domain.ChatTypeDM}, caps.ChatTypes)
	assert.False(t, srv.Status().Running)
}
