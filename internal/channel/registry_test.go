package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

// mockChannel is a test double for domain.Channel whose Start blocks until
// Stop, like a real connection.
type mockChannel struct {
	mu       sync.Mutex
	id       string
	started  bool
	stopped  bool
	sent     []domain.OutboundMessage
	handler  func(domain.InboundEvent)
	startErr error
	sendErr  error
	stop     chan struct{}
}

func newMock(id string) *mockChannel {
	return &mockChannel{id: id, stop: make(chan struct{})}
}

func (m *mockChannel) ID() string { return m.id }
func (m *mockChannel) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{ChatTypes: []domain.ChatType{domain.ChatTypeDM}}
}
func (m *mockChannel) Start(_ context.Context) error {
	m.mu.Lock()
	m.started = true
	err := m.startErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	<-m.stop
	return nil
}
func (m *mockChannel) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	return nil
}
func (m *mockChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.sendErr
}
func (m *mockChannel) OnEvent(handler func(domain.InboundEvent)) {
	m.handler = handler
}
func (m *mockChannel) Status() domain.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.ChannelStatus{
		ChannelID: m.id,
		Connected: m.started && !m.stopped,
		Running:   m.started && !m.stopped,
	}
}

// plainChannel has no Status method.
type plainChannel struct{ *mockChannel }

func (p plainChannel) Status() {}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(newMock("test"))

	got, ok := reg.Get("test")
	require.True(t, ok)
	assert.Equal(t, "test", got.ID())

	_, ok = reg.Get("nonexistent")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(newMock("irc"))
	reg.Register(newMock("gateway"))

	assert.Equal(t, []string{"gateway", "irc"}, reg.List())
}

func TestRegistry_Send(t *testing.T) {
	reg := NewRegistry(testLogger())
	ch := newMock("irc")
	reg.Register(ch)

	msg := domain.OutboundMessage{ChannelID: "irc", To: "#dev", Body: "hi"}
	require.NoError(t, reg.Send(context.Background(), msg))
	assert.Equal(t, []domain.OutboundMessage{msg}, ch.sent)

	err := reg.Send(context.Background(), domain.OutboundMessage{ChannelID: "slack"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel not found")
}

func TestRegistry_StartStopAll(t *testing.T) {
	reg := NewRegistry(testLogger())
	a, b := newMock("a"), newMock("b")
	b.startErr = assert.AnError
	reg.Register(a)
	reg.Register(b)

	reg.StartAll(context.Background())
	require.Eventually(t, func() bool { return a.Status().Running }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reg.StopAll(ctx)

	st := reg.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "a", st[0].ChannelID)
	assert.False(t, st[0].Running)
}

func TestRegistry_StatusDefault(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(plainChannel{newMock("plain")})

	st := reg.Status()
	require.Len(t, st, 1)
	assert.Equal(t, domain.ChannelStatus{ChannelID: "plain", Running: true}, st[0])
}
