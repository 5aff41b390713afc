package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token-123"

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Gateway.Port = 0
	cfg.Gateway.Bind = "loopback"
	cfg.Gateway.Auth = config.GatewayAuth{Mode: AuthModeToken, Token: testToken}
	return cfg
}

func testServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	return testServerWithConfig(t, testConfig(), opts...)
}

func testServerWithConfig(t *testing.T, cfg config.Config, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(cfg, logging.New(nil, "silent"), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.clients.CloseAll()
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// connect dials and completes the handshake with the given token.
func connect(t *testing.T, ts *httptest.Server, token string) (*websocket.Conn, Frame) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, EventChallenge, challenge.Event)

	req, err := NewRequest("connect-1", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client:      ClientInfo{ID: "test-client", DisplayName: "Tester", Version: "1.0.0"},
		Auth:        &ConnectAuth{Token: token},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	return conn, resp
}

func mustConnect(t *testing.T, ts *httptest.Server) (*websocket.Conn, HelloOK) {
	t.Helper()
	conn, resp := connect(t, ts, testToken)
	require.NotNil(t, resp.OK)
	require.True(t, *resp.OK, "handshake rejected: %+v", resp.Error)

	var hello HelloOK
	require.NoError(t, json.Unmarshal(resp.Payload, &hello))
	return conn, hello
}

// call sends a request and returns the matching response, skipping events.
func call(t *testing.T, conn *websocket.Conn, id, method string, params any) Frame {
	t.Helper()
	req, err := NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
	return readFrame(t, conn, func(f Frame) bool { return f.Type == FrameTypeResponse && f.ID == id })
}

func readFrame(t *testing.T, conn *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Empty(t, health.Version, "public health must not leak details")
}

func TestNotFoundEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.EventReceived()

	t.Run("enabled", func(t *testing.T) {
		_, ts := testServer(t, WithMetrics(m))
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Metrics.Enabled = false
		_, ts := testServerWithConfig(t, cfg, WithMetrics(m))
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHandshakeSuccess(t *testing.T) {
	srv, ts := testServer(t)

	_, hello := mustConnect(t, ts)
	assert.Equal(t, ProtocolVersion, hello.Protocol)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.Equal(t, srv.Methods(), hello.Features.Methods)
	assert.Contains(t, hello.Features.Events, EventChatReply)
	assert.Equal(t, maxPayloadBytes, hello.Policy.MaxPayload)

	require.Eventually(t, func() bool { return srv.clients.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandshakeBadToken(t *testing.T) {
	srv, ts := testServer(t)

	_, resp := connect(t, ts, "wrong")
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unauthorized", resp.Error.Code)
	assert.Equal(t, "token_mismatch", resp.Error.Message)
	assert.Equal(t, 0, srv.clients.Count())
}

func TestHandshakeRequiresConnectFirst(t *testing.T) {
	_, ts := testServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	req, err := NewRequest("r1", "health", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "protocol_error", resp.Error.Code)
}

func TestHandshakeProtocolMismatch(t *testing.T) {
	_, ts := testServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	req, err := NewRequest("c1", "connect", ConnectParams{
		MinProtocol: 2,
		MaxProtocol: 3,
		Auth:        &ConnectAuth{Token: testToken},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "protocol_mismatch", resp.Error.Code)
}

func TestHandshakeRateLimited(t *testing.T) {
	srv, ts := testServer(t)

	for i := 0; i < authRateMaxFails; i++ {
		srv.limiter.recordFailure("127.0.0.1:1")
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestFailedHandshakesCount(t *testing.T) {
	srv, ts := testServer(t)

	_, resp := connect(t, ts, "wrong")
	require.NotNil(t, resp.Error)

	require.Eventually(t, func() bool {
		srv.limiter.mu.Lock()
		defer srv.limiter.mu.Unlock()
		return len(srv.limiter.failures["127.0.0.1"]) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketOriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.AllowedOrigins = []string{"https://ui.example"}
	_, ts := testServerWithConfig(t, cfg)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://ui.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	conn.Close()
}

func TestUnknownMethod(t *testing.T) {
	_, ts := testServer(t)
	conn, _ := mustConnect(t, ts)

	resp := call(t, conn, "r1", "does.not.exist", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "method_not_found", resp.Error.Code)
}

func TestStartAndStopOnContext(t *testing.T) {
	hm := hooks.NewManager(logging.New(nil, "silent"))
	var mu sync.Mutex
	var seen []string
	for _, ev := range []string{hooks.EventGatewayStart, hooks.EventGatewayStop} {
		hm.On(ev, "test", func(_ context.Context, p hooks.Payload) error {
			mu.Lock()
			seen = append(seen, p.Event)
			mu.Unlock()
			return nil
		})
	}

	srv := New(testConfig(), logging.New(nil, "silent"), WithHooks(hm))
	require.NoError(t, srv.Listen())
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Status().Running }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	assert.False(t, srv.Status().Running)
	mu.Lock()
	assert.Equal(t, []string{hooks.EventGatewayStart, hooks.EventGatewayStop}, seen)
	mu.Unlock()
}

func TestStopEndsStart(t *testing.T) {
	srv := New(testConfig(), logging.New(nil, "silent"))

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()
	require.Eventually(t, func() bool { return srv.Status().Running }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestListenErrorIsReported(t *testing.T) {
	first := New(testConfig(), logging.New(nil, "silent"))
	require.NoError(t, first.Listen())
	defer first.ln.Close()

	_, portStr, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Gateway.Port = port
	second := New(cfg, logging.New(nil, "silent"))
	err = second.Start(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, second.Status().LastError)
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		cfg  config.GatewayConfig
		want string
	}{
		{config.GatewayConfig{Port: 18790}, "127.0.0.1:18790"},
		{config.GatewayConfig{Port: 18790, Bind: "loopback"}, "127.0.0.1:18790"},
		{config.GatewayConfig{Port: 18790, Bind: "lan"}, "0.0.0.0:18790"},
		{config.GatewayConfig{Port: 18790, Bind: "auto"}, "0.0.0.0:18790"},
		{config.GatewayConfig{Port: 1, Bind: "custom", CustomBindHost: "10.0.0.5"}, "10.0.0.5:1"},
		{config.GatewayConfig{Port: 1, Bind: "custom"}, "0.0.0.0:1"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveBindAddr(tt.cfg))
		})
	}
}
