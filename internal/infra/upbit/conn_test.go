package upbit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmux/internal/domain"
	"feedmux/internal/infra"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type staticTokens struct{ token string }

func (s staticTokens) CurrentToken() (string, bool)       { return s.token, s.token != "" }
func (s staticTokens) TokenValidFor() time.Duration       { return time.Minute }
func (s staticTokens) ForceRefresh(context.Context) error { return nil }

type hitRecorder struct{ hits atomic.Int32 }

func (h *hitRecorder) Acquire(context.Context, domain.RateCategory, int) error { return nil }
func (h *hitRecorder) ReportLimitHit(domain.RateCategory)                     { h.hits.Add(1) }

func TestConn_DialAndReceive(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !strings.Contains(string(msg), `"ticket"`) {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"UP"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"ticker","code":"KRW-BTC","trade_price":1}`))
		drain(conn)
	})

	var mu sync.Mutex
	var got []string
	var gotEpoch uint64
	c := NewConn(ConnConfig{Channel: domain.ChannelPublic, URL: wsURL(server)},
		WithLogger(infra.Discard()),
		WithMessageHandler(func(ch domain.Channel, epoch uint64, data []byte) {
			mu.Lock()
			got = append(got, string(data))
			gotEpoch = epoch
			mu.Unlock()
		}))
	defer c.Close()

	require.NoError(t, c.Dial(context.Background(), 7))
	assert.Equal(t, domain.StateConnected, c.State())
	assert.Equal(t, uint64(7), c.Epoch())
	assert.True(t, c.IsAvailable())

	require.NoError(t, c.SendSubscription(1, []byte(`[{"ticket":"x"},{"type":"ticker","codes":["KRW-BTC"]}]`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, got[0], "KRW-BTC", "status frames must not reach the handler")
	assert.Equal(t, uint64(7), gotEpoch)
	mu.Unlock()
}

func TestConn_PrivateAttachesBearer(t *testing.T) {
	authHeader := make(chan string, 1)
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		authHeader <- r.Header.Get("Authorization")
		drain(conn)
	})

	c := NewConn(ConnConfig{Channel: domain.ChannelPrivate, URL: wsURL(server)},
		WithLogger(infra.Discard()), WithTokenSource(staticTokens{token: "jwt-abc"}))
	defer c.Close()

	require.NoError(t, c.Dial(context.Background(), 1))
	select {
	case h := <-authHeader:
		assert.Equal(t, "Bearer jwt-abc", h)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the handshake")
	}
}

func TestConn_PrivateWithoutToken(t *testing.T) {
	c := NewConn(ConnConfig{Channel: domain.ChannelPrivate, URL: "ws://127.0.0.1:1"},
		WithLogger(infra.Discard()), WithTokenSource(staticTokens{}))
	defer c.Close()

	err := c.Dial(context.Background(), 1)
	var authErr *domain.AuthenticationError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Equal(t, domain.StateDisconnected, c.State())
}

func TestConn_HandshakeUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewConn(ConnConfig{Channel: domain.ChannelPrivate, URL: wsURL(server)},
		WithLogger(infra.Discard()), WithTokenSource(staticTokens{token: "bad"}))
	defer c.Close()

	err := c.Dial(context.Background(), 1)
	var authErr *domain.AuthenticationError
	assert.True(t, errors.As(err, &authErr), "got %v", err)
}

func TestConn_DialFailureIsRetriable(t *testing.T) {
	c := NewConn(ConnConfig{Channel: domain.ChannelPublic, URL: "ws://127.0.0.1:1"}, WithLogger(infra.Discard()))
	defer c.Close()

	err := c.Dial(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, domain.IsRetriable(err))
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
}

func TestConn_ServerCloseReportsLost(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
	})

	lost := make(chan error, 1)
	var states []domain.ConnState
	var mu sync.Mutex
	c := NewConn(ConnConfig{Channel: domain.ChannelPublic, URL: wsURL(server)},
		WithLogger(infra.Discard()),
		WithLostHandler(func(epoch uint64, err error) { lost <- err }),
		WithStateHandler(func(s domain.ConnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))
	defer c.Close()

	require.NoError(t, c.Dial(context.Background(), 1))

	select {
	case err := <-lost:
		var cle *domain.ConnectionLostError
		assert.True(t, errors.As(err, &cle))
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection lost report")
	}
	assert.Equal(t, domain.StateDegraded, c.State())
	assert.False(t, c.IsAvailable())

	mu.Lock()
	assert.Equal(t, []domain.ConnState{domain.StateConnecting, domain.StateConnected, domain.StateDegraded}, states)
	mu.Unlock()

	c.MarkDisconnected()
	assert.Equal(t, domain.StateDisconnected, c.State())
}

func TestConn_HeartbeatTimeout(t *testing.T) {
	// The server never answers, so the client read deadline fires.
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error { return nil })
		drain(conn)
	})

	lost := make(chan error, 1)
	c := NewConn(ConnConfig{
		Channel:           domain.ChannelPublic,
		URL:               wsURL(server),
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  80 * time.Millisecond,
	}, WithLogger(infra.Discard()), WithLostHandler(func(_ uint64, err error) { lost <- err }))
	defer c.Close()

	require.NoError(t, c.Dial(context.Background(), 1))
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("expected heartbeat timeout")
	}
}

func TestConn_PingKeepsAlive(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "PING" {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"UP"}`))
			}
		}
	})

	lost := make(chan error, 1)
	c := NewConn(ConnConfig{
		Channel:           domain.ChannelPublic,
		URL:               wsURL(server),
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
	}, WithLogger(infra.Discard()), WithLostHandler(func(_ uint64, err error) { lost <- err }))
	defer c.Close()

	require.NoError(t, c.Dial(context.Background(), 1))
	select {
	case err := <-lost:
		t.Fatalf("connection should stay alive, got %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	assert.WithinDuration(t, time.Now(), c.LastHeartbeat(), 100*time.Millisecond)
}

func TestConn_VendorErrorFrames(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"name":"TOO_MANY_SUBSCRIBE","message":"x"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"name":"INVALID_AUTH","message":"y"}}`))
		drain(conn)
	})

	rec := &hitRecorder{}
	authErrs := make(chan error, 1)
	c := NewConn(ConnConfig{Channel: domain.ChannelPrivate, URL: wsURL(server)},
		WithLogger(infra.Discard()),
		WithTokenSource(staticTokens{token: "t"}),
		WithRateLimiter(rec),
		WithAuthErrorHandler(func(err error) { authErrs <- err }))
	defer c.Close()

	require.NoError(t, c.Dial(context.Background(), 1))

	select {
	case err := <-authErrs:
		var authErr *domain.AuthenticationError
		assert.True(t, errors.As(err, &authErr))
	case <-time.After(2 * time.Second):
		t.Fatal("expected auth error")
	}
	assert.Equal(t, int32(1), rec.hits.Load())
	assert.False(t, c.IsAvailable(), "auth failure makes the private channel unavailable")
}

func TestConn_SendWhenDisconnected(t *testing.T) {
	m := infra.NewMetrics()
	c := NewConn(ConnConfig{Channel: domain.ChannelPublic, URL: "ws://127.0.0.1:1"},
		WithLogger(infra.Discard()), WithMetrics(m))
	defer c.Close()

	err := c.SendOneShot([]byte("x"))
	var cle *domain.ConnectionLostError
	require.True(t, errors.As(err, &cle))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, uint64(1), m.Snapshot().SendErrors)

	err = c.SendSubscription(1, []byte("sub"))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestConn_RedialReplacesSession(t *testing.T) {
	var sessions atomic.Int32
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		sessions.Add(1)
		drain(conn)
	})

	lost := make(chan error, 1)
	c := NewConn(ConnConfig{Channel: domain.ChannelPublic, URL: wsURL(server)},
		WithLogger(infra.Discard()), WithLostHandler(func(_ uint64, err error) { lost <- err }))

	require.NoError(t, c.Dial(context.Background(), 1))
	require.NoError(t, c.Dial(context.Background(), 2))
	assert.Equal(t, uint64(2), c.Epoch())

	select {
	case err := <-lost:
		t.Fatalf("superseded session must not report loss: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, c.Close())
	assert.Equal(t, domain.StateDisconnected, c.State())
	assert.ErrorIs(t, c.Dial(context.Background(), 3), domain.ErrClosed)
}

func TestConn_HandshakeNotFoundIsFatal(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	c := NewConn(ConnConfig{Channel: domain.ChannelPublic, URL: wsURL(server)}, WithLogger(infra.Discard()))
	defer c.Close()

	err := c.Dial(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, domain.IsRetriable(err), "a 404 will not change on retry")
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
}

func TestConn_SendSubscriptionSkipsOlderVersion(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.HasPrefix(string(data), "v") {
				mu.Lock()
				got = append(got, string(data))
				mu.Unlock()
			}
		}
	})

	c := NewConn(ConnConfig{Channel: domain.ChannelPublic, URL: wsURL(server)}, WithLogger(infra.Discard()))
	defer c.Close()
	require.NoError(t, c.Dial(context.Background(), 1))

	require.NoError(t, c.SendSubscription(5, []byte("v5")))
	assert.ErrorIs(t, c.SendSubscription(4, []byte("v4")), ErrStaleSubscription)
	require.NoError(t, c.SendSubscription(5, []byte("v5-replay")), "the same version may be resent")
	require.NoError(t, c.SendSubscription(6, []byte("v6")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"v5", "v5-replay", "v6"}, got)
	mu.Unlock()
}

func TestConn_DisconnectDoesNotReportLost(t *testing.T) {
	closed := make(chan struct{}, 2)
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		drain(conn)
		closed <- struct{}{}
	})

	var lost atomic.Int32
	c := NewConn(ConnConfig{Channel: domain.ChannelPrivate, URL: wsURL(server)},
		WithLogger(infra.Discard()),
		WithTokenSource(staticTokens{token: "jwt"}),
		WithLostHandler(func(uint64, error) { lost.Add(1) }))
	defer c.Close()

	require.NoError(t, c.Dial(context.Background(), 1))
	c.Disconnect(errors.New("token refresh failed"))

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server session was not closed")
	}
	assert.Equal(t, domain.StateDisconnected, c.State())
	assert.False(t, c.IsAvailable())
	time.Sleep(20 * time.Millisecond)
	if lost.Load() != 0 {
		t.Errorf("Expected no lost report, got %d", lost.Load())
	}

	require.NoError(t, c.Dial(context.Background(), 2), "the conn stays usable")
	assert.Equal(t, uint64(2), c.Epoch())
}
