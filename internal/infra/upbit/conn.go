package upbit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"feedmux/internal/domain"
	"feedmux/internal/infra"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 60 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	writeTimeout             = 10 * time.Second
)

// MessageHandler receives every data frame together with the epoch of the
// session that read it.
type MessageHandler func(ch domain.Channel, epoch uint64, data []byte)

// ConnConfig configures one channel's socket.
type ConnConfig struct {
	Channel           domain.Channel
	URL               string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	UserAgent         string
}

// Conn is the single physical socket of one channel class. A Conn outlives
// its sockets: each successful Dial starts a new session with its own read
// and heartbeat goroutines.
type Conn struct {
	cfg     ConnConfig
	tokens  domain.TokenSource // private only
	limiter domain.RateLimiter
	metrics *infra.Metrics
	logger  *slog.Logger

	onMessage     MessageHandler
	onLost        func(epoch uint64, err error)
	onStateChange func(domain.ConnState)
	onAuthError   func(error)

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu            sync.RWMutex
	ws            *websocket.Conn
	state         domain.ConnState
	epoch         uint64
	lastHeartbeat time.Time
	sessionCancel context.CancelFunc
	authFailed    bool
	closed        bool

	// subMu orders subscription writes; sentVersion is the last one written.
	subMu       sync.Mutex
	sentVersion uint64

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

func WithTokenSource(ts domain.TokenSource) ConnOption {
	return func(c *Conn) { c.tokens = ts }
}

func WithRateLimiter(rl domain.RateLimiter) ConnOption {
	return func(c *Conn) { c.limiter = rl }
}

func WithMetrics(m *infra.Metrics) ConnOption {
	return func(c *Conn) { c.metrics = m }
}

func WithLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = logger }
}

func WithMessageHandler(h MessageHandler) ConnOption {
	return func(c *Conn) { c.onMessage = h }
}

// WithLostHandler sets the callback run when a session degrades. It runs on
// the session goroutine without locks held.
func WithLostHandler(fn func(epoch uint64, err error)) ConnOption {
	return func(c *Conn) { c.onLost = fn }
}

func WithStateHandler(fn func(domain.ConnState)) ConnOption {
	return func(c *Conn) { c.onStateChange = fn }
}

func WithAuthErrorHandler(fn func(error)) ConnOption {
	return func(c *Conn) { c.onAuthError = fn }
}

// NewConn creates a disconnected Conn.
func NewConn(cfg ConnConfig, opts ...ConnOption) *Conn {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = infra.DefaultUserAgent
	}

	c := &Conn{cfg: cfg, state: domain.StateDisconnected}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = infra.NewMetrics()
	}
	c.logger = infra.OrDefault(c.logger).With("module", "upbit_conn", "channel", string(cfg.Channel))
	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	return c
}

// Channel returns the channel class served by c.
func (c *Conn) Channel() domain.Channel {
	return c.cfg.Channel
}

// Dial opens a socket and adopts epoch. Any previous session is torn down.
func (c *Conn) Dial(ctx context.Context, epoch uint64) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return domain.ErrClosed
	}

	c.setState(domain.StateConnecting)

	header := make(http.Header)
	header.Add("User-Agent", c.cfg.UserAgent)
	if c.cfg.Channel == domain.ChannelPrivate {
		if c.tokens == nil {
			c.setState(domain.StateDisconnected)
			return &domain.AuthenticationError{Err: domain.ErrNoToken}
		}
		token, ok := c.tokens.CurrentToken()
		if !ok {
			c.setState(domain.StateDisconnected)
			return &domain.AuthenticationError{Err: domain.ErrNoToken}
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.setState(domain.StateDisconnected)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &domain.AuthenticationError{Err: fmt.Errorf("handshake rejected: %s", resp.Status)}
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			if c.limiter != nil {
				c.limiter.ReportLimitHit(domain.CategoryWebsocketSubscribe)
			}
			return &domain.RateLimitExceededError{Category: domain.CategoryWebsocketSubscribe, Detail: "handshake"}
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Another attempt against the same URL gets the same answer.
			return domain.NewFatalNetworkError("handshake", fmt.Errorf("%w: %s", domain.ErrConnectionFailed, resp.Status))
		}
		return domain.NewNetworkError("dial", fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err))
	}

	sessionCtx, cancel := context.WithCancel(c.baseCtx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		ws.Close()
		return domain.ErrClosed
	}
	prev, prevCancel := c.ws, c.sessionCancel
	c.ws = ws
	c.sessionCancel = cancel
	c.epoch = epoch
	c.lastHeartbeat = time.Now()
	c.authFailed = false
	c.state = domain.StateConnected
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prev != nil {
		prev.Close()
		c.metrics.DecrementConnections()
	}

	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.metrics.IncrementConnections()
	c.wg.Add(2)
	go c.readLoop(sessionCtx, ws, epoch)
	go c.heartbeatLoop(sessionCtx, ws)

	c.logger.Info("Upbit Connected", slog.Uint64("epoch", epoch))
	c.notifyState(domain.StateConnected)
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, epoch uint64) {
	defer c.wg.Done()
	for {
		ws.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(ws, err)
			return
		}

		c.touch()
		if c.handleControl(data) {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.cfg.Channel, epoch, data)
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Since(c.LastHeartbeat()) > c.cfg.HeartbeatTimeout {
			c.fail(ws, domain.ErrHeartbeatTimeout)
			return
		}

		deadline := time.Now().Add(writeTimeout)
		if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			if ctx.Err() == nil {
				c.fail(ws, fmt.Errorf("ping: %w", err))
			}
			return
		}
		if err := c.writeTo(ws, websocket.TextMessage, pingPayload); err != nil {
			if ctx.Err() == nil {
				c.fail(ws, fmt.Errorf("ping: %w", err))
			}
			return
		}
	}
}

func (c *Conn) handleControl(data []byte) bool {
	ctrl, ok := ParseControl(data)
	if !ok {
		return false
	}
	if ctrl.Err == nil {
		return true
	}

	verr := ctrl.Err
	c.logger.Warn("Upbit error frame", slog.String("name", verr.Name), slog.String("message", verr.Message))
	switch {
	case verr.IsRateLimit():
		if c.limiter != nil {
			c.limiter.ReportLimitHit(domain.CategoryWebsocketSubscribe)
		}
	case verr.IsAuth() && c.cfg.Channel == domain.ChannelPrivate:
		c.mu.Lock()
		c.authFailed = true
		c.mu.Unlock()
		if c.onAuthError != nil {
			c.onAuthError(&domain.AuthenticationError{Err: verr})
		}
	}
	return true
}

// fail degrades the session that owns ws. Failures of superseded sessions
// are ignored.
func (c *Conn) fail(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = domain.StateDegraded
	epoch := c.epoch
	cancel := c.sessionCancel
	c.sessionCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ws.Close()
	c.metrics.DecrementConnections()

	lost := &domain.ConnectionLostError{Channel: c.cfg.Channel, Err: err}
	c.logger.Warn("Upbit connection lost", slog.Any("error", err), slog.Uint64("epoch", epoch))
	c.notifyState(domain.StateDegraded)
	if c.onLost != nil {
		c.onLost(epoch, lost)
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Conn) writeTo(ws *websocket.Conn, msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(msgType, data)
}

func (c *Conn) write(data []byte) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return &domain.ConnectionLostError{Channel: c.cfg.Channel, Err: domain.ErrNotConnected}
	}
	if err := c.writeTo(ws, websocket.TextMessage, data); err != nil {
		c.fail(ws, err)
		return &domain.ConnectionLostError{Channel: c.cfg.Channel, Err: err}
	}
	return nil
}

// SendSubscription writes payload, the encoding of consolidated set version.
// A payload older than the last one written returns ErrStaleSubscription
// without touching the socket.
func (c *Conn) SendSubscription(version uint64, payload []byte) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if version < c.sentVersion {
		return ErrStaleSubscription
	}
	if err := c.write(payload); err != nil {
		return err
	}
	c.sentVersion = version
	return nil
}

// SendOneShot writes payload if connected. Failures are counted.
func (c *Conn) SendOneShot(payload []byte) error {
	err := c.write(payload)
	if err != nil {
		c.metrics.RecordSendError()
	}
	return err
}

// Disconnect drops the current session without reporting it lost, so no
// recovery is triggered. A later Dial starts a new session.
func (c *Conn) Disconnect(reason error) {
	c.mu.Lock()
	ws, cancel := c.ws, c.sessionCancel
	c.ws = nil
	c.sessionCancel = nil
	changed := c.state != domain.StateDisconnected
	c.state = domain.StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
		c.metrics.DecrementConnections()
		c.logger.Warn("Upbit session dropped", slog.Any("reason", reason))
	}
	if changed {
		c.notifyState(domain.StateDisconnected)
	}
}

// MarkDisconnected moves a non-connected Conn to disconnected.
func (c *Conn) MarkDisconnected() {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return
	}
	changed := c.state != domain.StateDisconnected
	c.state = domain.StateDisconnected
	c.mu.Unlock()
	if changed {
		c.notifyState(domain.StateDisconnected)
	}
}

// State returns the current state.
func (c *Conn) State() domain.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Epoch returns the epoch adopted by the last successful Dial.
func (c *Conn) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// LastHeartbeat returns the last time any frame or pong was observed.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// IsAvailable reports connected and, for private, not rejected by auth.
func (c *Conn) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == domain.StateConnected && !c.authFailed
}

// Close tears down the socket and waits for session goroutines.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.state = domain.StateDisconnected
	c.mu.Unlock()

	c.baseCancel()
	var err error
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = ws.Close()
		c.metrics.DecrementConnections()
	}
	c.wg.Wait()
	c.notifyState(domain.StateDisconnected)
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return err
}

func (c *Conn) setState(s domain.ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notifyState(s)
	}
}

func (c *Conn) notifyState(s domain.ConnState) {
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}
