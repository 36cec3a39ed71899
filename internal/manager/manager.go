// Package manager is the entry point of feedmux: it owns one socket per
// channel class, consolidates every component's subscriptions into a single
// overwrite request and fans incoming events out to subscriber callbacks.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"feedmux/internal/auth"
	"feedmux/internal/domain"
	"feedmux/internal/fanout"
	"feedmux/internal/infra"
	"feedmux/internal/infra/upbit"
	"feedmux/internal/ratelimit"
	"feedmux/internal/recovery"
	"feedmux/internal/registry"
)

// TokenProvider is the private channel's credential source.
// *auth.Provider implements it.
type TokenProvider interface {
	domain.TokenSource
	Run(ctx context.Context)
	OnFailure(fn func(error))
	OnRefresh(fn func(auth.Token))
}

// SymbolCatalog lists tradable market codes. *upbit.RestClient implements it.
type SymbolCatalog interface {
	Symbols(ctx context.Context) ([]string, error)
}

type channelState struct {
	kind       domain.Channel
	conn       *upbit.Conn
	recovery   *recovery.Coordinator
	dispatcher *dispatcher

	// wanted is set once something needs this channel; started once it dials.
	wanted  atomic.Bool
	started atomic.Bool
}

// Manager is safe for concurrent use. Create one per process with New.
type Manager struct {
	cfg     *infra.Config
	logger  *slog.Logger
	metrics *infra.Metrics
	limiter domain.RateLimiter
	tokens  TokenProvider
	journal domain.ConnectionJournal
	catalog SymbolCatalog

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	collector  *infra.Collector

	backoff infra.Backoff
	epochs  atomic.Uint64
	now     func() time.Time

	registry *registry.Registry
	router   *fanout.Router
	public   *channelState
	private  *channelState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	handles   map[string]*ClientHandle
	running   bool
	closed    bool
	startedAt time.Time

	symbols      atomic.Pointer[map[string]struct{}]
	authRejected atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithLimiter shares limiter with the caller's REST clients.
func WithLimiter(limiter domain.RateLimiter) Option {
	return func(m *Manager) { m.limiter = limiter }
}

// WithTokenProvider enables the private channel.
func WithTokenProvider(tp TokenProvider) Option {
	return func(m *Manager) { m.tokens = tp }
}

func WithJournal(j domain.ConnectionJournal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithRegisterer registers the manager's collector on reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.registerer = reg }
}

// WithSymbolCatalog makes Subscribe reject codes the catalog does not list.
// The catalog is loaded once by Start.
func WithSymbolCatalog(c SymbolCatalog) Option {
	return func(m *Manager) { m.catalog = c }
}

func withBackoff(b infra.Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a manager from cfg. Nothing is dialed until Start.
// When cfg carries credentials and no provider is given, a JWT provider is
// created from them.
func New(cfg *infra.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = infra.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := fanout.ParseOverflowPolicy(cfg.Fanout.OverflowPolicy)
	if err != nil {
		return nil, &domain.ConfigError{Field: "fanout.overflow_policy", Err: err}
	}

	m := &Manager{
		cfg:     cfg,
		metrics: infra.NewMetrics(),
		backoff: cfg.Backoff(),
		now:     time.Now,
		handles: make(map[string]*ClientHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = infra.OrDefault(m.logger).With("module", "manager")
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if m.limiter == nil {
		m.limiter = ratelimit.New(ratelimit.ConfigFrom(cfg), ratelimit.WithLogger(m.logger))
	}
	if m.tokens == nil && cfg.HasCredentials() {
		m.tokens = auth.NewProvider(
			auth.NewJWTIssuer(cfg.TokenLifetime()),
			auth.Credentials{AccessKey: cfg.API.Upbit.AccessKey, SecretKey: cfg.API.Upbit.SecretKey},
			auth.WithLogger(m.logger),
		)
	}

	m.registry = registry.New()
	m.router = fanout.NewRouter(m.registry, m,
		fanout.WithMetrics(m.metrics),
		fanout.WithLogger(m.logger),
		fanout.WithQueue(cfg.Fanout.QueueCapacityPerSubscriber, policy),
	)
	m.public = m.newChannel(domain.ChannelPublic, cfg.API.Upbit.WSURL)
	m.private = m.newChannel(domain.ChannelPrivate, cfg.API.Upbit.PrivateWSURL)

	if m.tokens != nil {
		m.tokens.OnFailure(m.onTokenFailure)
		m.tokens.OnRefresh(m.onTokenRefresh)
	}

	m.collector = infra.NewCollector(m.metrics, m)
	if m.registerer == nil {
		reg := prometheus.NewRegistry()
		m.registerer, m.gatherer = reg, reg
	} else if g, ok := m.registerer.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	if err := m.registerer.Register(m.collector); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}

	return m, nil
}

func (m *Manager) newChannel(kind domain.Channel, url string) *channelState {
	cs := &channelState{kind: kind}

	connOpts := []upbit.ConnOption{
		upbit.WithRateLimiter(m.limiter),
		upbit.WithMetrics(m.metrics),
		upbit.WithLogger(m.logger),
		upbit.WithMessageHandler(m.router.Route),
		upbit.WithLostHandler(func(epoch uint64, err error) {
			m.record(kind, "lost", epoch, err.Error())
			cs.recovery.Trigger(err)
		}),
		upbit.WithStateHandler(func(s domain.ConnState) {
			m.logger.Debug("Connection state changed", slog.String("channel", string(kind)), slog.String("state", string(s)))
		}),
	}
	recOpts := []recovery.Option{
		recovery.WithBackoff(m.backoff, m.cfg.Connection.MaxReconnectAttempts),
		recovery.WithRateLimiter(m.limiter),
		recovery.WithMetrics(m.metrics),
		recovery.WithLogger(m.logger),
		recovery.WithEpochCounter(&m.epochs),
	}
	if m.journal != nil {
		recOpts = append(recOpts, recovery.WithJournal(m.journal))
	}
	if kind == domain.ChannelPrivate && m.tokens != nil {
		connOpts = append(connOpts,
			upbit.WithTokenSource(m.tokens),
			upbit.WithAuthErrorHandler(m.onAuthFrame),
		)
		recOpts = append(recOpts,
			recovery.WithTokenSource(m.tokens),
			recovery.WithAuthFailureHandler(m.onAuthFrame),
		)
	}

	cs.conn = upbit.NewConn(upbit.ConnConfig{
		Channel:           kind,
		URL:               url,
		HeartbeatInterval: m.cfg.HeartbeatInterval(),
		HeartbeatTimeout:  m.cfg.HeartbeatTimeout(),
		HandshakeTimeout:  m.cfg.HandshakeTimeout(),
	}, connOpts...)
	cs.recovery = recovery.New(cs.conn, m.livePayload, recOpts...)
	cs.dispatcher = newDispatcher(m.ctx, m.cfg.DebounceWindow(), func(ctx context.Context) error {
		return m.flush(ctx, cs)
	}, m.logger.With("channel", string(kind)))
	return cs
}

func (m *Manager) channel(ch domain.Channel) *channelState {
	if ch == domain.ChannelPrivate {
		return m.private
	}
	return m.public
}

// Start connects the public channel, and the private one if private
// subscriptions were registered before Start. Connection happens in the
// background; use HealthCheck or IsPublicAvailable to observe it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrClosed
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.startedAt = m.now()
	m.mu.Unlock()

	if m.catalog != nil {
		m.loadCatalog(ctx)
	}

	m.public.wanted.Store(true)
	m.startChannel(m.public)
	if m.private.wanted.Load() {
		m.startChannel(m.private)
	}

	m.wg.Add(1)
	go m.sweepLoop()

	m.logger.Info("Manager started")
	return nil
}

func (m *Manager) loadCatalog(ctx context.Context) {
	codes, err := m.catalog.Symbols(ctx)
	if err != nil {
		m.logger.Warn("Symbol catalog unavailable, skipping symbol validation", slog.Any("error", err))
		return
	}
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	m.symbols.Store(&set)
	m.logger.Info("Symbol catalog loaded", slog.Int("markets", len(set)))
}

func (m *Manager) startChannel(cs *channelState) {
	if !cs.started.CompareAndSwap(false, true) {
		return
	}
	if cs.kind == domain.ChannelPrivate && m.tokens != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.tokens.Run(m.ctx)
		}()
	}
	cs.recovery.Trigger(nil)
}

// ensureChannel marks cs as needed and starts it when the manager runs.
func (m *Manager) ensureChannel(cs *channelState) error {
	if cs.kind == domain.ChannelPrivate && m.tokens == nil {
		return &domain.AuthenticationError{Err: domain.ErrNoToken}
	}
	cs.wanted.Store(true)

	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if running {
		m.startChannel(cs)
	}
	return nil
}

// Subscribe registers (or replaces) componentID's spec for dataType and
// returns the component's handle. Repeated calls for one component return
// the same handle; the latest callback wins.
func (m *Manager) Subscribe(componentID string, dataType domain.DataType, symbols []string, mode domain.StreamMode, callback domain.Callback, opts ...SubscribeOption) (*ClientHandle, error) {
	if m.isClosed() {
		return nil, domain.ErrClosed
	}
	if componentID == "" {
		return nil, &domain.InvalidSubscriptionError{Field: "component_id", Reason: "must not be empty"}
	}
	if callback == nil {
		return nil, &domain.InvalidSubscriptionError{Field: "callback", Reason: "must not be nil"}
	}

	spec, err := domain.NewSubscriptionSpec(dataType, symbols, mode)
	if err != nil {
		return nil, err
	}
	if err := m.checkSymbols(spec); err != nil {
		return nil, err
	}

	cs := m.channel(dataType.Channel())
	if err := m.ensureChannel(cs); err != nil {
		return nil, err
	}

	var so subscribeOptions
	for _, opt := range opts {
		opt(&so)
	}

	if _, err := m.registry.Register(componentID, spec); err != nil {
		return nil, err
	}
	if err := m.router.AddSubscriber(componentID, callback); err != nil {
		m.registry.UnregisterType(componentID, dataType)
		return nil, err
	}

	m.mu.Lock()
	h, ok := m.handles[componentID]
	if !ok {
		h = &ClientHandle{m: m, id: componentID}
		m.handles[componentID] = h
	}
	m.mu.Unlock()
	h.update(callback, so.alive)

	m.changed(cs)
	m.logger.Debug("Subscribed",
		slog.String("component", componentID),
		slog.String("type", string(dataType)),
		slog.Any("symbols", spec.Symbols),
		slog.String("mode", spec.Mode.String()))
	return h, nil
}

func (m *Manager) checkSymbols(spec domain.SubscriptionSpec) error {
	known := m.symbols.Load()
	if known == nil {
		return nil
	}
	for _, s := range spec.Symbols {
		if _, ok := (*known)[domain.BaseCode(s)]; !ok {
			return &domain.InvalidSubscriptionError{Field: "symbols", Reason: fmt.Sprintf("%s: %v", s, domain.ErrInvalidSymbol)}
		}
	}
	return nil
}

// UnsubscribeAll removes every spec of componentID and stops its drain.
func (m *Manager) UnsubscribeAll(componentID string) {
	removed := m.registry.Unregister(componentID)
	m.router.RemoveSubscriber(componentID)

	m.mu.Lock()
	h := m.handles[componentID]
	delete(m.handles, componentID)
	m.mu.Unlock()
	if h != nil {
		h.closed.Store(true)
	}

	m.notifyTypes(removed)
}

// unsubscribeType drops one spec of componentID.
func (m *Manager) unsubscribeType(componentID string, dt domain.DataType) {
	if m.registry.UnregisterType(componentID, dt) {
		m.notifyTypes([]domain.DataType{dt})
	}
}

func (m *Manager) notifyTypes(types []domain.DataType) {
	var pub, priv bool
	for _, dt := range types {
		if dt.IsPrivate() {
			priv = true
		} else {
			pub = true
		}
	}
	if pub {
		m.changed(m.public)
	}
	if priv {
		m.changed(m.private)
	}
}

// changed schedules a debounced send and revives an exhausted channel.
func (m *Manager) changed(cs *channelState) {
	cs.dispatcher.Mark()
	if cs.started.Load() && cs.recovery.Exhausted() {
		m.logger.Info("Subscription changed, retrying exhausted channel", slog.String("channel", string(cs.kind)))
		cs.recovery.Reconnect()
	}
}

// flush sends the live consolidated set of cs once.
func (m *Manager) flush(ctx context.Context, cs *channelState) error {
	sub := m.registry.CurrentConsolidated().ForChannel(cs.kind)
	if sub.IsEmpty() {
		// Upbit rejects empty requests; the socket keeps the previous set.
		m.logger.Debug("Nothing subscribed, skipping send", slog.String("channel", string(cs.kind)))
		return nil
	}
	if cs.conn.State() != domain.StateConnected {
		// Recovery replays the live set once connected.
		return nil
	}

	payload, err := upbit.EncodeSubscription(uuid.NewString(), sub)
	if err != nil {
		return err
	}
	if err := m.limiter.Acquire(ctx, domain.CategoryWebsocketSubscribe, 1); err != nil {
		return err
	}
	if err := cs.conn.SendSubscription(sub.Version, payload); err != nil {
		if errors.Is(err, upbit.ErrStaleSubscription) {
			m.logger.Debug("Newer subscription already sent", slog.Uint64("version", sub.Version))
			return nil
		}
		return err
	}
	m.metrics.RecordSubscribeSend()
	m.logger.Debug("Subscription sent",
		slog.String("channel", string(cs.kind)),
		slog.Uint64("version", sub.Version),
		slog.Int("pairs", sub.Count()))
	return nil
}

// livePayload encodes the set that is live at call time for recovery replay.
func (m *Manager) livePayload(ch domain.Channel) ([]byte, uint64, error) {
	sub := m.registry.CurrentConsolidated().ForChannel(ch)
	payload, err := upbit.EncodeSubscription(uuid.NewString(), sub)
	return payload, sub.Version, err
}

// CurrentEpoch implements fanout.EpochSource.
func (m *Manager) CurrentEpoch(ch domain.Channel) uint64 {
	return m.channel(ch).conn.Epoch()
}

// IsPublicAvailable reports whether the public socket is connected.
func (m *Manager) IsPublicAvailable() bool {
	return m.public.conn.IsAvailable()
}

// IsPrivateAvailable reports whether the private socket is connected and
// its credentials are accepted.
func (m *Manager) IsPrivateAvailable() bool {
	return m.private.started.Load() && m.private.conn.IsAvailable() && !m.authRejected.Load()
}

// onTokenFailure drops the private session; public traffic is unaffected.
// The next successful refresh reconnects it.
func (m *Manager) onTokenFailure(err error) {
	m.authRejected.Store(true)
	m.record(domain.ChannelPrivate, "auth_failed", m.private.conn.Epoch(), err.Error())
	m.private.conn.Disconnect(err)
}

func (m *Manager) onTokenRefresh(auth.Token) {
	if !m.authRejected.Swap(false) || !m.private.started.Load() || m.isClosed() {
		return
	}
	m.logger.Info("Token refreshed, reconnecting private channel")
	m.private.recovery.Reconnect()
}

// onAuthFrame handles credentials rejected by the handshake or by an error
// frame on a live session.
func (m *Manager) onAuthFrame(err error) {
	m.authRejected.Store(true)
	m.logger.Error("Private channel rejected credentials", slog.Any("error", err))
	m.record(domain.ChannelPrivate, "auth_failed", m.private.conn.Epoch(), err.Error())
}

func (m *Manager) record(ch domain.Channel, kind string, epoch uint64, detail string) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.journal.Record(ctx, domain.ConnectionEvent{
		Channel: ch, Kind: kind, Epoch: epoch, Detail: detail, At: m.now(),
	}); err != nil {
		m.logger.Warn("Failed to write connection journal", slog.Any("error", err))
	}
}

// RateLimiter returns the limiter shared with REST collaborators.
func (m *Manager) RateLimiter() domain.RateLimiter {
	return m.limiter
}

// Gatherer returns the registry holding the manager's collector, or nil when
// WithRegisterer was given a registerer that cannot gather.
func (m *Manager) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Consolidated returns the live union of every channel.
func (m *Manager) Consolidated() domain.ConsolidatedSubscription {
	return m.registry.CurrentConsolidated()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Shutdown stops every task, drops queued events and closes both sockets.
// It waits for background goroutines until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.running = false
	handles := m.handles
	m.handles = make(map[string]*ClientHandle)
	m.mu.Unlock()

	for _, h := range handles {
		h.closed.Store(true)
	}

	m.cancel()
	var errs []error
	for _, cs := range []*channelState{m.public, m.private} {
		cs.dispatcher.Stop()
		cs.recovery.Close()
		if err := cs.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", cs.kind, err))
		}
	}
	if err := m.router.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	m.registerer.Unregister(m.collector)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	m.logger.Info("Manager stopped")
	return errors.Join(errs...)
}
