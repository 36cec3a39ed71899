// Package recovery reconnects a channel after its socket degrades and
// replays the live consolidated subscription.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"feedmux/internal/domain"
	"feedmux/internal/infra"
	"feedmux/internal/infra/upbit"
)

const journalTimeout = 2 * time.Second

// Dialer is the socket the coordinator drives. *upbit.Conn implements it.
type Dialer interface {
	Dial(ctx context.Context, epoch uint64) error
	SendSubscription(version uint64, payload []byte) error
	MarkDisconnected()
	State() domain.ConnState
	Channel() domain.Channel
}

// PayloadFunc encodes the live subscription for a channel at call time,
// together with the consolidated version it encodes. It returns
// upbit.ErrEmptySubscription when nothing is subscribed.
type PayloadFunc func(ch domain.Channel) ([]byte, uint64, error)

// Coordinator owns the reconnect loop of one channel.
type Coordinator struct {
	dialer      Dialer
	payload     PayloadFunc
	delays      infra.Backoff
	maxAttempts int
	limiter     domain.RateLimiter
	tokens      domain.TokenSource
	journal     domain.ConnectionJournal
	metrics     *infra.Metrics
	logger      *slog.Logger
	epochs      *atomic.Uint64
	now         func() time.Time

	onAuthFailure func(error)

	// bo is only touched by the loop goroutine.
	bo *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	running     bool
	retrigger   bool
	connected   bool // at least one successful dial
	attempt     int
	exhausted   bool
	exhaustedAt time.Time
	lastErr     error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithBackoff(b infra.Backoff, maxAttempts int) Option {
	return func(c *Coordinator) {
		c.delays = b
		c.maxAttempts = maxAttempts
	}
}

func WithRateLimiter(rl domain.RateLimiter) Option {
	return func(c *Coordinator) { c.limiter = rl }
}

// WithTokenSource makes every attempt force a token refresh first.
func WithTokenSource(ts domain.TokenSource) Option {
	return func(c *Coordinator) { c.tokens = ts }
}

func WithJournal(j domain.ConnectionJournal) Option {
	return func(c *Coordinator) { c.journal = j }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithAuthFailureHandler sets the callback run when an attempt fails because
// the credentials were rejected. The loop stops and the coordinator is
// exhausted until Reconnect.
func WithAuthFailureHandler(fn func(error)) Option {
	return func(c *Coordinator) { c.onAuthFailure = fn }
}

// WithEpochCounter shares one epoch sequence between coordinators so epochs
// stay unique across channels.
func WithEpochCounter(n *atomic.Uint64) Option {
	return func(c *Coordinator) { c.epochs = n }
}

// New creates an idle coordinator.
func New(dialer Dialer, payload PayloadFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		dialer:      dialer,
		payload:     payload,
		delays:      infra.Backoff{Base: time.Second, Max: 30 * time.Second},
		maxAttempts: 5,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = infra.NewMetrics()
	}
	if c.epochs == nil {
		c.epochs = new(atomic.Uint64)
	}
	c.bo = c.delays.NewExponential()
	c.logger = infra.OrDefault(c.logger).With("module", "recovery", "channel", string(dialer.Channel()))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Trigger starts a reconnect loop unless one is running. It never blocks
// and is safe to call from the socket's own goroutines.
func (c *Coordinator) Trigger(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if reason != nil {
		c.lastErr = reason
	}
	if c.running {
		c.retrigger = true
		return
	}
	if c.exhausted {
		return
	}
	c.running = true
	c.wg.Add(1)
	go c.run()
}

// Reconnect clears an exhausted state and triggers a fresh loop.
func (c *Coordinator) Reconnect() {
	c.mu.Lock()
	c.exhausted = false
	c.exhaustedAt = time.Time{}
	c.attempt = 0
	c.mu.Unlock()
	c.Trigger(nil)
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	for {
		ok := c.loop()

		c.mu.Lock()
		again := ok && c.retrigger && c.dialer.State() != domain.StateConnected
		c.retrigger = false
		if !again {
			c.running = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// loop dials until success, exhaustion, a terminal error or shutdown. It
// reports success.
func (c *Coordinator) loop() bool {
	ch := c.dialer.Channel()
	for attempt := 0; ; attempt++ {
		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			c.markExhausted(attempt)
			return false
		}

		if attempt > 0 {
			delay := c.bo.NextBackOff()
			c.logger.Info("Reconnecting", slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-c.ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		}

		c.mu.Lock()
		c.attempt = attempt + 1
		c.mu.Unlock()

		epoch, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return false
			}
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			c.logger.Warn("Reconnect attempt failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
			c.record("attempt_failed", 0, attempt+1, err.Error())
			if terminal(err) {
				c.markExhausted(attempt + 1)
				var authErr *domain.AuthenticationError
				if errors.As(err, &authErr) && c.onAuthFailure != nil {
					c.onAuthFailure(err)
				}
				return false
			}
			continue
		}

		c.mu.Lock()
		reconnect := c.connected
		c.connected = true
		c.attempt = 0
		c.lastErr = nil
		c.mu.Unlock()
		c.bo.Reset()

		if reconnect {
			c.metrics.RecordReconnect()
		}
		c.record("connected", epoch, attempt+1, "")
		c.replay(ch)
		return true
	}
}

// dial performs one attempt: token refresh, rate budget, handshake.
func (c *Coordinator) dial() (uint64, error) {
	if c.tokens != nil {
		if err := c.tokens.ForceRefresh(c.ctx); err != nil {
			return 0, err
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Acquire(c.ctx, domain.CategoryWebsocketSubscribe, 1); err != nil {
			return 0, err
		}
	}
	epoch := c.epochs.Add(1)
	if err := c.dialer.Dial(c.ctx, epoch); err != nil {
		return 0, err
	}
	return epoch, nil
}

// replay sends the subscription that is live now, not the one cached when
// the socket dropped.
func (c *Coordinator) replay(ch domain.Channel) {
	payload, version, err := c.payload(ch)
	if errors.Is(err, upbit.ErrEmptySubscription) {
		return
	}
	if err != nil {
		c.logger.Error("Failed to encode subscription for replay", slog.Any("error", err))
		return
	}
	if c.limiter != nil {
		if err := c.limiter.Acquire(c.ctx, domain.CategoryWebsocketSubscribe, 1); err != nil {
			return
		}
	}
	if err := c.dialer.SendSubscription(version, payload); err != nil {
		if errors.Is(err, upbit.ErrStaleSubscription) {
			c.logger.Debug("Newer subscription already sent, skipping replay", slog.Uint64("version", version))
			return
		}
		// The socket reports the loss itself and retriggers us.
		c.logger.Warn("Replay send failed", slog.Any("error", err))
		return
	}
	c.metrics.RecordSubscribeSend()
}

// terminal reports errors that another attempt cannot fix.
func terminal(err error) bool {
	var re domain.RetriableError
	return errors.As(err, &re) && !re.IsRetriable()
}

func (c *Coordinator) markExhausted(attempts int) {
	c.dialer.MarkDisconnected()
	c.bo.Reset()

	c.mu.Lock()
	c.exhausted = true
	c.exhaustedAt = c.now()
	lastErr := c.lastErr
	c.mu.Unlock()

	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	c.logger.Error("Reconnect attempts exhausted", slog.Int("attempts", attempts), slog.String("last_error", detail))
	c.record("exhausted", 0, attempts, detail)
}

func (c *Coordinator) record(kind string, epoch uint64, attempt int, detail string) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err := c.journal.Record(ctx, domain.ConnectionEvent{
		Channel: c.dialer.Channel(),
		Kind:    kind,
		Epoch:   epoch,
		Attempt: attempt,
		Detail:  detail,
		At:      c.now(),
	})
	if err != nil {
		c.logger.Warn("Failed to write connection journal", slog.Any("error", err))
	}
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Running     bool
	Attempt     int
	Exhausted   bool
	ExhaustedAt time.Time
	LastError   error
}

// Status returns the current state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Running:     c.running,
		Attempt:     c.attempt,
		Exhausted:   c.exhausted,
		ExhaustedAt: c.exhaustedAt,
		LastError:   c.lastErr,
	}
}

// Exhausted reports whether attempts ran out and no Reconnect happened since.
func (c *Coordinator) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// Close stops any running loop and waits for it.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}
