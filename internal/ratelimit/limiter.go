// Package ratelimit provides the process-wide token buckets shared by the
// websocket sender and REST collaborators, with a throttle that backs off after
// upstream limit hits and restores gradually.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feedmux/internal/domain"
	"feedmux/internal/infra"
)

// BucketConfig is the nominal budget of one category.
type BucketConfig struct {
	Rate  float64 // tokens per second
	Burst int     // capacity
}

// Config configures a Limiter.
type Config struct {
	Buckets map[domain.RateCategory]BucketConfig

	// Shared maps every category onto one bucket sized by the
	// websocket_subscribe entry.
	Shared bool

	ThrottleAfterHits int
	ThrottleRatio     float64
	Cooldown          time.Duration
	RestoreSteps      int
}

// DefaultConfig returns the Upbit budgets.
func DefaultConfig() Config {
	return Config{
		Buckets: map[domain.RateCategory]BucketConfig{
			domain.CategoryPublicREST:         {Rate: 10, Burst: 10},
			domain.CategoryPrivateREST:        {Rate: 30, Burst: 30},
			domain.CategoryWebsocketSubscribe: {Rate: 5, Burst: 5},
		},
		ThrottleAfterHits: 1,
		ThrottleRatio:     0.7,
		Cooldown:          30 * time.Second,
		RestoreSteps:      3,
	}
}

// ConfigFrom converts the application config.
func ConfigFrom(cfg *infra.Config) Config {
	rl := cfg.RateLimit
	bucket := func(b infra.RateLimitConfig) BucketConfig {
		return BucketConfig{Rate: b.RatePerSec, Burst: b.Burst}
	}
	return Config{
		Buckets: map[domain.RateCategory]BucketConfig{
			domain.CategoryPublicREST:         bucket(rl.PublicREST),
			domain.CategoryPrivateREST:        bucket(rl.PrivateREST),
			domain.CategoryWebsocketSubscribe: bucket(rl.WebsocketSubscribe),
		},
		Shared:            rl.Shared,
		ThrottleAfterHits: rl.ThrottleAfterHits,
		ThrottleRatio:     rl.ThrottleRatio,
		Cooldown:          cfg.Cooldown(),
		RestoreSteps:      rl.RestoreSteps,
	}
}

// State is a point-in-time view of one bucket. Tokens is clamped to [0, Capacity].
type State struct {
	Capacity   float64
	RefillRate float64
	Tokens     float64
	LastRefill time.Time
	Throttled  bool
}

type bucket struct {
	name    string
	lim     *rate.Limiter
	nominal rate.Limit
	burst   int

	hits       int
	lastHit    time.Time
	throttled  bool
	step       int // restore steps applied since the cooldown elapsed
	lastRefill time.Time
}

// Limiter is a set of token buckets keyed by category.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[domain.RateCategory]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source used for refill and throttle decisions.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter. Missing throttle settings take the defaults.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Buckets == nil {
		cfg.Buckets = def.Buckets
	}
	if cfg.ThrottleAfterHits <= 0 {
		cfg.ThrottleAfterHits = def.ThrottleAfterHits
	}
	if cfg.ThrottleRatio <= 0 || cfg.ThrottleRatio > 1 {
		cfg.ThrottleRatio = def.ThrottleRatio
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.RestoreSteps <= 0 {
		cfg.RestoreSteps = def.RestoreSteps
	}

	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[domain.RateCategory]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = infra.OrDefault(l.logger).With("module", "ratelimit")

	now := l.now()
	if cfg.Shared {
		bc := cfg.Buckets[domain.CategoryWebsocketSubscribe]
		shared := newBucket("shared", bc, now)
		for cat := range cfg.Buckets {
			l.buckets[cat] = shared
		}
		l.buckets[domain.CategoryWebsocketSubscribe] = shared
	} else {
		for cat, bc := range cfg.Buckets {
			l.buckets[cat] = newBucket(string(cat), bc, now)
		}
	}
	return l
}

func newBucket(name string, bc BucketConfig, now time.Time) *bucket {
	lim := rate.NewLimiter(rate.Limit(bc.Rate), bc.Burst)
	// Start full at the injected time so a fake clock sees a full bucket.
	lim.SetBurstAt(now, bc.Burst)
	return &bucket{
		name:       name,
		lim:        lim,
		nominal:    rate.Limit(bc.Rate),
		burst:      bc.Burst,
		lastRefill: now,
	}
}

func (l *Limiter) bucket(cat domain.RateCategory) (*bucket, error) {
	b, ok := l.buckets[cat]
	if !ok {
		return nil, fmt.Errorf("unknown rate category %q", cat)
	}
	return b, nil
}

// Acquire blocks until cost tokens are available in category or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, category domain.RateCategory, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	b, err := l.bucket(category)
	if err != nil {
		return err
	}

	l.mu.Lock()
	now := l.now()
	l.restoreLocked(b, now)
	if cost > b.burst {
		l.mu.Unlock()
		return fmt.Errorf("cost %d exceeds %s capacity %d", cost, category, b.burst)
	}
	r := b.lim.ReserveN(now, cost)
	b.lastRefill = now
	l.mu.Unlock()

	if !r.OK() {
		return &domain.RateLimitExceededError{Category: category, Detail: "reservation rejected"}
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.CancelAt(l.now())
		return ctx.Err()
	}
}

// TryAcquire takes cost tokens if they are available right now.
func (l *Limiter) TryAcquire(category domain.RateCategory, cost int) bool {
	if cost <= 0 {
		cost = 1
	}
	b, err := l.bucket(category)
	if err != nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.restoreLocked(b, now)
	ok := b.lim.AllowN(now, cost)
	if ok {
		b.lastRefill = now
	}
	return ok
}

// ReportLimitHit records an upstream limit response. After ThrottleAfterHits
// hits within one cooldown window the refill rate drops to ThrottleRatio of
// nominal. Each hit restarts the cooldown.
func (l *Limiter) ReportLimitHit(category domain.RateCategory) {
	b, err := l.bucket(category)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !b.lastHit.IsZero() && now.Sub(b.lastHit) > l.cfg.Cooldown {
		b.hits = 0
	}
	b.hits++
	b.lastHit = now

	if b.hits < l.cfg.ThrottleAfterHits {
		return
	}
	wasThrottled := b.throttled
	b.throttled = true
	b.step = 0
	b.lim.SetLimitAt(now, l.throttledLimit(b))
	if !wasThrottled {
		l.logger.Warn("Rate limit hit, throttling",
			slog.String("bucket", b.name),
			slog.Float64("rate", float64(l.throttledLimit(b))),
			slog.Int("hits", b.hits))
	}
}

func (l *Limiter) throttledLimit(b *bucket) rate.Limit {
	return b.nominal * rate.Limit(l.cfg.ThrottleRatio)
}

// restoreLocked steps the rate back toward nominal once the cooldown has
// passed without hits: one step per Cooldown/RestoreSteps.
func (l *Limiter) restoreLocked(b *bucket, now time.Time) {
	if !b.throttled {
		return
	}
	quiet := now.Sub(b.lastHit)
	if quiet < l.cfg.Cooldown {
		return
	}

	stepDur := l.cfg.Cooldown / time.Duration(l.cfg.RestoreSteps)
	steps := 1
	if stepDur > 0 {
		steps += int((quiet - l.cfg.Cooldown) / stepDur)
	}

	if steps >= l.cfg.RestoreSteps {
		b.throttled = false
		b.hits = 0
		b.step = 0
		b.lim.SetLimitAt(now, b.nominal)
		l.logger.Info("Rate limit restored", slog.String("bucket", b.name), slog.Float64("rate", float64(b.nominal)))
		return
	}
	if steps == b.step {
		return
	}
	b.step = steps
	low := l.throttledLimit(b)
	limit := low + (b.nominal-low)*rate.Limit(steps)/rate.Limit(l.cfg.RestoreSteps)
	b.lim.SetLimitAt(now, limit)
}

// Snapshot returns the state of the bucket serving category.
func (l *Limiter) Snapshot(category domain.RateCategory) (State, error) {
	b, err := l.bucket(category)
	if err != nil {
		return State{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.restoreLocked(b, now)

	tokens := b.lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	if max := float64(b.burst); tokens > max {
		tokens = max
	}
	return State{
		Capacity:   float64(b.burst),
		RefillRate: float64(b.lim.Limit()),
		Tokens:     tokens,
		LastRefill: b.lastRefill,
		Throttled:  b.throttled,
	}, nil
}

var _ domain.RateLimiter = (*Limiter)(nil)
