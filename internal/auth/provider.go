package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"feedmux/internal/domain"
	"feedmux/internal/infra"
)

const (
	// Refresh once less than this share of the lifetime remains.
	refreshThreshold = 0.2

	defaultRetryDelay = 5 * time.Second
	minRefreshWait    = 100 * time.Millisecond
)

// Provider caches the current token and refreshes it before expiry.
type Provider struct {
	issuer     Issuer
	creds      Credentials
	now        func() time.Time
	retryDelay time.Duration
	logger     *slog.Logger

	mu    sync.RWMutex
	token Token

	// refreshMu makes concurrent refreshes single-flight.
	refreshMu sync.Mutex

	hookMu    sync.RWMutex
	onFailure func(error)
	onRefresh func(Token)
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

func WithRetryDelay(d time.Duration) ProviderOption {
	return func(p *Provider) { p.retryDelay = d }
}

func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logger }
}

// NewProvider creates a provider. No token is issued until the first refresh.
func NewProvider(issuer Issuer, creds Credentials, opts ...ProviderOption) *Provider {
	p := &Provider{
		issuer:     issuer,
		creds:      creds,
		now:        time.Now,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = infra.OrDefault(p.logger).With("module", "auth")
	return p
}

// OnFailure registers a hook invoked when a refresh fails.
func (p *Provider) OnFailure(fn func(error)) {
	p.hookMu.Lock()
	p.onFailure = fn
	p.hookMu.Unlock()
}

// OnRefresh registers a hook invoked after each successful refresh.
func (p *Provider) OnRefresh(fn func(Token)) {
	p.hookMu.Lock()
	p.onRefresh = fn
	p.hookMu.Unlock()
}

// CurrentToken returns the cached token if it has not expired.
func (p *Provider) CurrentToken() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token.Value == "" || !p.now().Before(p.token.ExpiresAt) {
		return "", false
	}
	return p.token.Value, true
}

// TokenValidFor returns the remaining validity, 0 when there is no token.
func (p *Provider) TokenValidFor() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token.Value == "" {
		return 0
	}
	if d := p.token.ExpiresAt.Sub(p.now()); d > 0 {
		return d
	}
	return 0
}

// NeedsRefresh reports whether there is no token or less than 20% of its
// lifetime remains.
func (p *Provider) NeedsRefresh() bool {
	p.mu.RLock()
	tok := p.token
	p.mu.RUnlock()
	return p.needsRefresh(tok)
}

func (p *Provider) needsRefresh(tok Token) bool {
	if tok.Value == "" {
		return true
	}
	remaining := tok.ExpiresAt.Sub(p.now())
	return remaining < time.Duration(float64(tok.Lifetime())*refreshThreshold)
}

// ForceRefresh issues a new token regardless of the cached one.
func (p *Provider) ForceRefresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	return p.refreshLocked(ctx)
}

// Refresh issues a new token only when NeedsRefresh reports true. Concurrent
// callers share one issuance.
func (p *Provider) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	if !p.NeedsRefresh() {
		return nil
	}
	return p.refreshLocked(ctx)
}

func (p *Provider) refreshLocked(ctx context.Context) error {
	tok, err := p.issuer.Issue(ctx, p.creds)
	if err != nil {
		authErr := &domain.AuthenticationError{Err: err}
		p.logger.Warn("Token refresh failed", slog.Any("error", err))
		p.hookMu.RLock()
		hook := p.onFailure
		p.hookMu.RUnlock()
		if hook != nil {
			hook(authErr)
		}
		return authErr
	}

	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()

	p.logger.Debug("Token refreshed", slog.Time("expires_at", tok.ExpiresAt))
	p.hookMu.RLock()
	hook := p.onRefresh
	p.hookMu.RUnlock()
	if hook != nil {
		hook(tok)
	}
	return nil
}

// nextRefreshIn returns how long until the cached token crosses the refresh
// threshold.
func (p *Provider) nextRefreshIn() time.Duration {
	p.mu.RLock()
	tok := p.token
	p.mu.RUnlock()
	if tok.Value == "" {
		return 0
	}
	refreshAt := tok.ExpiresAt.Add(-time.Duration(float64(tok.Lifetime()) * refreshThreshold))
	wait := refreshAt.Sub(p.now())
	if wait < minRefreshWait {
		wait = minRefreshWait
	}
	return wait
}

// Run keeps the token fresh until ctx is cancelled. Failures are retried
// after the retry delay.
func (p *Provider) Run(ctx context.Context) {
	for {
		wait := p.retryDelay
		if err := p.Refresh(ctx); err == nil {
			wait = p.nextRefreshIn()
		} else if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

var _ domain.TokenSource = (*Provider)(nil)
