package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmux/internal/domain"
	"feedmux/internal/infra"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingIssuer struct {
	clock    *clock
	lifetime time.Duration
	calls    atomic.Int32
	fail     atomic.Bool
	delay    time.Duration
}

func (i *countingIssuer) Issue(ctx context.Context, _ Credentials) (Token, error) {
	n := i.calls.Add(1)
	if i.delay > 0 {
		time.Sleep(i.delay)
	}
	if i.fail.Load() {
		return Token{}, errors.New("issuer down")
	}
	now := i.clock.Now()
	return Token{Value: "tok-" + string(rune('0'+n)), IssuedAt: now, ExpiresAt: now.Add(i.lifetime)}, nil
}

func newTestProvider(t *testing.T) (*Provider, *countingIssuer, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	iss := &countingIssuer{clock: c, lifetime: 100 * time.Second}
	p := NewProvider(iss, Credentials{AccessKey: "a", SecretKey: "s"},
		WithClock(c.Now), WithLogger(infra.Discard()), WithRetryDelay(10*time.Millisecond))
	return p, iss, c
}

func TestProvider_NoTokenInitially(t *testing.T) {
	p, _, _ := newTestProvider(t)

	_, ok := p.CurrentToken()
	assert.False(t, ok)
	assert.Equal(t, time.Duration(0), p.TokenValidFor())
	assert.True(t, p.NeedsRefresh())
}

func TestProvider_RefreshThreshold(t *testing.T) {
	p, iss, c := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Refresh(ctx))
	tok, ok := p.CurrentToken()
	require.True(t, ok)
	assert.Equal(t, 100*time.Second, p.TokenValidFor())

	// 79s in: 21% remains, no refresh.
	c.Advance(79 * time.Second)
	assert.False(t, p.NeedsRefresh())
	require.NoError(t, p.Refresh(ctx))
	assert.Equal(t, int32(1), iss.calls.Load())

	// 81s in: 19% remains.
	c.Advance(2 * time.Second)
	assert.True(t, p.NeedsRefresh())
	require.NoError(t, p.Refresh(ctx))
	assert.Equal(t, int32(2), iss.calls.Load())

	next, _ := p.CurrentToken()
	assert.NotEqual(t, tok, next)
}

func TestProvider_ExpiredTokenNotReturned(t *testing.T) {
	p, _, c := newTestProvider(t)
	require.NoError(t, p.ForceRefresh(context.Background()))

	c.Advance(100 * time.Second)
	_, ok := p.CurrentToken()
	assert.False(t, ok)
}

func TestProvider_FailureHook(t *testing.T) {
	p, iss, _ := newTestProvider(t)
	iss.fail.Store(true)

	var hooked error
	p.OnFailure(func(err error) { hooked = err })

	err := p.ForceRefresh(context.Background())
	var authErr *domain.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, err, hooked)
}

func TestProvider_RefreshSingleFlight(t *testing.T) {
	p, iss, _ := newTestProvider(t)
	iss.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Refresh(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), iss.calls.Load())
}

func TestProvider_RunRetriesAfterFailure(t *testing.T) {
	p, iss, _ := newTestProvider(t)
	iss.fail.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return iss.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	iss.fail.Store(false)
	require.Eventually(t, func() bool { _, ok := p.CurrentToken(); return ok }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestJWTIssuer(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	iss := &JWTIssuer{Lifetime: time.Minute, Now: func() time.Time { return now }}

	tok, err := iss.Issue(context.Background(), Credentials{AccessKey: "ak", SecretKey: "sk"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), tok.ExpiresAt)

	parsed, err := jwt.Parse(tok.Value, func(t *jwt.Token) (interface{}, error) {
		return []byte("sk"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "ak", claims["access_key"])
	assert.NotEmpty(t, claims["nonce"])

	_, err = iss.Issue(context.Background(), Credentials{AccessKey: "ak"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestJWTIssuer_UniqueNonce(t *testing.T) {
	iss := NewJWTIssuer(time.Minute)
	creds := Credentials{AccessKey: "ak", SecretKey: "sk"}

	a, err := iss.Issue(context.Background(), creds)
	require.NoError(t, err)
	b, err := iss.Issue(context.Background(), creds)
	require.NoError(t, err)
	assert.NotEqual(t, a.Value, b.Value)
}
