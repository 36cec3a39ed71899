package domain

import (
	"context"
	"time"
)

// RateCategory names a token bucket shared by every caller in the process.
type RateCategory string

const (
	CategoryPublicREST         RateCategory = "public_rest"
	CategoryPrivateREST        RateCategory = "private_rest"
	CategoryWebsocketSubscribe RateCategory = "websocket_subscribe"
)

// RateLimiter gates outbound requests. REST collaborators and the websocket
// sender consume the same instance.
type RateLimiter interface {
	Acquire(ctx context.Context, category RateCategory, cost int) error
	ReportLimitHit(category RateCategory)
}

// TokenSource is the view of the token provider the private connection needs.
type TokenSource interface {
	CurrentToken() (string, bool)
	TokenValidFor() time.Duration
	ForceRefresh(ctx context.Context) error
}

// ConnState is the connection state machine:
// disconnected -> connecting -> connected -> degraded -> disconnected.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDegraded     ConnState = "degraded"
)

// ConnectionEvent is one lifecycle entry written to the connection journal.
type ConnectionEvent struct {
	Channel Channel
	Kind    string // connected, lost, attempt_failed, exhausted, auth_failed
	Epoch   uint64
	Attempt int
	Detail  string
	At      time.Time
}

// ConnectionJournal records connection lifecycle events for diagnostics.
type ConnectionJournal interface {
	Record(ctx context.Context, ev ConnectionEvent) error
}
