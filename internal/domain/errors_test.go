package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkErrorWrapsCause(t *testing.T) {
	refused := errors.New("connection refused")
	dial := NewNetworkError("dial wss://api.upbit.com", fmt.Errorf("%w: %w", ErrConnectionFailed, refused))

	if dial.Error() != "dial wss://api.upbit.com: connection failed: connection refused" {
		t.Errorf("Error() = %q", dial.Error())
	}
	if !errors.Is(dial, refused) || !errors.Is(dial, ErrConnectionFailed) {
		t.Error("Expected both causes to be reachable through Unwrap")
	}

	handshake := NewFatalNetworkError("handshake", refused)
	if IsRetriable(handshake) {
		t.Error("Expected a fatal network error to stop recovery")
	}
	if IsRetriable(errors.New("plain")) {
		t.Error("Expected plain errors to be treated as fatal")
	}

	ce := &ConfigError{Field: "fanout.overflow_policy", Err: errors.New("unknown policy")}
	if ce.Error() != "config error [fanout.overflow_policy]: unknown policy" || ce.IsRetriable() {
		t.Errorf("unexpected ConfigError behavior: %q", ce.Error())
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("eof")

	tests := []struct {
		name      string
		err       error
		retriable bool
	}{
		{"invalid subscription", &InvalidSubscriptionError{Field: "symbols", Reason: "empty"}, false},
		{"connection lost", &ConnectionLostError{Channel: ChannelPublic, Err: cause}, true},
		{"authentication", &AuthenticationError{Err: cause}, false},
		{"rate limit", &RateLimitExceededError{Category: CategoryPublicREST}, true},
		{"dial", NewNetworkError("dial", cause), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if got := IsRetriable(wrapped); got != tt.retriable {
				t.Errorf("IsRetriable() = %v, want %v", got, tt.retriable)
			}
		})
	}

	t.Run("invalid subscription matches sentinel", func(t *testing.T) {
		err := fmt.Errorf("subscribe: %w", &InvalidSubscriptionError{Field: "data_type", Reason: "x"})
		if !errors.Is(err, ErrInvalidSubscription) {
			t.Error("expected errors.Is to match ErrInvalidSubscription")
		}
	})

	t.Run("callback error unwraps", func(t *testing.T) {
		err := &CallbackError{ComponentID: "chart", Err: cause}
		if !errors.Is(err, cause) {
			t.Error("expected CallbackError to unwrap its cause")
		}
		if err.Error() != "callback error [chart]: eof" {
			t.Errorf("Error() = %q", err.Error())
		}
	})
}
