package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"feedmux/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
api:
  upbit:
    symbols: ["KRW-BTC", "KRW-ETH"]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.API.Upbit.WSURL != DefaultPublicWSURL {
		t.Errorf("WSURL = %s, want default", cfg.API.Upbit.WSURL)
	}
	if cfg.HeartbeatInterval() != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval())
	}
	if cfg.DebounceWindow() != 100*time.Millisecond {
		t.Errorf("DebounceWindow = %v", cfg.DebounceWindow())
	}
	if cfg.Fanout.QueueCapacityPerSubscriber != 100 {
		t.Errorf("QueueCapacityPerSubscriber = %d", cfg.Fanout.QueueCapacityPerSubscriber)
	}
	if cfg.Connection.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d", cfg.Connection.MaxReconnectAttempts)
	}
	if len(cfg.API.Upbit.Symbols) != 2 {
		t.Errorf("Symbols = %v", cfg.API.Upbit.Symbols)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
connection:
  heartbeat_interval_sec: 10
  heartbeat_timeout_sec: 25
  max_reconnect_attempts: 0
fanout:
  overflow_policy: coalesce_by_symbol
rate_limit:
  shared: true
`)
	t.Setenv("FEEDMUX_UPBIT_ACCESS_KEY", "access")
	t.Setenv("FEEDMUX_UPBIT_SECRET_KEY", "secret")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.HeartbeatTimeout() != 25*time.Second {
		t.Errorf("HeartbeatTimeout = %v", cfg.HeartbeatTimeout())
	}
	if cfg.Connection.MaxReconnectAttempts != 0 {
		t.Errorf("MaxReconnectAttempts = %d, want 0 (unlimited)", cfg.Connection.MaxReconnectAttempts)
	}
	if !cfg.RateLimit.Shared {
		t.Error("expected shared rate limit")
	}
	if !cfg.HasCredentials() {
		t.Error("expected env credentials to be applied")
	}
	// Unset rate limit buckets keep their defaults.
	if cfg.RateLimit.WebsocketSubscribe.Burst != 5 {
		t.Errorf("websocket burst = %d, want 5", cfg.RateLimit.WebsocketSubscribe.Burst)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, domain.ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestLoadConfig_EmptyPathUsesEnv(t *testing.T) {
	t.Setenv("FEEDMUX_UPBIT_ACCESS_KEY", "access")
	t.Setenv("FEEDMUX_UPBIT_SECRET_KEY", "secret")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.HasCredentials() {
		t.Error("Expected credentials from the environment")
	}
	if cfg.API.Upbit.WSURL != DefaultPublicWSURL {
		t.Errorf("WSURL = %s, want default", cfg.API.Upbit.WSURL)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad ws url", func(c *Config) { c.API.Upbit.WSURL = "http://x" }, "api.upbit.ws_url"},
		{"timeout below interval", func(c *Config) { c.Connection.HeartbeatTimeoutSec = 30 }, "connection.heartbeat_timeout_sec"},
		{"negative attempts", func(c *Config) { c.Connection.MaxReconnectAttempts = -1 }, "connection.max_reconnect_attempts"},
		{"zero queue", func(c *Config) { c.Fanout.QueueCapacityPerSubscriber = 0 }, "fanout.queue_capacity_per_subscriber"},
		{"unknown policy", func(c *Config) { c.Fanout.OverflowPolicy = "drop_newest" }, "fanout.overflow_policy"},
		{"bad ratio", func(c *Config) { c.RateLimit.ThrottleRatio = 1.5 }, "rate_limit.throttle_ratio"},
		{"bad bucket", func(c *Config) { c.RateLimit.PublicREST.Burst = 0 }, "rate_limit.public_rest"},
		{"half credentials", func(c *Config) { c.API.Upbit.AccessKey = "a" }, "api.upbit.secret_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			var ce *domain.ConfigError
			if err := cfg.Validate(); !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %s, want %s", ce.Field, tt.field)
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_CriticalAfterFallsBackToHeartbeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection.CriticalAfterSec = 0
	if cfg.CriticalAfter() != cfg.HeartbeatInterval() {
		t.Errorf("CriticalAfter = %v, want %v", cfg.CriticalAfter(), cfg.HeartbeatInterval())
	}
}
