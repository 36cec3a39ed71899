package infra

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"feedmux/internal/domain"
)

const (
	// DefaultUserAgent is sent on REST and websocket handshakes.
	DefaultUserAgent = "feedmux/1.0 (+https://github.com/feedmux)"

	DefaultPublicWSURL  = "wss://api.upbit.com/websocket/v1"
	DefaultPrivateWSURL = "wss://api.upbit.com/websocket/v1/private"
	DefaultRestURL      = "https://api.upbit.com"
)

// RateLimitConfig는 하나의 토큰 버킷 설정입니다.
type RateLimitConfig struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		Upbit struct {
			WSURL        string   `yaml:"ws_url"`
			PrivateWSURL string   `yaml:"private_ws_url"`
			RestURL      string   `yaml:"rest_url"`
			AccessKey    string   `yaml:"access_key"`
			SecretKey    string   `yaml:"secret_key"`
			Symbols      []string `yaml:"symbols"`
		} `yaml:"upbit"`
	} `yaml:"api"`

	Connection struct {
		HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
		HeartbeatTimeoutSec  int `yaml:"heartbeat_timeout_sec"`
		HandshakeTimeoutSec  int `yaml:"handshake_timeout_sec"`
		BackoffBaseSec       int `yaml:"backoff_base_sec"`
		BackoffMaxSec        int `yaml:"backoff_max_sec"`
		MaxReconnectAttempts int `yaml:"max_reconnect_attempts"` // 0 = unlimited
		CriticalAfterSec     int `yaml:"critical_after_sec"`
		DebounceWindowMS     int `yaml:"debounce_window_ms"`
		SweepIntervalSec     int `yaml:"sweep_interval_sec"`
	} `yaml:"connection"`

	Fanout struct {
		QueueCapacityPerSubscriber int    `yaml:"queue_capacity_per_subscriber"`
		OverflowPolicy             string `yaml:"overflow_policy"` // drop_oldest | coalesce_by_symbol
	} `yaml:"fanout"`

	RateLimit struct {
		Shared             bool            `yaml:"shared"`
		PublicREST         RateLimitConfig `yaml:"public_rest"`
		PrivateREST        RateLimitConfig `yaml:"private_rest"`
		WebsocketSubscribe RateLimitConfig `yaml:"websocket_subscribe"`
		ThrottleAfterHits  int             `yaml:"throttle_after_hits"`
		ThrottleRatio      float64         `yaml:"throttle_ratio"`
		CooldownSec        int             `yaml:"cooldown_sec"`
		RestoreSteps       int             `yaml:"restore_steps"`
	} `yaml:"rate_limit"`

	Auth struct {
		TokenLifetimeSec int `yaml:"token_lifetime_sec"`
	} `yaml:"auth"`

	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"` // empty = OS user config dir
	} `yaml:"journal"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"` // empty = disabled
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// DefaultConfig는 기본값이 채워진 설정을 반환합니다.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "feedmux"
	cfg.App.Version = "dev"

	cfg.API.Upbit.WSURL = DefaultPublicWSURL
	cfg.API.Upbit.PrivateWSURL = DefaultPrivateWSURL
	cfg.API.Upbit.RestURL = DefaultRestURL

	cfg.Connection.HeartbeatIntervalSec = 30
	cfg.Connection.HeartbeatTimeoutSec = 60
	cfg.Connection.HandshakeTimeoutSec = 10
	cfg.Connection.BackoffBaseSec = 1
	cfg.Connection.BackoffMaxSec = 30
	cfg.Connection.MaxReconnectAttempts = 5
	cfg.Connection.CriticalAfterSec = 30
	cfg.Connection.DebounceWindowMS = 100
	cfg.Connection.SweepIntervalSec = 30

	cfg.Fanout.QueueCapacityPerSubscriber = 100
	cfg.Fanout.OverflowPolicy = "drop_oldest"

	cfg.RateLimit.PublicREST = RateLimitConfig{RatePerSec: 10, Burst: 10}
	cfg.RateLimit.PrivateREST = RateLimitConfig{RatePerSec: 30, Burst: 30}
	cfg.RateLimit.WebsocketSubscribe = RateLimitConfig{RatePerSec: 5, Burst: 5}
	cfg.RateLimit.ThrottleAfterHits = 1
	cfg.RateLimit.ThrottleRatio = 0.7
	cfg.RateLimit.CooldownSec = 30
	cfg.RateLimit.RestoreSteps = 3

	cfg.Auth.TokenLifetimeSec = 60

	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return &cfg
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
// 파일에 없는 값은 DefaultConfig의 값이 유지됩니다.
// path가 비어 있으면 기본값과 환경 변수만 사용합니다.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !isWSURL(c.API.Upbit.WSURL) {
		return &domain.ConfigError{Field: "api.upbit.ws_url", Err: fmt.Errorf("invalid Upbit WS URL: %s", c.API.Upbit.WSURL)}
	}
	if !isWSURL(c.API.Upbit.PrivateWSURL) {
		return &domain.ConfigError{Field: "api.upbit.private_ws_url", Err: fmt.Errorf("invalid Upbit private WS URL: %s", c.API.Upbit.PrivateWSURL)}
	}
	if c.API.Upbit.RestURL != "" && !hasPrefix(c.API.Upbit.RestURL, "http://") && !hasPrefix(c.API.Upbit.RestURL, "https://") {
		return &domain.ConfigError{Field: "api.upbit.rest_url", Err: fmt.Errorf("invalid Upbit REST URL: %s", c.API.Upbit.RestURL)}
	}

	conn := c.Connection
	if conn.HeartbeatIntervalSec <= 0 {
		return &domain.ConfigError{Field: "connection.heartbeat_interval_sec", Err: errors.New("must be positive")}
	}
	if conn.HeartbeatTimeoutSec <= conn.HeartbeatIntervalSec {
		return &domain.ConfigError{Field: "connection.heartbeat_timeout_sec", Err: errors.New("must exceed heartbeat interval")}
	}
	if conn.BackoffBaseSec <= 0 || conn.BackoffMaxSec < conn.BackoffBaseSec {
		return &domain.ConfigError{Field: "connection.backoff_max_sec", Err: errors.New("backoff base must be positive and not exceed max")}
	}
	if conn.MaxReconnectAttempts < 0 {
		return &domain.ConfigError{Field: "connection.max_reconnect_attempts", Err: errors.New("must be >= 0")}
	}
	if conn.DebounceWindowMS < 0 {
		return &domain.ConfigError{Field: "connection.debounce_window_ms", Err: errors.New("must be >= 0")}
	}
	if conn.SweepIntervalSec <= 0 {
		return &domain.ConfigError{Field: "connection.sweep_interval_sec", Err: errors.New("must be positive")}
	}

	if c.Fanout.QueueCapacityPerSubscriber <= 0 {
		return &domain.ConfigError{Field: "fanout.queue_capacity_per_subscriber", Err: errors.New("must be positive")}
	}
	switch c.Fanout.OverflowPolicy {
	case "drop_oldest", "coalesce_by_symbol":
	default:
		return &domain.ConfigError{Field: "fanout.overflow_policy", Err: fmt.Errorf("unknown policy %q", c.Fanout.OverflowPolicy)}
	}

	rl := c.RateLimit
	for name, b := range map[string]RateLimitConfig{
		"public_rest":         rl.PublicREST,
		"private_rest":        rl.PrivateREST,
		"websocket_subscribe": rl.WebsocketSubscribe,
	} {
		if b.RatePerSec <= 0 || b.Burst <= 0 {
			return &domain.ConfigError{Field: "rate_limit." + name, Err: errors.New("rate and burst must be positive")}
		}
	}
	if rl.ThrottleRatio <= 0 || rl.ThrottleRatio > 1 {
		return &domain.ConfigError{Field: "rate_limit.throttle_ratio", Err: errors.New("must be in (0, 1]")}
	}
	if rl.ThrottleAfterHits <= 0 || rl.RestoreSteps <= 0 || rl.CooldownSec <= 0 {
		return &domain.ConfigError{Field: "rate_limit", Err: errors.New("throttle_after_hits, restore_steps and cooldown_sec must be positive")}
	}

	if c.Auth.TokenLifetimeSec <= 0 {
		return &domain.ConfigError{Field: "auth.token_lifetime_sec", Err: errors.New("must be positive")}
	}
	if (c.API.Upbit.AccessKey == "") != (c.API.Upbit.SecretKey == "") {
		return &domain.ConfigError{Field: "api.upbit.secret_key", Err: errors.New("access key and secret key must be set together")}
	}

	return nil
}

// HasCredentials reports whether private channel credentials are configured.
func (c *Config) HasCredentials() bool {
	return c.API.Upbit.AccessKey != "" && c.API.Upbit.SecretKey != ""
}

func (c *Config) HeartbeatInterval() time.Duration {
	return seconds(c.Connection.HeartbeatIntervalSec)
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return seconds(c.Connection.HeartbeatTimeoutSec)
}

func (c *Config) HandshakeTimeout() time.Duration {
	return seconds(c.Connection.HandshakeTimeoutSec)
}

func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Connection.DebounceWindowMS) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return seconds(c.Connection.SweepIntervalSec)
}

// CriticalAfter defaults to one heartbeat interval when unset.
func (c *Config) CriticalAfter() time.Duration {
	if c.Connection.CriticalAfterSec <= 0 {
		return c.HeartbeatInterval()
	}
	return seconds(c.Connection.CriticalAfterSec)
}

func (c *Config) Backoff() Backoff {
	return Backoff{
		Base: seconds(c.Connection.BackoffBaseSec),
		Max:  seconds(c.Connection.BackoffMaxSec),
	}
}

func (c *Config) TokenLifetime() time.Duration {
	return seconds(c.Auth.TokenLifetimeSec)
}

func (c *Config) Cooldown() time.Duration {
	return seconds(c.RateLimit.CooldownSec)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func isWSURL(s string) bool {
	return s != "" && (hasPrefix(s, "ws://") || hasPrefix(s, "wss://"))
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("FEEDMUX_UPBIT_ACCESS_KEY"); key != "" {
		cfg.API.Upbit.AccessKey = key
	}
	if secret := os.Getenv("FEEDMUX_UPBIT_SECRET_KEY"); secret != "" {
		cfg.API.Upbit.SecretKey = secret
	}
	if level := os.Getenv("FEEDMUX_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
