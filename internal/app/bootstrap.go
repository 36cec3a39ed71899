package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedmux/internal/auth"
	"feedmux/internal/domain"
	"feedmux/internal/infra"
	"feedmux/internal/infra/storage"
	"feedmux/internal/infra/upbit"
	"feedmux/internal/manager"
	"feedmux/internal/ratelimit"
)

// journalRetention bounds how long connection events are kept.
const journalRetention = 7 * 24 * time.Hour

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Journal *storage.Storage
	Limiter *ratelimit.Limiter
	Tokens  *auth.Provider
	Rest    *upbit.RestClient
	Manager *manager.Manager

	metricsSrv *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and builds every component. Nothing
// touches the network until Run.
func (b *Bootstrap) Initialize(configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if errors.Is(err, domain.ErrConfigNotFound) {
		slog.Warn("Config file not found, using defaults", slog.String("path", configPath))
		cfg, err = infra.LoadConfig("")
	}
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	b.Logger.Info("🚀 Bootstrapping feedmux...", slog.String("version", cfg.App.Version))

	// 3. Connection journal (diagnostics only)
	if cfg.Journal.Enabled {
		store, err := storage.NewStorage(cfg.Journal.Path)
		if err != nil {
			return err
		}
		b.Journal = store
		b.Logger.Info("✅ Connection journal opened")
	}

	// 4. Shared rate budget and credentials
	b.Limiter = ratelimit.New(ratelimit.ConfigFrom(cfg), ratelimit.WithLogger(b.Logger))

	var tokens domain.TokenSource
	if cfg.HasCredentials() {
		b.Tokens = auth.NewProvider(
			auth.NewJWTIssuer(cfg.TokenLifetime()),
			auth.Credentials{AccessKey: cfg.API.Upbit.AccessKey, SecretKey: cfg.API.Upbit.SecretKey},
			auth.WithLogger(b.Logger),
		)
		tokens = b.Tokens
	}
	b.Rest = upbit.NewRestClient(cfg.API.Upbit.RestURL, b.Limiter, tokens, b.Logger)

	// 5. Manager
	opts := []manager.Option{
		manager.WithLogger(b.Logger),
		manager.WithLimiter(b.Limiter),
		manager.WithSymbolCatalog(b.Rest),
	}
	if b.Tokens != nil {
		opts = append(opts, manager.WithTokenProvider(b.Tokens))
	}
	if b.Journal != nil {
		opts = append(opts, manager.WithJournal(b.Journal))
	}
	mgr, err := manager.New(cfg, opts...)
	if err != nil {
		return err
	}
	b.Manager = mgr
	b.Logger.Info("✅ Manager ready")

	return nil
}

// Run starts the manager and the optional metrics endpoint, subscribes the
// configured symbols and blocks until ctx is cancelled.
func (b *Bootstrap) Run(ctx context.Context, watch []string, mode domain.StreamMode) error {
	if b.Journal != nil {
		if n, err := b.Journal.Prune(ctx, time.Now().Add(-journalRetention)); err != nil {
			b.Logger.Warn("Failed to prune connection journal", slog.Any("error", err))
		} else if n > 0 {
			b.Logger.Info("Pruned connection journal", slog.Int64("rows", n))
		}
	}

	if addr := b.Config.Metrics.ListenAddr; addr != "" {
		b.startMetricsServer(addr)
	}

	if err := b.Manager.Start(ctx); err != nil {
		return err
	}

	if len(watch) > 0 {
		id := manager.NewComponentID("cli")
		if _, err := b.Manager.Subscribe(id, domain.DataTypeTicker, watch, mode, b.logEvent); err != nil {
			return fmt.Errorf("subscribe %v: %w", watch, err)
		}
		b.Logger.Info("✅ Watching tickers", slog.Any("symbols", watch), slog.String("mode", mode.String()))
	}
	if b.Tokens != nil {
		if _, err := b.Manager.Subscribe(manager.NewComponentID("cli-orders"), domain.DataTypeMyOrder, nil, domain.ModeRealtimeOnly, b.logEvent); err != nil {
			b.Logger.Warn("Private subscription failed", slog.Any("error", err))
		}
	}

	b.Logger.Info("✨ feedmux fully operational. Press Ctrl+C to exit.")
	<-ctx.Done()
	b.Logger.Info("👋 Shutting down gracefully...")
	return nil
}

func (b *Bootstrap) logEvent(ev domain.Event) error {
	h := ev.Meta()
	switch e := ev.(type) {
	case *domain.TickerEvent:
		b.Logger.Info("ticker", slog.String("symbol", h.Symbol), slog.String("price", e.TradePrice.String()),
			slog.String("stream", string(h.Stream)), slog.Uint64("epoch", h.Epoch))
	case *domain.MyOrderEvent:
		b.Logger.Info("order", slog.String("symbol", h.Symbol), slog.String("uuid", e.UUID), slog.String("state", e.State))
	default:
		b.Logger.Debug("event", slog.String("type", string(h.Type)), slog.String("symbol", h.Symbol))
	}
	return nil
}

func (b *Bootstrap) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	if g := b.Manager.Gatherer(); g != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		hs := b.Manager.HealthCheck()
		w.Header().Set("Content-Type", "application/json")
		if hs.Status == manager.StatusCritical {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(hs)
	})

	b.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		b.Logger.Info("📈 Metrics server started", slog.String("addr", addr))
		if err := b.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.Logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()
}

// Shutdown stops the manager, the metrics endpoint and the journal.
func (b *Bootstrap) Shutdown(ctx context.Context) error {
	var errs []error
	if b.Manager != nil {
		errs = append(errs, b.Manager.Shutdown(ctx))
	}
	if b.metricsSrv != nil {
		errs = append(errs, b.metricsSrv.Shutdown(ctx))
	}
	if b.Journal != nil {
		errs = append(errs, b.Journal.Close())
	}
	return errors.Join(errs...)
}
