package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"feedmux/internal/app"
	"feedmux/internal/domain"

	_ "net/http/pprof" // For pprof profiling
)

var version = "dev"

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "feedmux",
		Short:         "Upbit websocket connection multiplexer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "configs/config.yaml", "config file path")

	rootCmd.AddCommand(runCmd(&cfgFile))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("❌ feedmux failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func runCmd(cfgFile *string) *cobra.Command {
	var (
		symbols   []string
		modeName  string
		pprofAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to Upbit and log the configured tickers",
		Long: `Connect to Upbit, subscribe to tickers and log every event until interrupted.

Examples:
  # Watch the symbols listed in configs/config.yaml
  feedmux run

  # Override symbols and stream mode
  feedmux run --symbols KRW-BTC,KRW-ETH --mode realtime_only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mode, err := domain.ParseStreamMode(modeName)
			if err != nil {
				return err
			}

			if pprofAddr != "" {
				go func() {
					slog.Info("🕵️ Pprof server started", slog.String("addr", pprofAddr))
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						slog.Error("Pprof server failed", slog.Any("error", err))
					}
				}()
			}

			bootstrap := app.NewBootstrap()
			if err := bootstrap.Initialize(*cfgFile); err != nil {
				return fmt.Errorf("bootstrapping failed: %w", err)
			}
			bootstrap.Config.App.Version = version

			watch := bootstrap.Config.API.Upbit.Symbols
			if len(symbols) > 0 {
				watch = symbols
			}

			runErr := bootstrap.Run(ctx, watch, mode)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := bootstrap.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Shutdown incomplete", slog.Any("error", err))
			}
			return runErr
		},
	}

	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "ticker codes to watch (overrides config)")
	cmd.Flags().StringVar(&modeName, "mode", "both", "stream mode: snapshot_only, realtime_only or both")
	// Localhost only for security
	cmd.Flags().StringVar(&pprofAddr, "pprof", "localhost:6060", "pprof listen address, empty to disable")
	return cmd
}
