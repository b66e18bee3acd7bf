// Package main is the findata command line client. It loads configuration,
// assembles the resilient client, fetches quotes for the given symbols once
// or on an interval (-watch), and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dskow/findata-core"
	"github.com/dskow/findata-core/config"
	"github.com/dskow/findata-core/metrics"
	"github.com/dskow/findata-core/redisstore"
)

func main() {
	configPath := flag.String("config", "configs/findata.yaml", "path to configuration file")
	symbolsArg := flag.String("symbols", "", "comma-separated ticker symbols to fetch")
	watch := flag.Bool("watch", false, "keep fetching on an interval until interrupted")
	interval := flag.Duration("interval", 30*time.Second, "fetch interval in watch mode")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *symbolsArg == "" {
		fmt.Fprintln(os.Stderr, "usage: findata -symbols AAPL,MSFT [-config path] [-watch] [-interval 30s]")
		os.Exit(2)
	}
	symbols := strings.Split(*symbolsArg, ",")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"base_url", cfg.API.BaseURL,
		"retry_backoff", cfg.Retry.Backoff,
		"rate_strategy", cfg.RateLimit.Strategy,
		"redis_enabled", cfg.Redis.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	// Initialize Prometheus metrics and serve them when enabled
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Optional breaker state persistence. A failed connection degrades to
	// in-memory operation rather than refusing to start.
	var opts []findata.Option
	opts = append(opts, findata.WithLogger(logger))
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		store, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, breaker state will not persist", "error", err)
		} else {
			defer store.Close()
			opts = append(opts, findata.WithBreakerStore(store))
		}
	}

	client, err := findata.New(cfg, opts...)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*watch {
		if err := fetchOnce(ctx, client, symbols, logger); err != nil {
			os.Exit(1)
		}
		return
	}

	// Watch mode: hot-reload rate limits and retry policy on config change.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		if err := client.ApplyConfig(newCfg); err != nil {
			logger.Error("failed to apply reloaded config", "error", err)
		}
	})

	logger.Info("watch mode started", "interval", *interval, "symbols", len(symbols))
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fetchOnce(ctx, client, symbols, logger)
	for {
		select {
		case <-ticker.C:
			fetchOnce(ctx, client, symbols, logger)
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			logBreakerState(client, logger)
			return
		}
	}
}

// fetchOnce fetches quotes for all symbols and prints them as JSON lines.
func fetchOnce(ctx context.Context, client *findata.Client, symbols []string, logger *slog.Logger) error {
	quotes, result, err := client.Quotes(ctx, symbols)
	if err != nil {
		logger.Error("fetch failed", "error", err)
		return err
	}
	if result.FailureCount > 0 {
		logger.Warn("partial fetch",
			"requested", result.Requested,
			"succeeded", result.SuccessCount,
			"failed", result.FailureCount,
			"success_rate", fmt.Sprintf("%.2f", result.SuccessRate),
		)
	}

	enc := json.NewEncoder(os.Stdout)
	for i := range quotes {
		if err := enc.Encode(&quotes[i]); err != nil {
			return err
		}
	}
	return nil
}

// logBreakerState dumps breaker diagnostics on shutdown so an operator can
// see whether the process exited with tripped circuits.
func logBreakerState(client *findata.Client, logger *slog.Logger) {
	for _, snap := range client.BreakerSnapshots() {
		logger.Info("breaker state at shutdown",
			"service", snap.Service,
			"state", snap.State,
			"consecutive_failures", snap.ConsecutiveFailures,
		)
	}
}
