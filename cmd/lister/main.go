// Package main is the entrypoint for the Lister publication server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/lister"
	"github.com/xraph/lister/api"
	"github.com/xraph/lister/engine"
	"github.com/xraph/lister/marketplace"
	"github.com/xraph/lister/notify"
	"github.com/xraph/lister/ratelimit"
	"github.com/xraph/lister/store"
	"github.com/xraph/lister/store/memory"
	"github.com/xraph/lister/store/postgres"
)

type config struct {
	Port        int
	DatabaseURL string
	RedisURL    string

	DailyLimit  int64
	HourlyLimit int64

	MarketplaceURL    string
	MarketplaceAPIKey string

	WebhookURL    string
	WebhookSecret string

	Engine lister.Config
}

// loadConfig reads configuration from environment variables. An empty
// LISTER_DATABASE_URL selects the in-memory store; an empty
// LISTER_REDIS_URL selects the in-process rate limiter; an empty
// LISTER_MARKETPLACE_URL selects the offline mock adapter.
func loadConfig() config {
	eng := lister.DefaultConfig()
	eng.BatchSize = envInt("LISTER_BATCH_SIZE", eng.BatchSize)
	eng.ItemDelay = envDuration("LISTER_ITEM_DELAY", eng.ItemDelay)
	eng.BatchDelay = envDuration("LISTER_BATCH_DELAY", eng.BatchDelay)
	eng.PollInterval = envDuration("LISTER_POLL_INTERVAL", eng.PollInterval)
	eng.ShutdownTimeout = envDuration("LISTER_SHUTDOWN_TIMEOUT", eng.ShutdownTimeout)
	eng.StaleClaimThreshold = envDuration("LISTER_STALE_CLAIM_THRESHOLD", eng.StaleClaimThreshold)
	eng.DefaultMaxRetries = envInt("LISTER_DEFAULT_MAX_RETRIES", eng.DefaultMaxRetries)

	return config{
		Port:              envInt("LISTER_PORT", 8080),
		DatabaseURL:       os.Getenv("LISTER_DATABASE_URL"),
		RedisURL:          os.Getenv("LISTER_REDIS_URL"),
		DailyLimit:        envInt64("LISTER_DAILY_LIMIT", 500),
		HourlyLimit:       envInt64("LISTER_HOURLY_LIMIT", 50),
		MarketplaceURL:    os.Getenv("LISTER_MARKETPLACE_URL"),
		MarketplaceAPIKey: os.Getenv("LISTER_MARKETPLACE_API_KEY"),
		WebhookURL:        os.Getenv("LISTER_WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("LISTER_WEBHOOK_SECRET"),
		Engine:            eng,
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		st = pg
		logger.Info("using postgres store")
	} else {
		st = memory.New()
		logger.Info("using in-memory store; jobs will not survive a restart")
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}

	// Rate limiter: Redis for a shared quota across dispatchers,
	// in-process otherwise.
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(redisOpts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		limiter = ratelimit.NewRedis(client, cfg.DailyLimit, cfg.HourlyLimit)
		logger.Info("using redis rate limiter",
			slog.Int64("daily_limit", cfg.DailyLimit),
			slog.Int64("hourly_limit", cfg.HourlyLimit),
		)
	} else {
		limiter = ratelimit.NewMemory(cfg.DailyLimit, cfg.HourlyLimit)
		logger.Info("using in-memory rate limiter",
			slog.Int64("daily_limit", cfg.DailyLimit),
			slog.Int64("hourly_limit", cfg.HourlyLimit),
		)
	}

	// Marketplace adapter: live HTTP client or offline mock.
	var adapter marketplace.Adapter
	if cfg.MarketplaceURL != "" {
		a, err := marketplace.NewHTTPJSONAdapter(marketplace.HTTPJSONAdapterOptions{
			BaseURL: cfg.MarketplaceURL,
			APIKey:  cfg.MarketplaceAPIKey,
		})
		if err != nil {
			return fmt.Errorf("create marketplace adapter: %w", err)
		}
		adapter = a
		logger.Info("using HTTP marketplace adapter", slog.String("base_url", cfg.MarketplaceURL))
	} else {
		adapter = marketplace.NewMockAdapter()
		logger.Warn("no marketplace configured; using offline mock adapter")
	}

	// Downstream notifier: webhook or log-only.
	var notifier notify.Notifier
	if cfg.WebhookURL != "" {
		n, err := notify.NewWebhookNotifier(notify.WebhookOptions{
			Endpoint: cfg.WebhookURL,
			Secret:   cfg.WebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("create webhook notifier: %w", err)
		}
		notifier = n
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	p, err := lister.New(
		lister.WithStore(st),
		lister.WithConfig(cfg.Engine),
		lister.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}

	eng, err := engine.Build(p, limiter, adapter, engine.WithNotifier(notifier))
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.New(eng, logger).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", addr))
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("engine stop error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
