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

	"realmecon/internal/api"
	"realmecon/internal/cache"
	"realmecon/internal/config"
	"realmecon/internal/db"
	"realmecon/internal/engine"
	"realmecon/internal/metrics"
	"realmecon/internal/notify"
	"realmecon/internal/store"
	"realmecon/internal/store/memory"
	"realmecon/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	bus := notify.NewBus()
	defer bus.Close()

	st, err := openStore(ctx, cfg, bus, logger)
	if err != nil {
		logger.Error("store init failed", "store", cfg.StoreKind, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	eng, err := engine.New(st, cfg.Engine, metrics.New(), time.Now, logger)
	if err != nil {
		logger.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	if err := eng.Seed(ctx); err != nil {
		logger.Error("seed failed", "err", err)
		os.Exit(1)
	}

	c, err := cache.New(cfg.CacheSize, cfg.CacheTTL, logger.With("component", "cache"))
	if err != nil {
		logger.Error("cache init failed", "err", err)
		os.Exit(1)
	}
	watch := c.Watch(bus)
	go watch(ctx)

	server := api.New(cfg, logger, eng, c, bus)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		// Closing the bus ends open event streams so Shutdown is not held up.
		bus.Close()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("realm api listening", "addr", cfg.Addr, "store", cfg.StoreKind)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

// openStore builds the configured store. With postgres, committed events
// arrive through LISTEN so that changes made by the worker reach the cache
// and event streams too.
func openStore(ctx context.Context, cfg config.APIConfig, bus *notify.Bus, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreKind {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(bus), nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DB, "realm-api")
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if cfg.DB.Migrate {
			if err := db.Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		go func() {
			_ = notify.Listen(ctx, pool, bus, logger.With("component", "listener"))
		}()
		return postgres.New(pool, logger.With("component", "store")), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.StoreKind)
	}
}
