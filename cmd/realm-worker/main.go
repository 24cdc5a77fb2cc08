package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"realmecon/internal/config"
	"realmecon/internal/db"
	"realmecon/internal/engine"
	"realmecon/internal/metrics"
	"realmecon/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DB, "realm-worker")
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if cfg.DB.Migrate {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			logger.Error("migrate failed", "err", err)
			os.Exit(1)
		}
	}

	m := metrics.New()
	st := postgres.New(pool, logger.With("component", "store"))
	eng, err := engine.New(st, cfg.Engine, m, time.Now, logger)
	if err != nil {
		logger.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	if err := eng.Seed(ctx); err != nil {
		logger.Error("seed failed", "err", err)
		os.Exit(1)
	}
	sched, err := eng.Scheduler(cfg.Schedule)
	if err != nil {
		logger.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}

	if cfg.RunOnce {
		jobs := cfg.Jobs
		if len(jobs) == 0 {
			jobs = sched.Names()
		}
		failed := false
		for _, name := range jobs {
			if err := sched.RunOnce(ctx, name); err != nil {
				logger.Error("job failed", "job", name, "err", err)
				failed = true
				continue
			}
			logger.Info("job complete", "job", name)
		}
		if failed {
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "jobs", len(jobs))
		return
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(ctx)
	})
	g.Go(func() error {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("worker started", "jobs", sched.Names())
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("worker shutdown")
}
