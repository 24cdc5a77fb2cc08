// Package engine assembles the ledger, market, enterprise and tax engines
// over one store and exposes their periodic work as scheduler jobs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"realmecon/internal/config"
	"realmecon/internal/econ"
	"realmecon/internal/enterprise"
	"realmecon/internal/ledger"
	"realmecon/internal/market"
	"realmecon/internal/metrics"
	"realmecon/internal/scheduler"
	"realmecon/internal/store"
	"realmecon/internal/tax"
)

// Job names, also the keys of the tick_runs table.
const (
	JobReprice  = "reprice"
	JobMatch    = "match"
	JobExpire   = "expire"
	JobProduce  = "produce"
	JobPayroll  = "payroll"
	JobTax      = "tax"
	JobInterest = "interest"
)

type Engine struct {
	Store      store.Store
	Catalog    *econ.Catalog
	Ledger     *ledger.Ledger
	Market     *market.Engine
	Enterprise *enterprise.Engine
	Tax        *tax.Engine
	Metrics    *metrics.Metrics

	log *slog.Logger
	now func() time.Time
}

// New loads the catalog named by cfg (the embedded one by default) and builds
// every engine. m may be nil.
func New(st store.Store, cfg config.EngineConfig, m *metrics.Metrics, now func() time.Time, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	cat, err := econ.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	l := ledger.New(st, ledger.ConfigFrom(cfg), now, logger.With("component", "ledger"))
	mk := market.New(st, l, market.ConfigFrom(cfg), m, now, logger.With("component", "market"))
	return &Engine{
		Store:      st,
		Catalog:    cat,
		Ledger:     l,
		Market:     mk,
		Enterprise: enterprise.New(st, l, mk, cat, enterprise.ConfigFrom(cfg), now, logger.With("component", "enterprise")),
		Tax:        tax.New(st, l, now, logger.With("component", "tax")),
		Metrics:    m,
		log:        logger,
		now:        now,
	}, nil
}

// Seed inserts missing catalog items and opens the fee-sink treasury.
func (e *Engine) Seed(ctx context.Context) error {
	n, err := e.Market.SeedItems(ctx, e.Catalog.Items)
	if err != nil {
		return fmt.Errorf("seed items: %w", err)
	}
	if _, err := e.Ledger.OpenFeeSink(ctx); err != nil {
		return fmt.Errorf("open fee sink: %w", err)
	}
	e.log.Info("catalog seeded", "new_items", n, "items", len(e.Catalog.Items))
	return nil
}

// Jobs maps every periodic engine operation to its period.
func (e *Engine) Jobs(s config.ScheduleConfig) []scheduler.Job {
	return []scheduler.Job{
		{Name: JobReprice, Period: s.RepriceEvery, Run: func(ctx context.Context, slot time.Time) error {
			n, err := e.Market.RepriceAll(ctx, slot)
			e.log.Info("items repriced", "items", n)
			return err
		}},
		{Name: JobMatch, Period: s.MatchEvery, Run: func(ctx context.Context, _ time.Time) error {
			n, err := e.Market.MatchAll(ctx)
			if n > 0 {
				e.log.Info("orders matched", "fills", n)
			}
			return err
		}},
		{Name: JobExpire, Period: s.ExpireEvery, Run: func(ctx context.Context, _ time.Time) error {
			n, err := e.Market.ExpireOrders(ctx, e.now())
			if n > 0 {
				e.log.Info("orders expired", "orders", n)
			}
			return err
		}},
		{Name: JobProduce, Period: s.ProduceEvery, Run: func(ctx context.Context, slot time.Time) error {
			n, err := e.Enterprise.ProduceAll(ctx, slot)
			e.log.Info("production complete", "enterprises", n)
			return err
		}},
		{Name: JobPayroll, Period: s.PayrollEvery, Run: func(ctx context.Context, slot time.Time) error {
			n, err := e.Enterprise.PayrollAll(ctx, slot)
			e.log.Info("payroll complete", "enterprises", n)
			return err
		}},
		{Name: JobTax, Period: s.TaxEvery, Run: func(ctx context.Context, slot time.Time) error {
			_, err := e.Tax.CollectAll(ctx, slot)
			return err
		}},
		{Name: JobInterest, Period: s.InterestEvery, Run: func(ctx context.Context, slot time.Time) error {
			n, err := e.Ledger.AccrueAll(ctx, slot)
			e.log.Info("interest accrued", "accounts", n)
			return err
		}},
	}
}

func (e *Engine) Scheduler(s config.ScheduleConfig) (*scheduler.Scheduler, error) {
	return scheduler.New(e.Store, e.Jobs(s), e.Metrics, e.now, e.log.With("component", "scheduler"))
}
