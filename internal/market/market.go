// Package market runs the order book for catalog items: placement with escrowed
// buy reservations, price-time matching, cancellation, expiry and repricing.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"realmecon/internal/config"
	"realmecon/internal/econ"
	"realmecon/internal/ledger"
	"realmecon/internal/metrics"
	"realmecon/internal/notify"
	"realmecon/internal/store"
)

type Config struct {
	TradeFeeRate     decimal.Decimal
	OrderTTL         time.Duration
	PriceFloorMicros int64
	QuotePressure    decimal.Decimal
	MarginBuy        decimal.Decimal
	MarginSell       decimal.Decimal
	DriftFactor      decimal.Decimal
	CounterDecay     decimal.Decimal
	FillWeight       decimal.Decimal
	MaxPriceMultiple decimal.Decimal
}

func ConfigFrom(c config.EngineConfig) Config {
	return Config{
		TradeFeeRate:     decimal.NewFromFloat(c.TradeFeeRate),
		OrderTTL:         c.OrderTTL,
		PriceFloorMicros: econ.CoinsToMicros(c.PriceFloor),
		QuotePressure:    decimal.NewFromFloat(c.QuotePressure),
		MarginBuy:        decimal.NewFromFloat(c.MarginBuy),
		MarginSell:       decimal.NewFromFloat(c.MarginSell),
		DriftFactor:      decimal.NewFromFloat(c.DriftFactor),
		CounterDecay:     decimal.NewFromFloat(c.CounterDecay),
		FillWeight:       decimal.NewFromFloat(c.FillWeight),
		MaxPriceMultiple: decimal.NewFromFloat(c.MaxPriceMultiple),
	}
}

type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func New(st store.Store, l *ledger.Ledger, cfg Config, m *metrics.Metrics, now func() time.Time, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if cfg.PriceFloorMicros < 1 {
		cfg.PriceFloorMicros = 1
	}
	return &Engine{store: st, ledger: l, cfg: cfg, metrics: m, log: logger, now: now}
}

type PlaceInput struct {
	Owner            string
	Item             string
	Side             econ.Side
	Quantity         int64
	LimitPriceMicros int64
	// TTL overrides the default order lifetime when > 0.
	TTL            time.Duration
	IdempotencyKey string
}

// SeedItems inserts catalog items that are not in the store yet. Existing rows
// keep their prices and counters.
func (e *Engine) SeedItems(ctx context.Context, specs []econ.ItemSpec) (int, error) {
	n := 0
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		n = 0
		now := e.now().UTC()
		for _, spec := range specs {
			it := spec.Item()
			it.UpdatedAt = now
			if it.CurrentPriceMicros < e.cfg.PriceFloorMicros {
				it.CurrentPriceMicros = e.cfg.PriceFloorMicros
			}
			created, err := tx.SeedItem(ctx, it)
			if err != nil {
				return fmt.Errorf("seed %s: %w", spec.Key, err)
			}
			if created {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (in PlaceInput) validate() error {
	switch {
	case in.Side != econ.SideBuy && in.Side != econ.SideSell:
		return econ.NewError(econ.CodeInvalidOrder, "side must be buy or sell")
	case in.Quantity <= 0:
		return econ.NewError(econ.CodeInvalidOrder, "quantity must be > 0")
	case in.LimitPriceMicros <= 0:
		return econ.NewError(econ.CodeInvalidOrder, "limit price must be > 0")
	case in.TTL < 0:
		return econ.NewError(econ.CodeInvalidOrder, "ttl must not be negative")
	case econ.IsSystemOwner(in.Owner):
		return econ.NewError(econ.CodeInvalidRequest, "system accounts cannot trade")
	}
	return nil
}

// reservation is what a buy order locks up front: notional at the limit, the
// trade fee and the import tariff of the buyer's polity.
func (e *Engine) reservation(ctx context.Context, tx store.Tx, buyer econ.Account, limit, qty int64) (int64, error) {
	notional, err := econ.NotionalMicros(limit, qty)
	if err != nil {
		return 0, econ.NewError(econ.CodeInvalidOrder, "order value is too large")
	}
	total := notional + econ.PortionMicros(notional, e.cfg.TradeFeeRate)
	rate, err := e.tariffRate(ctx, tx, buyer.PolityID, econ.TaxImport)
	if err != nil {
		return 0, err
	}
	total += econ.PortionMicros(notional, rate)
	if total < notional {
		return 0, econ.NewError(econ.CodeInvalidOrder, "order value is too large")
	}
	return total, nil
}

func (e *Engine) tariffRate(ctx context.Context, tx store.Tx, polity string, kind econ.TaxKind) (decimal.Decimal, error) {
	if polity == "" {
		return decimal.Zero, nil
	}
	t, err := tx.Treasury(ctx, polity, false)
	if err != nil {
		if econ.CodeOf(err) == econ.CodeTreasuryNotFound {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	if kind == econ.TaxImport {
		return econ.BpsRate(t.ImportRateBps), nil
	}
	return econ.BpsRate(t.ExportRateBps), nil
}

// PlaceOrder records an order and then tries to match its item. A matching
// failure is logged; the order stays on the book for the next match tick.
func (e *Engine) PlaceOrder(ctx context.Context, in PlaceInput) (econ.Order, error) {
	in.Owner = strings.TrimSpace(in.Owner)
	in.Item = strings.ToLower(strings.TrimSpace(in.Item))
	if err := in.validate(); err != nil {
		return econ.Order{}, err
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = e.cfg.OrderTTL
	}

	var id int64
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := store.Claim(ctx, tx, in.Owner, in.IdempotencyKey, "order"); err != nil {
			return err
		}
		it, err := tx.Item(ctx, in.Item, true)
		if err != nil {
			return err
		}
		acct, err := tx.Account(ctx, in.Owner, false)
		if err != nil {
			return err
		}
		if acct.Archived {
			return econ.NewError(econ.CodeAccountNotFound, fmt.Sprintf("account %s is archived", in.Owner))
		}

		now := e.now().UTC()
		o := econ.Order{
			Owner:            in.Owner,
			ItemKey:          it.Key,
			Side:             in.Side,
			Quantity:         in.Quantity,
			LimitPriceMicros: in.LimitPriceMicros,
			Status:           econ.OrderPending,
			CreatedAt:        now,
			ExpiresAt:        now.Add(ttl),
			UpdatedAt:        now,
		}
		if in.Side == econ.SideBuy {
			reserve, err := e.reservation(ctx, tx, acct, in.LimitPriceMicros, in.Quantity)
			if err != nil {
				return err
			}
			if err := e.ledger.EnsureSystemAccount(ctx, tx, econ.EscrowOwner); err != nil {
				return err
			}
			from, to := econ.AccountParty(in.Owner), econ.AccountParty(econ.EscrowOwner)
			if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
				Kind:   econ.TxMarketBuy,
				From:   &from,
				To:     &to,
				Amount: reserve,
				Reason: fmt.Sprintf("reserve %d %s @ %s", in.Quantity, it.Key, econ.FormatMicros(in.LimitPriceMicros)),
			}); err != nil {
				return err
			}
			o.ReservedMicros = reserve
			it.Demand += in.Quantity
		} else {
			it.Supply += in.Quantity
		}
		it.UpdatedAt = now
		if err := tx.UpdateItem(ctx, it); err != nil {
			return err
		}
		if id, err = tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		return tx.Publish(ctx, orderEvent(id, notify.OrderPlaced, now, in.Quantity))
	})
	if err != nil {
		return econ.Order{}, err
	}

	if _, err := e.MatchOrders(ctx, in.Item); err != nil {
		e.log.Warn("match after place failed", "item", in.Item, "order_id", id, "err", err)
	}
	return e.store.GetOrder(ctx, id)
}

// CancelOrder closes an open order of owner and releases what it still reserves.
func (e *Engine) CancelOrder(ctx context.Context, owner string, id int64) (econ.Order, error) {
	var out econ.Order
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Order(ctx, id, true)
		if err != nil {
			return err
		}
		if o.Owner != owner {
			return econ.ErrOrderNotFound
		}
		if !o.Status.Open() {
			return econ.ErrOrderNotCancelable
		}
		out, err = e.close(ctx, tx, o, econ.OrderCancelled, notify.OrderCancelled)
		return err
	})
	return out, err
}

// ExpireOrders closes every open order whose expiry is at or before now.
// Orders already closed are skipped, so repeated runs are harmless.
func (e *Engine) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	ids, err := e.store.ExpiredOrderIDs(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		var expired bool
		err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			expired = false
			o, err := tx.Order(ctx, id, true)
			if err != nil {
				return err
			}
			if !o.Status.Open() || !o.Expired(now) {
				return nil
			}
			if _, err := e.close(ctx, tx, o, econ.OrderExpired, notify.OrderExpired); err != nil {
				return err
			}
			expired = true
			return nil
		})
		if err != nil {
			if econ.CodeOf(err) == econ.CodeStoreUnavailable || ctx.Err() != nil {
				return n, err
			}
			e.log.Warn("expire order failed", "order_id", id, "err", err)
			continue
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// close moves an open order to a terminal status, returns its reservation to
// the owner and takes its unfilled quantity off the item counter.
func (e *Engine) close(ctx context.Context, tx store.Tx, o econ.Order, status econ.OrderStatus, event string) (econ.Order, error) {
	if !o.Status.CanTransition(status) {
		return econ.Order{}, econ.ErrOrderNotCancelable
	}
	if o.Side == econ.SideBuy && o.ReservedMicros > 0 {
		if err := e.release(ctx, tx, o.Owner, o.ReservedMicros, fmt.Sprintf("release order %d", o.ID)); err != nil {
			return econ.Order{}, err
		}
		o.ReservedMicros = 0
	}
	it, err := tx.Item(ctx, o.ItemKey, true)
	if err != nil {
		return econ.Order{}, err
	}
	if o.Side == econ.SideBuy {
		it.Demand = max(it.Demand-o.Remaining(), 0)
	} else {
		it.Supply = max(it.Supply-o.Remaining(), 0)
	}
	now := e.now().UTC()
	it.UpdatedAt = now
	if err := tx.UpdateItem(ctx, it); err != nil {
		return econ.Order{}, err
	}
	o.Status = status
	o.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return econ.Order{}, err
	}
	return o, tx.Publish(ctx, orderEvent(o.ID, event, now, o.Remaining()))
}

// release pays reserved money back out of escrow. The owner may have been
// archived since the order was placed.
func (e *Engine) release(ctx context.Context, tx store.Tx, owner string, amount int64, reason string) error {
	from, to := econ.AccountParty(econ.EscrowOwner), econ.AccountParty(owner)
	_, err := e.ledger.Post(ctx, tx, ledger.Posting{
		Kind:          econ.TxMarketBuy,
		From:          &from,
		To:            &to,
		Amount:        amount,
		Reason:        reason,
		AllowArchived: true,
	})
	return err
}

func orderEvent(id int64, event string, at time.Time, qty int64) notify.Event {
	return notify.NewEvent(notify.TopicOrder, "order", strconv.FormatInt(id, 10), event, at).WithValue(qty)
}
