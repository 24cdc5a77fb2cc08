package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"realmecon/internal/econ"
	"realmecon/internal/notify"
	"realmecon/internal/store"
)

var one = decimal.NewFromInt(1)

// quotes returns the buy and sell quote for q units at the item's current state.
// The sell quote never falls below floor*q and always stays under the buy quote.
func (c Config) quotes(it econ.MarketItem, q int64) (buy, sell int64) {
	if q <= 0 {
		return 0, 0
	}
	base := decimal.NewFromInt(it.CurrentPriceMicros).Mul(decimal.NewFromInt(q))

	excessDemand := decimal.NewFromInt(max(it.Demand-it.Supply, 0))
	buyF := one.Add(excessDemand.Mul(c.QuotePressure)).Mul(one.Add(c.MarginBuy))
	buy = base.Mul(buyF).Floor().IntPart()

	excessSupply := decimal.NewFromInt(max(it.Supply-it.Demand, 0))
	pressure := one.Sub(excessSupply.Mul(c.QuotePressure))
	if pressure.IsNegative() {
		pressure = decimal.Zero
	}
	sell = base.Mul(pressure).Mul(one.Sub(c.MarginSell)).Floor().IntPart()
	if minSell := c.PriceFloorMicros * q; sell < minSell {
		sell = minSell
	}
	if sell >= buy {
		sell = buy - 1
	}
	return buy, sell
}

// target is where demand pressure pulls the price:
// base*(1 + volatility*(demand-supply)/max(supply,1)).
func (c Config) target(it econ.MarketItem) int64 {
	imbalance := decimal.NewFromInt(it.Demand - it.Supply).Div(decimal.NewFromInt(max(it.Supply, 1)))
	f := one.Add(decimal.NewFromFloat(it.Volatility).Mul(imbalance))
	return c.clamp(it, decimal.NewFromInt(it.BasePriceMicros).Mul(f).Round(0).IntPart())
}

// reprice moves the current price toward target by the drift factor and decays the counters.
func (c Config) reprice(it econ.MarketItem) econ.MarketItem {
	cur := decimal.NewFromInt(it.CurrentPriceMicros)
	step := decimal.NewFromInt(c.target(it)).Sub(cur).Mul(c.DriftFactor)
	it.CurrentPriceMicros = c.clamp(it, cur.Add(step).Round(0).IntPart())

	keep := one.Sub(c.CounterDecay)
	it.Supply = decimal.NewFromInt(it.Supply).Mul(keep).Floor().IntPart()
	it.Demand = decimal.NewFromInt(it.Demand).Mul(keep).Floor().IntPart()
	return it
}

// afterFill nudges the current price toward a trade price by the fill weight
// and counts the traded units on both sides of the item.
func (c Config) afterFill(it econ.MarketItem, tradeMicros, qty int64) econ.MarketItem {
	cur := decimal.NewFromInt(it.CurrentPriceMicros)
	step := decimal.NewFromInt(tradeMicros).Sub(cur).Mul(c.FillWeight)
	it.CurrentPriceMicros = c.clamp(it, cur.Add(step).Round(0).IntPart())
	it.Demand += qty
	it.Supply += qty
	return it
}

func (c Config) clamp(it econ.MarketItem, p int64) int64 {
	if ceil := c.ceiling(it); ceil > 0 && p > ceil {
		p = ceil
	}
	if p < c.PriceFloorMicros {
		p = c.PriceFloorMicros
	}
	return p
}

func (c Config) ceiling(it econ.MarketItem) int64 {
	if c.MaxPriceMultiple.Sign() <= 0 {
		return 0
	}
	return decimal.NewFromInt(it.BasePriceMicros).Mul(c.MaxPriceMultiple).Floor().IntPart()
}

// QuoteBuy is what the market would charge for q units right now.
func (e *Engine) QuoteBuy(ctx context.Context, item string, q int64) (int64, error) {
	it, err := e.quoteItem(ctx, item, q)
	if err != nil {
		return 0, err
	}
	buy, _ := e.cfg.quotes(it, q)
	return buy, nil
}

// QuoteSell is what the market would pay for q units right now.
func (e *Engine) QuoteSell(ctx context.Context, item string, q int64) (int64, error) {
	it, err := e.quoteItem(ctx, item, q)
	if err != nil {
		return 0, err
	}
	_, sell := e.cfg.quotes(it, q)
	return sell, nil
}

func (e *Engine) quoteItem(ctx context.Context, item string, q int64) (econ.MarketItem, error) {
	if q <= 0 {
		return econ.MarketItem{}, econ.NewError(econ.CodeInvalidAmount, "quantity must be > 0")
	}
	return e.store.GetItem(ctx, item)
}

// SellIntoMarket prices units produced by an enterprise at the sell quote and
// adds them to the item's supply. It runs inside the caller's transaction.
func (e *Engine) SellIntoMarket(ctx context.Context, tx store.Tx, item string, units int64) (int64, error) {
	if units <= 0 {
		return 0, nil
	}
	it, err := tx.Item(ctx, item, true)
	if err != nil {
		return 0, err
	}
	_, revenue := e.cfg.quotes(it, units)
	it.Supply += units
	it.UpdatedAt = e.now().UTC()
	if err := tx.UpdateItem(ctx, it); err != nil {
		return 0, err
	}
	if err := tx.Publish(ctx, notify.NewEvent(notify.TopicPrice, "item", item, notify.PriceChanged, it.UpdatedAt).
		WithValue(it.CurrentPriceMicros)); err != nil {
		return 0, err
	}
	return revenue, nil
}

// RepriceAll drifts every item once for slot. Items already repriced for the
// slot are skipped, so a replayed tick changes nothing.
func (e *Engine) RepriceAll(ctx context.Context, slot time.Time) (int, error) {
	items, err := e.store.ListItems(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		changed, err := e.repriceItem(ctx, it.Key, slot)
		if err != nil {
			if econ.CodeOf(err) == econ.CodeStoreUnavailable || ctx.Err() != nil {
				return n, err
			}
			e.log.Warn("reprice failed", "item", it.Key, "err", err)
			continue
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (e *Engine) repriceItem(ctx context.Context, key string, slot time.Time) (bool, error) {
	var changed bool
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		changed = false
		it, err := tx.Item(ctx, key, true)
		if err != nil {
			return err
		}
		if it.LastRepricedAt != nil && !it.LastRepricedAt.Before(slot) {
			return nil
		}
		next := e.cfg.reprice(it)
		next.LastRepricedAt = &slot
		next.UpdatedAt = e.now().UTC()
		if err := tx.UpdateItem(ctx, next); err != nil {
			return err
		}
		changed = true
		return tx.Publish(ctx, notify.NewEvent(notify.TopicPrice, "item", key, notify.PriceChanged, next.UpdatedAt).
			WithValue(next.CurrentPriceMicros))
	})
	return changed, err
}
