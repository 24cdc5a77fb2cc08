package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"realmecon/internal/econ"
	"realmecon/internal/ledger"
	"realmecon/internal/notify"
	"realmecon/internal/store"
)

// maxFillsPerPass bounds one MatchOrders call; the match tick picks up the rest.
const maxFillsPerPass = 10_000

type fill struct {
	item     string
	qty      int64
	notional int64
}

// MatchOrders crosses the book for item until the best bid is below the best
// ask. Every fill commits in its own transaction.
func (e *Engine) MatchOrders(ctx context.Context, item string) (int, error) {
	n := 0
	for n < maxFillsPerPass {
		var f *fill
		err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			f, err = e.matchOne(ctx, tx, item)
			return err
		})
		if err != nil {
			return n, err
		}
		if f == nil {
			return n, nil
		}
		e.metrics.ObserveFill(f.item, f.qty, f.notional)
		n++
	}
	e.log.Warn("match pass hit fill limit", "item", item, "fills", n)
	return n, nil
}

// MatchAll runs MatchOrders for every item with open orders.
func (e *Engine) MatchAll(ctx context.Context) (int, error) {
	items, err := e.store.OpenOrderItems(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, item := range items {
		n, err := e.MatchOrders(ctx, item)
		total += n
		if err != nil {
			if econ.CodeOf(err) == econ.CodeStoreUnavailable || ctx.Err() != nil {
				return total, err
			}
			e.log.Warn("match failed", "item", item, "err", err)
		}
	}
	return total, nil
}

func bestLive(orders []econ.Order, now time.Time) (econ.Order, bool) {
	for _, o := range orders {
		if !o.Expired(now) {
			return o, true
		}
	}
	return econ.Order{}, false
}

// resting reports which of two crossing orders was on the book first.
func resting(buy, sell econ.Order) econ.Order {
	if sell.CreatedAt.Before(buy.CreatedAt) || (sell.CreatedAt.Equal(buy.CreatedAt) && sell.ID < buy.ID) {
		return sell
	}
	return buy
}

// errUnderReserved marks a buy whose reservation cannot cover its next fill.
var errUnderReserved = errors.New("reservation does not cover the fill")

// matchOne executes at most one fill. It returns nil when the book does not
// cross. A buy that cannot pay for its fill is logged and passed over so the
// rest of the book keeps trading.
func (e *Engine) matchOne(ctx context.Context, tx store.Tx, item string) (*fill, error) {
	now := e.now().UTC()
	buys, err := tx.OpenOrders(ctx, item, econ.SideBuy)
	if err != nil {
		return nil, err
	}
	sells, err := tx.OpenOrders(ctx, item, econ.SideSell)
	if err != nil {
		return nil, err
	}
	sell, ok := bestLive(sells, now)
	if !ok {
		return nil, nil
	}
	for _, buy := range buys {
		if buy.Expired(now) {
			continue
		}
		if buy.LimitPriceMicros < sell.LimitPriceMicros {
			return nil, nil
		}
		f, err := e.settle(ctx, tx, item, buy, sell, now)
		if errors.Is(err, errUnderReserved) {
			e.log.Warn("skipping under-reserved buy", "item", item, "order", buy.ID, "err", err)
			continue
		}
		return f, err
	}
	return nil, nil
}

// importRoom is how much of the buy reservation one fill may spend on import
// tariff while still covering the rest of the order at its limit.
func (e *Engine) importRoom(buy econ.Order, qty, notional, buyerFee int64) (int64, error) {
	later, err := econ.NotionalMicros(buy.LimitPriceMicros, buy.Remaining()-qty)
	if err != nil {
		return 0, err
	}
	held := later + econ.PortionMicros(later, e.cfg.TradeFeeRate)
	return max(buy.ReservedMicros-notional-buyerFee-held, 0), nil
}

func (e *Engine) settle(ctx context.Context, tx store.Tx, item string, buy, sell econ.Order, now time.Time) (*fill, error) {
	price := resting(buy, sell).LimitPriceMicros
	qty := min(buy.Remaining(), sell.Remaining())
	notional, err := econ.NotionalMicros(price, qty)
	if err != nil {
		return nil, fmt.Errorf("fill %d/%d: %w", buy.ID, sell.ID, err)
	}
	buyerFee := econ.PortionMicros(notional, e.cfg.TradeFeeRate)
	sellerFee := econ.PortionMicros(notional, e.cfg.TradeFeeRate)
	if notional+buyerFee > buy.ReservedMicros {
		return nil, fmt.Errorf("order %d reserves %d, fill needs %d: %w", buy.ID, buy.ReservedMicros, notional+buyerFee, errUnderReserved)
	}

	buyer, err := tx.Account(ctx, buy.Owner, false)
	if err != nil {
		return nil, err
	}
	seller, err := tx.Account(ctx, sell.Owner, false)
	if err != nil {
		return nil, err
	}
	var importTariff, exportTariff int64
	if buyer.PolityID != "" && buyer.PolityID != seller.PolityID {
		rate, err := e.tariffRate(ctx, tx, buyer.PolityID, econ.TaxImport)
		if err != nil {
			return nil, err
		}
		room, err := e.importRoom(buy, qty, notional, buyerFee)
		if err != nil {
			return nil, fmt.Errorf("fill %d/%d: %w", buy.ID, sell.ID, err)
		}
		importTariff = min(econ.PortionMicros(notional, rate), room)
	}
	if seller.PolityID != "" && seller.PolityID != buyer.PolityID {
		rate, err := e.tariffRate(ctx, tx, seller.PolityID, econ.TaxExport)
		if err != nil {
			return nil, err
		}
		exportTariff = min(econ.PortionMicros(notional, rate), notional-sellerFee)
	}

	escrow := econ.AccountParty(econ.EscrowOwner)
	sellerParty := econ.AccountParty(sell.Owner)
	if gross := notional + buyerFee - exportTariff; gross > 0 {
		if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
			Kind:          econ.TxMarketSell,
			From:          &escrow,
			To:            &sellerParty,
			Amount:        gross,
			Fee:           buyerFee + sellerFee,
			Reason:        fmt.Sprintf("sold %d %s @ %s", qty, item, econ.FormatMicros(price)),
			AllowArchived: true,
		}); err != nil {
			return nil, err
		}
	}
	if err := e.tariff(ctx, tx, seller.PolityID, sell.Owner, econ.TaxExport, exportTariff, now); err != nil {
		return nil, err
	}
	if err := e.tariff(ctx, tx, buyer.PolityID, buy.Owner, econ.TaxImport, importTariff, now); err != nil {
		return nil, err
	}

	buy.FilledQuantity += qty
	buy.ReservedMicros -= notional + buyerFee + importTariff
	sell.FilledQuantity += qty
	for _, o := range []*econ.Order{&buy, &sell} {
		next := econ.OrderPartial
		if o.Remaining() == 0 {
			next = econ.OrderFilled
		}
		if !o.Status.CanTransition(next) {
			return nil, fmt.Errorf("order %d: illegal transition %s -> %s", o.ID, o.Status, next)
		}
		o.Status = next
		o.UpdatedAt = now
	}
	if buy.Status == econ.OrderFilled && buy.ReservedMicros > 0 {
		if err := e.release(ctx, tx, buy.Owner, buy.ReservedMicros, fmt.Sprintf("release order %d", buy.ID)); err != nil {
			return nil, err
		}
		buy.ReservedMicros = 0
	}
	if err := tx.UpdateOrder(ctx, buy); err != nil {
		return nil, err
	}
	if err := tx.UpdateOrder(ctx, sell); err != nil {
		return nil, err
	}

	it, err := tx.Item(ctx, item, true)
	if err != nil {
		return nil, err
	}
	it = e.cfg.afterFill(it, price, qty)
	it.UpdatedAt = now
	if err := tx.UpdateItem(ctx, it); err != nil {
		return nil, err
	}
	if err := tx.Publish(ctx, notify.NewEvent(notify.TopicPrice, "item", item, notify.PriceChanged, now).
		WithValue(it.CurrentPriceMicros)); err != nil {
		return nil, err
	}
	for _, o := range []econ.Order{buy, sell} {
		if err := tx.Publish(ctx, orderEvent(o.ID, notify.OrderFilled, now, o.FilledQuantity)); err != nil {
			return nil, err
		}
	}
	return &fill{item: item, qty: qty, notional: notional}, nil
}

// tariff pays a cross-border charge out of escrow to the polity's treasury.
func (e *Engine) tariff(ctx context.Context, tx store.Tx, polity, player string, kind econ.TaxKind, amount int64, at time.Time) error {
	if amount <= 0 {
		return nil
	}
	escrow, to := econ.AccountParty(econ.EscrowOwner), econ.TreasuryParty(polity)
	if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
		Kind:   econ.TxTax,
		From:   &escrow,
		To:     &to,
		Amount: amount,
		Reason: fmt.Sprintf("%s tariff", kind),
	}); err != nil {
		return err
	}
	_, err := tx.InsertTaxRecord(ctx, econ.TaxRecord{
		PolityID:     polity,
		Player:       player,
		Kind:         kind,
		AmountMicros: amount,
		CreatedAt:    at,
	})
	return err
}
