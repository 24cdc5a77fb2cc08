package market

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"realmecon/internal/econ"
	"realmecon/internal/ledger"
	"realmecon/internal/notify"
	"realmecon/internal/store"
	"realmecon/internal/store/memory"
)

const coin = econ.MicrosPerCoin

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	store  *memory.Store
	clock  *clock
}

func testConfig() Config {
	return Config{
		TradeFeeRate:     decimal.NewFromFloat(0.01),
		OrderTTL:         time.Hour,
		PriceFloorMicros: coin / 100,
		QuotePressure:    decimal.NewFromFloat(0.001),
		MarginBuy:        decimal.NewFromFloat(0.05),
		MarginSell:       decimal.NewFromFloat(0.05),
		DriftFactor:      decimal.NewFromFloat(0.25),
		CounterDecay:     decimal.NewFromFloat(0.1),
		FillWeight:       decimal.NewFromFloat(0.1),
		MaxPriceMultiple: decimal.NewFromInt(10),
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New(notify.NewBus())
	l := ledger.New(st, ledger.Config{
		StartingBalanceMicros: 100 * coin,
		SavingsCapMicros:      1000 * coin,
		TransferFeeRate:       decimal.NewFromFloat(0.01),
		MaxTaxRateBps:         5000,
		FeeSink:               "system:fees",
	}, c.Now, nil)
	e := New(st, l, testConfig(), nil, c.Now, nil)
	if _, err := e.SeedItems(context.Background(), []econ.ItemSpec{
		{Key: "wheat", DisplayName: "Wheat", Category: econ.CategoryFood, BasePrice: 5, Volatility: 0.25},
		{Key: "iron", DisplayName: "Iron", Category: econ.CategoryMaterial, BasePrice: 12, Volatility: 0.4},
	}); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	return &fixture{engine: e, ledger: l, store: st, clock: c}
}

func (f *fixture) open(t *testing.T, owners ...string) {
	t.Helper()
	for _, o := range owners {
		if _, err := f.ledger.Open(context.Background(), o); err != nil {
			t.Fatalf("open %s: %v", o, err)
		}
	}
}

func (f *fixture) place(t *testing.T, owner string, side econ.Side, qty int64, price float64) econ.Order {
	t.Helper()
	o, err := f.engine.PlaceOrder(context.Background(), PlaceInput{
		Owner:            owner,
		Item:             "wheat",
		Side:             side,
		Quantity:         qty,
		LimitPriceMicros: econ.CoinsToMicros(price),
	})
	if err != nil {
		t.Fatalf("place %s %s: %v", owner, side, err)
	}
	return o
}

func (f *fixture) balance(t *testing.T, owner string) int64 {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), owner)
	if err != nil {
		t.Fatalf("get %s: %v", owner, err)
	}
	return a.BalanceMicros
}

func (f *fixture) order(t *testing.T, id int64) econ.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %d: %v", id, err)
	}
	return o
}

func (f *fixture) item(t *testing.T, key string) econ.MarketItem {
	t.Helper()
	it, err := f.store.GetItem(context.Background(), key)
	if err != nil {
		t.Fatalf("get item %s: %v", key, err)
	}
	return it
}

func assertBalanced(t *testing.T, st store.Reader) {
	t.Helper()
	tot, err := st.Totals(context.Background())
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !tot.Balanced() {
		t.Fatalf("supply %d != minted %d - burned %d", tot.Supply(), tot.MintedMicros, tot.BurnedMicros)
	}
}

func TestMatchAtRestingPrice(t *testing.T) {
	f := newFixture(t)
	f.open(t, "seller", "buyer")

	sell := f.place(t, "seller", econ.SideSell, 10, 5)
	buy := f.place(t, "buyer", econ.SideBuy, 10, 6)

	if got := f.order(t, sell.ID); got.Status != econ.OrderFilled || got.FilledQuantity != 10 {
		t.Fatalf("sell order = %+v", got)
	}
	if buy.Status != econ.OrderFilled || buy.FilledQuantity != 10 || buy.ReservedMicros != 0 {
		t.Fatalf("buy order = %+v", buy)
	}
	// 50 notional at the resting price, 1% fee each side, leftover reservation returned.
	if got := f.balance(t, "buyer"); got != 100*coin-50*coin-coin/2 {
		t.Fatalf("buyer balance = %d", got)
	}
	if got := f.balance(t, "seller"); got != 100*coin+50*coin-coin/2 {
		t.Fatalf("seller balance = %d", got)
	}
	if got := f.balance(t, econ.EscrowOwner); got != 0 {
		t.Fatalf("escrow balance = %d", got)
	}
	sink, err := f.store.GetTreasury(context.Background(), "system:fees")
	if err != nil || sink.BalanceMicros != coin {
		t.Fatalf("fee sink = %+v, %v", sink, err)
	}
	if it := f.item(t, "wheat"); it.CurrentPriceMicros != 5*coin {
		t.Fatalf("price after fill at the current price = %d", it.CurrentPriceMicros)
	}
	assertBalanced(t, f.store)
}

func TestPlaceOrderRejects(t *testing.T) {
	f := newFixture(t)
	f.open(t, "alice")

	tests := []struct {
		name string
		in   PlaceInput
		code econ.Code
	}{
		{"bad side", PlaceInput{Owner: "alice", Item: "wheat", Side: "hold", Quantity: 1, LimitPriceMicros: coin}, econ.CodeInvalidOrder},
		{"zero quantity", PlaceInput{Owner: "alice", Item: "wheat", Side: econ.SideBuy, LimitPriceMicros: coin}, econ.CodeInvalidOrder},
		{"zero price", PlaceInput{Owner: "alice", Item: "wheat", Side: econ.SideSell, Quantity: 1}, econ.CodeInvalidOrder},
		{"unknown item", PlaceInput{Owner: "alice", Item: "gold", Side: econ.SideSell, Quantity: 1, LimitPriceMicros: coin}, econ.CodeItemNotFound},
		{"unknown owner", PlaceInput{Owner: "bob", Item: "wheat", Side: econ.SideSell, Quantity: 1, LimitPriceMicros: coin}, econ.CodeAccountNotFound},
		{"system owner", PlaceInput{Owner: econ.EscrowOwner, Item: "wheat", Side: econ.SideSell, Quantity: 1, LimitPriceMicros: coin}, econ.CodeInvalidRequest},
		{"cannot fund", PlaceInput{Owner: "alice", Item: "wheat", Side: econ.SideBuy, Quantity: 1000, LimitPriceMicros: 5 * coin}, econ.CodeInsufficientFunds},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.PlaceOrder(context.Background(), tc.in)
			if econ.CodeOf(err) != tc.code {
				t.Fatalf("err = %v, want %s", err, tc.code)
			}
		})
	}

	orders, err := f.store.ListOrders(context.Background(), store.OrderFilter{})
	if err != nil || len(orders) != 0 {
		t.Fatalf("orders after rejects = %v, %v", orders, err)
	}
	if it := f.item(t, "wheat"); it.Demand != 0 || it.Supply != 0 {
		t.Fatalf("counters moved: %+v", it)
	}
	if got := f.balance(t, "alice"); got != 100*coin {
		t.Fatalf("balance = %d", got)
	}
}

func TestPartialFillThenCancel(t *testing.T) {
	f := newFixture(t)
	f.open(t, "seller", "buyer")

	f.place(t, "seller", econ.SideSell, 4, 5)
	buy := f.place(t, "buyer", econ.SideBuy, 10, 5)
	if buy.Status != econ.OrderPartial || buy.FilledQuantity != 4 {
		t.Fatalf("buy after partial fill = %+v", buy)
	}

	ctx := context.Background()
	if _, err := f.engine.CancelOrder(ctx, "seller", buy.ID); !errors.Is(err, econ.ErrOrderNotFound) {
		t.Fatalf("foreign cancel err = %v", err)
	}
	cancelled, err := f.engine.CancelOrder(ctx, "buyer", buy.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != econ.OrderCancelled || cancelled.ReservedMicros != 0 {
		t.Fatalf("cancelled = %+v", cancelled)
	}
	if _, err := f.engine.CancelOrder(ctx, "buyer", buy.ID); !errors.Is(err, econ.ErrOrderNotCancelable) {
		t.Fatalf("second cancel err = %v", err)
	}

	// 4 units at 5 plus 1% fee is all the buyer paid.
	if got := f.balance(t, "buyer"); got != 100*coin-20*coin-coin/5 {
		t.Fatalf("buyer balance = %d", got)
	}
	if got := f.balance(t, econ.EscrowOwner); got != 0 {
		t.Fatalf("escrow balance = %d", got)
	}
	// placed 10 and 4, cancelled 6, traded 4 on each side
	if it := f.item(t, "wheat"); it.Demand != 8 || it.Supply != 8 {
		t.Fatalf("counters = demand %d supply %d", it.Demand, it.Supply)
	}
	assertBalanced(t, f.store)
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t)
	f.open(t, "a", "b", "c", "buyer")

	f.place(t, "a", econ.SideSell, 1, 5)
	first := f.place(t, "b", econ.SideSell, 1, 4)
	second := f.place(t, "c", econ.SideSell, 1, 4)
	buy := f.place(t, "buyer", econ.SideBuy, 1, 5)

	if buy.Status != econ.OrderFilled {
		t.Fatalf("buy = %+v", buy)
	}
	if got := f.order(t, first.ID); got.Status != econ.OrderFilled {
		t.Fatalf("best earlier ask not filled: %+v", got)
	}
	if got := f.order(t, second.ID); got.Status != econ.OrderPending {
		t.Fatalf("later ask at same price filled: %+v", got)
	}
	// Filled at the resting ask of 4, not the bid of 5.
	if got := f.balance(t, "b"); got != 100*coin+4*coin-4*coin/100 {
		t.Fatalf("seller b balance = %d", got)
	}
}

func TestNoCrossLeavesBook(t *testing.T) {
	f := newFixture(t)
	f.open(t, "seller", "buyer")

	sell := f.place(t, "seller", econ.SideSell, 5, 6)
	buy := f.place(t, "buyer", econ.SideBuy, 5, 5)
	if sell.Status != econ.OrderPending || buy.Status != econ.OrderPending {
		t.Fatalf("orders crossed: %+v %+v", sell, buy)
	}
	n, err := f.engine.MatchAll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("match all = %d, %v", n, err)
	}
}

func TestExpireOrdersIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.open(t, "buyer", "seller")
	buy := f.place(t, "buyer", econ.SideBuy, 2, 5)
	sell := f.place(t, "seller", econ.SideSell, 3, 9)

	ctx := context.Background()
	if n, err := f.engine.ExpireOrders(ctx, f.clock.now); err != nil || n != 0 {
		t.Fatalf("early expire = %d, %v", n, err)
	}
	f.clock.now = f.clock.now.Add(2 * time.Hour)
	for i, want := range []int{2, 0} {
		n, err := f.engine.ExpireOrders(ctx, f.clock.now)
		if err != nil || n != want {
			t.Fatalf("run %d: expired %d, %v; want %d", i, n, err, want)
		}
	}
	for _, id := range []int64{buy.ID, sell.ID} {
		if got := f.order(t, id); got.Status != econ.OrderExpired {
			t.Fatalf("order %d status = %s", id, got.Status)
		}
	}
	if got := f.balance(t, "buyer"); got != 100*coin {
		t.Fatalf("reservation not returned: %d", got)
	}
	if it := f.item(t, "wheat"); it.Demand != 0 || it.Supply != 0 {
		t.Fatalf("counters = %+v", it)
	}
	assertBalanced(t, f.store)
}

func TestExpiredOrdersDoNotMatch(t *testing.T) {
	f := newFixture(t)
	f.open(t, "buyer", "seller")
	ctx := context.Background()

	if _, err := f.engine.PlaceOrder(ctx, PlaceInput{
		Owner: "seller", Item: "wheat", Side: econ.SideSell, Quantity: 1,
		LimitPriceMicros: 5 * coin, TTL: time.Minute,
	}); err != nil {
		t.Fatalf("place: %v", err)
	}
	f.clock.now = f.clock.now.Add(time.Minute)
	buy := f.place(t, "buyer", econ.SideBuy, 1, 5)
	if buy.Status != econ.OrderPending {
		t.Fatalf("matched an expired ask: %+v", buy)
	}
}

func TestCrossBorderTariffs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "seller", "buyer")
	for _, in := range []ledger.RatesInput{
		{Polity: "north", ImportBps: 500},
		{Polity: "south", ExportBps: 1000},
	} {
		if _, err := f.ledger.OpenTreasury(ctx, in.Polity); err != nil {
			t.Fatalf("open treasury: %v", err)
		}
		if _, err := f.ledger.SetTaxRates(ctx, in); err != nil {
			t.Fatalf("rates: %v", err)
		}
	}
	if _, err := f.ledger.SetCitizenship(ctx, "buyer", "north"); err != nil {
		t.Fatalf("citizenship: %v", err)
	}
	if _, err := f.ledger.SetCitizenship(ctx, "seller", "south"); err != nil {
		t.Fatalf("citizenship: %v", err)
	}

	f.place(t, "seller", econ.SideSell, 10, 5)
	buy := f.place(t, "buyer", econ.SideBuy, 10, 5)
	if buy.Status != econ.OrderFilled {
		t.Fatalf("buy = %+v", buy)
	}

	// notional 50: buyer pays 0.5 fee and 2.5 import, seller pays 0.5 fee and 5 export.
	if got := f.balance(t, "buyer"); got != 47*coin {
		t.Fatalf("buyer balance = %d", got)
	}
	if got := f.balance(t, "seller"); got != 144*coin+coin/2 {
		t.Fatalf("seller balance = %d", got)
	}
	for polity, want := range map[string]int64{"north": 5 * coin / 2, "south": 5 * coin} {
		tr, err := f.store.GetTreasury(ctx, polity)
		if err != nil || tr.BalanceMicros != want || tr.TaxCollectedMicros != want {
			t.Fatalf("%s treasury = %+v, %v", polity, tr, err)
		}
		recs, err := f.store.ListTaxRecords(ctx, polity, 0)
		if err != nil || len(recs) != 1 {
			t.Fatalf("%s tax records = %v, %v", polity, recs, err)
		}
	}
	assertBalanced(t, f.store)
}

func TestSamePolityPaysNoTariff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "seller", "buyer")
	if _, err := f.ledger.OpenTreasury(ctx, "north"); err != nil {
		t.Fatalf("open treasury: %v", err)
	}
	if _, err := f.ledger.SetTaxRates(ctx, ledger.RatesInput{Polity: "north", ImportBps: 500, ExportBps: 500}); err != nil {
		t.Fatalf("rates: %v", err)
	}
	for _, o := range []string{"seller", "buyer"} {
		if _, err := f.ledger.SetCitizenship(ctx, o, "north"); err != nil {
			t.Fatalf("citizenship: %v", err)
		}
	}
	f.place(t, "seller", econ.SideSell, 10, 5)
	f.place(t, "buyer", econ.SideBuy, 10, 5)
	if got := f.balance(t, "buyer"); got != 100*coin-50*coin-coin/2 {
		t.Fatalf("buyer balance = %d", got)
	}
	tr, _ := f.store.GetTreasury(ctx, "north")
	if tr.BalanceMicros != 0 {
		t.Fatalf("treasury collected a domestic tariff: %d", tr.BalanceMicros)
	}
}

func TestTariffRaiseBetweenPartialFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "buyer", "s1", "s2")
	if _, err := f.ledger.OpenTreasury(ctx, "north"); err != nil {
		t.Fatalf("open treasury: %v", err)
	}
	setImport := func(bps int32) {
		t.Helper()
		if _, err := f.ledger.SetTaxRates(ctx, ledger.RatesInput{Polity: "north", ImportBps: bps}); err != nil {
			t.Fatalf("rates: %v", err)
		}
	}
	setImport(500)
	if _, err := f.ledger.SetCitizenship(ctx, "buyer", "north"); err != nil {
		t.Fatalf("citizenship: %v", err)
	}

	// 50 notional + 0.5 fee + 2.5 import at 5%
	buy := f.place(t, "buyer", econ.SideBuy, 10, 5)
	if buy.ReservedMicros != 53*coin {
		t.Fatalf("reserved = %d", buy.ReservedMicros)
	}
	setImport(2000)

	f.place(t, "s1", econ.SideSell, 5, 5)
	if got := f.order(t, buy.ID); got.Status != econ.OrderPartial || got.ReservedMicros != 25*coin+coin/4 {
		t.Fatalf("after first fill = %+v", got)
	}
	f.place(t, "s2", econ.SideSell, 5, 5)
	if got := f.order(t, buy.ID); got.Status != econ.OrderFilled || got.ReservedMicros != 0 {
		t.Fatalf("after second fill = %+v", got)
	}

	// only the reserved 2.5 of tariff can be collected
	tr, err := f.store.GetTreasury(ctx, "north")
	if err != nil || tr.BalanceMicros != 5*coin/2 {
		t.Fatalf("north = %+v, %v", tr, err)
	}
	if got := f.balance(t, "buyer"); got != 47*coin {
		t.Fatalf("buyer balance = %d", got)
	}
	if got := f.balance(t, econ.EscrowOwner); got != 0 {
		t.Fatalf("escrow balance = %d", got)
	}
	assertBalanced(t, f.store)
}

func TestUnderReservedBuyIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "short", "buyer", "seller")
	short := f.place(t, "short", econ.SideBuy, 5, 5)
	buy := f.place(t, "buyer", econ.SideBuy, 5, 5)
	if err := f.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Order(ctx, short.ID, true)
		if err != nil {
			return err
		}
		o.ReservedMicros = coin
		return tx.UpdateOrder(ctx, o)
	}); err != nil {
		t.Fatalf("shrink reservation: %v", err)
	}

	f.place(t, "seller", econ.SideSell, 5, 5)
	if got := f.order(t, buy.ID); got.Status != econ.OrderFilled {
		t.Fatalf("later buy = %+v", got)
	}
	if got := f.order(t, short.ID); got.Status != econ.OrderPending || got.FilledQuantity != 0 {
		t.Fatalf("under-reserved buy = %+v", got)
	}
	if got := f.balance(t, "seller"); got != 100*coin+25*coin-coin/4 {
		t.Fatalf("seller balance = %d", got)
	}
}

func TestFillMovesCountersAndQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "seller", "buyer")
	before, err := f.engine.QuoteBuy(ctx, "wheat", 1)
	if err != nil || before != 5_250_000 {
		t.Fatalf("quote before = %d, %v", before, err)
	}

	f.place(t, "seller", econ.SideSell, 10, 8)
	f.place(t, "buyer", econ.SideBuy, 10, 8)

	// placement counts 10 each side and the fill another 10
	it := f.item(t, "wheat")
	if it.Demand != 20 || it.Supply != 20 {
		t.Fatalf("counters = demand %d supply %d", it.Demand, it.Supply)
	}
	// 5 + (8-5)*0.1 = 5.3, quoted at 1.05
	after, err := f.engine.QuoteBuy(ctx, "wheat", 1)
	if err != nil || after != 5_565_000 {
		t.Fatalf("quote after = %d, %v", after, err)
	}
}

func TestQuotesBuyAboveSell(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		name            string
		price           int64
		supply, demand  int64
		q               int64
		wantSellAtFloor bool
	}{
		{name: "balanced", price: 5 * coin, q: 10},
		{name: "excess demand", price: 5 * coin, demand: 500, q: 3},
		{name: "excess supply", price: 5 * coin, supply: 400, q: 7},
		{name: "flooded", price: 5 * coin, supply: 100_000, q: 2, wantSellAtFloor: true},
		{name: "at floor", price: cfg.PriceFloorMicros, q: 1, wantSellAtFloor: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			it := econ.MarketItem{BasePriceMicros: 5 * coin, CurrentPriceMicros: tc.price, Supply: tc.supply, Demand: tc.demand}
			buy, sell := cfg.quotes(it, tc.q)
			if buy <= sell {
				t.Fatalf("buy %d <= sell %d", buy, sell)
			}
			if tc.wantSellAtFloor && sell != cfg.PriceFloorMicros*tc.q {
				t.Fatalf("sell = %d, want floor %d", sell, cfg.PriceFloorMicros*tc.q)
			}
		})
	}
}

func TestQuoteBuyFormula(t *testing.T) {
	cfg := testConfig()
	it := econ.MarketItem{CurrentPriceMicros: 2 * coin, Demand: 100}
	// 2 * 10 * (1 + 100*0.001) * 1.05 = 23.1
	buy, sell := cfg.quotes(it, 10)
	if buy != 23_100_000 {
		t.Fatalf("buy = %d", buy)
	}
	// no excess supply: 2 * 10 * 0.95 = 19
	if sell != 19*coin {
		t.Fatalf("sell = %d", sell)
	}
}

func TestRepriceDriftsAndIsIdempotentPerSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		it, err := tx.Item(ctx, "wheat", true)
		if err != nil {
			return err
		}
		it.Demand = 100
		return tx.UpdateItem(ctx, it)
	}); err != nil {
		t.Fatalf("set demand: %v", err)
	}

	slot := f.clock.now.Truncate(time.Hour)
	n, err := f.engine.RepriceAll(ctx, slot)
	if err != nil || n != 2 {
		t.Fatalf("reprice = %d, %v", n, err)
	}
	// target clamps at 10x base = 50; 5 + (50-5)*0.25 = 16.25
	it := f.item(t, "wheat")
	if it.CurrentPriceMicros != 16_250_000 || it.Demand != 90 {
		t.Fatalf("after reprice = %+v", it)
	}

	n, err = f.engine.RepriceAll(ctx, slot)
	if err != nil || n != 0 {
		t.Fatalf("replay reprice = %d, %v", n, err)
	}
	if again := f.item(t, "wheat"); again.CurrentPriceMicros != it.CurrentPriceMicros || again.Demand != 90 {
		t.Fatalf("replay changed the item: %+v", again)
	}
}

func TestPriceNeverBelowFloor(t *testing.T) {
	cfg := testConfig()
	rng := rand.New(rand.NewSource(7))
	it := econ.MarketItem{BasePriceMicros: 3 * coin, CurrentPriceMicros: 3 * coin, Volatility: 0.9}
	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			it.Supply += rng.Int63n(10_000)
		case 1:
			it.Demand += rng.Int63n(500)
		default:
			it = cfg.afterFill(it, rng.Int63n(2*coin)+1, rng.Int63n(50)+1)
		}
		it = cfg.reprice(it)
		if it.CurrentPriceMicros < cfg.PriceFloorMicros {
			t.Fatalf("step %d: price %d below floor", i, it.CurrentPriceMicros)
		}
		if it.Supply < 0 || it.Demand < 0 {
			t.Fatalf("step %d: negative counters %+v", i, it)
		}
	}
}

func TestSellIntoMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	want, err := f.engine.QuoteSell(ctx, "wheat", 40)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	var got int64
	if err := f.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err = f.engine.SellIntoMarket(ctx, tx, "wheat", 40)
		return err
	}); err != nil {
		t.Fatalf("sell into market: %v", err)
	}
	if got != want {
		t.Fatalf("revenue = %d, want quote %d", got, want)
	}
	if it := f.item(t, "wheat"); it.Supply != 40 {
		t.Fatalf("supply = %d", it.Supply)
	}
}

func TestOrderInvariantUnderRandomTrading(t *testing.T) {
	f := newFixture(t)
	owners := []string{"a", "b", "c", "d"}
	f.open(t, owners...)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var ids []int64
	for i := 0; i < 200; i++ {
		owner := owners[rng.Intn(len(owners))]
		switch rng.Intn(4) {
		case 0, 1:
			side := econ.SideBuy
			if rng.Intn(2) == 0 {
				side = econ.SideSell
			}
			o, err := f.engine.PlaceOrder(ctx, PlaceInput{
				Owner: owner, Item: "wheat", Side: side,
				Quantity:         rng.Int63n(5) + 1,
				LimitPriceMicros: econ.CoinsToMicros(float64(rng.Intn(4) + 3)),
			})
			if err == nil {
				ids = append(ids, o.ID)
			}
		case 2:
			if len(ids) > 0 {
				id := ids[rng.Intn(len(ids))]
				if o := f.order(t, id); o.Status.Open() {
					_, _ = f.engine.CancelOrder(ctx, o.Owner, id)
				}
			}
		default:
			f.clock.now = f.clock.now.Add(10 * time.Minute)
			_, _ = f.engine.ExpireOrders(ctx, f.clock.now)
		}
	}

	var reserved int64
	for _, id := range ids {
		o := f.order(t, id)
		if o.FilledQuantity < 0 || o.FilledQuantity > o.Quantity {
			t.Fatalf("order %d filled %d of %d", id, o.FilledQuantity, o.Quantity)
		}
		if !o.Status.Open() && o.ReservedMicros != 0 {
			t.Fatalf("closed order %d still reserves %d", id, o.ReservedMicros)
		}
		reserved += o.ReservedMicros
	}
	if got := f.balance(t, econ.EscrowOwner); got != reserved {
		t.Fatalf("escrow %d != open reservations %d", got, reserved)
	}
	assertBalanced(t, f.store)
}
