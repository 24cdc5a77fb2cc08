package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"realmecon/internal/cache"
	"realmecon/internal/config"
	"realmecon/internal/econ"
	"realmecon/internal/engine"
	"realmecon/internal/metrics"
	"realmecon/internal/notify"
	"realmecon/internal/store/memory"
)

const (
	coin  = econ.MicrosPerCoin
	token = "test-token"
)

type harness struct {
	srv   *Server
	eng   *engine.Engine
	bus   *notify.Bus
	cache *cache.Cache
}

func newHarness(t *testing.T, withCache bool) *harness {
	t.Helper()
	bus := notify.NewBus()
	t.Cleanup(bus.Close)
	eng, err := engine.New(memory.New(bus), config.Defaults(), nil, nil, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var c *cache.Cache
	if withCache {
		if c, err = cache.New(128, time.Minute, nil); err != nil {
			t.Fatalf("cache: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		watch := c.Watch(bus)
		go watch(ctx)
	}
	cfg := config.APIConfig{ServiceToken: token, RequestTimeout: 5 * time.Second}
	return &harness{srv: New(cfg, nil, eng, c, bus), eng: eng, bus: bus, cache: c}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d: %s", rec.Code, status, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, false)
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong token", "Bearer nope"},
		{"wrong scheme", "Basic " + token},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/totals", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.srv.Handler().ServeHTTP(rec, req)
			expect(t, rec, http.StatusUnauthorized)
			if body := decode[map[string]string](t, rec); body["code"] != string(econ.CodeUnauthorized) {
				t.Fatalf("body = %v", body)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	expect(t, rec, http.StatusOK)
}

func TestTransferThroughAPI(t *testing.T) {
	h := newHarness(t, false)
	for _, owner := range []string{"alice", "bob"} {
		expect(t, h.do(t, http.MethodPost, "/v1/accounts/"+owner+"/open", nil), http.StatusOK)
	}
	rec := h.do(t, http.MethodPost, "/v1/accounts/alice/transfer", map[string]any{
		"to":            map[string]string{"id": "bob"},
		"amount_micros": 40 * coin,
	})
	expect(t, rec, http.StatusCreated)
	tx := decode[econ.Transaction](t, rec)
	if tx.Kind != econ.TxTransfer || tx.AmountMicros != 40*coin || tx.FeeMicros != 400_000 {
		t.Fatalf("transaction = %+v", tx)
	}

	alice := decode[econ.Account](t, h.do(t, http.MethodGet, "/v1/accounts/alice", nil))
	bob := decode[econ.Account](t, h.do(t, http.MethodGet, "/v1/accounts/bob", nil))
	if alice.BalanceMicros != 60*coin || bob.BalanceMicros != 140*coin-400_000 {
		t.Fatalf("alice=%d bob=%d", alice.BalanceMicros, bob.BalanceMicros)
	}

	totals := decode[map[string]any](t, h.do(t, http.MethodGet, "/v1/totals", nil))
	if totals["balanced"] != true {
		t.Fatalf("totals = %v", totals)
	}
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, false)
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/alice/open", nil), http.StatusOK)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   econ.Code
	}{
		{"withdraw without savings", http.MethodPost, "/v1/accounts/alice/withdraw",
			map[string]any{"amount_micros": 50 * coin}, http.StatusUnprocessableEntity, econ.CodeInsufficientFunds},
		{"unknown account", http.MethodGet, "/v1/accounts/ghost", nil, http.StatusNotFound, econ.CodeAccountNotFound},
		{"bad side", http.MethodPost, "/v1/orders",
			map[string]any{"owner": "alice", "item": "wheat", "side": "hold", "quantity": 1, "limit_price_micros": coin},
			http.StatusBadRequest, econ.CodeInvalidOrder},
		{"unknown item", http.MethodPost, "/v1/orders",
			map[string]any{"owner": "alice", "item": "unobtainium", "side": "buy", "quantity": 1, "limit_price_micros": coin},
			http.StatusNotFound, econ.CodeItemNotFound},
		{"unknown field", http.MethodPost, "/v1/accounts/alice/deposit",
			`{"amount_micros": 1, "bonus": true}`, http.StatusBadRequest, econ.CodeInvalidRequest},
		{"bad enterprise id", http.MethodGet, "/v1/enterprises/abc", nil, http.StatusBadRequest, econ.CodeInvalidRequest},
		{"unknown type", http.MethodPost, "/v1/enterprises",
			map[string]any{"owner": "alice", "type": "castle", "name": "Keep"}, http.StatusBadRequest, econ.CodeUnknownType},
		{"founding too expensive", http.MethodPost, "/v1/enterprises",
			map[string]any{"owner": "alice", "type": "farm", "name": "Acres"}, http.StatusUnprocessableEntity, econ.CodeInsufficientFunds},
		{"bad quote quantity", http.MethodGet, "/v1/items/wheat/quote?quantity=0", nil, http.StatusBadRequest, econ.CodeInvalidAmount},
		{"transfer out of escrow", http.MethodPost, "/v1/accounts/system:market-escrow/transfer",
			map[string]any{"to": map[string]string{"id": "alice"}, "amount_micros": coin}, http.StatusBadRequest, econ.CodeInvalidRequest},
		{"bad adjustment", http.MethodPost, "/v1/adjustments/steal",
			map[string]any{"party": map[string]string{"kind": "account", "id": "alice"}, "amount_micros": 1},
			http.StatusBadRequest, econ.CodeInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, tc.method, tc.path, tc.body)
			expect(t, rec, tc.status)
			if body := decode[map[string]string](t, rec); body["code"] != string(tc.code) || body["error"] == "" {
				t.Fatalf("body = %v", body)
			}
		})
	}

	alice := decode[econ.Account](t, h.do(t, http.MethodGet, "/v1/accounts/alice", nil))
	if alice.BalanceMicros != 100*coin || alice.SavingsMicros != 0 {
		t.Fatalf("failed commands changed alice: %+v", alice)
	}
}

func TestDuplicateIdempotencyKeyConflicts(t *testing.T) {
	h := newHarness(t, false)
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/alice/open", nil), http.StatusOK)
	body := map[string]any{"amount_micros": 10 * coin}
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/alice/deposit", body, "Idempotency-Key", "dep-1"), http.StatusOK)
	rec := h.do(t, http.MethodPost, "/v1/accounts/alice/deposit", body, "Idempotency-Key", "dep-1")
	expect(t, rec, http.StatusConflict)
	if got := decode[map[string]string](t, rec)["code"]; got != string(econ.CodeDuplicateRequest) {
		t.Fatalf("code = %s", got)
	}
	alice := decode[econ.Account](t, h.do(t, http.MethodGet, "/v1/accounts/alice", nil))
	if alice.SavingsMicros != 10*coin {
		t.Fatalf("savings = %d", alice.SavingsMicros)
	}
	// Without a key every request is distinct.
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/alice/deposit", body), http.StatusOK)
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/alice/deposit", body), http.StatusOK)
}

func TestOrderFlowAndQuote(t *testing.T) {
	h := newHarness(t, false)
	for _, owner := range []string{"alice", "bob"} {
		expect(t, h.do(t, http.MethodPost, "/v1/accounts/"+owner+"/open", nil), http.StatusOK)
	}
	sell := h.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"owner": "alice", "item": "wheat", "side": "sell", "quantity": 5, "limit_price_micros": 2 * coin,
	})
	expect(t, sell, http.StatusCreated)
	buy := h.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"owner": "bob", "item": "wheat", "side": "buy", "quantity": 5, "limit_price_micros": 2 * coin, "ttl_seconds": 600,
	})
	expect(t, buy, http.StatusCreated)
	if o := decode[econ.Order](t, buy); o.Status != econ.OrderFilled || o.FilledQuantity != 5 {
		t.Fatalf("buy order = %+v", o)
	}
	sellID := decode[econ.Order](t, sell).ID
	got := decode[econ.Order](t, h.do(t, http.MethodGet, "/v1/orders/"+strconv.FormatInt(sellID, 10), nil))
	if got.Status != econ.OrderFilled {
		t.Fatalf("sell order = %+v", got)
	}
	rec := h.do(t, http.MethodPost, "/v1/orders/"+strconv.FormatInt(sellID, 10)+"/cancel", map[string]string{"owner": "alice"})
	expect(t, rec, http.StatusConflict)

	open := decode[[]econ.Order](t, h.do(t, http.MethodGet, "/v1/orders?owner=alice&open=true", nil))
	if len(open) != 0 {
		t.Fatalf("open orders = %+v", open)
	}
	q := decode[quote](t, h.do(t, http.MethodGet, "/v1/items/wheat/quote?quantity=10", nil))
	if q.BuyMicros <= q.SellMicros || q.SellMicros <= 0 {
		t.Fatalf("quote = %+v", q)
	}
}

func TestEnterpriseCommands(t *testing.T) {
	h := newHarness(t, false)
	for _, owner := range []string{"alice", "bob"} {
		expect(t, h.do(t, http.MethodPost, "/v1/accounts/"+owner+"/open", nil), http.StatusOK)
	}
	expect(t, h.do(t, http.MethodPost, "/v1/adjustments/mint", map[string]any{
		"party": map[string]string{"kind": "account", "id": "alice"}, "amount_micros": 2000 * coin,
	}), http.StatusCreated)

	rec := h.do(t, http.MethodPost, "/v1/enterprises", map[string]any{"owner": "alice", "type": "farm", "name": "Acres"})
	expect(t, rec, http.StatusCreated)
	id := strconv.FormatInt(decode[econ.Enterprise](t, rec).ID, 10)

	expect(t, h.do(t, http.MethodPost, "/v1/enterprises/"+id+"/hire", map[string]string{"owner": "alice", "worker": "bob"}), http.StatusCreated)
	expect(t, h.do(t, http.MethodPost, "/v1/enterprises/"+id+"/hire", map[string]string{"owner": "alice", "worker": "bob"}), http.StatusConflict)
	expect(t, h.do(t, http.MethodPost, "/v1/enterprises/"+id+"/capitalize", map[string]any{"owner": "alice", "amount_micros": 100 * coin}), http.StatusOK)
	expect(t, h.do(t, http.MethodPost, "/v1/enterprises/"+id+"/upgrade", map[string]string{"owner": "alice"}), http.StatusOK)
	// Someone else's enterprise looks missing.
	expect(t, h.do(t, http.MethodPost, "/v1/enterprises/"+id+"/withdraw", map[string]any{"owner": "bob", "amount_micros": coin}), http.StatusNotFound)

	emps := decode[[]econ.Employee](t, h.do(t, http.MethodGet, "/v1/enterprises/"+id+"/employees", nil))
	if len(emps) != 1 || emps[0].Worker != "bob" || emps[0].Role != "worker" {
		t.Fatalf("employees = %+v", emps)
	}
	fire := decode[map[string]any](t, h.do(t, http.MethodPost, "/v1/enterprises/"+id+"/fire", map[string]string{"owner": "alice", "worker": "bob"}))
	if fire["worker"] != "bob" {
		t.Fatalf("fire = %v", fire)
	}
	ent := decode[econ.Enterprise](t, h.do(t, http.MethodGet, "/v1/enterprises/"+id, nil))
	if ent.Level != 2 || ent.Employees != 0 || ent.BalanceMicros != 100*coin {
		t.Fatalf("enterprise = %+v", ent)
	}
}

func TestTreasuryCommands(t *testing.T) {
	h := newHarness(t, false)
	expect(t, h.do(t, http.MethodPost, "/v1/treasuries/north", nil), http.StatusOK)
	rec := h.do(t, http.MethodPost, "/v1/treasuries/north/rates", map[string]int32{"general_bps": 1000, "import_bps": 9999})
	expect(t, rec, http.StatusOK)
	tr := decode[econ.Treasury](t, rec)
	if tr.GeneralRateBps != 1000 || tr.ImportRateBps != 5000 {
		t.Fatalf("rates not clamped: %+v", tr)
	}
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/olga/open", nil), http.StatusOK)
	acct := decode[econ.Account](t, h.do(t, http.MethodPost, "/v1/accounts/olga/citizenship", map[string]string{"polity": "north"}))
	if acct.PolityID != "north" {
		t.Fatalf("account = %+v", acct)
	}
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/olga/citizenship", map[string]string{"polity": "atlantis"}), http.StatusNotFound)
	list := decode[[]econ.Account](t, h.do(t, http.MethodGet, "/v1/accounts?polity=north", nil))
	if len(list) != 1 || list[0].Owner != "olga" {
		t.Fatalf("citizens = %+v", list)
	}
}

func TestCachedReadsFollowMutations(t *testing.T) {
	h := newHarness(t, true)
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/alice/open", nil), http.StatusOK)
	first := decode[econ.Account](t, h.do(t, http.MethodGet, "/v1/accounts/alice", nil))
	if _, ok := h.cache.Get(cache.Key(cache.KindAccount, "alice")); !ok {
		t.Fatalf("account read was not cached")
	}
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/alice/deposit", map[string]any{"amount_micros": 25 * coin}), http.StatusOK)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := decode[econ.Account](t, h.do(t, http.MethodGet, "/v1/accounts/alice", nil))
		if got.SavingsMicros == first.SavingsMicros+25*coin {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cached account never refreshed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, false)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?topic=balance"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	// The subscription starts after the upgrade; keep opening accounts until
	// one of them shows up on the stream.
	got := make(chan notify.Event, 1)
	go func() {
		for {
			var ev notify.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if ev.EntityKind == "account" {
				got <- ev
				return
			}
		}
	}()
	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		expect(t, h.do(t, http.MethodPost, "/v1/accounts/p"+strconv.Itoa(i)+"/open", nil), http.StatusOK)
		select {
		case ev := <-got:
			if ev.Topic != notify.TopicBalance || ev.Event != notify.BalanceChanged {
				t.Fatalf("event = %+v", ev)
			}
			return
		case <-deadline:
			t.Fatalf("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestMetricsCountCommands(t *testing.T) {
	eng, err := engine.New(memory.New(nil), config.Defaults(), metrics.New(), nil, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	h := &harness{srv: New(config.APIConfig{ServiceToken: token, RequestTimeout: 5 * time.Second}, nil, eng, nil, notify.NewBus()), eng: eng}
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/olga/open", nil), http.StatusOK)
	expect(t, h.do(t, http.MethodPost, "/v1/accounts/nobody/deposit", map[string]any{"amount_micros": coin}), http.StatusNotFound)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	expect(t, rec, http.StatusOK)
	body := rec.Body.String()
	for _, want := range []string{
		`realm_commands_total{code="OK",command="open"} 1`,
		`realm_commands_total{code="ACCOUNT_NOT_FOUND",command="deposit"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
}
