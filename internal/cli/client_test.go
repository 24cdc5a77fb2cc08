package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"realmecon/internal/econ"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/accounts/olga/deposit" || r.Header.Get("Idempotency-Key") != "k1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		var in map[string]int64
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(econ.Account{Owner: "olga", SavingsMicros: in["amount_micros"]})
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/", "secret")
	acct, err := c.Savings(context.Background(), "olga", "deposit", 5*econ.MicrosPerCoin, "k1")
	if err != nil {
		t.Fatalf("savings: %v", err)
	}
	if acct.SavingsMicros != 5*econ.MicrosPerCoin {
		t.Fatalf("account = %+v", acct)
	}
}

func TestClientReturnsAPIError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   econ.Code
		msg    string
	}{
		{"domain error", http.StatusUnprocessableEntity, `{"code":"INSUFFICIENT_FUNDS","error":"insufficient funds"}`,
			econ.CodeInsufficientFunds, "insufficient funds"},
		{"plain text", http.StatusBadGateway, "upstream down", "", "upstream down"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			_, err := NewClient(ts.URL, "t").Totals(context.Background())
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v", err)
			}
			if apiErr.Status != tc.status || apiErr.Code != tc.code || apiErr.Message != tc.msg {
				t.Fatalf("api error = %+v", apiErr)
			}
		})
	}
}

func TestProfileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	prev := ProfileDir
	ProfileDir = func() (string, error) { return dir, nil }
	defer func() { ProfileDir = prev }()

	if _, err := LoadProfile(); err == nil {
		t.Fatalf("expected error without a profile")
	}
	if err := SaveProfile(Profile{APIURL: "http://realm:8080", Token: "abc"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	p := Resolve("", "")
	if p.APIURL != "http://realm:8080" || p.Token != "abc" {
		t.Fatalf("resolved = %+v", p)
	}
	if p := Resolve("http://other/", ""); p.APIURL != "http://other" || p.Token != "abc" {
		t.Fatalf("flag override = %+v", p)
	}
	if err := ClearProfile(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if p := Resolve("", ""); p.Token != "" {
		t.Fatalf("profile survived clear: %+v", p)
	}
}

func TestUnsentCommandsReachHook(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := ts.URL
	ts.Close()

	var got struct {
		method, path, idem string
		body               []byte
	}
	c := NewClient(base, "t")
	c.OnUnsent = func(method, path string, body []byte, idem string, _ error) {
		got.method, got.path, got.body, got.idem = method, path, body, idem
	}
	if _, err := c.Savings(context.Background(), "olga", "withdraw", econ.MicrosPerCoin, "k9"); err == nil {
		t.Fatalf("expected a network error")
	}
	if got.method != http.MethodPost || got.path != "/v1/accounts/olga/withdraw" || got.idem != "k9" {
		t.Fatalf("hook saw %+v", got)
	}
	var body map[string]int64
	if err := json.Unmarshal(got.body, &body); err != nil || body["amount_micros"] != econ.MicrosPerCoin {
		t.Fatalf("body = %s", got.body)
	}

	got.method = ""
	if _, err := c.Account(context.Background(), "olga"); err == nil {
		t.Fatalf("expected a network error")
	}
	if got.method != "" {
		t.Fatalf("reads must not be queued")
	}
}

func TestSendReplaysRawBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if r.URL.Path != "/v1/orders" || r.Header.Get("Idempotency-Key") != "k3" || string(raw) != `{"owner":"olga"}` {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	if err := NewClient(ts.URL, "t").Send(context.Background(), http.MethodPost, "/v1/orders", []byte(`{"owner":"olga"}`), "k3"); err != nil {
		t.Fatalf("send: %v", err)
	}
}
