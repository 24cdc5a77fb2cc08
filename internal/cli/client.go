package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"realmecon/internal/econ"
)

// Client talks to the realm API with the service token.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	// OnUnsent, when set, receives keyed commands that failed before any
	// response arrived, so they can be queued and replayed.
	OnUnsent func(method, path string, body []byte, idem string, err error)
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   strings.TrimSpace(token),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer carrying the domain code.
type APIError struct {
	Status  int
	Code    econ.Code
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Quote mirrors the API's quote payload.
type Quote struct {
	Item       string `json:"item"`
	Quantity   int64  `json:"quantity"`
	BuyMicros  int64  `json:"buy_micros"`
	SellMicros int64  `json:"sell_micros"`
}

type TotalsView struct {
	Totals   econ.Totals `json:"totals"`
	Supply   int64       `json:"supply"`
	Balanced bool        `json:"balanced"`
}

func (c *Client) OpenAccount(ctx context.Context, owner string) (econ.Account, error) {
	var out econ.Account
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(owner)+"/open", nil, &out, "")
	return out, err
}

func (c *Client) Account(ctx context.Context, owner string) (econ.Account, error) {
	var out econ.Account
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(owner), nil, &out, "")
	return out, err
}

func (c *Client) Transfer(ctx context.Context, from string, to econ.Party, amount int64, reason, idem string) (econ.Transaction, error) {
	var out econ.Transaction
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(from)+"/transfer", map[string]any{
		"to":            to,
		"amount_micros": amount,
		"reason":        reason,
	}, &out, idem)
	return out, err
}

// Savings moves money into (deposit) or out of (withdraw) savings.
func (c *Client) Savings(ctx context.Context, owner, action string, amount int64, idem string) (econ.Account, error) {
	var out econ.Account
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(owner)+"/"+action, map[string]any{
		"amount_micros": amount,
	}, &out, idem)
	return out, err
}

func (c *Client) SetCitizenship(ctx context.Context, owner, polity string) (econ.Account, error) {
	var out econ.Account
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(owner)+"/citizenship", map[string]any{
		"polity": polity,
	}, &out, "")
	return out, err
}

func (c *Client) Transactions(ctx context.Context, party econ.Party, limit int) ([]econ.Transaction, error) {
	q := url.Values{}
	q.Set("party_kind", string(party.Kind))
	q.Set("party_id", party.ID)
	q.Set("limit", strconv.Itoa(limit))
	var out []econ.Transaction
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/transactions?"+q.Encode(), nil, &out, "")
	return out, err
}

func (c *Client) PlaceOrder(ctx context.Context, owner, item string, side econ.Side, qty, limit int64, ttl time.Duration, idem string) (econ.Order, error) {
	var out econ.Order
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/orders", map[string]any{
		"owner":              owner,
		"item":               item,
		"side":               side,
		"quantity":           qty,
		"limit_price_micros": limit,
		"ttl_seconds":        int64(ttl / time.Second),
	}, &out, idem)
	return out, err
}

func (c *Client) CancelOrder(ctx context.Context, owner string, id int64) (econ.Order, error) {
	var out econ.Order
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/orders/%d/cancel", id), map[string]any{
		"owner": owner,
	}, &out, "")
	return out, err
}

func (c *Client) Orders(ctx context.Context, owner, item string, openOnly bool) ([]econ.Order, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if item != "" {
		q.Set("item", item)
	}
	if openOnly {
		q.Set("open", "true")
	}
	var out []econ.Order
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/orders?"+q.Encode(), nil, &out, "")
	return out, err
}

func (c *Client) Items(ctx context.Context) ([]econ.MarketItem, error) {
	var out []econ.MarketItem
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/items", nil, &out, "")
	return out, err
}

func (c *Client) Quote(ctx context.Context, item string, qty int64) (Quote, error) {
	var out Quote
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/items/%s/quote?quantity=%d", url.PathEscape(item), qty), nil, &out, "")
	return out, err
}

func (c *Client) FoundEnterprise(ctx context.Context, owner, typ, polity, name, idem string) (econ.Enterprise, error) {
	var out econ.Enterprise
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/enterprises", map[string]any{
		"owner":  owner,
		"type":   typ,
		"polity": polity,
		"name":   name,
	}, &out, idem)
	return out, err
}

func (c *Client) Enterprise(ctx context.Context, id int64) (econ.Enterprise, error) {
	var out econ.Enterprise
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/enterprises/%d", id), nil, &out, "")
	return out, err
}

func (c *Client) Employees(ctx context.Context, id int64) ([]econ.Employee, error) {
	var out []econ.Employee
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/enterprises/%d/employees", id), nil, &out, "")
	return out, err
}

// EnterpriseAction posts to /v1/enterprises/{id}/{action} (hire, fire,
// capitalize, withdraw, upgrade) and decodes the answer into out.
func (c *Client) EnterpriseAction(ctx context.Context, id int64, action string, body map[string]any, out any, idem string) error {
	return c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/enterprises/%d/%s", id, action), body, out, idem)
}

func (c *Client) OpenTreasury(ctx context.Context, polity string) (econ.Treasury, error) {
	var out econ.Treasury
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/treasuries/"+url.PathEscape(polity), nil, &out, "")
	return out, err
}

func (c *Client) Treasury(ctx context.Context, polity string) (econ.Treasury, error) {
	var out econ.Treasury
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/treasuries/"+url.PathEscape(polity), nil, &out, "")
	return out, err
}

func (c *Client) SetRates(ctx context.Context, polity string, general, imp, exp int32) (econ.Treasury, error) {
	var out econ.Treasury
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/treasuries/"+url.PathEscape(polity)+"/rates", map[string]any{
		"general_bps": general,
		"import_bps":  imp,
		"export_bps":  exp,
	}, &out, "")
	return out, err
}

func (c *Client) TaxRecords(ctx context.Context, polity string, limit int) ([]econ.TaxRecord, error) {
	var out []econ.TaxRecord
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/treasuries/%s/tax-records?limit=%d", url.PathEscape(polity), limit), nil, &out, "")
	return out, err
}

func (c *Client) Totals(ctx context.Context) (TotalsView, error) {
	var out TotalsView
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/totals", nil, &out, "")
	return out, err
}

// Send replays a raw command, e.g. one restored from the offline queue.
func (c *Client) Send(ctx context.Context, method, path string, body []byte, idem string) error {
	var in any
	if len(body) > 0 {
		in = json.RawMessage(body)
	}
	return c.jsonRequest(ctx, method, path, in, nil, idem)
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var body io.Reader
	var raw []byte
	if in != nil {
		var err error
		if raw, err = json.Marshal(in); err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if c.OnUnsent != nil && idem != "" && method != http.MethodGet && ctx.Err() == nil {
			c.OnUnsent(method, path, raw, idem, err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var payload struct {
			Code  econ.Code `json:"code"`
			Error string    `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
