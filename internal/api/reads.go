package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"realmecon/internal/cache"
	"realmecon/internal/econ"
	"realmecon/internal/store"
)

// Reads go through the cache and never lock. Every mutation re-reads the
// store under lock, so a stale answer here cannot corrupt state.

func (s *Server) read(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	v, err := cache.Load(s.cache, cache.Key(cache.KindAccount, owner), func() (econ.Account, error) {
		return s.eng.Store.GetAccount(r.Context(), owner)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleAccountsList(w http.ResponseWriter, r *http.Request) {
	f := store.AccountFilter{
		Polity:      strings.TrimSpace(r.URL.Query().Get("polity")),
		WithSavings: r.URL.Query().Get("with_savings") == "true",
		Limit:       store.ClampLimit(queryLimit(r)),
	}
	key := cache.ListKey(cache.KindAccount, f.Polity+"/"+strconv.FormatBool(f.WithSavings)+"/"+strconv.Itoa(f.Limit))
	v, err := cache.Load(s.cache, key, func() ([]econ.Account, error) {
		return s.eng.Store.ListAccounts(r.Context(), f)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	polity := chi.URLParam(r, "polity")
	v, err := cache.Load(s.cache, cache.Key(cache.KindTreasury, polity), func() (econ.Treasury, error) {
		return s.eng.Store.GetTreasury(r.Context(), polity)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleTreasuriesList(w http.ResponseWriter, r *http.Request) {
	v, err := cache.Load(s.cache, cache.ListKey(cache.KindTreasury, "all"), func() ([]econ.Treasury, error) {
		return s.eng.Store.ListTreasuries(r.Context())
	})
	s.read(w, r, v, err)
}

func (s *Server) handleTaxRecords(w http.ResponseWriter, r *http.Request) {
	polity := chi.URLParam(r, "polity")
	limit := store.ClampLimit(queryLimit(r))
	v, err := cache.Load(s.cache, cache.ListKey(cache.KindTax, polity+"/"+strconv.Itoa(limit)), func() ([]econ.TaxRecord, error) {
		return s.eng.Store.ListTaxRecords(r.Context(), polity, limit)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := cache.Load(s.cache, cache.Key(cache.KindItem, key), func() (econ.MarketItem, error) {
		return s.eng.Store.GetItem(r.Context(), key)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleItemsList(w http.ResponseWriter, r *http.Request) {
	v, err := cache.Load(s.cache, cache.ListKey(cache.KindItem, "all"), func() ([]econ.MarketItem, error) {
		return s.eng.Store.ListItems(r.Context())
	})
	s.read(w, r, v, err)
}

type quote struct {
	Item       string `json:"item"`
	Quantity   int64  `json:"quantity"`
	BuyMicros  int64  `json:"buy_micros"`
	SellMicros int64  `json:"sell_micros"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "key")
	q, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil || q <= 0 {
		s.writeDomainError(w, r, econ.ErrInvalidAmount)
		return
	}
	key := cache.ListKey(cache.KindItem, "quote/"+item+"/"+strconv.FormatInt(q, 10))
	v, err := cache.Load(s.cache, key, func() (quote, error) {
		buy, err := s.eng.Market.QuoteBuy(r.Context(), item, q)
		if err != nil {
			return quote{}, err
		}
		sell, err := s.eng.Market.QuoteSell(r.Context(), item, q)
		if err != nil {
			return quote{}, err
		}
		return quote{Item: item, Quantity: q, BuyMicros: buy, SellMicros: sell}, nil
	})
	s.read(w, r, v, err)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	v, err := cache.Load(s.cache, cache.Key(cache.KindOrder, strconv.FormatInt(id, 10)), func() (econ.Order, error) {
		return s.eng.Store.GetOrder(r.Context(), id)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleOrdersList(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	f := store.OrderFilter{
		Owner:    strings.TrimSpace(qv.Get("owner")),
		Item:     strings.TrimSpace(qv.Get("item")),
		OpenOnly: qv.Get("open") == "true",
		Limit:    store.ClampLimit(queryLimit(r)),
	}
	key := cache.ListKey(cache.KindOrder, f.Owner+"/"+f.Item+"/"+strconv.FormatBool(f.OpenOnly)+"/"+strconv.Itoa(f.Limit))
	v, err := cache.Load(s.cache, key, func() ([]econ.Order, error) {
		return s.eng.Store.ListOrders(r.Context(), f)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleEnterprise(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	v, err := cache.Load(s.cache, cache.Key(cache.KindEnterprise, strconv.FormatInt(id, 10)), func() (econ.Enterprise, error) {
		return s.eng.Store.GetEnterprise(r.Context(), id)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleEnterprisesList(w http.ResponseWriter, r *http.Request) {
	f := store.EnterpriseFilter{
		Owner:  strings.TrimSpace(r.URL.Query().Get("owner")),
		Polity: strings.TrimSpace(r.URL.Query().Get("polity")),
		Limit:  store.ClampLimit(queryLimit(r)),
	}
	key := cache.ListKey(cache.KindEnterprise, f.Owner+"/"+f.Polity+"/"+strconv.Itoa(f.Limit))
	v, err := cache.Load(s.cache, key, func() ([]econ.Enterprise, error) {
		return s.eng.Store.ListEnterprises(r.Context(), f)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleEmployees(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	key := cache.ListKey(cache.KindEnterprise, "employees/"+strconv.FormatInt(id, 10))
	v, err := cache.Load(s.cache, key, func() ([]econ.Employee, error) {
		if _, err := s.eng.Store.GetEnterprise(r.Context(), id); err != nil {
			return nil, err
		}
		return s.eng.Store.ListEmployees(r.Context(), id)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	f := store.TxFilter{Limit: store.ClampLimit(queryLimit(r))}
	party := "all"
	if id := strings.TrimSpace(qv.Get("party_id")); id != "" {
		kind, ok := econ.ParsePartyKind(qv.Get("party_kind"))
		if !ok {
			kind = econ.PartyAccount
		}
		f.Party = &econ.Party{Kind: kind, ID: id}
		party = f.Party.String()
	}
	key := cache.ListKey(cache.KindTx, party+"/"+strconv.Itoa(f.Limit))
	v, err := cache.Load(s.cache, key, func() ([]econ.Transaction, error) {
		return s.eng.Store.ListTransactions(r.Context(), f)
	})
	s.read(w, r, v, err)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	v, err := cache.Load(s.cache, cache.Key(cache.KindTotals, ""), func() (econ.Totals, error) {
		return s.eng.Ledger.Totals(r.Context())
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totals":   v,
		"supply":   v.Supply(),
		"balanced": v.Balanced(),
	})
}
