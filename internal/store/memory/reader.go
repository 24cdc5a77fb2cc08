package memory

import (
	"context"
	"sort"
	"time"

	"realmecon/internal/econ"
	"realmecon/internal/store"
)

func (s *Store) view() *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *Store) GetAccount(_ context.Context, owner string) (econ.Account, error) {
	a, ok := s.view().accounts[owner]
	if !ok {
		return econ.Account{}, econ.ErrAccountNotFound
	}
	return a, nil
}

func (s *Store) ListAccounts(_ context.Context, f store.AccountFilter) ([]econ.Account, error) {
	st := s.view()
	var out []econ.Account
	for _, a := range st.accounts {
		if a.Archived || econ.IsSystemOwner(a.Owner) {
			continue
		}
		if f.Polity != "" && a.PolityID != f.Polity {
			continue
		}
		if f.WithSavings && a.SavingsMicros <= 0 {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return limit(out, f.Limit), nil
}

func (s *Store) GetTreasury(_ context.Context, polity string) (econ.Treasury, error) {
	tr, ok := s.view().treasuries[polity]
	if !ok {
		return econ.Treasury{}, econ.ErrTreasuryNotFound
	}
	return tr, nil
}

func (s *Store) ListTreasuries(_ context.Context) ([]econ.Treasury, error) {
	st := s.view()
	out := make([]econ.Treasury, 0, len(st.treasuries))
	for _, tr := range st.treasuries {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolityID < out[j].PolityID })
	return out, nil
}

func (s *Store) GetItem(_ context.Context, key string) (econ.MarketItem, error) {
	it, ok := s.view().items[key]
	if !ok {
		return econ.MarketItem{}, econ.ErrItemNotFound
	}
	return it, nil
}

func (s *Store) ListItems(_ context.Context) ([]econ.MarketItem, error) {
	st := s.view()
	out := make([]econ.MarketItem, 0, len(st.items))
	for _, it := range st.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) GetOrder(_ context.Context, id int64) (econ.Order, error) {
	o, ok := s.view().orders[id]
	if !ok {
		return econ.Order{}, econ.ErrOrderNotFound
	}
	return o, nil
}

func (s *Store) ListOrders(_ context.Context, f store.OrderFilter) ([]econ.Order, error) {
	st := s.view()
	var out []econ.Order
	for _, o := range st.orders {
		if f.Owner != "" && o.Owner != f.Owner {
			continue
		}
		if f.Item != "" && o.ItemKey != f.Item {
			continue
		}
		if f.OpenOnly && !o.Status.Open() {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return limit(out, f.Limit), nil
}

func (s *Store) OpenOrderItems(_ context.Context) ([]string, error) {
	st := s.view()
	seen := map[string]bool{}
	var out []string
	for _, o := range st.orders {
		if o.Status.Open() && !seen[o.ItemKey] {
			seen[o.ItemKey] = true
			out = append(out, o.ItemKey)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ExpiredOrderIDs(_ context.Context, now time.Time) ([]int64, error) {
	st := s.view()
	var out []int64
	for _, o := range st.orders {
		if o.Status.Open() && o.Expired(now) {
			out = append(out, o.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) GetEnterprise(_ context.Context, id int64) (econ.Enterprise, error) {
	e, ok := s.view().enterprises[id]
	if !ok {
		return econ.Enterprise{}, econ.ErrEnterpriseNotFound
	}
	return e, nil
}

func (s *Store) ListEnterprises(_ context.Context, f store.EnterpriseFilter) ([]econ.Enterprise, error) {
	st := s.view()
	var out []econ.Enterprise
	for _, e := range st.enterprises {
		if f.Owner != "" && e.Owner != f.Owner {
			continue
		}
		if f.Polity != "" && e.PolityID != f.Polity {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limit(out, f.Limit), nil
}

func (s *Store) ListEmployees(_ context.Context, enterpriseID int64) ([]econ.Employee, error) {
	return employeesOf(s.view(), enterpriseID), nil
}

func (s *Store) ListTransactions(_ context.Context, f store.TxFilter) ([]econ.Transaction, error) {
	st := s.view()
	var out []econ.Transaction
	for i := len(st.txs) - 1; i >= 0; i-- {
		tx := st.txs[i]
		if f.Party != nil && !involves(tx, *f.Party) {
			continue
		}
		out = append(out, tx)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func involves(tx econ.Transaction, p econ.Party) bool {
	return (tx.Sender != nil && *tx.Sender == p) || (tx.Receiver != nil && *tx.Receiver == p)
}

func (s *Store) ListTaxRecords(_ context.Context, polity string, n int) ([]econ.TaxRecord, error) {
	st := s.view()
	var out []econ.TaxRecord
	for i := len(st.taxRecords) - 1; i >= 0; i-- {
		r := st.taxRecords[i]
		if polity != "" && r.PolityID != polity {
			continue
		}
		out = append(out, r)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out, nil
}

func (s *Store) LastTickRun(_ context.Context, name string) (time.Time, bool, error) {
	slot, ok := s.view().ticks[name]
	return slot, ok, nil
}

func (s *Store) Totals(_ context.Context) (econ.Totals, error) {
	st := s.view()
	var t econ.Totals
	for _, a := range st.accounts {
		t.AccountsMicros += a.BalanceMicros
		t.SavingsMicros += a.SavingsMicros
	}
	for _, tr := range st.treasuries {
		t.TreasuriesMicros += tr.BalanceMicros
	}
	for _, e := range st.enterprises {
		t.EnterprisesMicros += e.BalanceMicros
	}
	for _, tx := range st.txs {
		if tx.Sender == nil {
			t.MintedMicros += tx.AmountMicros
		}
		if tx.Receiver == nil {
			t.BurnedMicros += tx.AmountMicros - tx.FeeMicros
		}
	}
	return t, nil
}

func limit[T any](in []T, n int) []T {
	if n > 0 && len(in) > n {
		return in[:n]
	}
	return in
}
