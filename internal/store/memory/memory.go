// Package memory is a single-process store used by tests and local runs.
// Transactions are serialised by one mutex and applied copy-on-write, so a
// failed transaction leaves no trace.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"realmecon/internal/econ"
	"realmecon/internal/notify"
	"realmecon/internal/store"
)

type employeeKey struct {
	enterprise int64
	worker     string
}

type idemKey struct {
	owner string
	key   string
}

type state struct {
	accounts    map[string]econ.Account
	treasuries  map[string]econ.Treasury
	enterprises map[int64]econ.Enterprise
	employees   map[employeeKey]econ.Employee
	items       map[string]econ.MarketItem
	orders      map[int64]econ.Order
	txs         []econ.Transaction
	taxRecords  []econ.TaxRecord
	ticks       map[string]time.Time
	idem        map[idemKey]string

	nextEnterprise int64
	nextOrder      int64
	nextTaxRecord  int64
}

func newState() *state {
	return &state{
		accounts:    map[string]econ.Account{},
		treasuries:  map[string]econ.Treasury{},
		enterprises: map[int64]econ.Enterprise{},
		employees:   map[employeeKey]econ.Employee{},
		items:       map[string]econ.MarketItem{},
		orders:      map[int64]econ.Order{},
		ticks:       map[string]time.Time{},
		idem:        map[idemKey]string{},
	}
}

func (s *state) clone() *state {
	c := &state{
		accounts:       make(map[string]econ.Account, len(s.accounts)),
		treasuries:     make(map[string]econ.Treasury, len(s.treasuries)),
		enterprises:    make(map[int64]econ.Enterprise, len(s.enterprises)),
		employees:      make(map[employeeKey]econ.Employee, len(s.employees)),
		items:          make(map[string]econ.MarketItem, len(s.items)),
		orders:         make(map[int64]econ.Order, len(s.orders)),
		txs:            s.txs[:len(s.txs):len(s.txs)],
		taxRecords:     s.taxRecords[:len(s.taxRecords):len(s.taxRecords)],
		ticks:          make(map[string]time.Time, len(s.ticks)),
		idem:           make(map[idemKey]string, len(s.idem)),
		nextEnterprise: s.nextEnterprise,
		nextOrder:      s.nextOrder,
		nextTaxRecord:  s.nextTaxRecord,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.treasuries {
		c.treasuries[k] = v
	}
	for k, v := range s.enterprises {
		c.enterprises[k] = v
	}
	for k, v := range s.employees {
		c.employees[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.ticks {
		c.ticks[k] = v
	}
	for k, v := range s.idem {
		c.idem[k] = v
	}
	return c
}

type Store struct {
	mu  sync.Mutex
	st  *state
	bus *notify.Bus
}

var _ store.Store = (*Store)(nil)

// New returns an empty store. Committed notifications go to bus when it is non-nil.
func New(bus *notify.Bus) *Store {
	return &Store{st: newState(), bus: bus}
}

func (s *Store) Close() {}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	tx := &memTx{st: s.st.clone()}
	if err := fn(ctx, tx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.st = tx.st
	s.mu.Unlock()

	if s.bus != nil {
		for _, ev := range tx.pending {
			s.bus.Publish(ev)
		}
	}
	return nil
}

type memTx struct {
	st      *state
	pending []notify.Event
}

func (t *memTx) Account(_ context.Context, owner string, _ bool) (econ.Account, error) {
	a, ok := t.st.accounts[owner]
	if !ok {
		return econ.Account{}, econ.ErrAccountNotFound
	}
	return a, nil
}

func (t *memTx) InsertAccount(_ context.Context, a econ.Account) (bool, error) {
	if _, ok := t.st.accounts[a.Owner]; ok {
		return false, nil
	}
	t.st.accounts[a.Owner] = a
	return true, nil
}

func (t *memTx) UpdateAccount(_ context.Context, a econ.Account) error {
	if _, ok := t.st.accounts[a.Owner]; !ok {
		return econ.ErrAccountNotFound
	}
	t.st.accounts[a.Owner] = a
	return nil
}

func (t *memTx) Treasury(_ context.Context, polity string, _ bool) (econ.Treasury, error) {
	tr, ok := t.st.treasuries[polity]
	if !ok {
		return econ.Treasury{}, econ.ErrTreasuryNotFound
	}
	return tr, nil
}

func (t *memTx) InsertTreasury(_ context.Context, tr econ.Treasury) (bool, error) {
	if _, ok := t.st.treasuries[tr.PolityID]; ok {
		return false, nil
	}
	t.st.treasuries[tr.PolityID] = tr
	return true, nil
}

func (t *memTx) UpdateTreasury(_ context.Context, tr econ.Treasury) error {
	if _, ok := t.st.treasuries[tr.PolityID]; !ok {
		return econ.ErrTreasuryNotFound
	}
	t.st.treasuries[tr.PolityID] = tr
	return nil
}

func (t *memTx) Enterprise(_ context.Context, id int64, _ bool) (econ.Enterprise, error) {
	e, ok := t.st.enterprises[id]
	if !ok {
		return econ.Enterprise{}, econ.ErrEnterpriseNotFound
	}
	return e, nil
}

func (t *memTx) InsertEnterprise(_ context.Context, e econ.Enterprise) (int64, error) {
	t.st.nextEnterprise++
	e.ID = t.st.nextEnterprise
	t.st.enterprises[e.ID] = e
	return e.ID, nil
}

func (t *memTx) UpdateEnterprise(_ context.Context, e econ.Enterprise) error {
	if _, ok := t.st.enterprises[e.ID]; !ok {
		return econ.ErrEnterpriseNotFound
	}
	t.st.enterprises[e.ID] = e
	return nil
}

func (t *memTx) Employee(_ context.Context, enterpriseID int64, worker string, _ bool) (econ.Employee, error) {
	e, ok := t.st.employees[employeeKey{enterpriseID, worker}]
	if !ok {
		return econ.Employee{}, econ.ErrNotEmployed
	}
	return e, nil
}

func (t *memTx) Employees(_ context.Context, enterpriseID int64, _ bool) ([]econ.Employee, error) {
	return employeesOf(t.st, enterpriseID), nil
}

func (t *memTx) InsertEmployee(_ context.Context, e econ.Employee) (bool, error) {
	k := employeeKey{e.EnterpriseID, e.Worker}
	if _, ok := t.st.employees[k]; ok {
		return false, nil
	}
	t.st.employees[k] = e
	return true, nil
}

func (t *memTx) UpdateEmployee(_ context.Context, e econ.Employee) error {
	k := employeeKey{e.EnterpriseID, e.Worker}
	if _, ok := t.st.employees[k]; !ok {
		return econ.ErrNotEmployed
	}
	t.st.employees[k] = e
	return nil
}

func (t *memTx) DeleteEmployee(_ context.Context, enterpriseID int64, worker string) error {
	k := employeeKey{enterpriseID, worker}
	if _, ok := t.st.employees[k]; !ok {
		return econ.ErrNotEmployed
	}
	delete(t.st.employees, k)
	return nil
}

func (t *memTx) Item(_ context.Context, key string, _ bool) (econ.MarketItem, error) {
	it, ok := t.st.items[key]
	if !ok {
		return econ.MarketItem{}, econ.ErrItemNotFound
	}
	return it, nil
}

func (t *memTx) SeedItem(_ context.Context, it econ.MarketItem) (bool, error) {
	if _, ok := t.st.items[it.Key]; ok {
		return false, nil
	}
	t.st.items[it.Key] = it
	return true, nil
}

func (t *memTx) UpdateItem(_ context.Context, it econ.MarketItem) error {
	if _, ok := t.st.items[it.Key]; !ok {
		return econ.ErrItemNotFound
	}
	t.st.items[it.Key] = it
	return nil
}

func (t *memTx) Order(_ context.Context, id int64, _ bool) (econ.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return econ.Order{}, econ.ErrOrderNotFound
	}
	return o, nil
}

func (t *memTx) InsertOrder(_ context.Context, o econ.Order) (int64, error) {
	t.st.nextOrder++
	o.ID = t.st.nextOrder
	t.st.orders[o.ID] = o
	return o.ID, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o econ.Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return econ.ErrOrderNotFound
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *memTx) OpenOrders(_ context.Context, item string, side econ.Side) ([]econ.Order, error) {
	var out []econ.Order
	for _, o := range t.st.orders {
		if o.ItemKey == item && o.Side == side && o.Status.Open() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LimitPriceMicros != b.LimitPriceMicros {
			if side == econ.SideBuy {
				return a.LimitPriceMicros > b.LimitPriceMicros
			}
			return a.LimitPriceMicros < b.LimitPriceMicros
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tx econ.Transaction) error {
	t.st.txs = append(t.st.txs, tx)
	return nil
}

func (t *memTx) InsertTaxRecord(_ context.Context, r econ.TaxRecord) (int64, error) {
	t.st.nextTaxRecord++
	r.ID = t.st.nextTaxRecord
	t.st.taxRecords = append(t.st.taxRecords, r)
	return r.ID, nil
}

func (t *memTx) SetTickRun(_ context.Context, name string, slot time.Time) error {
	t.st.ticks[name] = slot
	return nil
}

func (t *memTx) ClaimIdempotency(_ context.Context, owner, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return econ.NewError(econ.CodeInvalidRequest, "idempotency key is required")
	}
	k := idemKey{owner, key}
	if _, ok := t.st.idem[k]; ok {
		return econ.ErrDuplicateRequest
	}
	t.st.idem[k] = action
	return nil
}

func (t *memTx) Publish(_ context.Context, ev notify.Event) error {
	t.pending = append(t.pending, ev)
	return nil
}

func employeesOf(st *state, enterpriseID int64) []econ.Employee {
	var out []econ.Employee
	for k, e := range st.employees {
		if k.enterprise == enterpriseID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}
