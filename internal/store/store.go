// Package store defines the persistence boundary shared by every engine.
//
// Engines only mutate state inside InTx. A Tx sees its own writes, holds row
// locks for everything read with forUpdate, and publishes notifications that
// are delivered only if the transaction commits.
package store

import (
	"context"
	"strings"
	"time"

	"realmecon/internal/econ"
	"realmecon/internal/notify"
)

type Store interface {
	Reader
	// InTx runs fn in one serializable transaction, retrying on serialization
	// conflicts. fn may run more than once and must not keep state between calls.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close()
}

type Tx interface {
	Account(ctx context.Context, owner string, forUpdate bool) (econ.Account, error)
	// InsertAccount reports false when the owner already exists.
	InsertAccount(ctx context.Context, a econ.Account) (bool, error)
	UpdateAccount(ctx context.Context, a econ.Account) error

	Treasury(ctx context.Context, polity string, forUpdate bool) (econ.Treasury, error)
	InsertTreasury(ctx context.Context, t econ.Treasury) (bool, error)
	UpdateTreasury(ctx context.Context, t econ.Treasury) error

	Enterprise(ctx context.Context, id int64, forUpdate bool) (econ.Enterprise, error)
	InsertEnterprise(ctx context.Context, e econ.Enterprise) (int64, error)
	UpdateEnterprise(ctx context.Context, e econ.Enterprise) error

	Employee(ctx context.Context, enterpriseID int64, worker string, forUpdate bool) (econ.Employee, error)
	Employees(ctx context.Context, enterpriseID int64, forUpdate bool) ([]econ.Employee, error)
	InsertEmployee(ctx context.Context, e econ.Employee) (bool, error)
	UpdateEmployee(ctx context.Context, e econ.Employee) error
	DeleteEmployee(ctx context.Context, enterpriseID int64, worker string) error

	Item(ctx context.Context, key string, forUpdate bool) (econ.MarketItem, error)
	// SeedItem inserts the item unless the key already exists.
	SeedItem(ctx context.Context, it econ.MarketItem) (bool, error)
	UpdateItem(ctx context.Context, it econ.MarketItem) error

	Order(ctx context.Context, id int64, forUpdate bool) (econ.Order, error)
	InsertOrder(ctx context.Context, o econ.Order) (int64, error)
	UpdateOrder(ctx context.Context, o econ.Order) error
	// OpenOrders returns locked pending/partial orders for one side of an item in
	// match priority: best price first, then created_at, then id.
	OpenOrders(ctx context.Context, item string, side econ.Side) ([]econ.Order, error)

	InsertTransaction(ctx context.Context, t econ.Transaction) error
	InsertTaxRecord(ctx context.Context, r econ.TaxRecord) (int64, error)

	SetTickRun(ctx context.Context, name string, slot time.Time) error
	ClaimIdempotency(ctx context.Context, owner, key, action string) error

	Publish(ctx context.Context, ev notify.Event) error
}

// Zero limits mean no limit; read endpoints clamp them first.
type AccountFilter struct {
	Polity      string
	WithSavings bool
	Limit       int
}

type EnterpriseFilter struct {
	Owner  string
	Polity string
	Limit  int
}

type OrderFilter struct {
	Owner    string
	Item     string
	OpenOnly bool
	Limit    int
}

type TxFilter struct {
	Party *econ.Party
	Limit int
}

// Reader serves read models and the entity scans ticks iterate over.
// Reads are not locked and may be stale by the time they are used.
type Reader interface {
	GetAccount(ctx context.Context, owner string) (econ.Account, error)
	ListAccounts(ctx context.Context, f AccountFilter) ([]econ.Account, error)
	GetTreasury(ctx context.Context, polity string) (econ.Treasury, error)
	ListTreasuries(ctx context.Context) ([]econ.Treasury, error)
	GetItem(ctx context.Context, key string) (econ.MarketItem, error)
	ListItems(ctx context.Context) ([]econ.MarketItem, error)
	GetOrder(ctx context.Context, id int64) (econ.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]econ.Order, error)
	OpenOrderItems(ctx context.Context) ([]string, error)
	ExpiredOrderIDs(ctx context.Context, now time.Time) ([]int64, error)
	GetEnterprise(ctx context.Context, id int64) (econ.Enterprise, error)
	ListEnterprises(ctx context.Context, f EnterpriseFilter) ([]econ.Enterprise, error)
	ListEmployees(ctx context.Context, enterpriseID int64) ([]econ.Employee, error)
	ListTransactions(ctx context.Context, f TxFilter) ([]econ.Transaction, error)
	ListTaxRecords(ctx context.Context, polity string, limit int) ([]econ.TaxRecord, error)
	LastTickRun(ctx context.Context, name string) (time.Time, bool, error)
	Totals(ctx context.Context) (econ.Totals, error)
}

const DefaultListLimit = 100

// ClampLimit bounds list sizes for read endpoints.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// Claim records an idempotency key for owner inside tx. An empty key is a no-op,
// a repeated one fails with econ.ErrDuplicateRequest.
func Claim(ctx context.Context, tx Tx, owner, key, action string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return tx.ClaimIdempotency(ctx, owner, key, action)
}
