package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"realmecon/internal/econ"
	"realmecon/internal/store"
)

func (s *Store) GetAccount(ctx context.Context, owner string) (econ.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountCols+` FROM econ.accounts WHERE owner = $1`, owner))
	return a, s.readErr(notFound(err, econ.ErrAccountNotFound))
}

func (s *Store) ListAccounts(ctx context.Context, f store.AccountFilter) ([]econ.Account, error) {
	where := []string{"NOT archived", "owner NOT LIKE 'system:%'"}
	var args []any
	if f.Polity != "" {
		args = append(args, f.Polity)
		where = append(where, fmt.Sprintf("polity_id = $%d", len(args)))
	}
	if f.WithSavings {
		where = append(where, "savings_micros > 0")
	}
	limitSQL := ""
	if f.Limit > 0 {
		args = append(args, f.Limit)
		limitSQL = fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+accountCols+`
		FROM econ.accounts
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY owner`+limitSQL, args...)
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := collect(rows, scanAccount)
	return out, s.readErr(err)
}

func (s *Store) GetTreasury(ctx context.Context, polity string) (econ.Treasury, error) {
	tr, err := scanTreasury(s.db.QueryRow(ctx, `SELECT `+treasuryCols+` FROM econ.treasuries WHERE polity_id = $1`, polity))
	return tr, s.readErr(notFound(err, econ.ErrTreasuryNotFound))
}

func (s *Store) ListTreasuries(ctx context.Context) ([]econ.Treasury, error) {
	rows, err := s.db.Query(ctx, `SELECT `+treasuryCols+` FROM econ.treasuries ORDER BY polity_id`)
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := collect(rows, scanTreasury)
	return out, s.readErr(err)
}

func (s *Store) GetItem(ctx context.Context, key string) (econ.MarketItem, error) {
	it, err := scanItem(s.db.QueryRow(ctx, `SELECT `+itemCols+` FROM econ.market_items WHERE key = $1`, key))
	return it, s.readErr(notFound(err, econ.ErrItemNotFound))
}

func (s *Store) ListItems(ctx context.Context) ([]econ.MarketItem, error) {
	rows, err := s.db.Query(ctx, `SELECT `+itemCols+` FROM econ.market_items ORDER BY key`)
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := collect(rows, scanItem)
	return out, s.readErr(err)
}

func (s *Store) GetOrder(ctx context.Context, id int64) (econ.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderCols+` FROM econ.market_orders WHERE id = $1`, id))
	return o, s.readErr(notFound(err, econ.ErrOrderNotFound))
}

func (s *Store) ListOrders(ctx context.Context, f store.OrderFilter) ([]econ.Order, error) {
	where := []string{"TRUE"}
	var args []any
	if f.Owner != "" {
		args = append(args, f.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if f.Item != "" {
		args = append(args, f.Item)
		where = append(where, fmt.Sprintf("item_key = $%d", len(args)))
	}
	if f.OpenOnly {
		where = append(where, "status IN ('pending', 'partial')")
	}
	args = append(args, store.ClampLimit(f.Limit))
	rows, err := s.db.Query(ctx, `
		SELECT `+orderCols+`
		FROM econ.market_orders
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := collect(rows, scanOrder)
	return out, s.readErr(err)
}

func (s *Store) OpenOrderItems(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT item_key
		FROM econ.market_orders
		WHERE status IN ('pending', 'partial')
		ORDER BY item_key
	`)
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return out, s.readErr(err)
}

func (s *Store) ExpiredOrderIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id
		FROM econ.market_orders
		WHERE status IN ('pending', 'partial') AND expires_at <= $1
		ORDER BY id
	`, now)
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return out, s.readErr(err)
}

func (s *Store) GetEnterprise(ctx context.Context, id int64) (econ.Enterprise, error) {
	e, err := scanEnterprise(s.db.QueryRow(ctx, `SELECT `+enterpriseCols+` FROM econ.enterprises WHERE id = $1`, id))
	return e, s.readErr(notFound(err, econ.ErrEnterpriseNotFound))
}

func (s *Store) ListEnterprises(ctx context.Context, f store.EnterpriseFilter) ([]econ.Enterprise, error) {
	where := []string{"TRUE"}
	var args []any
	if f.Owner != "" {
		args = append(args, f.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if f.Polity != "" {
		args = append(args, f.Polity)
		where = append(where, fmt.Sprintf("polity_id = $%d", len(args)))
	}
	limitSQL := ""
	if f.Limit > 0 {
		args = append(args, f.Limit)
		limitSQL = fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+enterpriseCols+`
		FROM econ.enterprises
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id`+limitSQL, args...)
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := collect(rows, scanEnterprise)
	return out, s.readErr(err)
}

func (s *Store) ListEmployees(ctx context.Context, enterpriseID int64) ([]econ.Employee, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+employeeCols+`
		FROM econ.enterprise_employees
		WHERE enterprise_id = $1
		ORDER BY worker
	`, enterpriseID)
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := collect(rows, scanEmployee)
	return out, s.readErr(err)
}

func (s *Store) ListTransactions(ctx context.Context, f store.TxFilter) ([]econ.Transaction, error) {
	cols := strings.Replace(transactionCols, "id, kind", "id::text, kind", 1)
	var rows pgx.Rows
	var err error
	if f.Party != nil {
		rows, err = s.db.Query(ctx, `
			SELECT `+cols+`
			FROM econ.transactions
			WHERE (sender_kind = $1 AND sender_id = $2) OR (receiver_kind = $1 AND receiver_id = $2)
			ORDER BY created_at DESC, id
			LIMIT $3
		`, string(f.Party.Kind), f.Party.ID, store.ClampLimit(f.Limit))
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT `+cols+`
			FROM econ.transactions
			ORDER BY created_at DESC, id
			LIMIT $1
		`, store.ClampLimit(f.Limit))
	}
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := collect(rows, scanTransaction)
	return out, s.readErr(err)
}

func (s *Store) ListTaxRecords(ctx context.Context, polity string, limit int) ([]econ.TaxRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taxRecordCols+`
		FROM econ.tax_records
		WHERE $1 = '' OR polity_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, polity, store.ClampLimit(limit))
	if err != nil {
		return nil, s.readErr(err)
	}
	out, err := collect(rows, scanTaxRecord)
	return out, s.readErr(err)
}

func (s *Store) LastTickRun(ctx context.Context, name string) (time.Time, bool, error) {
	var slot time.Time
	err := s.db.QueryRow(ctx, `SELECT last_slot FROM econ.tick_runs WHERE name = $1`, name).Scan(&slot)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, s.readErr(err)
	}
	return slot, true, nil
}

func (s *Store) Totals(ctx context.Context) (econ.Totals, error) {
	var t econ.Totals
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COALESCE(SUM(balance_micros), 0)::bigint FROM econ.accounts),
			(SELECT COALESCE(SUM(savings_micros), 0)::bigint FROM econ.accounts),
			(SELECT COALESCE(SUM(balance_micros), 0)::bigint FROM econ.treasuries),
			(SELECT COALESCE(SUM(balance_micros), 0)::bigint FROM econ.enterprises),
			(SELECT COALESCE(SUM(amount_micros), 0)::bigint FROM econ.transactions WHERE sender_kind IS NULL),
			(SELECT COALESCE(SUM(amount_micros - fee_micros), 0)::bigint FROM econ.transactions WHERE receiver_kind IS NULL)
	`).Scan(&t.AccountsMicros, &t.SavingsMicros, &t.TreasuriesMicros, &t.EnterprisesMicros, &t.MintedMicros, &t.BurnedMicros)
	return t, s.readErr(err)
}

func (s *Store) readErr(err error) error {
	if err == nil {
		return nil
	}
	return classify(err)
}
