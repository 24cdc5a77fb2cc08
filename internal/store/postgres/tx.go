package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"realmecon/internal/econ"
	"realmecon/internal/notify"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Account(ctx context.Context, owner string, forUpdate bool) (econ.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx, `
		SELECT `+accountCols+`
		FROM econ.accounts
		WHERE owner = $1`+lockClause(forUpdate), owner))
	return a, notFound(err, econ.ErrAccountNotFound)
}

func (t *pgTx) InsertAccount(ctx context.Context, a econ.Account) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO econ.accounts (owner, polity_id, balance_micros, savings_micros, earned_micros, spent_micros,
			last_tx_at, last_interest_at, last_taxed_at, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (owner) DO NOTHING
	`, a.Owner, nullable(a.PolityID), a.BalanceMicros, a.SavingsMicros, a.EarnedMicros, a.SpentMicros,
		a.LastTxAt, a.LastInterestAt, a.LastTaxedAt, a.Archived, a.CreatedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, a econ.Account) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE econ.accounts
		SET polity_id = $2, balance_micros = $3, savings_micros = $4, earned_micros = $5, spent_micros = $6,
			last_tx_at = $7, last_interest_at = $8, last_taxed_at = $9, archived = $10
		WHERE owner = $1
	`, a.Owner, nullable(a.PolityID), a.BalanceMicros, a.SavingsMicros, a.EarnedMicros, a.SpentMicros,
		a.LastTxAt, a.LastInterestAt, a.LastTaxedAt, a.Archived)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return econ.ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) Treasury(ctx context.Context, polity string, forUpdate bool) (econ.Treasury, error) {
	tr, err := scanTreasury(t.tx.QueryRow(ctx, `
		SELECT `+treasuryCols+`
		FROM econ.treasuries
		WHERE polity_id = $1`+lockClause(forUpdate), polity))
	return tr, notFound(err, econ.ErrTreasuryNotFound)
}

func (t *pgTx) InsertTreasury(ctx context.Context, tr econ.Treasury) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO econ.treasuries (polity_id, balance_micros, general_rate_bps, import_rate_bps, export_rate_bps,
			tax_collected_micros, last_collection_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (polity_id) DO NOTHING
	`, tr.PolityID, tr.BalanceMicros, tr.GeneralRateBps, tr.ImportRateBps, tr.ExportRateBps,
		tr.TaxCollectedMicros, tr.LastCollectionAt, tr.CreatedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateTreasury(ctx context.Context, tr econ.Treasury) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE econ.treasuries
		SET balance_micros = $2, general_rate_bps = $3, import_rate_bps = $4, export_rate_bps = $5,
			tax_collected_micros = $6, last_collection_at = $7
		WHERE polity_id = $1
	`, tr.PolityID, tr.BalanceMicros, tr.GeneralRateBps, tr.ImportRateBps, tr.ExportRateBps,
		tr.TaxCollectedMicros, tr.LastCollectionAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return econ.ErrTreasuryNotFound
	}
	return nil
}

func (t *pgTx) Enterprise(ctx context.Context, id int64, forUpdate bool) (econ.Enterprise, error) {
	e, err := scanEnterprise(t.tx.QueryRow(ctx, `
		SELECT `+enterpriseCols+`
		FROM econ.enterprises
		WHERE id = $1`+lockClause(forUpdate), id))
	return e, notFound(err, econ.ErrEnterpriseNotFound)
}

func (t *pgTx) InsertEnterprise(ctx context.Context, e econ.Enterprise) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO econ.enterprises (owner, polity_id, type_key, name, level, balance_micros, production_rate,
			employees, max_employees, efficiency, deficit, suspended, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, e.Owner, nullable(e.PolityID), e.TypeKey, e.Name, e.Level, e.BalanceMicros, e.ProductionRate,
		e.Employees, e.MaxEmployees, e.Efficiency, e.Deficit, e.Suspended, e.CreatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) UpdateEnterprise(ctx context.Context, e econ.Enterprise) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE econ.enterprises
		SET polity_id = $2, name = $3, level = $4, balance_micros = $5, production_rate = $6, employees = $7,
			max_employees = $8, efficiency = $9, deficit = $10, suspended = $11,
			last_production_at = $12, last_payroll_at = $13, last_taxed_at = $14
		WHERE id = $1
	`, e.ID, nullable(e.PolityID), e.Name, e.Level, e.BalanceMicros, e.ProductionRate, e.Employees,
		e.MaxEmployees, e.Efficiency, e.Deficit, e.Suspended, e.LastProductionAt, e.LastPayrollAt, e.LastTaxedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return econ.ErrEnterpriseNotFound
	}
	return nil
}

func (t *pgTx) Employee(ctx context.Context, enterpriseID int64, worker string, forUpdate bool) (econ.Employee, error) {
	e, err := scanEmployee(t.tx.QueryRow(ctx, `
		SELECT `+employeeCols+`
		FROM econ.enterprise_employees
		WHERE enterprise_id = $1 AND worker = $2`+lockClause(forUpdate), enterpriseID, worker))
	return e, notFound(err, econ.ErrNotEmployed)
}

func (t *pgTx) Employees(ctx context.Context, enterpriseID int64, forUpdate bool) ([]econ.Employee, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+employeeCols+`
		FROM econ.enterprise_employees
		WHERE enterprise_id = $1
		ORDER BY worker`+lockClause(forUpdate), enterpriseID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEmployee)
}

func (t *pgTx) InsertEmployee(ctx context.Context, e econ.Employee) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO econ.enterprise_employees (enterprise_id, worker, role, salary_micros, unpaid_micros, hired_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (enterprise_id, worker) DO NOTHING
	`, e.EnterpriseID, e.Worker, e.Role, e.SalaryMicros, e.UnpaidMicros, e.HiredAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateEmployee(ctx context.Context, e econ.Employee) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE econ.enterprise_employees
		SET role = $3, salary_micros = $4, unpaid_micros = $5
		WHERE enterprise_id = $1 AND worker = $2
	`, e.EnterpriseID, e.Worker, e.Role, e.SalaryMicros, e.UnpaidMicros)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return econ.ErrNotEmployed
	}
	return nil
}

func (t *pgTx) DeleteEmployee(ctx context.Context, enterpriseID int64, worker string) error {
	cmd, err := t.tx.Exec(ctx, `
		DELETE FROM econ.enterprise_employees
		WHERE enterprise_id = $1 AND worker = $2
	`, enterpriseID, worker)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return econ.ErrNotEmployed
	}
	return nil
}

func (t *pgTx) Item(ctx context.Context, key string, forUpdate bool) (econ.MarketItem, error) {
	it, err := scanItem(t.tx.QueryRow(ctx, `
		SELECT `+itemCols+`
		FROM econ.market_items
		WHERE key = $1`+lockClause(forUpdate), key))
	return it, notFound(err, econ.ErrItemNotFound)
}

func (t *pgTx) SeedItem(ctx context.Context, it econ.MarketItem) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO econ.market_items (key, category, display_name, base_price_micros, current_price_micros,
			supply, demand, volatility, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO NOTHING
	`, it.Key, string(it.Category), it.DisplayName, it.BasePriceMicros, it.CurrentPriceMicros,
		it.Supply, it.Demand, it.Volatility, it.UpdatedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateItem(ctx context.Context, it econ.MarketItem) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE econ.market_items
		SET current_price_micros = $2, supply = $3, demand = $4, last_repriced_at = $5, updated_at = $6
		WHERE key = $1
	`, it.Key, it.CurrentPriceMicros, it.Supply, it.Demand, it.LastRepricedAt, it.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return econ.ErrItemNotFound
	}
	return nil
}

func (t *pgTx) Order(ctx context.Context, id int64, forUpdate bool) (econ.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `
		SELECT `+orderCols+`
		FROM econ.market_orders
		WHERE id = $1`+lockClause(forUpdate), id))
	return o, notFound(err, econ.ErrOrderNotFound)
}

func (t *pgTx) InsertOrder(ctx context.Context, o econ.Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO econ.market_orders (owner, item_key, side, quantity, limit_price_micros, filled_quantity,
			reserved_micros, status, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, o.Owner, o.ItemKey, string(o.Side), o.Quantity, o.LimitPriceMicros, o.FilledQuantity,
		o.ReservedMicros, string(o.Status), o.CreatedAt, o.ExpiresAt, o.UpdatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) UpdateOrder(ctx context.Context, o econ.Order) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE econ.market_orders
		SET filled_quantity = $2, reserved_micros = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, o.ID, o.FilledQuantity, o.ReservedMicros, string(o.Status), o.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return econ.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) OpenOrders(ctx context.Context, item string, side econ.Side) ([]econ.Order, error) {
	priceOrder := "limit_price_micros ASC"
	if side == econ.SideBuy {
		priceOrder = "limit_price_micros DESC"
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+orderCols+`
		FROM econ.market_orders
		WHERE item_key = $1 AND side = $2 AND status IN ('pending', 'partial')
		ORDER BY `+priceOrder+`, created_at ASC, id ASC
		FOR UPDATE
	`, item, string(side))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOrder)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tx econ.Transaction) error {
	sk, sid := partyCols(tx.Sender)
	rk, rid := partyCols(tx.Receiver)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO econ.transactions (id, kind, sender_kind, sender_id, receiver_kind, receiver_id,
			amount_micros, fee_micros, reason, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.ID, string(tx.Kind), sk, sid, rk, rid, tx.AmountMicros, tx.FeeMicros, tx.Reason, tx.CreatedAt)
	return err
}

func (t *pgTx) InsertTaxRecord(ctx context.Context, r econ.TaxRecord) (int64, error) {
	var ent *int64
	if r.EnterpriseID != 0 {
		ent = &r.EnterpriseID
	}
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO econ.tax_records (polity_id, player, enterprise_id, kind, amount_micros, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, r.PolityID, nullable(r.Player), ent, string(r.Kind), r.AmountMicros, r.CreatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) SetTickRun(ctx context.Context, name string, slot time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO econ.tick_runs (name, last_slot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_slot = GREATEST(econ.tick_runs.last_slot, EXCLUDED.last_slot), updated_at = now()
	`, name, slot)
	return err
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, owner, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return econ.NewError(econ.CodeInvalidRequest, "idempotency key is required")
	}
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO econ.idempotency_keys (owner, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (owner, key) DO NOTHING
	`, owner, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return econ.ErrDuplicateRequest
	}
	return nil
}

// Publish queues a NOTIFY that PostgreSQL delivers only on commit.
func (t *pgTx) Publish(ctx context.Context, ev notify.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ev.Topic.Channel(), payload); err != nil {
		return fmt.Errorf("notify %s: %w", ev.Topic, err)
	}
	return nil
}
