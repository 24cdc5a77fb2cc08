package postgres

import (
	"github.com/jackc/pgx/v5"

	"realmecon/internal/econ"
)

const accountCols = `owner, polity_id, balance_micros, savings_micros, earned_micros, spent_micros,
	last_tx_at, last_interest_at, last_taxed_at, archived, created_at`

func scanAccount(row pgx.Row) (econ.Account, error) {
	var a econ.Account
	var polity *string
	err := row.Scan(&a.Owner, &polity, &a.BalanceMicros, &a.SavingsMicros, &a.EarnedMicros, &a.SpentMicros,
		&a.LastTxAt, &a.LastInterestAt, &a.LastTaxedAt, &a.Archived, &a.CreatedAt)
	a.PolityID = deref(polity)
	return a, err
}

const treasuryCols = `polity_id, balance_micros, general_rate_bps, import_rate_bps, export_rate_bps,
	tax_collected_micros, last_collection_at, created_at`

func scanTreasury(row pgx.Row) (econ.Treasury, error) {
	var t econ.Treasury
	err := row.Scan(&t.PolityID, &t.BalanceMicros, &t.GeneralRateBps, &t.ImportRateBps, &t.ExportRateBps,
		&t.TaxCollectedMicros, &t.LastCollectionAt, &t.CreatedAt)
	return t, err
}

const enterpriseCols = `id, owner, polity_id, type_key, name, level, balance_micros, production_rate,
	employees, max_employees, efficiency, deficit, suspended, created_at,
	last_production_at, last_payroll_at, last_taxed_at`

func scanEnterprise(row pgx.Row) (econ.Enterprise, error) {
	var e econ.Enterprise
	var polity *string
	err := row.Scan(&e.ID, &e.Owner, &polity, &e.TypeKey, &e.Name, &e.Level, &e.BalanceMicros, &e.ProductionRate,
		&e.Employees, &e.MaxEmployees, &e.Efficiency, &e.Deficit, &e.Suspended, &e.CreatedAt,
		&e.LastProductionAt, &e.LastPayrollAt, &e.LastTaxedAt)
	e.PolityID = deref(polity)
	return e, err
}

const employeeCols = `enterprise_id, worker, role, salary_micros, unpaid_micros, hired_at`

func scanEmployee(row pgx.Row) (econ.Employee, error) {
	var e econ.Employee
	err := row.Scan(&e.EnterpriseID, &e.Worker, &e.Role, &e.SalaryMicros, &e.UnpaidMicros, &e.HiredAt)
	return e, err
}

const itemCols = `key, category, display_name, base_price_micros, current_price_micros, supply, demand,
	volatility, last_repriced_at, updated_at`

func scanItem(row pgx.Row) (econ.MarketItem, error) {
	var it econ.MarketItem
	err := row.Scan(&it.Key, &it.Category, &it.DisplayName, &it.BasePriceMicros, &it.CurrentPriceMicros,
		&it.Supply, &it.Demand, &it.Volatility, &it.LastRepricedAt, &it.UpdatedAt)
	return it, err
}

const orderCols = `id, owner, item_key, side, quantity, limit_price_micros, filled_quantity, reserved_micros,
	status, created_at, expires_at, updated_at`

func scanOrder(row pgx.Row) (econ.Order, error) {
	var o econ.Order
	err := row.Scan(&o.ID, &o.Owner, &o.ItemKey, &o.Side, &o.Quantity, &o.LimitPriceMicros, &o.FilledQuantity,
		&o.ReservedMicros, &o.Status, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt)
	return o, err
}

const transactionCols = `id, kind, sender_kind, sender_id, receiver_kind, receiver_id, amount_micros, fee_micros,
	reason, created_at`

func scanTransaction(row pgx.Row) (econ.Transaction, error) {
	var t econ.Transaction
	var sk, sid, rk, rid *string
	err := row.Scan(&t.ID, &t.Kind, &sk, &sid, &rk, &rid, &t.AmountMicros, &t.FeeMicros, &t.Reason, &t.CreatedAt)
	t.Sender = party(sk, sid)
	t.Receiver = party(rk, rid)
	return t, err
}

const taxRecordCols = `id, polity_id, player, enterprise_id, kind, amount_micros, created_at`

func scanTaxRecord(row pgx.Row) (econ.TaxRecord, error) {
	var r econ.TaxRecord
	var player *string
	var ent *int64
	err := row.Scan(&r.ID, &r.PolityID, &player, &ent, &r.Kind, &r.AmountMicros, &r.CreatedAt)
	r.Player = deref(player)
	if ent != nil {
		r.EnterpriseID = *ent
	}
	return r, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func party(kind, id *string) *econ.Party {
	if kind == nil || id == nil {
		return nil
	}
	return &econ.Party{Kind: econ.PartyKind(*kind), ID: *id}
}

func partyCols(p *econ.Party) (kind, id *string) {
	if p == nil {
		return nil, nil
	}
	k := string(p.Kind)
	return &k, &p.ID
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
