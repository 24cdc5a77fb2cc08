package enterprise

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"realmecon/internal/econ"
	"realmecon/internal/ledger"
	"realmecon/internal/notify"
	"realmecon/internal/store"
)

type ProductionReport struct {
	EnterpriseID      int64 `json:"enterprise_id"`
	Skipped           bool  `json:"skipped"`
	Output            int64 `json:"output"`
	RevenueMicros     int64 `json:"revenue_micros"`
	MaintenanceMicros int64 `json:"maintenance_micros"`
	Deficit           bool  `json:"deficit"`
	Suspended         bool  `json:"suspended"`
}

type PayrollReport struct {
	EnterpriseID int64 `json:"enterprise_id"`
	Skipped      bool  `json:"skipped"`
	Paid         int   `json:"paid"`
	Missed       int   `json:"missed"`
	PaidMicros   int64 `json:"paid_micros"`
}

var tenth = decimal.New(1, -1)

// output is baseProduction*level*(efficiency/100)*(employees/cap), floored.
func output(typ econ.EnterpriseType, ent econ.Enterprise) int64 {
	if ent.MaxEmployees <= 0 || ent.Employees <= 0 || ent.Efficiency <= 0 {
		return 0
	}
	v := decimal.NewFromInt(typ.BaseProduction * int64(ent.Level)).
		Mul(decimal.New(int64(ent.Efficiency), -2)).
		Mul(decimal.NewFromInt(int64(ent.Employees))).
		Div(decimal.NewFromInt(int64(ent.MaxEmployees)))
	return v.Floor().IntPart()
}

// maintenance is baseMaintenance*level*(1 + 0.1*employees), floored.
func maintenance(typ econ.EnterpriseType, ent econ.Enterprise) int64 {
	f := decimal.NewFromInt(1).Add(tenth.Mul(decimal.NewFromInt(int64(ent.Employees))))
	return decimal.NewFromInt(typ.BaseMaintenanceMicros() * int64(max(ent.Level, 1))).Mul(f).Floor().IntPart()
}

// Produce runs one production period for the enterprise. A suspended
// enterprise produces nothing but still pays maintenance. A second call for
// the same slot is a no-op.
func (e *Engine) Produce(ctx context.Context, id int64, slot time.Time) (ProductionReport, error) {
	var rep ProductionReport
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rep = ProductionReport{EnterpriseID: id}
		ent, err := tx.Enterprise(ctx, id, true)
		if err != nil {
			return err
		}
		if ent.LastProductionAt != nil && !ent.LastProductionAt.Before(slot) {
			rep.Skipped = true
			return nil
		}
		rep.Suspended = ent.Suspended
		typ, err := e.catalog.EnterpriseType(ent.TypeKey)
		if err != nil {
			return err
		}
		party := econ.EnterpriseParty(id)

		if !ent.Suspended {
			rep.Output = output(typ, ent)
		}
		if rep.Output > 0 {
			rep.RevenueMicros, err = e.market.SellIntoMarket(ctx, tx, typ.OutputItem, rep.Output)
			if econ.CodeOf(err) == econ.CodeItemNotFound {
				rep.RevenueMicros, err = rep.Output*typ.UnitValueMicros(), nil
			}
			if err != nil {
				return err
			}
		}
		if rep.RevenueMicros > 0 {
			if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
				Kind:   econ.TxProductionProfit,
				To:     &party,
				Amount: rep.RevenueMicros,
				Reason: fmt.Sprintf("produced %d %s", rep.Output, typ.OutputItem),
			}); err != nil {
				return err
			}
			if ent, err = tx.Enterprise(ctx, id, true); err != nil {
				return err
			}
		}

		due := maintenance(typ, ent)
		rep.MaintenanceMicros = min(due, ent.BalanceMicros)
		rep.Deficit = due > ent.BalanceMicros
		if rep.MaintenanceMicros > 0 {
			if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
				Kind:   econ.TxPayment,
				From:   &party,
				Amount: rep.MaintenanceMicros,
				Reason: "maintenance",
			}); err != nil {
				return err
			}
			if ent, err = tx.Enterprise(ctx, id, true); err != nil {
				return err
			}
		}

		now := e.now().UTC()
		ent.Deficit = rep.Deficit
		if rep.Deficit {
			ent.Efficiency = max(ent.Efficiency-e.cfg.EfficiencyDecay, 0)
			if !ent.Suspended && ent.Efficiency < e.cfg.SuspendThreshold {
				ent.Suspended = true
				rep.Suspended = true
				e.log.Warn("enterprise suspended", "enterprise_id", id, "efficiency", ent.Efficiency)
				if err := tx.Publish(ctx, entEvent(id, notify.EnterpriseSuspended, now).
					WithValue(int64(ent.Efficiency))); err != nil {
					return err
				}
			}
		} else {
			ent.Efficiency = min(ent.Efficiency+e.cfg.EfficiencyRecovery, 100)
		}
		ent.ProductionRate = rep.Output
		ent.LastProductionAt = &slot
		if err := tx.UpdateEnterprise(ctx, ent); err != nil {
			return err
		}
		return tx.Publish(ctx, entEvent(id, notify.EnterpriseProduced, now).WithValue(rep.RevenueMicros))
	})
	return rep, err
}

// RunPayroll pays every employee their salary plus anything still owed, all or
// nothing per employee. Unpaid salary accumulates. A second call for the same
// slot is a no-op.
func (e *Engine) RunPayroll(ctx context.Context, id int64, slot time.Time) (PayrollReport, error) {
	var rep PayrollReport
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rep = PayrollReport{EnterpriseID: id}
		ent, err := tx.Enterprise(ctx, id, true)
		if err != nil {
			return err
		}
		if ent.LastPayrollAt != nil && !ent.LastPayrollAt.Before(slot) {
			rep.Skipped = true
			return nil
		}
		staff, err := tx.Employees(ctx, id, true)
		if err != nil {
			return err
		}
		sort.Slice(staff, func(i, j int) bool { return staff[i].Worker < staff[j].Worker })

		now := e.now().UTC()
		available := ent.BalanceMicros
		from := econ.EnterpriseParty(id)
		for _, emp := range staff {
			due := emp.SalaryMicros + emp.UnpaidMicros
			if due <= 0 {
				continue
			}
			if due > available {
				emp.UnpaidMicros += emp.SalaryMicros
				rep.Missed++
				e.log.Warn("missed payroll", "enterprise_id", id, "worker", emp.Worker, "unpaid_micros", emp.UnpaidMicros)
				if err := tx.UpdateEmployee(ctx, emp); err != nil {
					return err
				}
				if err := tx.Publish(ctx, entEvent(id, notify.MissedPayroll, now).WithValue(emp.UnpaidMicros)); err != nil {
					return err
				}
				continue
			}
			to := econ.AccountParty(emp.Worker)
			if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
				Kind:          econ.TxSalary,
				From:          &from,
				To:            &to,
				Amount:        due,
				Reason:        "salary " + emp.Role,
				AllowArchived: true,
			}); err != nil {
				return err
			}
			available -= due
			rep.Paid++
			rep.PaidMicros += due
			if emp.UnpaidMicros != 0 {
				emp.UnpaidMicros = 0
				if err := tx.UpdateEmployee(ctx, emp); err != nil {
					return err
				}
			}
		}

		if ent, err = tx.Enterprise(ctx, id, true); err != nil {
			return err
		}
		ent.LastPayrollAt = &slot
		return tx.UpdateEnterprise(ctx, ent)
	})
	return rep, err
}

// ProduceAll runs Produce for every enterprise. Failures are logged and
// skipped; an unavailable store aborts the pass.
func (e *Engine) ProduceAll(ctx context.Context, slot time.Time) (int, error) {
	return e.each(ctx, "production", func(ctx context.Context, id int64) (bool, error) {
		rep, err := e.Produce(ctx, id, slot)
		return !rep.Skipped, err
	})
}

// PayrollAll runs RunPayroll for every enterprise.
func (e *Engine) PayrollAll(ctx context.Context, slot time.Time) (int, error) {
	return e.each(ctx, "payroll", func(ctx context.Context, id int64) (bool, error) {
		rep, err := e.RunPayroll(ctx, id, slot)
		return !rep.Skipped, err
	})
}

func (e *Engine) each(ctx context.Context, job string, fn func(ctx context.Context, id int64) (bool, error)) (int, error) {
	ents, err := e.store.ListEnterprises(ctx, store.EnterpriseFilter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range ents {
		done, err := fn(ctx, ent.ID)
		if err != nil {
			if econ.CodeOf(err) == econ.CodeStoreUnavailable || ctx.Err() != nil {
				return n, err
			}
			e.log.Warn(job+" failed", "enterprise_id", ent.ID, "err", err)
			continue
		}
		if done {
			n++
		}
	}
	return n, nil
}
