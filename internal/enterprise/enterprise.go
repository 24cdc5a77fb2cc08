// Package enterprise runs player-owned producers: founding, staffing,
// capital moves, upgrades, and the production and payroll ticks.
package enterprise

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"realmecon/internal/config"
	"realmecon/internal/econ"
	"realmecon/internal/ledger"
	"realmecon/internal/notify"
	"realmecon/internal/store"
)

type Config struct {
	BaseSalaryMicros   int64
	EfficiencyDecay    int32
	EfficiencyRecovery int32
	SuspendThreshold   int32
}

func ConfigFrom(c config.EngineConfig) Config {
	return Config{
		BaseSalaryMicros:   econ.CoinsToMicros(c.BaseSalary),
		EfficiencyDecay:    c.EfficiencyDecay,
		EfficiencyRecovery: c.EfficiencyRecovery,
		SuspendThreshold:   c.SuspendThreshold,
	}
}

// Market sells produced units inside the caller's transaction and returns the revenue.
type Market interface {
	SellIntoMarket(ctx context.Context, tx store.Tx, item string, units int64) (int64, error)
}

type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	market  Market
	catalog *econ.Catalog
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func New(st store.Store, l *ledger.Ledger, m Market, cat *econ.Catalog, cfg Config, now func() time.Time, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{store: st, ledger: l, market: m, catalog: cat, cfg: cfg, log: logger, now: now}
}

type FoundInput struct {
	Owner string
	Type  string
	// Polity defaults to the owner's citizenship.
	Polity         string
	Name           string
	IdempotencyKey string
}

type HireInput struct {
	EnterpriseID   int64
	Owner          string
	Worker         string
	Role           string
	IdempotencyKey string
}

type FundsInput struct {
	EnterpriseID   int64
	Owner          string
	AmountMicros   int64
	IdempotencyKey string
}

func validateName(name string) error {
	if name == "" || len(name) > 64 {
		return econ.NewError(econ.CodeInvalidRequest, "enterprise name must be 1-64 characters")
	}
	return nil
}

// Found pays the type's base cost out of the owner's account and creates a
// level 1 enterprise at full efficiency.
func (e *Engine) Found(ctx context.Context, in FoundInput) (econ.Enterprise, error) {
	in.Owner = strings.TrimSpace(in.Owner)
	in.Name = strings.TrimSpace(in.Name)
	in.Polity = strings.TrimSpace(in.Polity)
	if err := econ.ValidateOwner(in.Owner); err != nil {
		return econ.Enterprise{}, err
	}
	if econ.IsSystemOwner(in.Owner) || econ.IsSystemOwner(in.Polity) {
		return econ.Enterprise{}, econ.NewError(econ.CodeInvalidRequest, "system accounts cannot found enterprises")
	}
	if err := validateName(in.Name); err != nil {
		return econ.Enterprise{}, err
	}
	typ, err := e.catalog.EnterpriseType(in.Type)
	if err != nil {
		return econ.Enterprise{}, err
	}

	var out econ.Enterprise
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := store.Claim(ctx, tx, in.Owner, in.IdempotencyKey, "found"); err != nil {
			return err
		}
		owner, err := tx.Account(ctx, in.Owner, false)
		if err != nil {
			return err
		}
		polity := in.Polity
		if polity == "" {
			polity = owner.PolityID
		}
		if polity != "" {
			if _, err := tx.Treasury(ctx, polity, false); err != nil {
				return err
			}
		}
		if cost := typ.BaseCostMicros(); cost > 0 {
			from := econ.AccountParty(in.Owner)
			if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
				Kind:   econ.TxPayment,
				From:   &from,
				Amount: cost,
				Reason: fmt.Sprintf("found %s %q", typ.Key, in.Name),
			}); err != nil {
				return err
			}
		}
		ent := econ.Enterprise{
			Owner:        in.Owner,
			PolityID:     polity,
			TypeKey:      typ.Key,
			Name:         in.Name,
			Level:        1,
			MaxEmployees: typ.EmployeeCap(1),
			Efficiency:   100,
			CreatedAt:    e.now().UTC(),
		}
		id, err := tx.InsertEnterprise(ctx, ent)
		if err != nil {
			return err
		}
		ent.ID = id
		out = ent
		return tx.Publish(ctx, entEvent(id, notify.EnterpriseUpdated, ent.CreatedAt))
	})
	return out, err
}

// owned locks the enterprise and checks that owner runs it. Foreign
// enterprises look the same as missing ones.
func owned(ctx context.Context, tx store.Tx, id int64, owner string) (econ.Enterprise, error) {
	ent, err := tx.Enterprise(ctx, id, true)
	if err != nil {
		return econ.Enterprise{}, err
	}
	if ent.Owner != owner {
		return econ.Enterprise{}, econ.ErrEnterpriseNotFound
	}
	return ent, nil
}

// Hire adds worker to the enterprise, opening the worker's account when needed.
func (e *Engine) Hire(ctx context.Context, in HireInput) (econ.Employee, error) {
	in.Worker = strings.TrimSpace(in.Worker)
	if err := econ.ValidateOwner(in.Worker); err != nil {
		return econ.Employee{}, err
	}
	if econ.IsSystemOwner(in.Worker) {
		return econ.Employee{}, econ.NewError(econ.CodeInvalidRequest, "system accounts cannot be hired")
	}
	role, err := e.catalog.Role(in.Role)
	if err != nil {
		return econ.Employee{}, err
	}
	salary := econ.PortionMicros(e.cfg.BaseSalaryMicros, decimal.NewFromFloat(role.SalaryMultiplier))

	var out econ.Employee
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := store.Claim(ctx, tx, in.Owner, in.IdempotencyKey, "hire"); err != nil {
			return err
		}
		ent, err := owned(ctx, tx, in.EnterpriseID, in.Owner)
		if err != nil {
			return err
		}
		if _, err := tx.Employee(ctx, ent.ID, in.Worker, false); err == nil {
			return econ.ErrAlreadyEmployed
		} else if econ.CodeOf(err) != econ.CodeNotEmployed {
			return err
		}
		if ent.Employees >= ent.MaxEmployees {
			return econ.NewError(econ.CodeEnterpriseCapacityExceeded,
				fmt.Sprintf("%s already employs %d of %d", ent.Name, ent.Employees, ent.MaxEmployees))
		}
		if _, err := e.ledger.OpenTx(ctx, tx, in.Worker); err != nil {
			return err
		}
		now := e.now().UTC()
		emp := econ.Employee{
			EnterpriseID: ent.ID,
			Worker:       in.Worker,
			Role:         role.Key,
			SalaryMicros: salary,
			HiredAt:      now,
		}
		created, err := tx.InsertEmployee(ctx, emp)
		if err != nil {
			return err
		}
		if !created {
			return econ.ErrAlreadyEmployed
		}
		ent.Employees++
		if err := tx.UpdateEnterprise(ctx, ent); err != nil {
			return err
		}
		out = emp
		return tx.Publish(ctx, entEvent(ent.ID, notify.EnterpriseUpdated, now))
	})
	return out, err
}

// Fire removes worker and settles as much owed salary as the enterprise can pay.
// It returns the amount paid out.
func (e *Engine) Fire(ctx context.Context, enterpriseID int64, owner, worker string) (int64, error) {
	var paid int64
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		paid = 0
		ent, err := owned(ctx, tx, enterpriseID, owner)
		if err != nil {
			return err
		}
		emp, err := tx.Employee(ctx, ent.ID, worker, true)
		if err != nil {
			return err
		}
		if owed := min(emp.UnpaidMicros, ent.BalanceMicros); owed > 0 {
			from, to := econ.EnterpriseParty(ent.ID), econ.AccountParty(worker)
			if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
				Kind:          econ.TxSalary,
				From:          &from,
				To:            &to,
				Amount:        owed,
				Reason:        "severance: owed salary",
				AllowArchived: true,
			}); err != nil {
				return err
			}
			paid = owed
		}
		if paid < emp.UnpaidMicros {
			e.log.Warn("fired with salary still owed", "enterprise_id", ent.ID, "worker", worker,
				"owed_micros", emp.UnpaidMicros-paid)
		}
		if err := tx.DeleteEmployee(ctx, ent.ID, worker); err != nil {
			return err
		}
		if ent, err = tx.Enterprise(ctx, ent.ID, true); err != nil {
			return err
		}
		ent.Employees = max(ent.Employees-1, 0)
		if err := tx.UpdateEnterprise(ctx, ent); err != nil {
			return err
		}
		return tx.Publish(ctx, entEvent(ent.ID, notify.EnterpriseUpdated, e.now()))
	})
	return paid, err
}

// Capitalize moves money from the owner into the enterprise. Enough capital to
// cover one maintenance period lifts a suspension.
func (e *Engine) Capitalize(ctx context.Context, in FundsInput) (econ.Enterprise, error) {
	if in.AmountMicros <= 0 {
		return econ.Enterprise{}, econ.ErrInvalidAmount
	}
	var out econ.Enterprise
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := store.Claim(ctx, tx, in.Owner, in.IdempotencyKey, "capitalize"); err != nil {
			return err
		}
		ent, err := owned(ctx, tx, in.EnterpriseID, in.Owner)
		if err != nil {
			return err
		}
		typ, err := e.catalog.EnterpriseType(ent.TypeKey)
		if err != nil {
			return err
		}
		from, to := econ.AccountParty(in.Owner), econ.EnterpriseParty(ent.ID)
		if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
			Kind:   econ.TxPayment,
			From:   &from,
			To:     &to,
			Amount: in.AmountMicros,
			Reason: "capitalize " + ent.Name,
		}); err != nil {
			return err
		}
		if ent, err = tx.Enterprise(ctx, ent.ID, true); err != nil {
			return err
		}
		ent.Deficit = false
		if ent.Suspended && ent.BalanceMicros >= maintenance(typ, ent) {
			ent.Suspended = false
		}
		if err := tx.UpdateEnterprise(ctx, ent); err != nil {
			return err
		}
		out = ent
		return nil
	})
	return out, err
}

// Withdraw moves money from the enterprise back to its owner.
func (e *Engine) Withdraw(ctx context.Context, in FundsInput) (econ.Enterprise, error) {
	if in.AmountMicros <= 0 {
		return econ.Enterprise{}, econ.ErrInvalidAmount
	}
	var out econ.Enterprise
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := store.Claim(ctx, tx, in.Owner, in.IdempotencyKey, "enterprise-withdraw"); err != nil {
			return err
		}
		ent, err := owned(ctx, tx, in.EnterpriseID, in.Owner)
		if err != nil {
			return err
		}
		from, to := econ.EnterpriseParty(ent.ID), econ.AccountParty(in.Owner)
		if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
			Kind:   econ.TxPayment,
			From:   &from,
			To:     &to,
			Amount: in.AmountMicros,
			Reason: "withdraw from " + ent.Name,
		}); err != nil {
			return err
		}
		out, err = tx.Enterprise(ctx, ent.ID, false)
		return err
	})
	return out, err
}

// Upgrade raises the level by one. The owner pays base cost times the current level.
func (e *Engine) Upgrade(ctx context.Context, enterpriseID int64, owner, idempotencyKey string) (econ.Enterprise, error) {
	var out econ.Enterprise
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := store.Claim(ctx, tx, owner, idempotencyKey, "upgrade"); err != nil {
			return err
		}
		ent, err := owned(ctx, tx, enterpriseID, owner)
		if err != nil {
			return err
		}
		typ, err := e.catalog.EnterpriseType(ent.TypeKey)
		if err != nil {
			return err
		}
		if ent.Level >= typ.MaxLevel {
			return econ.NewError(econ.CodeInvalidRequest, fmt.Sprintf("%s is already at max level %d", ent.Name, typ.MaxLevel))
		}
		if cost := typ.BaseCostMicros() * int64(ent.Level); cost > 0 {
			from := econ.AccountParty(owner)
			if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
				Kind:   econ.TxPayment,
				From:   &from,
				Amount: cost,
				Reason: fmt.Sprintf("upgrade %s to level %d", ent.Name, ent.Level+1),
			}); err != nil {
				return err
			}
		}
		ent.Level++
		ent.MaxEmployees = typ.EmployeeCap(ent.Level)
		if err := tx.UpdateEnterprise(ctx, ent); err != nil {
			return err
		}
		out = ent
		return tx.Publish(ctx, entEvent(ent.ID, notify.EnterpriseUpdated, e.now()))
	})
	return out, err
}

func entEvent(id int64, event string, at time.Time) notify.Event {
	return notify.NewEvent(notify.TopicBalance, string(econ.PartyEnterprise), strconv.FormatInt(id, 10), event, at)
}
