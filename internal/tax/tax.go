// Package tax collects the periodic general tax of each polity from its
// citizens and the enterprises registered under it.
package tax

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"realmecon/internal/econ"
	"realmecon/internal/ledger"
	"realmecon/internal/notify"
	"realmecon/internal/store"
)

type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	log    *slog.Logger
	now    func() time.Time
}

func New(st store.Store, l *ledger.Ledger, now func() time.Time, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{store: st, ledger: l, log: logger, now: now}
}

type Report struct {
	Polity          string `json:"polity"`
	Accounts        int    `json:"accounts"`
	Enterprises     int    `json:"enterprises"`
	Failed          int    `json:"failed"`
	CollectedMicros int64  `json:"collected_micros"`
}

// Collect taxes every citizen account and enterprise of polity once for slot.
// Each entity is taxed in its own transaction and carries its own marker, so
// an interrupted run can be replayed without double charging.
func (e *Engine) Collect(ctx context.Context, polity string, slot time.Time) (Report, error) {
	rep := Report{Polity: polity}
	if _, err := e.store.GetTreasury(ctx, polity); err != nil {
		return rep, err
	}
	accounts, err := e.store.ListAccounts(ctx, store.AccountFilter{Polity: polity})
	if err != nil {
		return rep, err
	}
	for _, a := range accounts {
		amount, err := e.taxAccount(ctx, polity, a.Owner, slot)
		if err != nil {
			if fatal(ctx, err) {
				return rep, err
			}
			rep.Failed++
			e.log.Warn("tax account failed", "polity", polity, "owner", a.Owner, "err", err)
			continue
		}
		if amount > 0 {
			rep.Accounts++
			rep.CollectedMicros += amount
		}
	}

	ents, err := e.store.ListEnterprises(ctx, store.EnterpriseFilter{Polity: polity})
	if err != nil {
		return rep, err
	}
	for _, ent := range ents {
		amount, err := e.taxEnterprise(ctx, polity, ent.ID, slot)
		if err != nil {
			if fatal(ctx, err) {
				return rep, err
			}
			rep.Failed++
			e.log.Warn("tax enterprise failed", "polity", polity, "enterprise_id", ent.ID, "err", err)
			continue
		}
		if amount > 0 {
			rep.Enterprises++
			rep.CollectedMicros += amount
		}
	}

	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.Treasury(ctx, polity, true)
		if err != nil {
			return err
		}
		if t.LastCollectionAt == nil || t.LastCollectionAt.Before(slot) {
			t.LastCollectionAt = &slot
			if err := tx.UpdateTreasury(ctx, t); err != nil {
				return err
			}
		}
		return tx.Publish(ctx, notify.NewEvent(notify.TopicBalance, string(econ.PartyTreasury), polity,
			notify.TaxCollected, e.now()).WithValue(rep.CollectedMicros))
	})
	return rep, err
}

func (e *Engine) taxAccount(ctx context.Context, polity, owner string, slot time.Time) (int64, error) {
	var amount int64
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		amount = 0
		a, err := tx.Account(ctx, owner, true)
		if err != nil {
			return err
		}
		if a.Archived || a.PolityID != polity || (a.LastTaxedAt != nil && !a.LastTaxedAt.Before(slot)) {
			return nil
		}
		rate, err := generalRate(ctx, tx, polity)
		if err != nil {
			return err
		}
		from := econ.AccountParty(owner)
		if amount, err = e.charge(ctx, tx, polity, from, a.BalanceMicros, rate, econ.TaxRecord{Player: owner, Kind: econ.TaxGeneral}); err != nil {
			return err
		}
		if amount > 0 {
			if a, err = tx.Account(ctx, owner, true); err != nil {
				return err
			}
		}
		a.LastTaxedAt = &slot
		return tx.UpdateAccount(ctx, a)
	})
	return amount, err
}

func (e *Engine) taxEnterprise(ctx context.Context, polity string, id int64, slot time.Time) (int64, error) {
	var amount int64
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		amount = 0
		ent, err := tx.Enterprise(ctx, id, true)
		if err != nil {
			return err
		}
		if ent.PolityID != polity || (ent.LastTaxedAt != nil && !ent.LastTaxedAt.Before(slot)) {
			return nil
		}
		rate, err := generalRate(ctx, tx, polity)
		if err != nil {
			return err
		}
		from := econ.EnterpriseParty(id)
		if amount, err = e.charge(ctx, tx, polity, from, ent.BalanceMicros, rate, econ.TaxRecord{EnterpriseID: id, Kind: econ.TaxEnterprise}); err != nil {
			return err
		}
		if amount > 0 {
			if ent, err = tx.Enterprise(ctx, id, true); err != nil {
				return err
			}
		}
		ent.LastTaxedAt = &slot
		return tx.UpdateEnterprise(ctx, ent)
	})
	return amount, err
}

func generalRate(ctx context.Context, tx store.Tx, polity string) (decimal.Decimal, error) {
	t, err := tx.Treasury(ctx, polity, false)
	if err != nil {
		return decimal.Zero, err
	}
	return econ.BpsRate(t.GeneralRateBps), nil
}

// charge debits floor(balance*rate) into the polity treasury and records it.
func (e *Engine) charge(ctx context.Context, tx store.Tx, polity string, from econ.Party, balance int64, rate decimal.Decimal, rec econ.TaxRecord) (int64, error) {
	amount := econ.PortionMicros(balance, rate)
	if amount <= 0 {
		return 0, nil
	}
	to := econ.TreasuryParty(polity)
	if _, err := e.ledger.Post(ctx, tx, ledger.Posting{
		Kind:   econ.TxTax,
		From:   &from,
		To:     &to,
		Amount: amount,
		Reason: string(rec.Kind) + " tax",
	}); err != nil {
		return 0, err
	}
	rec.PolityID = polity
	rec.AmountMicros = amount
	rec.CreatedAt = e.now().UTC()
	if _, err := tx.InsertTaxRecord(ctx, rec); err != nil {
		return 0, err
	}
	return amount, nil
}

// CollectAll runs Collect for every polity. Per-polity failures are logged and
// skipped; an unavailable store aborts the pass.
func (e *Engine) CollectAll(ctx context.Context, slot time.Time) (int64, error) {
	treasuries, err := e.store.ListTreasuries(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, t := range treasuries {
		rep, err := e.Collect(ctx, t.PolityID, slot)
		total += rep.CollectedMicros
		if err != nil {
			if fatal(ctx, err) {
				return total, err
			}
			e.log.Warn("tax collection failed", "polity", t.PolityID, "err", err)
			continue
		}
		if rep.Failed > 0 {
			e.log.Warn("tax collection incomplete", "polity", t.PolityID, "failed", rep.Failed)
		}
		e.log.Info("tax collected", "polity", t.PolityID, "accounts", rep.Accounts,
			"enterprises", rep.Enterprises, "collected", econ.FormatMicros(rep.CollectedMicros), "slot", slot)
	}
	return total, nil
}

func fatal(ctx context.Context, err error) bool {
	return econ.CodeOf(err) == econ.CodeStoreUnavailable || ctx.Err() != nil
}
