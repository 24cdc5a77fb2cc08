package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"realmecon/internal/econ"
	"realmecon/internal/notify"
	"realmecon/internal/store"
)

type TransferInput struct {
	From           econ.Party
	To             econ.Party
	AmountMicros   int64
	Reason         string
	IdempotencyKey string
}

type AdjustInput struct {
	Party          econ.Party
	AmountMicros   int64
	Kind           econ.TxKind
	Reason         string
	IdempotencyKey string
}

type SavingsInput struct {
	Owner          string
	AmountMicros   int64
	IdempotencyKey string
}

type RatesInput struct {
	Polity     string
	GeneralBps int32
	ImportBps  int32
	ExportBps  int32
}

// external rejects ids reserved for engine-held accounts. Commands driven
// from outside the engine never touch those directly.
func external(ids ...string) error {
	for _, id := range ids {
		if econ.IsSystemOwner(strings.TrimSpace(id)) {
			return econ.NewError(econ.CodeInvalidRequest, fmt.Sprintf("%s is reserved for the engine", id))
		}
	}
	return nil
}

// Open is idempotent: an existing account is returned unchanged.
func (l *Ledger) Open(ctx context.Context, owner string) (econ.Account, error) {
	owner = strings.TrimSpace(owner)
	if err := external(owner); err != nil {
		return econ.Account{}, err
	}
	var out econ.Account
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := l.OpenTx(ctx, tx, owner)
		out = a
		return err
	})
	return out, err
}

func (l *Ledger) Transfer(ctx context.Context, in TransferInput) (econ.Transaction, error) {
	if in.AmountMicros <= 0 {
		return econ.Transaction{}, econ.ErrInvalidAmount
	}
	if in.From == in.To {
		return econ.Transaction{}, econ.NewError(econ.CodeInvalidRequest, "cannot transfer to the same party")
	}
	if err := external(in.From.ID, in.To.ID); err != nil {
		return econ.Transaction{}, err
	}
	_, fee := ApplyFee(in.AmountMicros, l.cfg.TransferFeeRate)
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "transfer"
	}
	var out econ.Transaction
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := store.Claim(ctx, tx, in.From.String(), in.IdempotencyKey, "transfer"); err != nil {
			return err
		}
		rec, err := l.Post(ctx, tx, Posting{
			Kind:   econ.TxTransfer,
			From:   &in.From,
			To:     &in.To,
			Amount: in.AmountMicros,
			Fee:    fee,
			Reason: reason,
		})
		out = rec
		return err
	})
	return out, err
}

// Mint creates money for a system-originated credit (rewards, fines reversed, grants).
func (l *Ledger) Mint(ctx context.Context, in AdjustInput) (econ.Transaction, error) {
	return l.adjust(ctx, in, true)
}

// Burn destroys money for a system-originated debit (fines, fees paid to the world).
func (l *Ledger) Burn(ctx context.Context, in AdjustInput) (econ.Transaction, error) {
	return l.adjust(ctx, in, false)
}

func (l *Ledger) adjust(ctx context.Context, in AdjustInput, mint bool) (econ.Transaction, error) {
	if _, ok := econ.ParseTxKind(string(in.Kind)); !ok {
		return econ.Transaction{}, econ.NewError(econ.CodeInvalidRequest, fmt.Sprintf("unknown transaction kind %q", in.Kind))
	}
	if err := external(in.Party.ID); err != nil {
		return econ.Transaction{}, err
	}
	action := "burn"
	p := Posting{Kind: in.Kind, Amount: in.AmountMicros, Reason: in.Reason}
	if mint {
		action = "mint"
		p.To = &in.Party
	} else {
		p.From = &in.Party
	}
	var out econ.Transaction
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := store.Claim(ctx, tx, in.Party.String(), in.IdempotencyKey, action); err != nil {
			return err
		}
		rec, err := l.Post(ctx, tx, p)
		out = rec
		return err
	})
	return out, err
}

// Deposit moves liquid balance into savings.
func (l *Ledger) Deposit(ctx context.Context, in SavingsInput) (econ.Account, error) {
	return l.moveSavings(ctx, in, econ.TxDeposit)
}

// Withdraw moves savings back into the liquid balance.
func (l *Ledger) Withdraw(ctx context.Context, in SavingsInput) (econ.Account, error) {
	return l.moveSavings(ctx, in, econ.TxWithdrawal)
}

func (l *Ledger) moveSavings(ctx context.Context, in SavingsInput, kind econ.TxKind) (econ.Account, error) {
	if in.AmountMicros <= 0 {
		return econ.Account{}, econ.ErrInvalidAmount
	}
	if err := external(in.Owner); err != nil {
		return econ.Account{}, err
	}
	party := econ.AccountParty(in.Owner)
	p := Posting{Kind: kind, From: &party, To: &party, Amount: in.AmountMicros, Reason: string(kind)}
	if kind == econ.TxDeposit {
		p.ToSavings = true
	} else {
		p.FromSavings = true
	}
	var out econ.Account
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := store.Claim(ctx, tx, party.String(), in.IdempotencyKey, string(kind)); err != nil {
			return err
		}
		if _, err := l.Post(ctx, tx, p); err != nil {
			return err
		}
		a, err := tx.Account(ctx, in.Owner, false)
		out = a
		return err
	})
	return out, err
}

// AccrueInterest credits savings interest for slot once. It returns the amount credited.
func (l *Ledger) AccrueInterest(ctx context.Context, owner string, slot time.Time) (int64, error) {
	var credited int64
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		credited = 0
		a, err := tx.Account(ctx, owner, true)
		if err != nil {
			return err
		}
		if a.Archived || (a.LastInterestAt != nil && !a.LastInterestAt.Before(slot)) {
			return nil
		}
		interest := econ.PortionMicros(a.SavingsMicros, l.cfg.InterestRate)
		if room := l.cfg.SavingsCapMicros - a.SavingsMicros; interest > room {
			interest = room
		}
		if interest > 0 {
			to := econ.AccountParty(owner)
			if _, err := l.Post(ctx, tx, Posting{
				Kind:      econ.TxInterest,
				To:        &to,
				ToSavings: true,
				Amount:    interest,
				Reason:    "savings interest " + slot.UTC().Format(time.RFC3339),
			}); err != nil {
				return err
			}
			if a, err = tx.Account(ctx, owner, true); err != nil {
				return err
			}
			credited = interest
		}
		a.LastInterestAt = &slot
		return tx.UpdateAccount(ctx, a)
	})
	return credited, err
}

// AccrueAll runs AccrueInterest for every account holding savings. Per-account
// failures are logged and skipped; an unavailable store aborts the pass.
func (l *Ledger) AccrueAll(ctx context.Context, slot time.Time) (int, error) {
	accounts, err := l.store.ListAccounts(ctx, store.AccountFilter{WithSavings: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range accounts {
		credited, err := l.AccrueInterest(ctx, a.Owner, slot)
		if err != nil {
			if econ.CodeOf(err) == econ.CodeStoreUnavailable || ctx.Err() != nil {
				return n, err
			}
			l.log.Warn("interest accrual failed", "owner", a.Owner, "err", err)
			continue
		}
		if credited > 0 {
			n++
		}
	}
	return n, nil
}

// SetCitizenship joins owner to polity, or clears it when polity is empty.
func (l *Ledger) SetCitizenship(ctx context.Context, owner, polity string) (econ.Account, error) {
	polity = strings.TrimSpace(polity)
	if err := external(owner, polity); err != nil {
		return econ.Account{}, err
	}
	var out econ.Account
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.Account(ctx, owner, true)
		if err != nil {
			return err
		}
		if a.Archived {
			return econ.ErrAccountNotFound
		}
		if polity != "" {
			if _, err := tx.Treasury(ctx, polity, false); err != nil {
				return err
			}
		}
		a.PolityID = polity
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		out = a
		return tx.Publish(ctx, notify.NewEvent(notify.TopicBalance, string(econ.PartyAccount), owner,
			notify.BalanceChanged, l.now()).WithValue(a.BalanceMicros))
	})
	return out, err
}

// Archive soft-deletes an account. Its balances stay on the books.
func (l *Ledger) Archive(ctx context.Context, owner string) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.Account(ctx, owner, true)
		if err != nil {
			return err
		}
		if a.Archived {
			return nil
		}
		a.Archived = true
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		return tx.Publish(ctx, notify.NewEvent(notify.TopicBalance, string(econ.PartyAccount), owner,
			notify.BalanceChanged, l.now()).WithValue(a.BalanceMicros))
	})
}

func (l *Ledger) OpenTreasury(ctx context.Context, polity string) (econ.Treasury, error) {
	polity = strings.TrimSpace(polity)
	if err := econ.ValidateOwner(polity); err != nil {
		return econ.Treasury{}, err
	}
	if err := external(polity); err != nil {
		return econ.Treasury{}, err
	}
	var out econ.Treasury
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := l.EnsureTreasury(ctx, tx, polity)
		out = t
		return err
	})
	return out, err
}

// SetTaxRates stores the polity's rates, each clamped to [0, max tax rate].
func (l *Ledger) SetTaxRates(ctx context.Context, in RatesInput) (econ.Treasury, error) {
	if err := external(in.Polity); err != nil {
		return econ.Treasury{}, err
	}
	var out econ.Treasury
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.Treasury(ctx, in.Polity, true)
		if err != nil {
			return err
		}
		t.GeneralRateBps = econ.ClampBps(in.GeneralBps, l.cfg.MaxTaxRateBps)
		t.ImportRateBps = econ.ClampBps(in.ImportBps, l.cfg.MaxTaxRateBps)
		t.ExportRateBps = econ.ClampBps(in.ExportBps, l.cfg.MaxTaxRateBps)
		if err := tx.UpdateTreasury(ctx, t); err != nil {
			return err
		}
		out = t
		return tx.Publish(ctx, notify.NewEvent(notify.TopicBalance, string(econ.PartyTreasury), t.PolityID,
			notify.RatesChanged, l.now()))
	})
	return out, err
}

// OpenFeeSink creates the treasury that collects fees.
func (l *Ledger) OpenFeeSink(ctx context.Context) (econ.Treasury, error) {
	var out econ.Treasury
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := l.EnsureTreasury(ctx, tx, l.cfg.FeeSink)
		out = t
		return err
	})
	return out, err
}

// Totals is the conservation snapshot: supply must equal minted minus burned.
func (l *Ledger) Totals(ctx context.Context) (econ.Totals, error) {
	return l.store.Totals(ctx)
}
