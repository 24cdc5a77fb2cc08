// Package ledger owns every balance. Other engines move money only through
// Post, inside their own store transaction.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"realmecon/internal/config"
	"realmecon/internal/econ"
	"realmecon/internal/notify"
	"realmecon/internal/store"
)

type Config struct {
	StartingBalanceMicros int64
	SavingsCapMicros      int64
	// MaxBalanceMicros caps the liquid balance a transfer may credit; 0 disables it.
	MaxBalanceMicros int64
	TransferFeeRate  decimal.Decimal
	InterestRate     decimal.Decimal
	MaxTaxRateBps    int32
	FeeSink          string
}

func ConfigFrom(c config.EngineConfig) Config {
	return Config{
		StartingBalanceMicros: econ.CoinsToMicros(c.StartingBalance),
		SavingsCapMicros:      econ.CoinsToMicros(c.SavingsCap),
		MaxBalanceMicros:      econ.CoinsToMicros(c.MaxBalance),
		TransferFeeRate:       decimal.NewFromFloat(c.TransferFeeRate),
		InterestRate:          decimal.NewFromFloat(c.InterestRate),
		MaxTaxRateBps:         econ.RateToBps(c.MaxTaxRate),
		FeeSink:               c.FeeSink,
	}
}

type Ledger struct {
	store store.Store
	cfg   Config
	now   func() time.Time
	log   *slog.Logger
}

func New(st store.Store, cfg Config, now func() time.Time, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: st, cfg: cfg, now: now, log: logger}
}

func (l *Ledger) Config() Config {
	return l.cfg
}

func (l *Ledger) FeeSink() econ.Party {
	return econ.TreasuryParty(l.cfg.FeeSink)
}

// ApplyFee splits amount into what the receiver gets and the fee, floor(amount*rate).
func ApplyFee(amount int64, rate decimal.Decimal) (net, fee int64) {
	fee = econ.PortionMicros(amount, rate)
	return amount - fee, fee
}

// Posting is one atomic money movement. A nil From mints, a nil To burns.
// The sender is debited Amount, the receiver credited Amount-Fee and the fee
// sink credited Fee.
type Posting struct {
	Kind        econ.TxKind
	From        *econ.Party
	To          *econ.Party
	FromSavings bool
	ToSavings   bool
	Amount      int64
	Fee         int64
	Reason      string
	// AllowArchived lets archived accounts take part, for flows funded by
	// money the engine already holds for them (escrow releases, settlements).
	AllowArchived bool
}

type holder struct {
	party econ.Party
	acct  *econ.Account
	tre   *econ.Treasury
	ent   *econ.Enterprise
}

func (h *holder) balance(savings bool) *int64 {
	switch {
	case h.acct != nil && savings:
		return &h.acct.SavingsMicros
	case h.acct != nil:
		return &h.acct.BalanceMicros
	case h.tre != nil:
		return &h.tre.BalanceMicros
	default:
		return &h.ent.BalanceMicros
	}
}

// Post applies p inside tx. Parties are locked in canonical order. Callers
// holding copies of a touched row must re-read it afterwards.
func (l *Ledger) Post(ctx context.Context, tx store.Tx, p Posting) (econ.Transaction, error) {
	if p.Amount <= 0 {
		return econ.Transaction{}, econ.ErrInvalidAmount
	}
	if p.Fee < 0 || p.Fee > p.Amount {
		return econ.Transaction{}, econ.NewError(econ.CodeInvalidAmount, "fee must be within [0, amount]")
	}
	if p.From == nil && p.To == nil {
		return econ.Transaction{}, econ.NewError(econ.CodeInvalidRequest, "posting needs a sender or a receiver")
	}
	if (p.FromSavings && (p.From == nil || p.From.Kind != econ.PartyAccount)) ||
		(p.ToSavings && (p.To == nil || p.To.Kind != econ.PartyAccount)) {
		return econ.Transaction{}, econ.NewError(econ.CodeInvalidRequest, "only accounts hold savings")
	}
	now := l.now().UTC()

	parties := map[econ.Party]bool{}
	if p.From != nil {
		parties[*p.From] = true
	}
	if p.To != nil {
		parties[*p.To] = true
	}
	sink := l.FeeSink()
	if p.Fee > 0 {
		if _, err := l.EnsureTreasury(ctx, tx, sink.ID); err != nil {
			return econ.Transaction{}, err
		}
		parties[sink] = true
	}
	order := make([]econ.Party, 0, len(parties))
	for party := range parties {
		order = append(order, party)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })

	holders := make(map[econ.Party]*holder, len(order))
	for _, party := range order {
		h, err := load(ctx, tx, party, p.AllowArchived)
		if err != nil {
			return econ.Transaction{}, err
		}
		holders[party] = h
	}

	if p.From != nil {
		h := holders[*p.From]
		bal := h.balance(p.FromSavings)
		if *bal < p.Amount {
			return econ.Transaction{}, econ.NewError(econ.CodeInsufficientFunds,
				fmt.Sprintf("insufficient funds: %s has %s, needs %s", p.From, econ.FormatMicros(*bal), econ.FormatMicros(p.Amount)))
		}
		*bal -= p.Amount
	}
	net := p.Amount - p.Fee
	if p.To != nil {
		h := holders[*p.To]
		bal := h.balance(p.ToSavings)
		*bal += net
		if p.ToSavings && *bal > l.cfg.SavingsCapMicros {
			return econ.Transaction{}, econ.NewError(econ.CodeCapExceeded,
				fmt.Sprintf("savings cap is %s", econ.FormatMicros(l.cfg.SavingsCapMicros)))
		}
		if p.Kind == econ.TxTransfer && !p.ToSavings && l.cfg.MaxBalanceMicros > 0 && *bal > l.cfg.MaxBalanceMicros {
			return econ.Transaction{}, econ.NewError(econ.CodeCapExceeded,
				fmt.Sprintf("%s would exceed the balance cap of %s", p.To, econ.FormatMicros(l.cfg.MaxBalanceMicros)))
		}
	}
	if p.Fee > 0 {
		holders[sink].tre.BalanceMicros += p.Fee
	}

	internal := p.From != nil && p.To != nil && *p.From == *p.To
	if p.From != nil {
		if a := holders[*p.From].acct; a != nil {
			if !internal {
				a.SpentMicros += p.Amount
			}
			a.LastTxAt = &now
		}
	}
	if p.To != nil {
		h := holders[*p.To]
		if a := h.acct; a != nil {
			if !internal {
				a.EarnedMicros += net
			}
			a.LastTxAt = &now
		}
		if h.tre != nil && p.Kind == econ.TxTax {
			h.tre.TaxCollectedMicros += net
		}
	}

	for _, party := range order {
		if err := save(ctx, tx, holders[party]); err != nil {
			return econ.Transaction{}, err
		}
	}

	rec := econ.Transaction{
		ID:           uuid.NewString(),
		Kind:         p.Kind,
		Sender:       p.From,
		Receiver:     p.To,
		AmountMicros: p.Amount,
		FeeMicros:    p.Fee,
		Reason:       p.Reason,
		CreatedAt:    now,
	}
	if err := tx.InsertTransaction(ctx, rec); err != nil {
		return econ.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	for _, party := range order {
		h := holders[party]
		ev := notify.NewEvent(notify.TopicBalance, string(party.Kind), party.ID, notify.BalanceChanged, now).
			WithValue(*h.balance(false))
		if err := tx.Publish(ctx, ev); err != nil {
			return econ.Transaction{}, err
		}
	}
	return rec, nil
}

func load(ctx context.Context, tx store.Tx, p econ.Party, allowArchived bool) (*holder, error) {
	h := &holder{party: p}
	switch p.Kind {
	case econ.PartyAccount:
		a, err := tx.Account(ctx, p.ID, true)
		if err != nil {
			return nil, notFoundAs(err, econ.CodeAccountNotFound, p)
		}
		if a.Archived && !allowArchived {
			return nil, econ.NewError(econ.CodeAccountNotFound, fmt.Sprintf("account %s is archived", p.ID))
		}
		h.acct = &a
	case econ.PartyTreasury:
		t, err := tx.Treasury(ctx, p.ID, true)
		if err != nil {
			return nil, notFoundAs(err, econ.CodeTreasuryNotFound, p)
		}
		h.tre = &t
	case econ.PartyEnterprise:
		id, err := p.EnterpriseID()
		if err != nil {
			return nil, econ.NewError(econ.CodeEnterpriseNotFound, fmt.Sprintf("enterprise %q not found", p.ID))
		}
		e, err := tx.Enterprise(ctx, id, true)
		if err != nil {
			return nil, notFoundAs(err, econ.CodeEnterpriseNotFound, p)
		}
		h.ent = &e
	default:
		return nil, econ.NewError(econ.CodeInvalidRequest, fmt.Sprintf("unknown party kind %q", p.Kind))
	}
	return h, nil
}

func notFoundAs(err error, code econ.Code, p econ.Party) error {
	if econ.CodeOf(err) == code {
		return econ.Wrap(code, fmt.Sprintf("%s %s not found", p.Kind, p.ID), err)
	}
	return err
}

func save(ctx context.Context, tx store.Tx, h *holder) error {
	switch {
	case h.acct != nil:
		return tx.UpdateAccount(ctx, *h.acct)
	case h.tre != nil:
		return tx.UpdateTreasury(ctx, *h.tre)
	default:
		return tx.UpdateEnterprise(ctx, *h.ent)
	}
}

// EnsureTreasury creates an empty treasury for polity when it is missing.
func (l *Ledger) EnsureTreasury(ctx context.Context, tx store.Tx, polity string) (econ.Treasury, error) {
	t, err := tx.Treasury(ctx, polity, false)
	if err == nil {
		return t, nil
	}
	if econ.CodeOf(err) != econ.CodeTreasuryNotFound {
		return econ.Treasury{}, err
	}
	t = econ.Treasury{PolityID: polity, CreatedAt: l.now().UTC()}
	if _, err := tx.InsertTreasury(ctx, t); err != nil {
		return econ.Treasury{}, err
	}
	return tx.Treasury(ctx, polity, false)
}

// EnsureSystemAccount creates an engine-held account without a starting grant.
func (l *Ledger) EnsureSystemAccount(ctx context.Context, tx store.Tx, owner string) error {
	_, err := tx.InsertAccount(ctx, econ.Account{Owner: owner, CreatedAt: l.now().UTC()})
	return err
}

// OpenTx creates owner's account with the starting grant if it does not exist yet.
func (l *Ledger) OpenTx(ctx context.Context, tx store.Tx, owner string) (econ.Account, error) {
	if err := econ.ValidateOwner(owner); err != nil {
		return econ.Account{}, err
	}
	created, err := tx.InsertAccount(ctx, econ.Account{Owner: owner, CreatedAt: l.now().UTC()})
	if err != nil {
		return econ.Account{}, err
	}
	if created && l.cfg.StartingBalanceMicros > 0 {
		to := econ.AccountParty(owner)
		if _, err := l.Post(ctx, tx, Posting{
			Kind:   econ.TxReward,
			To:     &to,
			Amount: l.cfg.StartingBalanceMicros,
			Reason: "starting balance",
		}); err != nil {
			return econ.Account{}, err
		}
	}
	return tx.Account(ctx, owner, false)
}
