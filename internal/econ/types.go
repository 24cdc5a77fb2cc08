package econ

import (
	"strconv"
	"strings"
	"time"
)

// PartyKind identifies which kind of balance holder a Party is.
type PartyKind string

const (
	PartyAccount    PartyKind = "account"
	PartyTreasury   PartyKind = "treasury"
	PartyEnterprise PartyKind = "enterprise"
)

// Party is any holder of a balance: a player account, a polity treasury or an enterprise.
type Party struct {
	Kind PartyKind `json:"kind"`
	ID   string    `json:"id"`
}

func AccountParty(owner string) Party {
	return Party{Kind: PartyAccount, ID: owner}
}

func TreasuryParty(polity string) Party {
	return Party{Kind: PartyTreasury, ID: polity}
}

func EnterpriseParty(id int64) Party {
	return Party{Kind: PartyEnterprise, ID: strconv.FormatInt(id, 10)}
}

func (p Party) String() string {
	return string(p.Kind) + ":" + p.ID
}

func (p Party) EnterpriseID() (int64, error) {
	return strconv.ParseInt(p.ID, 10, 64)
}

// Less orders parties canonically. Rows are always locked in this order.
func (p Party) Less(o Party) bool {
	if p.Kind != o.Kind {
		return p.Kind < o.Kind
	}
	if p.Kind == PartyEnterprise {
		a, errA := p.EnterpriseID()
		b, errB := o.EnterpriseID()
		if errA == nil && errB == nil {
			return a < b
		}
	}
	return p.ID < o.ID
}

func ParsePartyKind(s string) (PartyKind, bool) {
	switch k := PartyKind(strings.ToLower(strings.TrimSpace(s))); k {
	case PartyAccount, PartyTreasury, PartyEnterprise:
		return k, true
	default:
		return "", false
	}
}

type Account struct {
	Owner          string     `json:"owner"`
	PolityID       string     `json:"polity_id,omitempty"`
	BalanceMicros  int64      `json:"balance_micros"`
	SavingsMicros  int64      `json:"savings_micros"`
	EarnedMicros   int64      `json:"earned_micros"`
	SpentMicros    int64      `json:"spent_micros"`
	LastTxAt       *time.Time `json:"last_tx_at,omitempty"`
	LastInterestAt *time.Time `json:"last_interest_at,omitempty"`
	LastTaxedAt    *time.Time `json:"last_taxed_at,omitempty"`
	Archived       bool       `json:"archived"`
	CreatedAt      time.Time  `json:"created_at"`
}

type Treasury struct {
	PolityID           string     `json:"polity_id"`
	BalanceMicros      int64      `json:"balance_micros"`
	GeneralRateBps     int32      `json:"general_rate_bps"`
	ImportRateBps      int32      `json:"import_rate_bps"`
	ExportRateBps      int32      `json:"export_rate_bps"`
	TaxCollectedMicros int64      `json:"tax_collected_micros"`
	LastCollectionAt   *time.Time `json:"last_collection_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type TxKind string

const (
	TxTransfer         TxKind = "transfer"
	TxPayment          TxKind = "payment"
	TxDeposit          TxKind = "deposit"
	TxWithdrawal       TxKind = "withdrawal"
	TxTax              TxKind = "tax"
	TxSalary           TxKind = "salary"
	TxMarketBuy        TxKind = "market-buy"
	TxMarketSell       TxKind = "market-sell"
	TxProductionProfit TxKind = "production-profit"
	TxInterest         TxKind = "interest"
	TxFine             TxKind = "fine"
	TxReward           TxKind = "reward"
)

func ParseTxKind(s string) (TxKind, bool) {
	switch k := TxKind(strings.ToLower(strings.TrimSpace(s))); k {
	case TxTransfer, TxPayment, TxDeposit, TxWithdrawal, TxTax, TxSalary, TxMarketBuy, TxMarketSell,
		TxProductionProfit, TxInterest, TxFine, TxReward:
		return k, true
	default:
		return "", false
	}
}

// Transaction is an immutable ledger record. A nil Sender is a mint, a nil Receiver a burn.
// Deposit and withdrawal move money inside one account and carry the account on both sides.
type Transaction struct {
	ID           string    `json:"id"`
	Kind         TxKind    `json:"kind"`
	Sender       *Party    `json:"sender,omitempty"`
	Receiver     *Party    `json:"receiver,omitempty"`
	AmountMicros int64     `json:"amount_micros"`
	FeeMicros    int64     `json:"fee_micros"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

type ItemCategory string

const (
	CategoryRaw      ItemCategory = "raw"
	CategoryFood     ItemCategory = "food"
	CategoryMaterial ItemCategory = "material"
	CategoryTool     ItemCategory = "tool"
	CategoryLuxury   ItemCategory = "luxury"
)

type MarketItem struct {
	Key                string       `json:"key"`
	Category           ItemCategory `json:"category"`
	DisplayName        string       `json:"display_name"`
	BasePriceMicros    int64        `json:"base_price_micros"`
	CurrentPriceMicros int64        `json:"current_price_micros"`
	Supply             int64        `json:"supply"`
	Demand             int64        `json:"demand"`
	Volatility         float64      `json:"volatility"`
	LastRepricedAt     *time.Time   `json:"last_repriced_at,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func ParseSide(s string) (Side, bool) {
	switch v := Side(strings.ToLower(strings.TrimSpace(s))); v {
	case SideBuy, SideSell:
		return v, true
	default:
		return "", false
	}
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Open reports whether the order can still be matched, cancelled or expired.
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderPartial
}

// CanTransition allows only forward moves: pending -> partial -> filled, or any open state to cancelled/expired.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	switch s {
	case OrderPending:
		return to == OrderPartial || to == OrderFilled || to == OrderCancelled || to == OrderExpired
	case OrderPartial:
		return to == OrderPartial || to == OrderFilled || to == OrderCancelled || to == OrderExpired
	default:
		return false
	}
}

type Order struct {
	ID               int64       `json:"id"`
	Owner            string      `json:"owner"`
	ItemKey          string      `json:"item_key"`
	Side             Side        `json:"side"`
	Quantity         int64       `json:"quantity"`
	LimitPriceMicros int64       `json:"limit_price_micros"`
	FilledQuantity   int64       `json:"filled_quantity"`
	ReservedMicros   int64       `json:"reserved_micros"`
	Status           OrderStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (o Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Expired reports whether the order is past its expiry at now.
func (o Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

type Enterprise struct {
	ID               int64      `json:"id"`
	Owner            string     `json:"owner"`
	PolityID         string     `json:"polity_id,omitempty"`
	TypeKey          string     `json:"type_key"`
	Name             string     `json:"name"`
	Level            int32      `json:"level"`
	BalanceMicros    int64      `json:"balance_micros"`
	ProductionRate   int64      `json:"production_rate"`
	Employees        int32      `json:"employees"`
	MaxEmployees     int32      `json:"max_employees"`
	Efficiency       int32      `json:"efficiency"`
	Deficit          bool       `json:"deficit"`
	Suspended        bool       `json:"suspended"`
	CreatedAt        time.Time  `json:"created_at"`
	LastProductionAt *time.Time `json:"last_production_at,omitempty"`
	LastPayrollAt    *time.Time `json:"last_payroll_at,omitempty"`
	LastTaxedAt      *time.Time `json:"last_taxed_at,omitempty"`
}

type Employee struct {
	EnterpriseID int64     `json:"enterprise_id"`
	Worker       string    `json:"worker"`
	Role         string    `json:"role"`
	SalaryMicros int64     `json:"salary_micros"`
	UnpaidMicros int64     `json:"unpaid_micros"`
	HiredAt      time.Time `json:"hired_at"`
}

type TaxKind string

const (
	TaxGeneral    TaxKind = "general"
	TaxEnterprise TaxKind = "enterprise"
	TaxImport     TaxKind = "import"
	TaxExport     TaxKind = "export"
)

type TaxRecord struct {
	ID           int64     `json:"id"`
	PolityID     string    `json:"polity_id"`
	Player       string    `json:"player,omitempty"`
	EnterpriseID int64     `json:"enterprise_id,omitempty"`
	Kind         TaxKind   `json:"kind"`
	AmountMicros int64     `json:"amount_micros"`
	CreatedAt    time.Time `json:"created_at"`
}

// Totals is the money supply snapshot used to prove conservation.
type Totals struct {
	AccountsMicros    int64 `json:"accounts_micros"`
	SavingsMicros     int64 `json:"savings_micros"`
	TreasuriesMicros  int64 `json:"treasuries_micros"`
	EnterprisesMicros int64 `json:"enterprises_micros"`
	MintedMicros      int64 `json:"minted_micros"`
	BurnedMicros      int64 `json:"burned_micros"`
}

// Supply is every coin currently held anywhere.
func (t Totals) Supply() int64 {
	return t.AccountsMicros + t.SavingsMicros + t.TreasuriesMicros + t.EnterprisesMicros
}

// Balanced reports whether the supply equals everything ever minted minus everything burned.
func (t Totals) Balanced() bool {
	return t.Supply() == t.MintedMicros-t.BurnedMicros
}
