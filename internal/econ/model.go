package econ

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	MicrosPerCoin = int64(1_000_000)

	// BpsScale is the number of basis points in 100%.
	BpsScale = int64(10_000)
)

var ownerRE = regexp.MustCompile(`^[A-Za-z0-9_:\-]{1,64}$`)

// SystemPrefix marks owners reserved for engine-internal accounts.
const SystemPrefix = "system:"

// EscrowOwner holds funds reserved by open buy orders.
const EscrowOwner = SystemPrefix + "market-escrow"

func ValidateOwner(owner string) error {
	owner = strings.TrimSpace(owner)
	if !ownerRE.MatchString(owner) {
		return NewError(CodeInvalidRequest, "owner id must be 1-64 chars of letters, digits, '_', ':' or '-'")
	}
	return nil
}

func IsSystemOwner(owner string) bool {
	return strings.HasPrefix(owner, SystemPrefix)
}

func CoinsToMicros(v float64) int64 {
	return int64(math.Round(v * float64(MicrosPerCoin)))
}

func MicrosToCoins(v int64) float64 {
	return float64(v) / float64(MicrosPerCoin)
}

// FormatMicros renders an amount as coins with two decimals.
func FormatMicros(v int64) string {
	return decimal.New(v, -6).StringFixed(2)
}

// BpsRate turns basis points into a decimal fraction (1000 bps -> 0.1).
func BpsRate(bps int32) decimal.Decimal {
	return decimal.New(int64(bps), -4)
}

// RateToBps converts a fraction (0.1) into basis points (1000).
func RateToBps(rate float64) int32 {
	return int32(math.Round(rate * float64(BpsScale)))
}

// ClampBps bounds a rate to [0, max].
func ClampBps(v, max int32) int32 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// PortionMicros returns floor(amount * rate), never negative.
func PortionMicros(amount int64, rate decimal.Decimal) int64 {
	if amount <= 0 || rate.Sign() <= 0 {
		return 0
	}
	v := decimal.NewFromInt(amount).Mul(rate).Floor()
	if !v.IsPositive() {
		return 0
	}
	return v.IntPart()
}

// NotionalMicros is price * quantity with overflow detection.
func NotionalMicros(priceMicros, qty int64) (int64, error) {
	v := new(big.Int).Mul(big.NewInt(priceMicros), big.NewInt(qty))
	if !v.IsInt64() {
		return 0, fmt.Errorf("notional overflow")
	}
	return v.Int64(), nil
}
