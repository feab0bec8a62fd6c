// Package model defines the core domain types shared across the position ledger.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes a plain dated claim from a liquidity claim. Liquidity
// kinds reference the market index they provide liquidity to (kind - 1).
type Kind uint8

const (
	KindDated Kind = 1

	// KindLiquidity3M is the liquidity claim on the 3-month market. It is the
	// only liquidity kind that settles at its own maturity.
	KindLiquidity3M Kind = 2

	// KindLiquidityMax is the liquidity claim on the longest (20-year) market.
	KindLiquidityMax Kind = 8
)

// Valid reports whether k is a known position kind.
func (k Kind) Valid() bool {
	return k >= KindDated && k <= KindLiquidityMax
}

// IsLiquidity reports whether k is a liquidity claim.
func (k Kind) IsLiquidity() bool {
	return k >= KindLiquidity3M && k <= KindLiquidityMax
}

// MarketIndex returns the 1-based market index of a liquidity kind, or 0.
func (k Kind) MarketIndex() int {
	if !k.IsLiquidity() {
		return 0
	}
	return int(k) - 1
}

// LiquidityKind returns the liquidity kind for a 1-based market index.
func LiquidityKind(marketIndex int) (Kind, error) {
	k := Kind(marketIndex + 1)
	if marketIndex < 1 || !k.IsLiquidity() {
		return 0, fmt.Errorf("%w: market index %d", ErrInvalidPosition, marketIndex)
	}
	return k, nil
}

func (k Kind) String() string {
	switch {
	case k == KindDated:
		return "dated"
	case k.IsLiquidity():
		return fmt.Sprintf("liquidity-%d", k.MarketIndex())
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Protocol limits.
const (
	// MaxCurrencyID is the largest id addressable by the 14-bit currency field.
	MaxCurrencyID = 0x3FFF

	// MaxArrayPositions bounds the array store and the active-currency byte list.
	MaxArrayPositions = 16

	// MaxActiveCurrencies is the capacity of the descriptor's currency list.
	MaxActiveCurrencies = 9

	// NotionalBits is the signed bit width of a persisted notional.
	NotionalBits = 88

	// MaxTimestamp is the largest time representable in the 40-bit fields.
	MaxTimestamp = 1<<40 - 1
)

var (
	// MaxNotional and MinNotional bound every persisted notional.
	MaxNotional = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), NotionalBits-1), big.NewInt(1)), 0)
	MinNotional = decimal.NewFromBigInt(new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), NotionalBits-1)), 0)
)

// CheckNotional returns an encoding violation when n is fractional or does
// not fit the signed notional width.
func CheckNotional(n decimal.Decimal) error {
	if !n.IsInteger() {
		return fmt.Errorf("%w: notional %s is not a whole number of units", ErrEncodingViolation, n)
	}
	if n.GreaterThan(MaxNotional) || n.LessThan(MinNotional) {
		return fmt.Errorf("%w: notional %s exceeds %d-bit bound", ErrEncodingViolation, n, NotionalBits)
	}
	return nil
}

// CheckCurrency validates a currency id.
func CheckCurrency(id uint16) error {
	if id == 0 || id > MaxCurrencyID {
		return fmt.Errorf("%w: currency id %d", ErrInvalidPosition, id)
	}
	return nil
}

// Position is a dated financial claim held in the array store.
// At most one position exists per (CurrencyID, Maturity, Kind).
type Position struct {
	CurrencyID uint16          `json:"currency_id"`
	Maturity   int64           `json:"maturity"`
	Kind       Kind            `json:"kind"`
	Notional   decimal.Decimal `json:"notional"`
}

// SameKey reports whether p and o address the same position.
func (p Position) SameKey(o Position) bool {
	return p.CurrencyID == o.CurrencyID && p.Maturity == o.Maturity && p.Kind == o.Kind
}

// BitmapPosition is one set bit of a bitmap-mode account.
type BitmapPosition struct {
	Maturity int64           `json:"maturity"`
	Notional decimal.Decimal `json:"notional"`
}

// SettleAmount is the net cash produced for one currency by settlement.
type SettleAmount struct {
	CurrencyID uint16          `json:"currency_id"`
	NetCash    decimal.Decimal `json:"net_cash"`
}

// LedgerEntry is an immutable record of a balance change.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID         string          `json:"id" db:"id"`
	Account    string          `json:"account" db:"account"`
	CurrencyID uint16          `json:"currency_id" db:"currency_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`   // signed
	Balance    decimal.Decimal `json:"balance" db:"balance"` // balance after the change
	Reason     string          `json:"reason" db:"reason"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Pool holds the reserves of the liquidity market for one maturity.
// Liquidity claims are shares of TotalLiquidity.
type Pool struct {
	CurrencyID     uint16          `json:"currency_id"`
	Maturity       int64           `json:"maturity"`
	TotalCash      decimal.Decimal `json:"total_cash"`
	TotalDated     decimal.Decimal `json:"total_dated"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
}
