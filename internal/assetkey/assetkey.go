// Package assetkey encodes the identity of an array position, either as a
// sortable numeric id or as a human-readable ticker.
package assetkey

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/atmx/position-ledger/internal/model"
)

// tickerRegex matches: FC-{currencyId}-{YYYYMMDD}-{D|L<marketIndex>}
// Example: FC-2-20250815-D, FC-2-20260115-L3
var tickerRegex = regexp.MustCompile(`^FC-([0-9]+)-(\d{8})-(D|L[1-7])$`)

var (
	ErrInvalidTicker = errors.New("assetkey: invalid ticker format")
	ErrInvalidKey    = errors.New("assetkey: invalid key")
)

// Key identifies a position within an account.
type Key struct {
	CurrencyID uint16     `json:"currency_id"`
	Maturity   int64      `json:"maturity"`
	Kind       model.Kind `json:"kind"`
}

// Of returns the key addressing p.
func Of(p model.Position) Key {
	return Key{CurrencyID: p.CurrencyID, Maturity: p.Maturity, Kind: p.Kind}
}

// ID packs the key into an integer whose natural order is (currency,
// maturity, kind).
func (k Key) ID() uint64 {
	return uint64(k.CurrencyID)<<48 | uint64(k.Maturity)<<8 | uint64(k.Kind)
}

// FromID unpacks an id produced by Key.ID.
func FromID(id uint64) Key {
	return Key{
		CurrencyID: uint16(id >> 48),
		Maturity:   int64(id>>8) & model.MaxTimestamp,
		Kind:       model.Kind(id & 0xFF),
	}
}

// Validate checks the key's fields against the protocol ranges.
func (k Key) Validate() error {
	if err := model.CheckCurrency(k.CurrencyID); err != nil {
		return err
	}
	if !k.Kind.Valid() {
		return fmt.Errorf("%w: kind %d", ErrInvalidKey, k.Kind)
	}
	if k.Maturity <= 0 || k.Maturity > model.MaxTimestamp {
		return fmt.Errorf("%w: maturity %d", ErrInvalidKey, k.Maturity)
	}
	return nil
}

// Ticker formats the key. Maturities that are not at midnight UTC cannot be
// expressed as a ticker.
func (k Key) Ticker() (string, error) {
	if k.Maturity%86400 != 0 {
		return "", fmt.Errorf("%w: maturity %d is not a whole day", ErrInvalidKey, k.Maturity)
	}
	date := time.Unix(k.Maturity, 0).UTC().Format("20060102")
	suffix := "D"
	if k.Kind.IsLiquidity() {
		suffix = "L" + strconv.Itoa(k.Kind.MarketIndex())
	}
	return fmt.Sprintf("FC-%d-%s-%s", k.CurrencyID, date, suffix), nil
}

// ParseTicker parses and validates a position ticker.
// Format: FC-{currencyId}-{YYYYMMDD}-{D|L<marketIndex>}
func ParseTicker(ticker string) (Key, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return Key{}, fmt.Errorf("%w: %s (expected FC-{currency}-{YYYYMMDD}-{D|L<n>})",
			ErrInvalidTicker, ticker)
	}

	currency, err := strconv.ParseUint(matches[1], 10, 16)
	if err != nil {
		return Key{}, fmt.Errorf("%w: currency %s", ErrInvalidTicker, matches[1])
	}

	expiry, err := time.Parse("20060102", matches[2])
	if err != nil {
		return Key{}, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, matches[2])
	}

	kind := model.KindDated
	if s := matches[3]; s != "D" {
		idx, _ := strconv.Atoi(s[1:])
		if kind, err = model.LiquidityKind(idx); err != nil {
			return Key{}, err
		}
	}

	k := Key{CurrencyID: uint16(currency), Maturity: expiry.Unix(), Kind: kind}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
