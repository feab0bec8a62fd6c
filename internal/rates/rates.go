// Package rates fixes the settlement rate of each (currency, maturity) pair.
// The first lookup after maturity takes the current rate from a Source and
// persists it; every later lookup returns the persisted value.
package rates

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownCurrency = errors.New("rates: no rate source for currency")
	ErrInvalidRate     = errors.New("rates: rate must be positive")
)

// RateStore persists established rates.
type RateStore interface {
	SettlementRate(ctx context.Context, currency uint16, maturity int64) (decimal.Decimal, bool, error)
	SetSettlementRate(ctx context.Context, currency uint16, maturity int64, rate decimal.Decimal) error
}

// Source provides the rate to fix when none has been established yet.
type Source interface {
	CurrentRate(ctx context.Context, currency uint16, maturity int64) (decimal.Decimal, error)
}

// StaticSource returns a configured rate per currency regardless of maturity.
type StaticSource map[uint16]decimal.Decimal

func (s StaticSource) CurrentRate(_ context.Context, currency uint16, _ int64) (decimal.Decimal, error) {
	r, ok := s[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrUnknownCurrency, currency)
	}
	return r, nil
}

// Oracle implements the settlement rate collaborator.
type Oracle struct {
	store  RateStore
	source Source
}

// NewOracle returns an Oracle persisting to store and sourcing new rates
// from source.
func NewOracle(store RateStore, source Source) *Oracle {
	return &Oracle{store: store, source: source}
}

// SettlementRate returns the rate for (currency, maturity), fixing it on
// first use.
func (o *Oracle) SettlementRate(ctx context.Context, currency uint16, maturity int64) (decimal.Decimal, error) {
	r, ok, err := o.store.SettlementRate(ctx, currency, maturity)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return r, nil
	}

	r, err = o.source.CurrentRate(ctx, currency, maturity)
	if err != nil {
		return decimal.Zero, err
	}
	if !r.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s for currency %d", ErrInvalidRate, r, currency)
	}
	if err := o.store.SetSettlementRate(ctx, currency, maturity, r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}
