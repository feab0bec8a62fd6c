// Package market holds the liquidity pools that back liquidity claims.
//
// A pool for (currency, maturity) holds cash and a dated claim at that
// maturity. Liquidity claims are shares of the pool; withdrawing a share
// returns the same fraction of both reserves, truncated to whole units so the
// pool never pays out more than it holds.
//
// All monetary values use shopspring/decimal, never float64 for money.
package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

var (
	// ErrPoolNotFound is returned when no pool exists for the maturity.
	ErrPoolNotFound = errors.New("market: pool not found")

	// ErrInsufficientLiquidity is returned when more shares are withdrawn
	// than the pool has issued.
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity")

	// ErrInvalidAmount is returned for negative deposits or withdrawals.
	ErrInvalidAmount = errors.New("market: amount must not be negative")
)

// Remove withdraws tokens from p and returns the cash and dated claim paid
// out together with the updated pool.
func Remove(p model.Pool, tokens decimal.Decimal) (cash, dated decimal.Decimal, updated model.Pool, err error) {
	if tokens.IsNegative() {
		return decimal.Zero, decimal.Zero, p, ErrInvalidAmount
	}
	if tokens.IsZero() {
		return decimal.Zero, decimal.Zero, p, nil
	}
	if tokens.GreaterThan(p.TotalLiquidity) {
		return decimal.Zero, decimal.Zero, p, fmt.Errorf("%w: withdrawing %s of %s", ErrInsufficientLiquidity, tokens, p.TotalLiquidity)
	}

	cash, _ = p.TotalCash.Mul(tokens).QuoRem(p.TotalLiquidity, 0)
	dated, _ = p.TotalDated.Mul(tokens).QuoRem(p.TotalLiquidity, 0)

	p.TotalCash = p.TotalCash.Sub(cash)
	p.TotalDated = p.TotalDated.Sub(dated)
	p.TotalLiquidity = p.TotalLiquidity.Sub(tokens)
	return cash, dated, p, nil
}

// PoolStore reads and stages pool state. Writes become visible to the rest of
// the ledger only when the enclosing operation commits.
type PoolStore interface {
	Pool(ctx context.Context, currency uint16, maturity int64) (model.Pool, bool, error)
	SetPool(ctx context.Context, p model.Pool) error
}

// Markets implements the liquidity collaborator used by settlement.
type Markets struct {
	pools PoolStore
}

// New returns a Markets over pools.
func New(pools PoolStore) *Markets {
	return &Markets{pools: pools}
}

// RemoveLiquidity withdraws tokens from the pool at (currency, maturity).
func (m *Markets) RemoveLiquidity(ctx context.Context, currency uint16, maturity int64, tokens decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	p, ok, err := m.pools.Pool(ctx, currency, maturity)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: currency %d maturity %d", ErrPoolNotFound, currency, maturity)
	}

	cash, dated, updated, err := Remove(p, tokens)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := m.pools.SetPool(ctx, updated); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return cash, dated, nil
}

// AddLiquidity deposits reserves into the pool at (currency, maturity),
// creating it if needed, and issues tokens shares against them.
func (m *Markets) AddLiquidity(ctx context.Context, currency uint16, maturity int64, cash, dated, tokens decimal.Decimal) (model.Pool, error) {
	if cash.IsNegative() || dated.IsNegative() || tokens.IsNegative() {
		return model.Pool{}, ErrInvalidAmount
	}
	p, ok, err := m.pools.Pool(ctx, currency, maturity)
	if err != nil {
		return model.Pool{}, err
	}
	if !ok {
		p = model.Pool{CurrencyID: currency, Maturity: maturity}
	}

	p.TotalCash = p.TotalCash.Add(cash)
	p.TotalDated = p.TotalDated.Add(dated)
	p.TotalLiquidity = p.TotalLiquidity.Add(tokens)
	if err := m.pools.SetPool(ctx, p); err != nil {
		return model.Pool{}, err
	}
	return p, nil
}
