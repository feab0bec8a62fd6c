// Package settlement retires matured positions into cash. Array accounts are
// settled entry by entry; bitmap accounts have the expired prefix of their
// mask settled and the remaining bits re-indexed to the new reference time.
package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/portfolio"
)

// RateOracle returns the settlement rate for a (currency, maturity) pair.
// The first call for a pair fixes the rate permanently.
type RateOracle interface {
	SettlementRate(ctx context.Context, currency uint16, maturity int64) (decimal.Decimal, error)
}

// Market withdraws liquidity claims from their pool, returning the cash and
// the dated claim they represent.
type Market interface {
	RemoveLiquidity(ctx context.Context, currency uint16, maturity int64, tokens decimal.Decimal) (cash, dated decimal.Decimal, err error)
}

// cashAccumulator sums cash per currency in first-seen order.
type cashAccumulator struct {
	amounts []model.SettleAmount
}

func (c *cashAccumulator) add(currency uint16, cash decimal.Decimal) {
	for i := range c.amounts {
		if c.amounts[i].CurrencyID == currency {
			c.amounts[i].NetCash = c.amounts[i].NetCash.Add(cash)
			return
		}
	}
	c.amounts = append(c.amounts, model.SettleAmount{CurrencyID: currency, NetCash: cash})
}

func settleDated(ctx context.Context, oracle RateOracle, currency uint16, maturity int64, notional decimal.Decimal) (decimal.Decimal, error) {
	rate, err := oracle.SettlementRate(ctx, currency, maturity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("settlement rate for %d@%d: %w", currency, maturity, err)
	}
	return notional.Mul(rate), nil
}

// SettleArray settles every stored entry whose settlement date is at or
// before blockTime and returns the net cash per currency.
//
// A liquidity claim is withdrawn from its market. When the resulting dated
// claim has not matured yet it stays in the account: it is merged into the
// dated claim with the same currency and maturity if one exists, otherwise
// the liquidity entry is converted in place.
func SettleArray(ctx context.Context, state *portfolio.State, blockTime int64,
	oracle RateOracle, market Market) ([]model.SettleAmount, error) {
	var acc cashAccumulator

	for i := range state.Stored {
		e := &state.Stored[i]
		if e.State == portfolio.Deleted || portfolio.SettlementDate(e.Position) > blockTime {
			continue
		}

		if e.Kind == model.KindDated {
			cash, err := settleDated(ctx, oracle, e.CurrencyID, e.Maturity, e.Notional)
			if err != nil {
				return nil, err
			}
			acc.add(e.CurrencyID, cash)
			state.DeletePosition(i)
			continue
		}

		cash, dated, err := market.RemoveLiquidity(ctx, e.CurrencyID, e.Maturity, e.Notional)
		if err != nil {
			return nil, fmt.Errorf("remove liquidity %d@%d: %w", e.CurrencyID, e.Maturity, err)
		}
		acc.add(e.CurrencyID, cash)

		if e.Maturity <= blockTime {
			c, err := settleDated(ctx, oracle, e.CurrencyID, e.Maturity, dated)
			if err != nil {
				return nil, err
			}
			acc.add(e.CurrencyID, c)
			state.DeletePosition(i)
			continue
		}

		if j := matchingDated(state, i); j >= 0 {
			target := &state.Stored[j]
			merged := target.Notional.Add(dated)
			if err := model.CheckNotional(merged); err != nil {
				return nil, err
			}
			target.Notional = merged
			target.State = portfolio.Updated
			state.DeletePosition(i)
			continue
		}

		if err := model.CheckNotional(dated); err != nil {
			return nil, err
		}
		e.Kind = model.KindDated
		e.Notional = dated
		e.State = portfolio.Updated
	}

	return acc.amounts, nil
}

// matchingDated finds the live dated entry sharing currency and maturity with
// entry i. In a sorted state it can only sit in the run of entries directly
// before i with the same currency and maturity.
func matchingDated(state *portfolio.State, i int) int {
	e := state.Stored[i]
	sameKey := func(j int) bool {
		o := state.Stored[j]
		return o.CurrencyID == e.CurrencyID && o.Maturity == e.Maturity
	}
	matches := func(j int) bool {
		o := state.Stored[j]
		return o.State != portfolio.Deleted && o.Kind == model.KindDated && sameKey(j)
	}

	if state.Sorted {
		for j := i - 1; j >= 0 && sameKey(j); j-- {
			if matches(j) {
				return j
			}
		}
		return -1
	}
	for j := range state.Stored {
		if j != i && matches(j) {
			return j
		}
	}
	return -1
}
