// Package balance books settlement cash into per-currency account balances.
// Every change is recorded as an immutable ledger entry.
package balance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

// Store reads balances and stages balance changes.
type Store interface {
	Balance(ctx context.Context, account string, currency uint16) (decimal.Decimal, error)
	SetBalance(ctx context.Context, account string, currency uint16, balance decimal.Decimal) error
	AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) error
}

// Result is the balance of one currency after Apply.
type Result struct {
	CurrencyID uint16          `json:"currency_id"`
	Balance    decimal.Decimal `json:"balance"`
}

// Ledger applies cash deltas to balances.
type Ledger struct {
	store Store
}

// New returns a Ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Apply adds each amount to the account's balance in its currency and
// returns the resulting balances in the same order. Zero amounts produce no
// ledger entry.
func (l *Ledger) Apply(ctx context.Context, account string, amounts []model.SettleAmount, reason string, at time.Time) ([]Result, error) {
	results := make([]Result, 0, len(amounts))
	for _, a := range amounts {
		current, err := l.store.Balance(ctx, account, a.CurrencyID)
		if err != nil {
			return nil, err
		}
		if a.NetCash.IsZero() {
			results = append(results, Result{CurrencyID: a.CurrencyID, Balance: current})
			continue
		}

		next := current.Add(a.NetCash)
		if err := l.store.SetBalance(ctx, account, a.CurrencyID, next); err != nil {
			return nil, err
		}
		entry := model.LedgerEntry{
			ID:         uuid.NewString(),
			Account:    account,
			CurrencyID: a.CurrencyID,
			Amount:     a.NetCash,
			Balance:    next,
			Reason:     reason,
			Timestamp:  at.UTC(),
		}
		if err := l.store.AppendLedgerEntry(ctx, entry); err != nil {
			return nil, err
		}
		results = append(results, Result{CurrencyID: a.CurrencyID, Balance: next})
	}
	return results, nil
}

// AnyNegative reports whether any result is a negative balance.
func AnyNegative(results []Result) bool {
	for _, r := range results {
		if r.Balance.IsNegative() {
			return true
		}
	}
	return false
}
