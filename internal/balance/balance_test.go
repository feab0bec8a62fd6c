package balance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

type memBalances struct {
	balances map[uint16]decimal.Decimal
	entries  []model.LedgerEntry
}

func (m *memBalances) Balance(_ context.Context, _ string, currency uint16) (decimal.Decimal, error) {
	return m.balances[currency], nil
}

func (m *memBalances) SetBalance(_ context.Context, _ string, currency uint16, b decimal.Decimal) error {
	m.balances[currency] = b
	return nil
}

func (m *memBalances) AppendLedgerEntry(_ context.Context, e model.LedgerEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestApply(t *testing.T) {
	st := &memBalances{balances: map[uint16]decimal.Decimal{1: d(10)}}
	l := New(st)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	results, err := l.Apply(context.Background(), "acct", []model.SettleAmount{
		{CurrencyID: 1, NetCash: d(-25)},
		{CurrencyID: 2, NetCash: d(7)},
		{CurrencyID: 3, NetCash: decimal.Zero},
	}, "settlement", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 3 || !results[0].Balance.Equal(d(-15)) || !results[1].Balance.Equal(d(7)) {
		t.Errorf("unexpected results %+v", results)
	}
	if !AnyNegative(results) {
		t.Error("expected a negative balance")
	}
	if len(st.entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(st.entries))
	}
	e := st.entries[0]
	if e.ID == "" || e.Account != "acct" || !e.Amount.Equal(d(-25)) || !e.Balance.Equal(d(-15)) || !e.Timestamp.Equal(at) {
		t.Errorf("unexpected entry %+v", e)
	}
	if st.entries[0].ID == st.entries[1].ID {
		t.Error("ledger entry ids must be unique")
	}
}
