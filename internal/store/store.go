// Package store persists ledger state. PostgreSQL is the source of truth,
// Redis provides a read-through cache layer and the in-memory store is used
// for tests and development.
//
// Operations never write to a Store directly. They stage every change in a
// Tx overlay and hand the resulting Changeset to Commit, which applies it
// atomically or not at all.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

// Reader is the read side of the persisted state. Absent records read as
// their zero value.
type Reader interface {
	// Descriptor returns the encoded account descriptor, or nil.
	Descriptor(ctx context.Context, account string) ([]byte, error)

	// Positions returns the encoded array slots of an account, or nil.
	Positions(ctx context.Context, account string) ([]byte, error)

	// Bitmap returns the encoded position mask for (account, currency), or nil.
	Bitmap(ctx context.Context, account string, currency uint16) ([]byte, error)

	// BitmapNotional returns the notional of one bitmap position.
	BitmapNotional(ctx context.Context, account string, currency uint16, maturity int64) (decimal.Decimal, error)

	// SettlementRate returns the fixed rate for (currency, maturity) if one
	// has been established.
	SettlementRate(ctx context.Context, currency uint16, maturity int64) (decimal.Decimal, bool, error)

	// Pool returns the liquidity pool for (currency, maturity) if it exists.
	Pool(ctx context.Context, currency uint16, maturity int64) (model.Pool, bool, error)

	// Balance returns the cash balance of an account in one currency.
	Balance(ctx context.Context, account string, currency uint16) (decimal.Decimal, error)
}

// Store is the persistence interface used by the ledger service.
type Store interface {
	Reader

	// Commit applies every change in cs atomically.
	Commit(ctx context.Context, cs *Changeset) error

	// LedgerEntries returns the balance history of an account, oldest first.
	LedgerEntries(ctx context.Context, account string) ([]model.LedgerEntry, error)
}

// BitmapKey addresses the mask of one bitmap currency.
type BitmapKey struct {
	Account  string
	Currency uint16
}

// NotionalKey addresses one bitmap position.
type NotionalKey struct {
	Account  string
	Currency uint16
	Maturity int64
}

// MaturityKey addresses a per-(currency, maturity) record.
type MaturityKey struct {
	Currency uint16
	Maturity int64
}

// BalanceKey addresses one currency balance.
type BalanceKey struct {
	Account  string
	Currency uint16
}

// Changeset is the set of writes produced by one operation. A zero notional
// or an empty mask removes the record.
type Changeset struct {
	Descriptors map[string][]byte
	Positions   map[string][]byte
	Bitmaps     map[BitmapKey][]byte
	Notionals   map[NotionalKey]decimal.Decimal
	Rates       map[MaturityKey]decimal.Decimal
	Pools       map[MaturityKey]model.Pool
	Balances    map[BalanceKey]decimal.Decimal
	Entries     []model.LedgerEntry
}

// NewChangeset returns an empty changeset.
func NewChangeset() *Changeset {
	return &Changeset{
		Descriptors: make(map[string][]byte),
		Positions:   make(map[string][]byte),
		Bitmaps:     make(map[BitmapKey][]byte),
		Notionals:   make(map[NotionalKey]decimal.Decimal),
		Rates:       make(map[MaturityKey]decimal.Decimal),
		Pools:       make(map[MaturityKey]model.Pool),
		Balances:    make(map[BalanceKey]decimal.Decimal),
	}
}

// Empty reports whether the changeset has no writes.
func (cs *Changeset) Empty() bool {
	return len(cs.Descriptors) == 0 && len(cs.Positions) == 0 && len(cs.Bitmaps) == 0 &&
		len(cs.Notionals) == 0 && len(cs.Rates) == 0 && len(cs.Pools) == 0 &&
		len(cs.Balances) == 0 && len(cs.Entries) == 0
}

// Accounts returns every account touched by the changeset.
func (cs *Changeset) Accounts() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for a := range cs.Descriptors {
		add(a)
	}
	for a := range cs.Positions {
		add(a)
	}
	for k := range cs.Bitmaps {
		add(k.Account)
	}
	for k := range cs.Notionals {
		add(k.Account)
	}
	for k := range cs.Balances {
		add(k.Account)
	}
	return out
}
