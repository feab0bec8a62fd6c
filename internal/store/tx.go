package store

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/bitmask"
	"github.com/atmx/position-ledger/internal/descriptor"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/portfolio"
)

// Tx stages the writes of one operation on top of a Reader. Reads see the
// staged writes; nothing reaches the underlying store until the changeset is
// committed. Dropping a Tx discards its writes.
type Tx struct {
	base Reader
	cs   *Changeset

	descriptorLoads  int
	descriptorStores int
}

// Begin starts a new overlay on base.
func Begin(base Reader) *Tx {
	return &Tx{base: base, cs: NewChangeset()}
}

// Changeset returns the staged writes.
func (tx *Tx) Changeset() *Changeset {
	return tx.cs
}

// DescriptorLoads is the number of LoadDescriptor calls made through tx.
func (tx *Tx) DescriptorLoads() int { return tx.descriptorLoads }

// DescriptorStores is the number of StoreDescriptor calls made through tx.
func (tx *Tx) DescriptorStores() int { return tx.descriptorStores }

// LoadDescriptor reads and decodes the descriptor of account.
func (tx *Tx) LoadDescriptor(ctx context.Context, account string) (descriptor.Descriptor, error) {
	tx.descriptorLoads++
	b, ok := tx.cs.Descriptors[account]
	if !ok {
		var err error
		if b, err = tx.base.Descriptor(ctx, account); err != nil {
			return descriptor.Descriptor{}, fmt.Errorf("load descriptor %s: %w", account, err)
		}
	}
	return descriptor.Decode(b)
}

// StoreDescriptor validates and stages the descriptor of account.
func (tx *Tx) StoreDescriptor(_ context.Context, account string, d descriptor.Descriptor) error {
	tx.descriptorStores++
	if err := d.Validate(); err != nil {
		return err
	}
	enc := d.Encode()
	tx.cs.Descriptors[account] = enc[:]
	return nil
}

// LoadPositions reads the array slots of account in storage order.
func (tx *Tx) LoadPositions(ctx context.Context, account string) ([]model.Position, error) {
	b, ok := tx.cs.Positions[account]
	if !ok {
		var err error
		if b, err = tx.base.Positions(ctx, account); err != nil {
			return nil, fmt.Errorf("load positions %s: %w", account, err)
		}
	}
	return portfolio.DecodeSlots(b)
}

// StorePositions stages the array slots of account.
func (tx *Tx) StorePositions(_ context.Context, account string, slots []model.Position) error {
	b, err := portfolio.EncodeSlots(slots)
	if err != nil {
		return err
	}
	tx.cs.Positions[account] = b
	return nil
}

// LoadBitmap reads the position mask of (account, currency).
func (tx *Tx) LoadBitmap(ctx context.Context, account string, currency uint16) (bitmask.Mask, error) {
	b, ok := tx.cs.Bitmaps[BitmapKey{account, currency}]
	if !ok {
		var err error
		if b, err = tx.base.Bitmap(ctx, account, currency); err != nil {
			return bitmask.Mask{}, fmt.Errorf("load bitmap %s/%d: %w", account, currency, err)
		}
	}
	m, err := bitmask.FromBytes(b)
	if err != nil {
		return bitmask.Mask{}, fmt.Errorf("%w: %v", model.ErrEncodingViolation, err)
	}
	return m, nil
}

// StoreBitmap stages the position mask of (account, currency).
func (tx *Tx) StoreBitmap(_ context.Context, account string, currency uint16, m bitmask.Mask) error {
	var b []byte
	if !m.IsZero() {
		b = m.Bytes()
	}
	tx.cs.Bitmaps[BitmapKey{account, currency}] = b
	return nil
}

// BitmapNotional implements bitmapstore.NotionalTable.
func (tx *Tx) BitmapNotional(ctx context.Context, account string, currency uint16, maturity int64) (decimal.Decimal, error) {
	if n, ok := tx.cs.Notionals[NotionalKey{account, currency, maturity}]; ok {
		return n, nil
	}
	return tx.base.BitmapNotional(ctx, account, currency, maturity)
}

// SetBitmapNotional implements bitmapstore.NotionalTable.
func (tx *Tx) SetBitmapNotional(_ context.Context, account string, currency uint16, maturity int64, n decimal.Decimal) error {
	tx.cs.Notionals[NotionalKey{account, currency, maturity}] = n
	return nil
}

// SettlementRate returns the established rate for (currency, maturity).
func (tx *Tx) SettlementRate(ctx context.Context, currency uint16, maturity int64) (decimal.Decimal, bool, error) {
	if r, ok := tx.cs.Rates[MaturityKey{currency, maturity}]; ok {
		return r, true, nil
	}
	return tx.base.SettlementRate(ctx, currency, maturity)
}

// SetSettlementRate stages a newly established rate.
func (tx *Tx) SetSettlementRate(_ context.Context, currency uint16, maturity int64, rate decimal.Decimal) error {
	tx.cs.Rates[MaturityKey{currency, maturity}] = rate
	return nil
}

// Pool returns the liquidity pool for (currency, maturity).
func (tx *Tx) Pool(ctx context.Context, currency uint16, maturity int64) (model.Pool, bool, error) {
	if p, ok := tx.cs.Pools[MaturityKey{currency, maturity}]; ok {
		return p, true, nil
	}
	return tx.base.Pool(ctx, currency, maturity)
}

// SetPool stages a pool update.
func (tx *Tx) SetPool(_ context.Context, p model.Pool) error {
	tx.cs.Pools[MaturityKey{p.CurrencyID, p.Maturity}] = p
	return nil
}

// Balance returns the cash balance of account in currency.
func (tx *Tx) Balance(ctx context.Context, account string, currency uint16) (decimal.Decimal, error) {
	if b, ok := tx.cs.Balances[BalanceKey{account, currency}]; ok {
		return b, nil
	}
	return tx.base.Balance(ctx, account, currency)
}

// SetBalance stages a balance update.
func (tx *Tx) SetBalance(_ context.Context, account string, currency uint16, balance decimal.Decimal) error {
	tx.cs.Balances[BalanceKey{account, currency}] = balance
	return nil
}

// AppendLedgerEntry stages an immutable ledger entry.
func (tx *Tx) AppendLedgerEntry(_ context.Context, e model.LedgerEntry) error {
	tx.cs.Entries = append(tx.cs.Entries, e)
	return nil
}
