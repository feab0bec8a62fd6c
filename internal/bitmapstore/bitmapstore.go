// Package bitmapstore implements the bitmap position store: one 256-bit mask
// per (account, currency) marking occupied maturity buckets, with the signed
// notional of each occupied bucket held in a sparse table keyed by maturity.
package bitmapstore

import (
	"context"
	"fmt"
	"iter"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/bitmask"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/timebucket"
)

// DefaultMaxPositions caps the number of set bits per (account, currency).
const DefaultMaxPositions = 20

// NotionalTable stores the notional of each occupied bucket. A missing row
// reads as zero and writing zero removes the row.
type NotionalTable interface {
	BitmapNotional(ctx context.Context, account string, currency uint16, maturity int64) (decimal.Decimal, error)
	SetBitmapNotional(ctx context.Context, account string, currency uint16, maturity int64, notional decimal.Decimal) error
}

// Store adds, reads and iterates bitmap positions.
type Store struct {
	table        NotionalTable
	maxPositions int
}

// New returns a Store over table. A non-positive maxPositions selects
// DefaultMaxPositions.
func New(table NotionalTable, maxPositions int) *Store {
	if maxPositions <= 0 {
		maxPositions = DefaultMaxPositions
	}
	return &Store{table: table, maxPositions: maxPositions}
}

// MaxPositions returns the set-bit cap.
func (s *Store) MaxPositions() int {
	return s.maxPositions
}

// AddPosition adds delta to the position at maturity and returns the updated
// mask with the resulting notional. A sum of exactly zero clears the bit.
func (s *Store) AddPosition(ctx context.Context, mask bitmask.Mask, account string, currency uint16,
	referenceTime, maturity int64, delta decimal.Decimal) (bitmask.Mask, decimal.Decimal, error) {
	bucket, exact := timebucket.BucketFromMaturity(referenceTime, maturity)
	if !exact {
		return mask, decimal.Zero, fmt.Errorf("%w: maturity %d has no exact bucket under reference %d",
			model.ErrEncodingViolation, maturity, referenceTime)
	}

	if mask.IsSet(bucket) {
		current, err := s.table.BitmapNotional(ctx, account, currency, maturity)
		if err != nil {
			return mask, decimal.Zero, err
		}
		n := current.Add(delta)
		if err := model.CheckNotional(n); err != nil {
			return mask, decimal.Zero, err
		}
		if n.IsZero() {
			mask.Set(bucket, false)
		}
		if err := s.table.SetBitmapNotional(ctx, account, currency, maturity, n); err != nil {
			return mask, decimal.Zero, err
		}
		return mask, n, nil
	}

	if delta.IsZero() {
		return mask, decimal.Zero, nil
	}
	if err := model.CheckNotional(delta); err != nil {
		return mask, decimal.Zero, err
	}
	if mask.Count() >= s.maxPositions {
		return mask, decimal.Zero, fmt.Errorf("%w: more than %d bitmap positions", model.ErrStructuralViolation, s.maxPositions)
	}
	mask.Set(bucket, true)
	if err := s.table.SetBitmapNotional(ctx, account, currency, maturity, delta); err != nil {
		return mask, decimal.Zero, err
	}
	return mask, delta, nil
}

// SetPosition sets the notional at maturity to an absolute value.
func (s *Store) SetPosition(ctx context.Context, mask bitmask.Mask, account string, currency uint16,
	referenceTime, maturity int64, notional decimal.Decimal) (bitmask.Mask, decimal.Decimal, error) {
	current := decimal.Zero
	if bucket, exact := timebucket.BucketFromMaturity(referenceTime, maturity); exact && mask.IsSet(bucket) {
		var err error
		if current, err = s.table.BitmapNotional(ctx, account, currency, maturity); err != nil {
			return mask, decimal.Zero, err
		}
	}
	return s.AddPosition(ctx, mask, account, currency, referenceTime, maturity, notional.Sub(current))
}

// Iterate yields the positions marked in mask in ascending maturity order.
// Notionals are read lazily, one per set bit.
func (s *Store) Iterate(ctx context.Context, account string, currency uint16,
	mask bitmask.Mask, referenceTime int64) iter.Seq2[model.BitmapPosition, error] {
	return func(yield func(model.BitmapPosition, error) bool) {
		for maturity, err := range maturities(mask, referenceTime) {
			if err != nil {
				yield(model.BitmapPosition{}, err)
				return
			}
			n, err := s.table.BitmapNotional(ctx, account, currency, maturity)
			if err != nil {
				yield(model.BitmapPosition{}, err)
				return
			}
			if !yield(model.BitmapPosition{Maturity: maturity, Notional: n}, nil) {
				return
			}
		}
	}
}

// Maturities yields the maturity of every set bit in ascending order.
func Maturities(mask bitmask.Mask, referenceTime int64) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		for m, err := range maturities(mask, referenceTime) {
			if err != nil || !yield(m) {
				return
			}
		}
	}
}

func maturities(mask bitmask.Mask, referenceTime int64) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		for bit := range mask.All() {
			m, err := timebucket.MaturityFromBucket(referenceTime, bit)
			if !yield(m, err) || err != nil {
				return
			}
		}
	}
}

// HasNegative reports whether any position in mask has negative notional.
func (s *Store) HasNegative(ctx context.Context, account string, currency uint16,
	mask bitmask.Mask, referenceTime int64) (bool, error) {
	for p, err := range s.Iterate(ctx, account, currency, mask, referenceTime) {
		if err != nil {
			return false, err
		}
		if p.Notional.IsNegative() {
			return true, nil
		}
	}
	return false, nil
}
