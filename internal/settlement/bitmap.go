package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/bitmapstore"
	"github.com/atmx/position-ledger/internal/bitmask"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/timebucket"
)

// BitmapResult is the outcome of settling one bitmap currency.
type BitmapResult struct {
	Mask          bitmask.Mask
	Cash          decimal.Decimal
	ReferenceTime int64
	Settled       int
}

// SettleBitmap settles every bit of mask that matures at or before the start
// of blockTime's day and re-indexes the remaining bits against that day.
// Notional rows of settled maturities are removed from table; rows of
// surviving maturities are keyed by maturity and stay where they are.
func SettleBitmap(ctx context.Context, table bitmapstore.NotionalTable, oracle RateOracle,
	account string, currency uint16, mask bitmask.Mask, referenceTime, blockTime int64) (BitmapResult, error) {
	oldRef := timebucket.UTC0(referenceTime)
	newRef := timebucket.UTC0(blockTime)
	res := BitmapResult{Mask: mask, Cash: decimal.Zero, ReferenceTime: referenceTime}
	if newRef <= oldRef {
		return res, nil
	}

	// Buckets up to lastSettle mature no later than newRef.
	lastSettle, _ := timebucket.BucketFromMaturity(oldRef, newRef)

	for bit := range mask.Range(1, lastSettle).All() {
		maturity, err := timebucket.MaturityFromBucket(oldRef, bit)
		if err != nil {
			return BitmapResult{}, err
		}
		notional, err := table.BitmapNotional(ctx, account, currency, maturity)
		if err != nil {
			return BitmapResult{}, err
		}
		cash, err := settleDated(ctx, oracle, currency, maturity, notional)
		if err != nil {
			return BitmapResult{}, err
		}
		if err := table.SetBitmapNotional(ctx, account, currency, maturity, decimal.Zero); err != nil {
			return BitmapResult{}, err
		}
		res.Cash = res.Cash.Add(cash)
		res.Settled++
	}

	remapped, err := remap(mask, lastSettle, oldRef, newRef)
	if err != nil {
		return BitmapResult{}, err
	}
	res.Mask = remapped
	res.ReferenceTime = newRef
	return res, nil
}

// remap rebuilds the bits above lastSettle against newRef. Day bits move down
// by the number of elapsed days; coarser bits are decoded to their maturity
// and re-encoded, which may move them into a finer chunk.
func remap(mask bitmask.Mask, lastSettle int, oldRef, newRef int64) (bitmask.Mask, error) {
	var out bitmask.Mask
	for _, c := range timebucket.Chunks() {
		part := mask.Range(max(c.FirstBucket(), lastSettle+1), c.LastBucket())
		if part.IsZero() {
			continue
		}

		if c == timebucket.ChunkDay {
			out = out.Or(part.ShiftDown(lastSettle))
			continue
		}

		for bit := range part.All() {
			maturity, err := timebucket.MaturityFromBucket(oldRef, bit)
			if err != nil {
				return bitmask.Mask{}, err
			}
			next, exact := timebucket.BucketFromMaturity(newRef, maturity)
			if !exact {
				return bitmask.Mask{}, fmt.Errorf("%w: maturity %d in %s chunk has no exact bucket under reference %d",
					model.ErrEncodingViolation, maturity, c, newRef)
			}
			out.Set(next, true)
		}
	}
	return out, nil
}
