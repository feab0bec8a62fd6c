package settlement

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/bitmapstore"
	"github.com/atmx/position-ledger/internal/bitmask"
	"github.com/atmx/position-ledger/internal/timebucket"
)

type tableKey struct {
	account  string
	currency uint16
	maturity int64
}

type mapTable map[tableKey]decimal.Decimal

func (m mapTable) BitmapNotional(_ context.Context, account string, currency uint16, maturity int64) (decimal.Decimal, error) {
	return m[tableKey{account, currency, maturity}], nil
}

func (m mapTable) SetBitmapNotional(_ context.Context, account string, currency uint16, maturity int64, n decimal.Decimal) error {
	k := tableKey{account, currency, maturity}
	if n.IsZero() {
		delete(m, k)
	} else {
		m[k] = n
	}
	return nil
}

func TestScenarioC_BitmapSettlement(t *testing.T) {
	ctx := context.Background()
	table := mapTable{}
	store := bitmapstore.New(table, 0)

	if _, exact := timebucket.BucketFromMaturity(0, 86400); !exact {
		t.Fatal("maturity 86400 must be exact under reference 0")
	}
	mask, _, err := store.AddPosition(ctx, bitmask.Mask{}, "acct", 5, 0, 86400, d(1000))
	if err != nil {
		t.Fatal(err)
	}

	rate := decimal.RequireFromString("0.95")
	oracle := &fixedOracle{rates: map[uint16]decimal.Decimal{5: rate}}
	res, err := SettleBitmap(ctx, table, oracle, "acct", 5, mask, 0, 90000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Cash.Equal(d(1000).Mul(rate)) {
		t.Errorf("expected cash %s, got %s", d(1000).Mul(rate), res.Cash)
	}
	if !res.Mask.IsZero() {
		t.Errorf("expected bit cleared, got %s", res.Mask)
	}
	if res.ReferenceTime != 86400 || res.Settled != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(table) != 0 {
		t.Errorf("expected notional row removed, got %v", table)
	}
}

func TestSettleBitmap_SameDayIsNoop(t *testing.T) {
	ctx := context.Background()
	table := mapTable{}
	store := bitmapstore.New(table, 0)
	ref := 50 * timebucket.Day
	mask, _, _ := store.AddPosition(ctx, bitmask.Mask{}, "acct", 5, ref, ref+timebucket.Day, d(1))

	oracle := &fixedOracle{}
	res, err := SettleBitmap(ctx, table, oracle, "acct", 5, mask, ref, ref+3600)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mask != mask || res.ReferenceTime != ref || !res.Cash.IsZero() || res.Settled != 0 {
		t.Errorf("expected no-op, got %+v", res)
	}
}

// exactMaturities returns a spread of maturities that are exact under ref,
// covering every chunk.
func exactMaturities(ref int64) []int64 {
	var out []int64
	n := 0
	for day := int64(1); day <= 7200; day++ {
		m := ref + day*timebucket.Day
		if !timebucket.MaturityIsExact(ref, m) {
			continue
		}
		if n%11 == 0 || day <= 3 {
			out = append(out, m)
		}
		n++
	}
	return out
}

func TestSettleBitmap_RemapCorrectness(t *testing.T) {
	ctx := context.Background()
	rate := decimal.RequireFromString("1.5")
	ref := 1001 * timebucket.Day

	elapsed := []int64{1, 2, 5, 30, 89, 90, 95, 200, 361, 400, 2161, 3000, 7199, 8000}
	for _, days := range elapsed {
		table := mapTable{}
		store := bitmapstore.New(table, 64)
		maturities := exactMaturities(ref)

		var mask bitmask.Mask
		notional := map[int64]decimal.Decimal{}
		for i, m := range maturities {
			n := d(int64(i + 1))
			if i%3 == 0 {
				n = n.Neg()
			}
			var err error
			if mask, _, err = store.AddPosition(ctx, mask, "acct", 7, ref, m, n); err != nil {
				t.Fatalf("add %d: %v", m, err)
			}
			notional[m] = n
		}

		blockTime := ref + days*timebucket.Day + 4000
		newRef := ref + days*timebucket.Day
		oracle := &fixedOracle{rates: map[uint16]decimal.Decimal{7: rate}}
		res, err := SettleBitmap(ctx, table, oracle, "acct", 7, mask, ref, blockTime)
		if err != nil {
			t.Fatalf("elapsed %d: %v", days, err)
		}
		if res.ReferenceTime != newRef {
			t.Errorf("elapsed %d: expected reference %d, got %d", days, newRef, res.ReferenceTime)
		}

		var survivors []int64
		matured := decimal.Zero
		settled := 0
		for _, m := range maturities {
			if m > newRef {
				survivors = append(survivors, m)
			} else {
				matured = matured.Add(notional[m])
				settled++
			}
		}

		if !res.Cash.Equal(matured.Mul(rate)) {
			t.Errorf("elapsed %d: expected cash %s, got %s", days, matured.Mul(rate), res.Cash)
		}
		if res.Settled != settled {
			t.Errorf("elapsed %d: expected %d settled, got %d", days, settled, res.Settled)
		}

		i := 0
		for p, err := range store.Iterate(ctx, "acct", 7, res.Mask, res.ReferenceTime) {
			if err != nil {
				t.Fatal(err)
			}
			if i >= len(survivors) || p.Maturity != survivors[i] {
				t.Fatalf("elapsed %d: position %d at %d does not match survivors %v", days, i, p.Maturity, survivors)
			}
			if !p.Notional.Equal(notional[p.Maturity]) {
				t.Errorf("elapsed %d: notional at %d changed to %s", days, p.Maturity, p.Notional)
			}
			i++
		}
		if i != len(survivors) {
			t.Errorf("elapsed %d: expected %d survivors, got %d", days, len(survivors), i)
		}
		if len(table) != len(survivors) {
			t.Errorf("elapsed %d: expected %d notional rows, got %d", days, len(survivors), len(table))
		}

		for bit := range res.Mask.All() {
			m, err := timebucket.MaturityFromBucket(res.ReferenceTime, bit)
			if err != nil {
				t.Fatal(err)
			}
			if b, exact := timebucket.BucketFromMaturity(res.ReferenceTime, m); b != bit || !exact {
				t.Errorf("elapsed %d: bit %d does not round trip (%d, %v)", days, bit, b, exact)
			}
		}
	}
}
