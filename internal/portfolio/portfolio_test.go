package portfolio

import (
	"errors"
	"slices"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/timebucket"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func pos(cur uint16, mat int64, kind model.Kind, n int64) model.Position {
	return model.Position{CurrencyID: cur, Maturity: mat, Kind: kind, Notional: d(n)}
}

func TestScenarioB_OffsettingDeltasRemovePosition(t *testing.T) {
	s := NewState([]model.Position{pos(1, 100, model.KindDated, 50)})
	if err := s.AddPosition(1, 100, model.KindDated, d(-50)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := s.WriteBack()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PositionCount != 0 || len(res.Slots) != 0 {
		t.Errorf("expected empty store, got count=%d slots=%v", res.PositionCount, res.Slots)
	}
	if res.ReferenceTime != 0 || res.HasDebt || len(res.Currencies) != 0 {
		t.Errorf("expected zero derived fields, got %+v", res)
	}
}

func TestMergeConservation(t *testing.T) {
	deltas := []int64{40, -15, 7, -100, 33}
	var want int64
	for _, x := range deltas {
		want += x
	}

	orders := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}}
	for _, order := range orders {
		s := NewState(nil)
		for _, i := range order {
			if err := s.AddPosition(3, 86400, model.KindDated, d(deltas[i])); err != nil {
				t.Fatalf("AddPosition: %v", err)
			}
		}
		if got := s.Get(3, 86400, model.KindDated); !got.Equal(d(want)) {
			t.Errorf("order %v: expected %d, got %s", order, want, got)
		}
		if len(s.New) != 1 {
			t.Errorf("order %v: expected a single merged entry, got %d", order, len(s.New))
		}
	}
}

func TestAddPosition_MergesIntoStoredFirst(t *testing.T) {
	s := NewState([]model.Position{pos(1, 200, model.KindDated, 10)})
	if err := s.AddPosition(1, 200, model.KindDated, d(5)); err != nil {
		t.Fatal(err)
	}
	if len(s.New) != 0 {
		t.Fatalf("expected merge into stored entry, got new %v", s.New)
	}
	if s.Stored[0].State != Updated || !s.Stored[0].Notional.Equal(d(15)) {
		t.Errorf("unexpected stored entry %+v", s.Stored[0])
	}
}

func TestAddPosition_Violations(t *testing.T) {
	tests := []struct {
		name  string
		kind  model.Kind
		start int64
		delta decimal.Decimal
		want  error
	}{
		{"negative liquidity", model.KindLiquidity3M, 10, d(-11), model.ErrStructuralViolation},
		{"new negative liquidity", model.KindLiquidity3M, 0, d(-1), model.ErrStructuralViolation},
		{"above bound", model.KindDated, 1, model.MaxNotional, model.ErrEncodingViolation},
		{"below bound", model.KindDated, -1, model.MinNotional, model.ErrEncodingViolation},
		{"fractional", model.KindDated, 0, decimal.RequireFromString("0.5"), model.ErrEncodingViolation},
		{"invalid kind", model.Kind(9), 0, d(1), model.ErrInvalidPosition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var slots []model.Position
			if tt.start != 0 {
				slots = append(slots, pos(1, 500, tt.kind, tt.start))
			}
			s := NewState(slots)
			err := s.AddPosition(1, 500, tt.kind, tt.delta)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAddPosition_LiquidityToZeroAllowed(t *testing.T) {
	s := NewState([]model.Position{pos(1, 500, model.KindLiquidity3M, 10)})
	if err := s.AddPosition(1, 500, model.KindLiquidity3M, d(-10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWriteBack_Compaction(t *testing.T) {
	slots := []model.Position{
		pos(1, 100, model.KindDated, 1),
		pos(1, 200, model.KindDated, 2),
		pos(2, 100, model.KindDated, 3),
		pos(2, 300, model.KindDated, 4),
		pos(3, 100, model.KindDated, 5),
	}
	s := NewState(slots)
	// Zero out slots 0 and 2, add two new positions.
	_ = s.AddPosition(1, 100, model.KindDated, d(-1))
	_ = s.AddPosition(2, 100, model.KindDated, d(-3))
	_ = s.AddPosition(4, 100, model.KindDated, d(6))
	_ = s.AddPosition(5, 100, model.KindDated, d(-7))

	res, err := s.WriteBack()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PositionCount != 5 || len(res.Slots) != 5 {
		t.Fatalf("expected 5 live positions, got %d (%d slots)", res.PositionCount, len(res.Slots))
	}

	seen := map[int]bool{}
	for _, e := range s.Stored {
		if e.State == Deleted {
			continue
		}
		if seen[e.Slot] {
			t.Errorf("slot %d used twice", e.Slot)
		}
		seen[e.Slot] = true
	}

	var total int64
	for _, p := range res.Slots {
		if p.Notional.IsZero() {
			t.Errorf("zero position survived write back: %+v", p)
		}
		total += p.Notional.IntPart()
	}
	if total != 2+4+5+6-7 {
		t.Errorf("unexpected notional total %d", total)
	}
	// New entries are appended after the live stored slots.
	if res.Slots[3].CurrencyID != 4 || res.Slots[4].CurrencyID != 5 {
		t.Errorf("new entries not appended in order: %+v", res.Slots[3:])
	}
}

func TestWriteBack_DescriptorConsistency(t *testing.T) {
	s := NewState([]model.Position{
		pos(4, 900, model.KindDated, 10),
		pos(2, 700, model.KindDated, 10),
	})
	_ = s.AddPosition(2, 400, model.KindDated, d(-3))
	_ = s.AddPosition(4, 900, model.KindDated, d(-10))
	lq := int64(10 * timebucket.Year)
	_ = s.AddPosition(9, lq, model.Kind(4), d(8))

	res, err := s.WriteBack()
	if err != nil {
		t.Fatal(err)
	}
	fresh := Fold(res.Slots)
	if fresh.ReferenceTime != res.ReferenceTime || fresh.HasDebt != res.HasDebt ||
		fresh.PositionCount != res.PositionCount || !slices.Equal(fresh.Currencies, res.Currencies) {
		t.Errorf("write back drifted from fold:\n got %+v\nwant %+v", res, fresh)
	}
	if res.ReferenceTime != 400 {
		t.Errorf("expected reference time 400, got %d", res.ReferenceTime)
	}
	if !res.HasDebt {
		t.Error("expected debt flag for negative notional")
	}
	if !slices.Equal(res.Currencies, []uint16{2, 9}) {
		t.Errorf("expected currencies [2 9], got %v", res.Currencies)
	}
}

func TestWriteBack_TooManyPositions(t *testing.T) {
	s := NewState(nil)
	for i := int64(1); i <= model.MaxArrayPositions+1; i++ {
		if err := s.AddPosition(1, i*86400, model.KindDated, d(1)); err != nil {
			t.Fatal(err)
		}
	}
	_, err := s.WriteBack()
	if !errors.Is(err, model.ErrStructuralViolation) {
		t.Errorf("expected structural violation, got %v", err)
	}
}

func TestDeletePosition_SwapsWithHighestSlot(t *testing.T) {
	s := NewState([]model.Position{
		pos(1, 100, model.KindDated, 1),
		pos(1, 200, model.KindDated, 2),
		pos(1, 300, model.KindDated, 3),
	})
	s.DeletePosition(0)
	if s.Stored[0].Slot != 2 || s.Stored[0].State != Deleted {
		t.Errorf("deleted entry should take the last slot, got %+v", s.Stored[0])
	}
	if s.Stored[2].Slot != 0 || s.Stored[2].State != Updated {
		t.Errorf("last entry should move to slot 0, got %+v", s.Stored[2])
	}
	s.DeletePosition(1)
	if s.Stored[1].Slot != 1 {
		t.Errorf("highest live entry keeps its slot, got %+v", s.Stored[1])
	}
}

func TestSortedView(t *testing.T) {
	slots := []model.Position{
		pos(2, 100, model.KindDated, 1),
		pos(1, 300, model.KindLiquidity3M, 2),
		pos(1, 300, model.KindDated, 3),
		pos(1, 100, model.KindDated, 4),
	}
	view := SortedView(slots)
	wantSlots := []int{3, 2, 1, 0}
	for i, e := range view {
		if e.Slot != wantSlots[i] {
			t.Errorf("position %d: expected slot %d, got %d", i, wantSlots[i], e.Slot)
		}
	}
	// Dated claim precedes the liquidity claim at the same maturity.
	if view[1].Kind != model.KindDated || view[2].Kind != model.KindLiquidity3M {
		t.Errorf("expected dated before liquidity, got %v %v", view[1].Kind, view[2].Kind)
	}
}

func TestSettlementDate(t *testing.T) {
	mat := int64(20 * timebucket.Year)
	tests := []struct {
		kind model.Kind
		want int64
	}{
		{model.KindDated, mat},
		{model.KindLiquidity3M, mat},
		{model.Kind(3), mat - 2*timebucket.Quarter + timebucket.Quarter},
		{model.Kind(4), mat - timebucket.Year + timebucket.Quarter},
		{model.KindLiquidityMax, mat - 20*timebucket.Year + timebucket.Quarter},
	}
	for _, tt := range tests {
		p := model.Position{CurrencyID: 1, Maturity: mat, Kind: tt.kind}
		if got := SettlementDate(p); got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.kind, tt.want, got)
		}
	}
}
