// Package portfolio implements the array position store: a small, dense list
// of positions per account with merge-on-insert and a compacting write-back.
package portfolio

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/assetkey"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/timebucket"
)

// StorageState tracks what write-back has to do with a loaded entry.
type StorageState uint8

const (
	Unchanged StorageState = iota
	Updated
	Deleted
)

func (s StorageState) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Entry is a loaded position together with the storage slot it occupies.
type Entry struct {
	model.Position
	Slot  int
	State StorageState
}

// State is the in-memory working copy of an account's array positions for
// the duration of one operation.
type State struct {
	Stored []Entry
	New    []model.Position

	// Sorted is set when Stored is in asset key order. Settlement relies on it
	// to find the dated claim that precedes a liquidity claim.
	Sorted bool
}

// NewState wraps the persisted slot array without reordering it.
func NewState(slots []model.Position) *State {
	s := &State{Stored: make([]Entry, len(slots))}
	for i, p := range slots {
		s.Stored[i] = Entry{Position: p, Slot: i}
	}
	return s
}

// NewSortedState wraps the persisted slot array in asset key order.
func NewSortedState(slots []model.Position) *State {
	return &State{Stored: SortedView(slots), Sorted: true}
}

// SortedView returns the slot array as entries ordered by (currency,
// maturity, kind). The arrays are at most a few entries long, so a stable
// insertion sort is used.
func SortedView(slots []model.Position) []Entry {
	out := make([]Entry, 0, len(slots))
	for i, p := range slots {
		e := Entry{Position: p, Slot: i}
		id := assetkey.Of(p).ID()
		j := len(out)
		out = append(out, e)
		for j > 0 && assetkey.Of(out[j-1].Position).ID() > id {
			out[j] = out[j-1]
			j--
		}
		out[j] = e
	}
	return out
}

// AddPosition merges delta into the position with the given key, creating it
// if it does not exist. Stored entries are searched before new ones and
// deleted entries are skipped.
func (s *State) AddPosition(currency uint16, maturity int64, kind model.Kind, delta decimal.Decimal) error {
	if err := (assetkey.Key{CurrencyID: currency, Maturity: maturity, Kind: kind}).Validate(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidPosition, err)
	}
	key := model.Position{CurrencyID: currency, Maturity: maturity, Kind: kind}

	for i := range s.Stored {
		e := &s.Stored[i]
		if e.State == Deleted || !e.SameKey(key) {
			continue
		}
		n, err := merge(kind, e.Notional, delta)
		if err != nil {
			return err
		}
		e.Notional = n
		e.State = Updated
		return nil
	}

	for i := range s.New {
		p := &s.New[i]
		if !p.SameKey(key) {
			continue
		}
		n, err := merge(kind, p.Notional, delta)
		if err != nil {
			return err
		}
		p.Notional = n
		return nil
	}

	n, err := merge(kind, decimal.Zero, delta)
	if err != nil {
		return err
	}
	key.Notional = n
	s.New = append(s.New, key)
	return nil
}

func merge(kind model.Kind, current, delta decimal.Decimal) (decimal.Decimal, error) {
	n := current.Add(delta)
	if kind.IsLiquidity() && n.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: liquidity notional would become %s", model.ErrStructuralViolation, n)
	}
	if err := model.CheckNotional(n); err != nil {
		return decimal.Zero, err
	}
	return n, nil
}

// Get returns the notional held at the key, or zero if there is none.
func (s *State) Get(currency uint16, maturity int64, kind model.Kind) decimal.Decimal {
	key := model.Position{CurrencyID: currency, Maturity: maturity, Kind: kind}
	for _, p := range s.Positions() {
		if p.SameKey(key) {
			return p.Notional
		}
	}
	return decimal.Zero
}

// Positions returns every live position, stored entries first.
func (s *State) Positions() []model.Position {
	out := make([]model.Position, 0, len(s.Stored)+len(s.New))
	for _, e := range s.Stored {
		if e.State != Deleted {
			out = append(out, e.Position)
		}
	}
	return append(out, s.New...)
}

// DeletePosition marks stored entry i as deleted. The entry gives up its slot
// to the live entry holding the highest slot so that live slots stay dense.
func (s *State) DeletePosition(i int) {
	e := &s.Stored[i]
	if e.State == Deleted {
		return
	}

	maxIdx := -1
	for j, o := range s.Stored {
		if o.State == Deleted {
			continue
		}
		if maxIdx < 0 || o.Slot > s.Stored[maxIdx].Slot {
			maxIdx = j
		}
	}
	if maxIdx != i {
		last := &s.Stored[maxIdx]
		last.Slot, e.Slot = e.Slot, last.Slot
		last.State = Updated
	}
	e.State = Deleted
}

// WriteBackResult is the dense slot array to persist along with the
// descriptor fields derived from it.
type WriteBackResult struct {
	Slots         []model.Position
	PositionCount int
	ReferenceTime int64
	HasDebt       bool
	Currencies    []uint16
}

// WriteBack deletes zero entries, compacts the slots and folds the derived
// descriptor fields over the surviving positions.
func (s *State) WriteBack() (WriteBackResult, error) {
	for i := range s.Stored {
		if s.Stored[i].State != Deleted && s.Stored[i].Notional.IsZero() {
			s.DeletePosition(i)
		}
	}

	live := 0
	for _, e := range s.Stored {
		if e.State != Deleted {
			live++
		}
	}
	total := live
	for _, p := range s.New {
		if !p.Notional.IsZero() {
			total++
		}
	}
	if total > model.MaxArrayPositions {
		return WriteBackResult{}, fmt.Errorf("%w: %d positions exceed the limit of %d",
			model.ErrStructuralViolation, total, model.MaxArrayPositions)
	}

	slots := make([]model.Position, total)
	for _, e := range s.Stored {
		if e.State == Deleted {
			continue
		}
		if e.Slot < 0 || e.Slot >= live {
			return WriteBackResult{}, fmt.Errorf("%w: slot %d outside live range %d", model.ErrStructuralViolation, e.Slot, live)
		}
		slots[e.Slot] = e.Position
	}
	next := live
	for _, p := range s.New {
		if p.Notional.IsZero() {
			continue
		}
		slots[next] = p
		next++
	}

	res := Fold(slots)
	res.Slots = slots
	return res, nil
}

// Fold computes the descriptor fields derived from a set of positions.
func Fold(positions []model.Position) WriteBackResult {
	res := WriteBackResult{PositionCount: len(positions)}
	for _, p := range positions {
		if date := SettlementDate(p); res.ReferenceTime == 0 || date < res.ReferenceTime {
			res.ReferenceTime = date
		}
		if p.Notional.IsNegative() {
			res.HasDebt = true
		}
		res.Currencies = append(res.Currencies, p.CurrencyID)
	}
	slices.Sort(res.Currencies)
	res.Currencies = slices.Compact(res.Currencies)
	return res
}

// SettlementDate is the time at which a position is retired. Dated claims
// and the 3-month liquidity claim settle at maturity; longer liquidity
// claims settle at the next quarterly roll of their market.
func SettlementDate(p model.Position) int64 {
	if p.Kind == model.KindDated || p.Kind == model.KindLiquidity3M {
		return p.Maturity
	}
	length, err := timebucket.TradedMarketLength(p.Kind.MarketIndex())
	if err != nil {
		return p.Maturity
	}
	return p.Maturity - length + timebucket.Quarter
}
