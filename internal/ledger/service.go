// Package ledger exposes the atomic operations of the position ledger.
//
// Every operation runs against a store.Tx overlay: it loads the account
// descriptor once, mutates the array or bitmap store, writes the descriptor
// back once and commits the staged changes in a single step. Any error
// discards the overlay, so a failed operation leaves no trace.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/balance"
	"github.com/atmx/position-ledger/internal/bitmapstore"
	"github.com/atmx/position-ledger/internal/descriptor"
	"github.com/atmx/position-ledger/internal/market"
	"github.com/atmx/position-ledger/internal/metrics"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/portfolio"
	"github.com/atmx/position-ledger/internal/rates"
	"github.com/atmx/position-ledger/internal/settlement"
	"github.com/atmx/position-ledger/internal/store"
)

const (
	modeArray  = "array"
	modeBitmap = "bitmap"
)

// PositionDelta is a change to one position.
type PositionDelta struct {
	CurrencyID uint16          `json:"currency_id"`
	Maturity   int64           `json:"maturity"`
	Kind       model.Kind      `json:"kind"`
	Notional   decimal.Decimal `json:"notional"`
}

// AccountPositions is the read-only view of an account.
type AccountPositions struct {
	Descriptor descriptor.Descriptor  `json:"descriptor"`
	Positions  []model.Position       `json:"positions,omitempty"`
	Bitmap     []model.BitmapPosition `json:"bitmap,omitempty"`
}

// SettleResult describes one settle operation.
type SettleResult struct {
	Descriptor descriptor.Descriptor `json:"descriptor"`
	Amounts    []model.SettleAmount  `json:"amounts"`
	Balances   []balance.Result      `json:"balances"`
	Settled    int                   `json:"settled"`
}

// Event is published after a committed operation.
type Event struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	Account   string               `json:"account"`
	BlockTime int64                `json:"block_time,omitempty"`
	Amounts   []model.SettleAmount `json:"amounts,omitempty"`
}

// Publisher receives committed events.
type Publisher interface {
	Publish(Event)
}

// Service runs ledger operations one at a time. Uses a mutex for serialized
// execution (single-instance); the store's commit is the only point where
// an operation becomes visible.
type Service struct {
	store     store.Store
	source    rates.Source
	maxBitmap int
	publisher Publisher // optional
	now       func() time.Time
	mu        sync.Mutex
	begin     func(store.Reader) *store.Tx
}

// NewService creates a ledger service. Pass nil for pub if events are not
// needed; a non-positive maxBitmapPositions selects the protocol default.
func NewService(st store.Store, source rates.Source, maxBitmapPositions int, pub Publisher) *Service {
	return &Service{
		store:     st,
		source:    source,
		maxBitmap: maxBitmapPositions,
		publisher: pub,
		now:       time.Now,
		begin:     store.Begin,
	}
}

// run executes fn against a fresh overlay and commits it if fn succeeds.
func (s *Service) run(ctx context.Context, op string, fn func(tx *store.Tx) error) error {
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	tx := s.begin(s.store)
	if err := fn(tx); err != nil {
		metrics.OperationAborts.WithLabelValues(op, abortReason(err)).Inc()
		return err
	}
	if tx.Changeset().Empty() {
		return nil
	}
	if err := s.store.Commit(ctx, tx.Changeset()); err != nil {
		metrics.OperationAborts.WithLabelValues(op, "commit").Inc()
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, model.ErrStructuralViolation):
		return "structural"
	case errors.Is(err, model.ErrEncodingViolation):
		return "encoding"
	case errors.Is(err, model.ErrSettlementRequired):
		return "settlement_required"
	case errors.Is(err, model.ErrInvalidPosition):
		return "invalid"
	default:
		return "internal"
	}
}

func (s *Service) publish(e Event) {
	if s.publisher == nil {
		return
	}
	e.ID = uuid.NewString()
	s.publisher.Publish(e)
}

// Descriptor returns the descriptor of account.
func (s *Service) Descriptor(ctx context.Context, account string) (descriptor.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d descriptor.Descriptor
	err := s.run(ctx, "descriptor", func(tx *store.Tx) error {
		var err error
		d, err = tx.LoadDescriptor(ctx, account)
		return err
	})
	return d, err
}

// Positions returns the positions of account: the array store in asset key
// order, or the bitmap positions in maturity order.
func (s *Service) Positions(ctx context.Context, account string) (AccountPositions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out AccountPositions
	err := s.run(ctx, "positions", func(tx *store.Tx) error {
		d, err := tx.LoadDescriptor(ctx, account)
		if err != nil {
			return err
		}
		out.Descriptor = d

		if d.IsBitmapEnabled() {
			out.Bitmap, err = s.bitmapPositions(ctx, tx, account, d)
			return err
		}

		slots, err := tx.LoadPositions(ctx, account)
		if err != nil {
			return err
		}
		for _, e := range portfolio.SortedView(slots) {
			out.Positions = append(out.Positions, e.Position)
		}
		return nil
	})
	return out, err
}

// BitmapPositions returns the bitmap positions of account in maturity order.
// It is empty for accounts in array mode.
func (s *Service) BitmapPositions(ctx context.Context, account string) ([]model.BitmapPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.BitmapPosition
	err := s.run(ctx, "bitmap_positions", func(tx *store.Tx) error {
		d, err := tx.LoadDescriptor(ctx, account)
		if err != nil || !d.IsBitmapEnabled() {
			return err
		}
		out, err = s.bitmapPositions(ctx, tx, account, d)
		return err
	})
	return out, err
}

func (s *Service) bitmapPositions(ctx context.Context, tx *store.Tx, account string, d descriptor.Descriptor) ([]model.BitmapPosition, error) {
	mask, err := tx.LoadBitmap(ctx, account, d.BitmapCurrency)
	if err != nil {
		return nil, err
	}
	var out []model.BitmapPosition
	bs := bitmapstore.New(tx, s.maxBitmap)
	for p, err := range bs.Iterate(ctx, account, d.BitmapCurrency, mask, d.ReferenceTime) {
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// LedgerEntries returns the balance history of account.
func (s *Service) LedgerEntries(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	return s.store.LedgerEntries(ctx, account)
}

// EnableBitmap switches account to bitmap mode for currency, or back to
// array mode when currency is 0. A bitmap that still holds positions cannot
// be switched away from.
func (s *Service) EnableBitmap(ctx context.Context, account string, currency uint16, blockTime int64) (descriptor.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d descriptor.Descriptor
	err := s.run(ctx, "enable_bitmap", func(tx *store.Tx) error {
		var err error
		if d, err = tx.LoadDescriptor(ctx, account); err != nil {
			return err
		}

		old := d.BitmapCurrency
		if old == currency {
			return nil
		}
		if old != 0 {
			mask, err := tx.LoadBitmap(ctx, account, old)
			if err != nil {
				return err
			}
			if !mask.IsZero() {
				return fmt.Errorf("%w: bitmap currency %d still holds %d positions",
					model.ErrStructuralViolation, old, mask.Count())
			}
		}

		if err := d.EnableBitmap(currency, blockTime); err != nil {
			return err
		}
		if old != 0 {
			// The old bitmap currency was implicitly active; keep its
			// balance visible in the active list.
			bal, err := tx.Balance(ctx, account, old)
			if err != nil {
				return err
			}
			if err := d.SetActiveCurrency(old, !bal.IsZero(), descriptor.InBalances); err != nil {
				return err
			}
		}
		return tx.StoreDescriptor(ctx, account, d)
	})
	if err != nil {
		return descriptor.Descriptor{}, err
	}

	slog.Info("bitmap currency changed", "account", account, "currency", currency, "reference_time", d.ReferenceTime)
	s.publish(Event{Type: "bitmap_changed", Account: account, BlockTime: blockTime})
	return d, nil
}

// AddPositions applies deltas to account. The account must be settled up to
// blockTime and every maturity must lie after blockTime. In bitmap mode only
// dated claims in the bitmap currency are accepted.
func (s *Service) AddPositions(ctx context.Context, account string, blockTime int64, deltas []PositionDelta) (descriptor.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d descriptor.Descriptor
	mode := modeArray
	err := s.run(ctx, "add_positions", func(tx *store.Tx) error {
		var err error
		if d, err = tx.LoadDescriptor(ctx, account); err != nil {
			return err
		}
		if d.MustSettle(blockTime) {
			return fmt.Errorf("%w: reference time %d, block time %d", model.ErrSettlementRequired, d.ReferenceTime, blockTime)
		}
		for _, p := range deltas {
			if p.Maturity <= blockTime {
				return fmt.Errorf("%w: maturity %d is not after block time %d", model.ErrInvalidPosition, p.Maturity, blockTime)
			}
			pos := model.Position{CurrencyID: p.CurrencyID, Maturity: p.Maturity, Kind: p.Kind}
			if date := portfolio.SettlementDate(pos); date <= blockTime {
				return fmt.Errorf("%w: %s at %d settles at %d, not after block time %d",
					model.ErrInvalidPosition, p.Kind, p.Maturity, date, blockTime)
			}
		}

		if d.IsBitmapEnabled() {
			mode = modeBitmap
			err = s.addBitmap(ctx, tx, account, &d, deltas)
		} else {
			err = s.addArray(ctx, tx, account, &d, deltas)
		}
		if err != nil {
			return err
		}
		return tx.StoreDescriptor(ctx, account, d)
	})
	if err != nil {
		return descriptor.Descriptor{}, err
	}

	metrics.PositionsAdded.WithLabelValues(mode).Add(float64(len(deltas)))
	slog.Info("positions added",
		"account", account,
		"mode", mode,
		"count", len(deltas),
		"position_count", d.PositionCount,
		"reference_time", d.ReferenceTime,
	)
	s.publish(Event{Type: "positions_added", Account: account, BlockTime: blockTime})
	return d, nil
}

func (s *Service) addArray(ctx context.Context, tx *store.Tx, account string, d *descriptor.Descriptor, deltas []PositionDelta) error {
	slots, err := tx.LoadPositions(ctx, account)
	if err != nil {
		return err
	}
	state := portfolio.NewState(slots)
	for _, p := range deltas {
		if err := state.AddPosition(p.CurrencyID, p.Maturity, p.Kind, p.Notional); err != nil {
			return err
		}
	}
	return s.writeArray(ctx, tx, account, d, state)
}

// writeArray persists the array state and refreshes the descriptor fields
// derived from it.
func (s *Service) writeArray(ctx context.Context, tx *store.Tx, account string, d *descriptor.Descriptor, state *portfolio.State) error {
	res, err := state.WriteBack()
	if err != nil {
		return err
	}
	if err := tx.StorePositions(ctx, account, res.Slots); err != nil {
		return err
	}
	d.PositionCount = uint8(res.PositionCount)
	d.ReferenceTime = res.ReferenceTime
	d.SetDebt(descriptor.DebtPosition, res.HasDebt)
	return d.SetPortfolioCurrencies(res.Currencies)
}

func (s *Service) addBitmap(ctx context.Context, tx *store.Tx, account string, d *descriptor.Descriptor, deltas []PositionDelta) error {
	currency := d.BitmapCurrency
	for _, p := range deltas {
		if p.CurrencyID != currency || p.Kind != model.KindDated {
			return fmt.Errorf("%w: bitmap account only holds dated claims in currency %d, got %s in %d",
				model.ErrStructuralViolation, currency, p.Kind, p.CurrencyID)
		}
	}

	mask, err := tx.LoadBitmap(ctx, account, currency)
	if err != nil {
		return err
	}
	bs := bitmapstore.New(tx, s.maxBitmap)
	for _, p := range deltas {
		if mask, _, err = bs.AddPosition(ctx, mask, account, currency, d.ReferenceTime, p.Maturity, p.Notional); err != nil {
			return err
		}
	}
	if err := tx.StoreBitmap(ctx, account, currency, mask); err != nil {
		return err
	}
	neg, err := bs.HasNegative(ctx, account, currency, mask, d.ReferenceTime)
	if err != nil {
		return err
	}
	d.SetDebt(descriptor.DebtPosition, neg)
	return nil
}

// Settle retires every position of account that is due at blockTime, books
// the resulting cash into balances and advances the reference time. It is a
// no-op when nothing is due.
func (s *Service) Settle(ctx context.Context, account string, blockTime int64) (SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SettleResult
	mode := modeArray
	err := s.run(ctx, "settle", func(tx *store.Tx) error {
		d, err := tx.LoadDescriptor(ctx, account)
		if err != nil {
			return err
		}
		res.Descriptor = d
		if !d.MustSettle(blockTime) {
			return nil
		}

		oracle := rates.NewOracle(tx, s.source)
		if d.IsBitmapEnabled() {
			mode = modeBitmap
			err = s.settleBitmap(ctx, tx, oracle, account, &d, blockTime, &res)
		} else {
			err = s.settleArray(ctx, tx, oracle, account, &d, blockTime, &res)
		}
		if err != nil {
			return err
		}

		balances, err := balance.New(tx).Apply(ctx, account, res.Amounts, "settlement", s.now())
		if err != nil {
			return err
		}
		for _, b := range balances {
			if err := d.SetActiveCurrency(b.CurrencyID, !b.Balance.IsZero(), descriptor.InBalances); err != nil {
				return err
			}
		}
		if balance.AnyNegative(balances) {
			d.SetDebt(descriptor.DebtBalance, true)
		}
		res.Balances = balances
		res.Descriptor = d
		return tx.StoreDescriptor(ctx, account, d)
	})
	if err != nil {
		return SettleResult{}, err
	}
	if res.Settled == 0 {
		return res, nil
	}

	metrics.Settlements.WithLabelValues(mode).Inc()
	metrics.SettledPositions.WithLabelValues(mode).Add(float64(res.Settled))
	slog.Info("account settled",
		"account", account,
		"mode", mode,
		"block_time", blockTime,
		"settled", res.Settled,
		"currencies", len(res.Amounts),
		"reference_time", res.Descriptor.ReferenceTime,
	)
	s.publish(Event{Type: "account_settled", Account: account, BlockTime: blockTime, Amounts: res.Amounts})
	return res, nil
}

func (s *Service) settleArray(ctx context.Context, tx *store.Tx, oracle *rates.Oracle, account string,
	d *descriptor.Descriptor, blockTime int64, res *SettleResult) error {
	slots, err := tx.LoadPositions(ctx, account)
	if err != nil {
		return err
	}
	state := portfolio.NewSortedState(slots)
	amounts, err := settlement.SettleArray(ctx, state, blockTime, oracle, market.New(tx))
	if err != nil {
		return err
	}
	if err := s.writeArray(ctx, tx, account, d, state); err != nil {
		return err
	}
	res.Amounts = amounts
	for _, p := range slots {
		if portfolio.SettlementDate(p) <= blockTime {
			res.Settled++
		}
	}
	return nil
}

func (s *Service) settleBitmap(ctx context.Context, tx *store.Tx, oracle *rates.Oracle, account string,
	d *descriptor.Descriptor, blockTime int64, res *SettleResult) error {
	currency := d.BitmapCurrency
	mask, err := tx.LoadBitmap(ctx, account, currency)
	if err != nil {
		return err
	}
	out, err := settlement.SettleBitmap(ctx, tx, oracle, account, currency, mask, d.ReferenceTime, blockTime)
	if err != nil {
		return err
	}
	if err := tx.StoreBitmap(ctx, account, currency, out.Mask); err != nil {
		return err
	}
	d.ReferenceTime = out.ReferenceTime

	neg, err := bitmapstore.New(tx, s.maxBitmap).HasNegative(ctx, account, currency, out.Mask, out.ReferenceTime)
	if err != nil {
		return err
	}
	d.SetDebt(descriptor.DebtPosition, neg)

	res.Settled = out.Settled
	if out.Settled > 0 {
		res.Amounts = []model.SettleAmount{{CurrencyID: currency, NetCash: out.Cash}}
	}
	return nil
}

// AddLiquidity deposits reserves into the pool at (currency, maturity).
func (s *Service) AddLiquidity(ctx context.Context, currency uint16, maturity int64, cash, dated, tokens decimal.Decimal) (model.Pool, error) {
	if err := model.CheckCurrency(currency); err != nil {
		return model.Pool{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var p model.Pool
	err := s.run(ctx, "add_liquidity", func(tx *store.Tx) error {
		var err error
		p, err = market.New(tx).AddLiquidity(ctx, currency, maturity, cash, dated, tokens)
		return err
	})
	if err != nil {
		return model.Pool{}, err
	}

	slog.Info("liquidity added",
		"currency", currency,
		"maturity", maturity,
		"total_cash", p.TotalCash.String(),
		"total_dated", p.TotalDated.String(),
		"total_liquidity", p.TotalLiquidity.String(),
	)
	return p, nil
}
