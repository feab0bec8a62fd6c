package store

import (
	"context"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	descriptors map[string][]byte
	positions   map[string][]byte
	bitmaps     map[BitmapKey][]byte
	notionals   map[NotionalKey]decimal.Decimal
	rates       map[MaturityKey]decimal.Decimal
	pools       map[MaturityKey]model.Pool
	balances    map[BalanceKey]decimal.Decimal
	ledger      []model.LedgerEntry
	commits     int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		descriptors: make(map[string][]byte),
		positions:   make(map[string][]byte),
		bitmaps:     make(map[BitmapKey][]byte),
		notionals:   make(map[NotionalKey]decimal.Decimal),
		rates:       make(map[MaturityKey]decimal.Decimal),
		pools:       make(map[MaturityKey]model.Pool),
		balances:    make(map[BalanceKey]decimal.Decimal),
	}
}

func (s *MemoryStore) Descriptor(_ context.Context, account string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.descriptors[account]), nil
}

func (s *MemoryStore) Positions(_ context.Context, account string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.positions[account]), nil
}

func (s *MemoryStore) Bitmap(_ context.Context, account string, currency uint16) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.bitmaps[BitmapKey{account, currency}]), nil
}

func (s *MemoryStore) BitmapNotional(_ context.Context, account string, currency uint16, maturity int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notionals[NotionalKey{account, currency, maturity}], nil
}

func (s *MemoryStore) SettlementRate(_ context.Context, currency uint16, maturity int64) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[MaturityKey{currency, maturity}]
	return r, ok, nil
}

func (s *MemoryStore) Pool(_ context.Context, currency uint16, maturity int64) (model.Pool, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[MaturityKey{currency, maturity}]
	return p, ok, nil
}

func (s *MemoryStore) Balance(_ context.Context, account string, currency uint16) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[BalanceKey{account, currency}], nil
}

func (s *MemoryStore) LedgerEntries(_ context.Context, account string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Account == account {
			out = append(out, e)
		}
	}
	return out, nil
}

// Commit applies cs under the write lock, so readers never observe a partly
// applied changeset.
func (s *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for a, b := range cs.Descriptors {
		s.descriptors[a] = slices.Clone(b)
	}
	for a, b := range cs.Positions {
		if len(b) == 0 {
			delete(s.positions, a)
			continue
		}
		s.positions[a] = slices.Clone(b)
	}
	for k, b := range cs.Bitmaps {
		if len(b) == 0 {
			delete(s.bitmaps, k)
			continue
		}
		s.bitmaps[k] = slices.Clone(b)
	}
	for k, n := range cs.Notionals {
		if n.IsZero() {
			delete(s.notionals, k)
			continue
		}
		s.notionals[k] = n
	}
	for k, r := range cs.Rates {
		if _, ok := s.rates[k]; !ok {
			s.rates[k] = r
		}
	}
	for k, p := range cs.Pools {
		s.pools[k] = p
	}
	for k, b := range cs.Balances {
		s.balances[k] = b
	}
	s.ledger = append(s.ledger, cs.Entries...)
	s.commits++
	return nil
}

// Commits returns the number of changesets applied.
func (s *MemoryStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}
