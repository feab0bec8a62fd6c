package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the packed per-account records and the immutable settlement
// rates. Commits go to the primary store and invalidate the touched keys
// both before and after the write; reads check Redis first then fall back
// to the primary.
//
// Keys whose invalidation failed after a commit are marked stale and read
// from the primary until a later delete succeeds.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	mu    sync.Mutex
	stale map[string]struct{}
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		stale:   make(map[string]struct{}),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, cs *Changeset) error {
	keys := touchedKeys(cs)

	// An unreachable cache aborts the commit before the primary changes.
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache invalidation before commit: %w", err)
		}
	}
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	// Reads made while the operation ran may have re-populated the keys.
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed, bypassing cache for keys", "keys", len(keys), "err", err)
		s.mu.Lock()
		for _, k := range keys {
			s.stale[k] = struct{}{}
		}
		s.mu.Unlock()
	}
	return nil
}

func touchedKeys(cs *Changeset) []string {
	var keys []string
	for a := range cs.Descriptors {
		keys = append(keys, descriptorKey(a))
	}
	for a := range cs.Positions {
		keys = append(keys, positionsKey(a))
	}
	for k := range cs.Bitmaps {
		keys = append(keys, bitmapKey(k.Account, k.Currency))
	}
	return keys
}

// isStale reports whether key must bypass the cache. A stale key is cleared
// once Redis confirms its deletion.
func (s *CachedStore) isStale(ctx context.Context, key string) bool {
	s.mu.Lock()
	_, ok := s.stale[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return true
	}
	s.mu.Lock()
	delete(s.stale, key)
	s.mu.Unlock()
	return true
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Descriptor(ctx context.Context, account string) ([]byte, error) {
	return s.cachedBytes(ctx, descriptorKey(account), func() ([]byte, error) {
		return s.primary.Descriptor(ctx, account)
	})
}

func (s *CachedStore) Positions(ctx context.Context, account string) ([]byte, error) {
	return s.cachedBytes(ctx, positionsKey(account), func() ([]byte, error) {
		return s.primary.Positions(ctx, account)
	})
}

func (s *CachedStore) Bitmap(ctx context.Context, account string, currency uint16) ([]byte, error) {
	return s.cachedBytes(ctx, bitmapKey(account, currency), func() ([]byte, error) {
		return s.primary.Bitmap(ctx, account, currency)
	})
}

// SettlementRate caches only established rates; they never change.
func (s *CachedStore) SettlementRate(ctx context.Context, currency uint16, maturity int64) (decimal.Decimal, bool, error) {
	key := rateKey(currency, maturity)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var r decimal.Decimal
		if json.Unmarshal(data, &r) == nil {
			return r, true, nil
		}
	}

	r, ok, err := s.primary.SettlementRate(ctx, currency, maturity)
	if err != nil || !ok {
		return r, ok, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, key, data, 0)
	}
	return r, true, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) BitmapNotional(ctx context.Context, account string, currency uint16, maturity int64) (decimal.Decimal, error) {
	return s.primary.BitmapNotional(ctx, account, currency, maturity)
}

func (s *CachedStore) Pool(ctx context.Context, currency uint16, maturity int64) (model.Pool, bool, error) {
	return s.primary.Pool(ctx, currency, maturity)
}

func (s *CachedStore) Balance(ctx context.Context, account string, currency uint16) (decimal.Decimal, error) {
	return s.primary.Balance(ctx, account, currency)
}

func (s *CachedStore) LedgerEntries(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	return s.primary.LedgerEntries(ctx, account)
}

// --- Cache helpers ---

// cachedBytes serves key from Redis or loads and caches it. Absent records
// are cached as an empty value so repeated misses stay off the primary.
func (s *CachedStore) cachedBytes(ctx context.Context, key string, load func() ([]byte, error)) ([]byte, error) {
	if s.isStale(ctx, key) {
		return load()
	}

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		if len(data) == 0 {
			return nil, nil
		}
		return data, nil
	}

	data, err = load()
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, key, data, s.ttl)
	return data, nil
}

func descriptorKey(account string) string { return fmt.Sprintf("descriptor:%s", account) }
func positionsKey(account string) string  { return fmt.Sprintf("positions:%s", account) }
func bitmapKey(account string, currency uint16) string {
	return fmt.Sprintf("bitmap:%s:%d", account, currency)
}
func rateKey(currency uint16, maturity int64) string {
	return fmt.Sprintf("rate:%d:%d", currency, maturity)
}
