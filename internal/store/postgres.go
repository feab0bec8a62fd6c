package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC for exact decimal precision; packed
// records (descriptors, slot arrays, masks) are stored as BYTEA.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// RunMigrations applies the embedded SQL files in lexicographic order and
// records each one in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// queryBytes reads a single BYTEA column, returning nil when no row exists.
func (s *PostgresStore) queryBytes(ctx context.Context, query string, args ...any) ([]byte, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// queryDecimal reads a single NUMERIC column cast to TEXT.
func (s *PostgresStore) queryDecimal(ctx context.Context, query string, args ...any) (decimal.Decimal, bool, error) {
	var text string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	n, err := parseNumeric(text)
	if err != nil {
		return decimal.Zero, false, err
	}
	return n, true, nil
}

// parseNumeric converts a NUMERIC column read as TEXT.
func parseNumeric(text string) (decimal.Decimal, error) {
	n, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse numeric %q: %w", text, err)
	}
	return n, nil
}

func (s *PostgresStore) Descriptor(ctx context.Context, account string) ([]byte, error) {
	b, err := s.queryBytes(ctx, `SELECT data FROM account_descriptors WHERE account = $1`, account)
	if err != nil {
		return nil, fmt.Errorf("get descriptor %s: %w", account, err)
	}
	return b, nil
}

func (s *PostgresStore) Positions(ctx context.Context, account string) ([]byte, error) {
	b, err := s.queryBytes(ctx, `SELECT slots FROM array_positions WHERE account = $1`, account)
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", account, err)
	}
	return b, nil
}

func (s *PostgresStore) Bitmap(ctx context.Context, account string, currency uint16) ([]byte, error) {
	b, err := s.queryBytes(ctx,
		`SELECT mask FROM position_bitmaps WHERE account = $1 AND currency_id = $2`, account, int32(currency))
	if err != nil {
		return nil, fmt.Errorf("get bitmap %s/%d: %w", account, currency, err)
	}
	return b, nil
}

func (s *PostgresStore) BitmapNotional(ctx context.Context, account string, currency uint16, maturity int64) (decimal.Decimal, error) {
	n, _, err := s.queryDecimal(ctx,
		`SELECT notional::TEXT FROM bitmap_notionals
		 WHERE account = $1 AND currency_id = $2 AND maturity = $3`,
		account, int32(currency), maturity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get bitmap notional %s/%d@%d: %w", account, currency, maturity, err)
	}
	return n, nil
}

func (s *PostgresStore) SettlementRate(ctx context.Context, currency uint16, maturity int64) (decimal.Decimal, bool, error) {
	r, ok, err := s.queryDecimal(ctx,
		`SELECT rate::TEXT FROM settlement_rates WHERE currency_id = $1 AND maturity = $2`,
		int32(currency), maturity)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get settlement rate %d@%d: %w", currency, maturity, err)
	}
	return r, ok, nil
}

func (s *PostgresStore) Pool(ctx context.Context, currency uint16, maturity int64) (model.Pool, bool, error) {
	var cash, dated, liquidity string
	err := s.pool.QueryRow(ctx,
		`SELECT total_cash::TEXT, total_dated::TEXT, total_liquidity::TEXT
		 FROM liquidity_pools WHERE currency_id = $1 AND maturity = $2`,
		int32(currency), maturity).Scan(&cash, &dated, &liquidity)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pool{}, false, nil
	}
	if err != nil {
		return model.Pool{}, false, fmt.Errorf("get pool %d@%d: %w", currency, maturity, err)
	}

	p := model.Pool{CurrencyID: currency, Maturity: maturity}
	if p.TotalCash, err = parseNumeric(cash); err != nil {
		return model.Pool{}, false, fmt.Errorf("get pool %d@%d: %w", currency, maturity, err)
	}
	if p.TotalDated, err = parseNumeric(dated); err != nil {
		return model.Pool{}, false, fmt.Errorf("get pool %d@%d: %w", currency, maturity, err)
	}
	if p.TotalLiquidity, err = parseNumeric(liquidity); err != nil {
		return model.Pool{}, false, fmt.Errorf("get pool %d@%d: %w", currency, maturity, err)
	}
	return p, true, nil
}

func (s *PostgresStore) Balance(ctx context.Context, account string, currency uint16) (decimal.Decimal, error) {
	b, _, err := s.queryDecimal(ctx,
		`SELECT balance::TEXT FROM balances WHERE account = $1 AND currency_id = $2`,
		account, int32(currency))
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s/%d: %w", account, currency, err)
	}
	return b, nil
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, account, currency_id, amount::TEXT, balance::TEXT, reason, timestamp
		 FROM ledger_entries WHERE account = $1 ORDER BY timestamp, id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var currency int32
		var amount, balance string
		if err := rows.Scan(&e.ID, &e.Account, &currency, &amount, &balance, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		e.CurrencyID = uint16(currency)
		if e.Amount, err = parseNumeric(amount); err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", e.ID, err)
		}
		if e.Balance, err = parseNumeric(balance); err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Commit writes cs in a single database transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	batch := &pgx.Batch{}

	for a, b := range cs.Descriptors {
		batch.Queue(`INSERT INTO account_descriptors (account, data) VALUES ($1, $2)
			ON CONFLICT (account) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`, a, b)
	}
	for a, b := range cs.Positions {
		if len(b) == 0 {
			batch.Queue(`DELETE FROM array_positions WHERE account = $1`, a)
			continue
		}
		batch.Queue(`INSERT INTO array_positions (account, slots) VALUES ($1, $2)
			ON CONFLICT (account) DO UPDATE SET slots = EXCLUDED.slots, updated_at = NOW()`, a, b)
	}
	for k, b := range cs.Bitmaps {
		if len(b) == 0 {
			batch.Queue(`DELETE FROM position_bitmaps WHERE account = $1 AND currency_id = $2`,
				k.Account, int32(k.Currency))
			continue
		}
		batch.Queue(`INSERT INTO position_bitmaps (account, currency_id, mask) VALUES ($1, $2, $3)
			ON CONFLICT (account, currency_id) DO UPDATE SET mask = EXCLUDED.mask, updated_at = NOW()`,
			k.Account, int32(k.Currency), b)
	}
	for k, n := range cs.Notionals {
		if n.IsZero() {
			batch.Queue(`DELETE FROM bitmap_notionals WHERE account = $1 AND currency_id = $2 AND maturity = $3`,
				k.Account, int32(k.Currency), k.Maturity)
			continue
		}
		batch.Queue(`INSERT INTO bitmap_notionals (account, currency_id, maturity, notional)
			VALUES ($1, $2, $3, $4::NUMERIC)
			ON CONFLICT (account, currency_id, maturity) DO UPDATE SET notional = EXCLUDED.notional`,
			k.Account, int32(k.Currency), k.Maturity, n.String())
	}
	for k, r := range cs.Rates {
		// Rates are immutable once fixed.
		batch.Queue(`INSERT INTO settlement_rates (currency_id, maturity, rate) VALUES ($1, $2, $3::NUMERIC)
			ON CONFLICT (currency_id, maturity) DO NOTHING`,
			int32(k.Currency), k.Maturity, r.String())
	}
	for k, p := range cs.Pools {
		batch.Queue(`INSERT INTO liquidity_pools (currency_id, maturity, total_cash, total_dated, total_liquidity)
			VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
			ON CONFLICT (currency_id, maturity) DO UPDATE SET
				total_cash = EXCLUDED.total_cash, total_dated = EXCLUDED.total_dated,
				total_liquidity = EXCLUDED.total_liquidity, updated_at = NOW()`,
			int32(k.Currency), k.Maturity, p.TotalCash.String(), p.TotalDated.String(), p.TotalLiquidity.String())
	}
	for k, b := range cs.Balances {
		batch.Queue(`INSERT INTO balances (account, currency_id, balance) VALUES ($1, $2, $3::NUMERIC)
			ON CONFLICT (account, currency_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`,
			k.Account, int32(k.Currency), b.String())
	}
	for _, e := range cs.Entries {
		batch.Queue(`INSERT INTO ledger_entries (id, account, currency_id, amount, balance, reason, timestamp)
			VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
			e.ID, e.Account, int32(e.CurrencyID), e.Amount.String(), e.Balance.String(), e.Reason, e.Timestamp)
	}

	if batch.Len() == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: commit changeset: %w", err)
		}
		return nil
	})
}
