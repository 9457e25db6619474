package symbols

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"klinehub/internal/domain"
)

// Compile-time interface check.
var _ Registry = (*SQLiteRegistry)(nil)

// SQLiteRegistry is a Registry persisted in SQLite so the symbol list can
// be refreshed out of band without redeploying. Lookups are served from an
// in-memory snapshot loaded at open and replaced atomically on Refresh.
type SQLiteRegistry struct {
	db *sql.DB

	mu      sync.RWMutex
	entries map[staticKey]int64
}

// OpenSQLiteRegistry opens (or creates) the registry database at dbPath
// and loads the current symbol snapshot.
func OpenSQLiteRegistry(ctx context.Context, dbPath string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}

	ddl := `CREATE TABLE IF NOT EXISTS symbols (
		symbol    TEXT    NOT NULL,
		market    TEXT    NOT NULL,
		listed_at INTEGER NOT NULL,
		PRIMARY KEY (symbol, market)
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating symbols table: %w", err)
	}

	r := &SQLiteRegistry{db: db}
	if err := r.reload(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database.
func (r *SQLiteRegistry) Close() error { return r.db.Close() }

// IsSupported reports whether the symbol is known on the market.
func (r *SQLiteRegistry) IsSupported(symbol string, market domain.Market) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[staticKey{symbol, market}]
	return ok
}

// ListingTime returns the listing time for a known symbol.
func (r *SQLiteRegistry) ListingTime(symbol string, market domain.Market) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.entries[staticKey{symbol, market}]
	return ts, ok
}

// Refresh replaces the stored symbol list with entries and swaps the
// in-memory snapshot.
func (r *SQLiteRegistry) Refresh(ctx context.Context, entries []Entry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM symbols`); err != nil {
		return fmt.Errorf("clearing symbols: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO symbols (symbol, market, listed_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Symbol, string(e.Market), e.ListedAt); err != nil {
			return fmt.Errorf("inserting %s/%s: %w", e.Symbol, e.Market, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh: %w", err)
	}

	return r.reload(ctx)
}

// Add inserts or updates a single symbol and refreshes the snapshot.
func (r *SQLiteRegistry) Add(ctx context.Context, e Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO symbols (symbol, market, listed_at) VALUES (?, ?, ?)`,
		e.Symbol, string(e.Market), e.ListedAt)
	if err != nil {
		return fmt.Errorf("inserting %s/%s: %w", e.Symbol, e.Market, err)
	}
	return r.reload(ctx)
}

// List returns the current snapshot sorted by symbol then market.
func (r *SQLiteRegistry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for k, listedAt := range r.entries {
		entries = append(entries, Entry{Symbol: k.symbol, Market: k.market, ListedAt: listedAt})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Symbol != entries[j].Symbol {
			return entries[i].Symbol < entries[j].Symbol
		}
		return entries[i].Market < entries[j].Market
	})
	return entries
}

func (r *SQLiteRegistry) reload(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol, market, listed_at FROM symbols`)
	if err != nil {
		return fmt.Errorf("loading symbols: %w", err)
	}
	defer rows.Close()

	entries := make(map[staticKey]int64)
	for rows.Next() {
		var symbol, market string
		var listedAt int64
		if err := rows.Scan(&symbol, &market, &listedAt); err != nil {
			return fmt.Errorf("scanning symbol row: %w", err)
		}
		entries[staticKey{symbol, domain.Market(market)}] = listedAt
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}
