package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"klinehub/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*ClickHouse)(nil)

// ClickHouseOptions configures the production gateway.
type ClickHouseOptions struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string
}

// ClickHouse is the production Gateway backed by a ReplacingMergeTree
// table keyed on (symbol, market, interval, open_time) with the content
// hash as the replacing version.
type ClickHouse struct {
	conn  driver.Conn
	table string
	log   *slog.Logger
}

// OpenClickHouse connects, verifies reachability, and ensures the bars
// table exists.
func OpenClickHouse(ctx context.Context, opts ClickHouseOptions) (*ClickHouse, error) {
	if opts.Table == "" {
		opts.Table = "bars"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	g := &ClickHouse{
		conn:  conn,
		table: opts.Table,
		log:   slog.Default().With("component", "clickhouse-gateway"),
	}
	if err := g.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := g.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return g, nil
}

func (g *ClickHouse) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    symbol                 LowCardinality(String),
    interval               LowCardinality(String),
    market                 LowCardinality(String),
    open_time              Int64,
    open                   Float64,
    high                   Float64,
    low                    Float64,
    close                  Float64,
    volume                 Float64,
    close_time             Int64,
    quote_volume           Float64,
    trade_count            Int64,
    taker_buy_base_volume  Float64,
    taker_buy_quote_volume Float64,
    provenance             LowCardinality(String),
    version                UInt64
) ENGINE = ReplacingMergeTree(version)
PARTITION BY (market, interval)
ORDER BY (symbol, market, interval, open_time)`, g.table)
	return g.conn.Exec(ctx, ddl)
}

// Upsert inserts the batch. ReplacingMergeTree resolves duplicate
// (key, open_time) rows to the greatest version during compaction, so
// resubmission is safe.
func (g *ClickHouse) Upsert(ctx context.Context, bars []domain.CanonicalBar) error {
	if len(bars) == 0 {
		return nil
	}
	batch, err := g.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", g.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, b := range bars {
		err := batch.Append(
			b.Key.Symbol,
			string(b.Key.Interval),
			string(b.Key.Market),
			b.OpenTime,
			b.Open, b.High, b.Low, b.Close, b.Volume,
			b.CloseTime,
			b.QuoteVolume,
			b.TradeCount,
			b.TakerBuyBaseVolume,
			b.TakerBuyQuoteVolume,
			string(b.Provenance),
			b.Version,
		)
		if err != nil {
			return fmt.Errorf("append %s@%d: %w", b.Key, b.OpenTime, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch of %d: %w", len(bars), err)
	}
	return nil
}

// ReadRangeFinal reads through FINAL so every (key, open_time) resolves to
// its single highest-version row regardless of compaction progress.
func (g *ClickHouse) ReadRangeFinal(ctx context.Context, key domain.SeriesKey, startUS, endUS int64) ([]domain.CanonicalBar, error) {
	query := fmt.Sprintf(`
SELECT open_time, open, high, low, close, volume, close_time,
       quote_volume, trade_count, taker_buy_base_volume,
       taker_buy_quote_volume, provenance, version
FROM %s FINAL
WHERE symbol = ? AND interval = ? AND market = ?
  AND open_time BETWEEN ? AND ?
ORDER BY open_time`, g.table)

	rows, err := g.conn.Query(ctx, query, key.Symbol, string(key.Interval), string(key.Market), startUS, endUS)
	if err != nil {
		return nil, fmt.Errorf("read range final %s: %w", key, err)
	}
	defer rows.Close()

	var out []domain.CanonicalBar
	for rows.Next() {
		b := domain.CanonicalBar{Key: key}
		var provenance string
		err := rows.Scan(
			&b.OpenTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
			&b.CloseTime, &b.QuoteVolume, &b.TradeCount,
			&b.TakerBuyBaseVolume, &b.TakerBuyQuoteVolume,
			&provenance, &b.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		b.Provenance = domain.Provenance(provenance)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ExistingTimes returns the deduplicated open times for the key in range.
func (g *ClickHouse) ExistingTimes(ctx context.Context, key domain.SeriesKey, startUS, endUS int64) (map[int64]struct{}, error) {
	query := fmt.Sprintf(`
SELECT open_time FROM %s FINAL
WHERE symbol = ? AND interval = ? AND market = ?
  AND open_time BETWEEN ? AND ?`, g.table)

	rows, err := g.conn.Query(ctx, query, key.Symbol, string(key.Interval), string(key.Market), startUS, endUS)
	if err != nil {
		return nil, fmt.Errorf("existing times %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[int64]struct{})
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan open_time: %w", err)
		}
		out[ts] = struct{}{}
	}
	return out, rows.Err()
}

// Ping verifies connectivity.
func (g *ClickHouse) Ping(ctx context.Context) error {
	return g.conn.Ping(ctx)
}

// Close releases the connection pool.
func (g *ClickHouse) Close() error {
	return g.conn.Close()
}
