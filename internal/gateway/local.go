package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"klinehub/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*Local)(nil)

// Local is a file-backed Gateway for air-gapped runs and tooling. Bars are
// kept in Parquet files partitioned by market/interval/symbol/year, and the
// version resolution the production engine performs during compaction is
// applied eagerly at write time.
type Local struct {
	DataDir string
}

// NewLocal creates a Local gateway rooted at dataDir.
func NewLocal(dataDir string) *Local {
	return &Local{DataDir: dataDir}
}

// barRecord is the on-disk Parquet schema.
type barRecord struct {
	Symbol              string  `parquet:"symbol"`
	Interval            string  `parquet:"interval"`
	Market              string  `parquet:"market"`
	OpenTime            int64   `parquet:"open_time,timestamp(microsecond)"`
	Open                float64 `parquet:"open"`
	High                float64 `parquet:"high"`
	Low                 float64 `parquet:"low"`
	Close               float64 `parquet:"close"`
	Volume              float64 `parquet:"volume"`
	CloseTime           int64   `parquet:"close_time,timestamp(microsecond)"`
	QuoteVolume         float64 `parquet:"quote_volume"`
	TradeCount          int64   `parquet:"trade_count"`
	TakerBuyBaseVolume  float64 `parquet:"taker_buy_base_volume"`
	TakerBuyQuoteVolume float64 `parquet:"taker_buy_quote_volume"`
	Provenance          string  `parquet:"provenance"`
	Version             uint64  `parquet:"version"`
}

func toRecord(b domain.CanonicalBar) barRecord {
	return barRecord{
		Symbol:   b.Key.Symbol,
		Interval: string(b.Key.Interval),
		Market:   string(b.Key.Market),
		OpenTime: b.OpenTime,
		Open:     b.Open, High: b.High, Low: b.Low, Close: b.Close,
		Volume:              b.Volume,
		CloseTime:           b.CloseTime,
		QuoteVolume:         b.QuoteVolume,
		TradeCount:          b.TradeCount,
		TakerBuyBaseVolume:  b.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
		Provenance:          string(b.Provenance),
		Version:             b.Version,
	}
}

func (r barRecord) toBar(key domain.SeriesKey) domain.CanonicalBar {
	return domain.CanonicalBar{
		Key:      key,
		OpenTime: r.OpenTime,
		Open:     r.Open, High: r.High, Low: r.Low, Close: r.Close,
		Volume:              r.Volume,
		CloseTime:           r.CloseTime,
		QuoteVolume:         r.QuoteVolume,
		TradeCount:          r.TradeCount,
		TakerBuyBaseVolume:  r.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: r.TakerBuyQuoteVolume,
		Provenance:          domain.Provenance(r.Provenance),
		Version:             r.Version,
	}
}

// Upsert merges the batch into the per-year files, keeping the greatest
// version per open time.
func (s *Local) Upsert(_ context.Context, bars []domain.CanonicalBar) error {
	if len(bars) == 0 {
		return nil
	}

	type fileKey struct {
		key  domain.SeriesKey
		year int
	}
	groups := make(map[fileKey][]barRecord)
	for _, b := range bars {
		fk := fileKey{key: b.Key, year: time.UnixMicro(b.OpenTime).UTC().Year()}
		groups[fk] = append(groups[fk], toRecord(b))
	}

	for fk, records := range groups {
		path := s.barPath(fk.key, fk.year)
		existing, err := readParquetFile[barRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			// Merging over an unreadable file would drop its rows.
			return fmt.Errorf("reading %s/%d before merge: %w", fk.key, fk.year, err)
		}
		merged := mergeRecords(existing, records)
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing %s/%d: %w", fk.key, fk.year, err)
		}
	}
	return nil
}

// ReadRangeFinal reads the year files covering the range. Files hold at
// most one row per open time, so only ordering remains to be enforced.
func (s *Local) ReadRangeFinal(_ context.Context, key domain.SeriesKey, startUS, endUS int64) ([]domain.CanonicalBar, error) {
	var out []domain.CanonicalBar
	for year := time.UnixMicro(startUS).UTC().Year(); year <= time.UnixMicro(endUS).UTC().Year(); year++ {
		records, err := readParquetFile[barRecord](s.barPath(key, year))
		if errors.Is(err, fs.ErrNotExist) {
			// No file for this year.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s/%d: %w", key, year, err)
		}
		for _, r := range records {
			if r.OpenTime >= startUS && r.OpenTime <= endUS {
				out = append(out, r.toBar(key))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// ExistingTimes returns the stored open times inside the range.
func (s *Local) ExistingTimes(ctx context.Context, key domain.SeriesKey, startUS, endUS int64) (map[int64]struct{}, error) {
	bars, err := s.ReadRangeFinal(ctx, key, startUS, endUS)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{}, len(bars))
	for _, b := range bars {
		out[b.OpenTime] = struct{}{}
	}
	return out, nil
}

// Ping verifies the data directory is writable.
func (s *Local) Ping(context.Context) error {
	return os.MkdirAll(s.DataDir, 0o755)
}

// barPath returns the file for one key and year.
// Layout: <dataDir>/<market>/<interval>/<SYMBOL>/<YYYY>.parquet
func (s *Local) barPath(key domain.SeriesKey, year int) string {
	return filepath.Join(s.DataDir, string(key.Market), string(key.Interval), key.Symbol, strconv.Itoa(year)+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeRecords deduplicates by open time, keeping the record with the
// numerically greatest version, the same resolution ReplacingMergeTree
// applies during compaction.
func mergeRecords(existing, incoming []barRecord) []barRecord {
	seen := make(map[int64]barRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.OpenTime] = r
	}
	for _, r := range incoming {
		if prev, ok := seen[r.OpenTime]; !ok || r.Version > prev.Version {
			seen[r.OpenTime] = r
		}
	}

	merged := make([]barRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].OpenTime < merged[j].OpenTime })
	return merged
}
