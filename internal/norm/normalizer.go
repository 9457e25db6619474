// Package norm parses the two raw archive record layouts and the live-API
// row format into canonical bars with microsecond timestamps.
package norm

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"klinehub/internal/domain"
)

// Format tags a raw record batch with its source layout.
type Format string

const (
	// FormatArchiveSpot is the spot archive CSV: 11 positional fields, no
	// header, open/close times in milliseconds before the precision
	// cutover and microseconds after it.
	FormatArchiveSpot Format = "archive-spot"
	// FormatArchiveLinear is the linear-perpetual archive CSV: 12 named
	// columns with a header row and a trailing ignorable field, times
	// always in milliseconds.
	FormatArchiveLinear Format = "archive-linear"
	// FormatLiveAPI is the live kline endpoint's JSON array row, times
	// always in milliseconds.
	FormatLiveAPI Format = "live-api"
)

// Timestamp sanity bounds. open_time outside [minOpenTimeUS, maxOpenTimeUS]
// marks the row as corrupted.
var (
	minOpenTimeUS = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	maxOpenTimeUS = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
)

// microsThreshold separates millisecond from microsecond raw timestamps by
// magnitude: a 13-digit value is milliseconds, a 16-digit value is
// microseconds. Anything in between cannot occur for the sane time bounds.
const microsThreshold = 1_000_000_000_000_000

// BatchRejectedError is returned when the fraction of individually rejected
// rows exceeds the configured threshold, which indicates a corrupted
// archive rather than a handful of bad rows.
type BatchRejectedError struct {
	Key      domain.SeriesKey
	Format   Format
	Total    int
	Rejected int
	Limit    float64
	First    error // first row-level error, for diagnosis
}

func (e *BatchRejectedError) Error() string {
	return fmt.Sprintf("batch %s (%s): %d of %d rows rejected, limit %.2f%%: first error: %v",
		e.Key, e.Format, e.Rejected, e.Total, e.Limit*100, e.First)
}

func (e *BatchRejectedError) Unwrap() error { return e.First }

// Normalizer converts raw record batches into canonical bars. The zero
// value is not usable; construct with New.
type Normalizer struct {
	maxRejectFraction float64
	log               *slog.Logger
}

// DefaultMaxRejectFraction is the batch rejection threshold used when the
// configured value is zero.
const DefaultMaxRejectFraction = 0.01

// New creates a Normalizer that fails a batch when more than
// maxRejectFraction of its rows are individually rejected.
func New(maxRejectFraction float64) *Normalizer {
	if maxRejectFraction <= 0 {
		maxRejectFraction = DefaultMaxRejectFraction
	}
	return &Normalizer{
		maxRejectFraction: maxRejectFraction,
		log:               slog.Default().With("component", "normalizer"),
	}
}

// NormalizeCSV parses an archive CSV batch. Rows with a wrong column count,
// a non-numeric numeric field, or an open time outside the sane historical
// bounds are skipped and counted; a bar failing the integrity invariants
// fails the whole batch.
func (n *Normalizer) NormalizeCSV(key domain.SeriesKey, format Format, r io.Reader) ([]domain.CanonicalBar, error) {
	wantCols := 11
	if format == FormatArchiveLinear {
		wantCols = 12
	} else if format != FormatArchiveSpot {
		return nil, fmt.Errorf("normalize: format %q is not a CSV layout", format)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // column count is checked per row, skip-and-count
	cr.ReuseRecord = true

	var (
		bars     []domain.CanonicalBar
		total    int
		rejected int
		firstErr error
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("normalize %s: reading csv: %w", key, err)
		}

		// The linear layout carries a header row; detect it by the
		// non-numeric first column rather than assuming position, since
		// concatenated batches may repeat it.
		if format == FormatArchiveLinear && isHeaderRow(rec) {
			continue
		}

		total++
		bar, err := n.csvRowToBar(key, format, rec, wantCols)
		if err != nil {
			rejected++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := bar.Validate(); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", key, err)
		}
		bars = append(bars, bar)
	}

	if err := n.checkRejectRate(key, format, total, rejected, firstErr); err != nil {
		return nil, err
	}
	return bars, nil
}

// NormalizeAPIRows parses live-API kline rows (JSON arrays). Rows always
// carry millisecond timestamps.
func (n *Normalizer) NormalizeAPIRows(key domain.SeriesKey, rows [][]json.RawMessage) ([]domain.CanonicalBar, error) {
	var (
		bars     []domain.CanonicalBar
		rejected int
		firstErr error
	)
	for _, row := range rows {
		bar, err := n.apiRowToBar(key, row)
		if err != nil {
			rejected++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := bar.Validate(); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", key, err)
		}
		bars = append(bars, bar)
	}
	if err := n.checkRejectRate(key, FormatLiveAPI, len(rows), rejected, firstErr); err != nil {
		return nil, err
	}
	return bars, nil
}

func (n *Normalizer) checkRejectRate(key domain.SeriesKey, format Format, total, rejected int, firstErr error) error {
	if rejected == 0 {
		return nil
	}
	if total > 0 && float64(rejected)/float64(total) > n.maxRejectFraction {
		return &BatchRejectedError{
			Key: key, Format: format,
			Total: total, Rejected: rejected,
			Limit: n.maxRejectFraction, First: firstErr,
		}
	}
	n.log.Warn("rows rejected under threshold",
		"key", key.String(),
		"format", string(format),
		"rejected", rejected,
		"total", total,
		"firstErr", firstErr,
	)
	return nil
}

// csvRowToBar maps one archive CSV row onto a canonical bar. Column order
// is identical for both layouts after the linear layout's trailing ignore
// column is dropped:
//
//	open_time, open, high, low, close, volume,
//	close_time, quote_volume, count, taker_buy_base, taker_buy_quote
func (n *Normalizer) csvRowToBar(key domain.SeriesKey, format Format, rec []string, wantCols int) (domain.CanonicalBar, error) {
	if len(rec) != wantCols {
		return domain.CanonicalBar{}, fmt.Errorf("row has %d columns, want %d", len(rec), wantCols)
	}

	rawOpenTime, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return domain.CanonicalBar{}, fmt.Errorf("open_time %q: %w", rec[0], err)
	}
	var openUS int64
	if format == FormatArchiveSpot {
		// The spot archive switched its on-disk unit from milliseconds to
		// microseconds at a historical cutover; decide by magnitude, not
		// by date.
		openUS = toMicros(rawOpenTime)
	} else {
		openUS = rawOpenTime * 1000
	}
	if openUS < minOpenTimeUS || openUS > maxOpenTimeUS {
		return domain.CanonicalBar{}, fmt.Errorf("open_time %d outside sane bounds", openUS)
	}

	var fields [10]float64
	idx := []int{1, 2, 3, 4, 5, 7, 9, 10} // float columns
	for _, i := range idx {
		f, err := strconv.ParseFloat(rec[i], 64)
		if err != nil {
			return domain.CanonicalBar{}, fmt.Errorf("column %d %q: %w", i, rec[i], err)
		}
		fields[i-1] = f
	}
	count, err := strconv.ParseInt(rec[8], 10, 64)
	if err != nil {
		return domain.CanonicalBar{}, fmt.Errorf("count %q: %w", rec[8], err)
	}

	return domain.CanonicalBar{
		Key:      key,
		OpenTime: openUS,
		Open:     fields[0], High: fields[1], Low: fields[2], Close: fields[3],
		Volume: fields[4],
		// The raw close_time column has source-dependent precision; the
		// canonical close time is derived from the cadence.
		CloseTime:           key.Interval.CloseTime(openUS),
		QuoteVolume:         fields[6],
		TradeCount:          count,
		TakerBuyBaseVolume:  fields[8],
		TakerBuyQuoteVolume: fields[9],
		Provenance:          domain.ProvenanceArchive,
	}, nil
}

// apiRowToBar maps one live-API kline row. Rows are 12-element JSON arrays
// (the last element is ignorable); numbers may arrive quoted or bare.
func (n *Normalizer) apiRowToBar(key domain.SeriesKey, row []json.RawMessage) (domain.CanonicalBar, error) {
	if len(row) != 11 && len(row) != 12 {
		return domain.CanonicalBar{}, fmt.Errorf("row has %d elements, want 11 or 12", len(row))
	}

	openMS, err := jsonInt(row[0])
	if err != nil {
		return domain.CanonicalBar{}, fmt.Errorf("open_time: %w", err)
	}
	openUS := openMS * 1000
	if openUS < minOpenTimeUS || openUS > maxOpenTimeUS {
		return domain.CanonicalBar{}, fmt.Errorf("open_time %d outside sane bounds", openUS)
	}

	var vals [8]float64
	for i, pos := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
		v, err := jsonFloat(row[pos])
		if err != nil {
			return domain.CanonicalBar{}, fmt.Errorf("element %d: %w", pos, err)
		}
		vals[i] = v
	}
	count, err := jsonInt(row[8])
	if err != nil {
		return domain.CanonicalBar{}, fmt.Errorf("count: %w", err)
	}

	return domain.CanonicalBar{
		Key:      key,
		OpenTime: openUS,
		Open:     vals[0], High: vals[1], Low: vals[2], Close: vals[3],
		Volume:              vals[4],
		CloseTime:           key.Interval.CloseTime(openUS),
		QuoteVolume:         vals[5],
		TradeCount:          count,
		TakerBuyBaseVolume:  vals[6],
		TakerBuyQuoteVolume: vals[7],
		Provenance:          domain.ProvenanceLiveAPI,
	}, nil
}

// toMicros converts a raw archive timestamp to microseconds. Values at or
// above microsThreshold are already microseconds; smaller values are
// milliseconds and are converted by exact multiplication.
func toMicros(raw int64) int64 {
	if raw >= microsThreshold {
		return raw
	}
	return raw * 1000
}

func isHeaderRow(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	_, err := strconv.ParseInt(rec[0], 10, 64)
	return err != nil
}

func jsonFloat(raw json.RawMessage) (float64, error) {
	s := string(bytes.Trim(bytes.TrimSpace(raw), `"`))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric value %q", s)
	}
	return f, nil
}

func jsonInt(raw json.RawMessage) (int64, error) {
	s := string(bytes.Trim(bytes.TrimSpace(raw), `"`))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-integer value %q", s)
	}
	return v, nil
}
