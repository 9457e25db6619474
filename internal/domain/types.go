// Package domain defines the core types shared across the ingestion
// pipeline: series identity, candlestick bars, intervals, and gaps.
// All timestamps are microseconds since the Unix epoch, UTC.
package domain

import (
	"fmt"
	"strings"
)

// Market identifies the market segment a series belongs to.
type Market string

const (
	// MarketSpot is the spot market.
	MarketSpot Market = "spot"
	// MarketLinear is the USD-margined linear perpetual market.
	MarketLinear Market = "linear"
)

// Valid reports whether m is a known market segment.
func (m Market) Valid() bool {
	return m == MarketSpot || m == MarketLinear
}

// ParseMarket resolves a market spelling, case-insensitively.
func ParseMarket(s string) (Market, error) {
	switch Market(strings.ToLower(strings.TrimSpace(s))) {
	case MarketSpot:
		return MarketSpot, nil
	case MarketLinear:
		return MarketLinear, nil
	}
	return "", &ValidationError{Field: "market", Value: s, Reason: "unknown market"}
}

// Provenance records which external source produced a bar.
type Provenance string

const (
	// ProvenanceArchive marks bars ingested from the bulk archive.
	ProvenanceArchive Provenance = "archive"
	// ProvenanceLiveAPI marks bars fetched from the live request/response API.
	ProvenanceLiveAPI Provenance = "live_api"
)

// SeriesKey is the (symbol, interval, market) identity of one time series.
// It is immutable and used as the partition key for all gap and range
// operations.
type SeriesKey struct {
	Symbol   string
	Interval Interval
	Market   Market
}

// String renders the key as "SYMBOL/interval/market".
func (k SeriesKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Symbol, k.Interval, k.Market)
}

// Validate checks that every key component is recognized.
func (k SeriesKey) Validate() error {
	if k.Symbol == "" {
		return &ValidationError{Field: "symbol", Value: k.Symbol, Reason: "empty"}
	}
	if k.Symbol != strings.ToUpper(k.Symbol) {
		return &ValidationError{Field: "symbol", Value: k.Symbol, Reason: "must be upper-case"}
	}
	if !k.Interval.Valid() {
		return &ValidationError{Field: "interval", Value: string(k.Interval), Reason: "unknown interval"}
	}
	if !k.Market.Valid() {
		return &ValidationError{Field: "market", Value: string(k.Market), Reason: "unknown market"}
	}
	return nil
}

// CanonicalBar is one OHLCV observation in the canonical schema. Bars are
// passed by value through the pipeline and never mutated after hashing; a
// changed field means a new bar and a new version.
type CanonicalBar struct {
	Key                 SeriesKey
	OpenTime            int64 // µs, UTC
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           int64 // µs, last microsecond of the interval
	QuoteVolume         float64
	TradeCount          int64
	TakerBuyBaseVolume  float64
	TakerBuyQuoteVolume float64
	Provenance          Provenance
	Version             uint64 // content hash, set by the version stage
}

// Validate enforces the bar integrity invariants: high is the maximum and
// low the minimum of the four prices, volumes are non-negative, and the
// close time is the last microsecond of the bar's interval.
func (b CanonicalBar) Validate() error {
	if b.High < b.Open || b.High < b.Close || b.High < b.Low {
		return b.integrityErr("high below another price field")
	}
	if b.Low > b.Open || b.Low > b.Close || b.Low > b.High {
		return b.integrityErr("low above another price field")
	}
	if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 {
		return b.integrityErr("negative price")
	}
	if b.Volume < 0 || b.QuoteVolume < 0 || b.TakerBuyBaseVolume < 0 || b.TakerBuyQuoteVolume < 0 {
		return b.integrityErr("negative volume")
	}
	if b.TradeCount < 0 {
		return b.integrityErr("negative trade count")
	}
	if want := b.Key.Interval.CloseTime(b.OpenTime); b.CloseTime != want {
		return b.integrityErr(fmt.Sprintf("close_time %d, want %d", b.CloseTime, want))
	}
	return nil
}

func (b CanonicalBar) integrityErr(reason string) error {
	return &IntegrityError{Key: b.Key, OpenTime: b.OpenTime, Reason: reason}
}

// Gap is a maximal contiguous run of expected-but-absent open times for one
// series key. Gaps are derived on demand and never persisted; a stale Gap
// against an already-filled range simply produces an empty fetch.
type Gap struct {
	Key           SeriesKey
	FirstMissing  int64 // µs, open time of the first missing bar
	LastMissing   int64 // µs, open time of the last missing bar
	ExpectedCount int   // number of missing bars in [FirstMissing, LastMissing]
}

// String renders the gap for logs and error messages.
func (g Gap) String() string {
	return fmt.Sprintf("%s [%d..%d] (%d bars)", g.Key, g.FirstMissing, g.LastMissing, g.ExpectedCount)
}
