// Package symbols provides the known-symbols lookup collaborator. The set
// of listed symbols changes over time, so it is injected and refreshable
// rather than compiled in.
package symbols

import "klinehub/internal/domain"

// Entry describes one listed symbol on one market.
type Entry struct {
	Symbol   string
	Market   domain.Market
	ListedAt int64 // µs, first moment data can exist for the symbol
}

// Registry answers whether a symbol trades on a market and when it listed.
// Implementations must be safe for concurrent use.
type Registry interface {
	// IsSupported reports whether the symbol is known on the market.
	IsSupported(symbol string, market domain.Market) bool

	// ListingTime returns the listing time in microseconds. ok is false
	// for unknown symbols.
	ListingTime(symbol string, market domain.Market) (listedAtUS int64, ok bool)
}

// Static is a fixed in-memory Registry for tests and single-run tooling.
type Static struct {
	entries map[staticKey]int64
}

type staticKey struct {
	symbol string
	market domain.Market
}

// NewStatic builds a Static registry from entries.
func NewStatic(entries []Entry) *Static {
	m := make(map[staticKey]int64, len(entries))
	for _, e := range entries {
		m[staticKey{e.Symbol, e.Market}] = e.ListedAt
	}
	return &Static{entries: m}
}

// IsSupported reports whether the symbol is known on the market.
func (s *Static) IsSupported(symbol string, market domain.Market) bool {
	_, ok := s.entries[staticKey{symbol, market}]
	return ok
}

// ListingTime returns the listing time for a known symbol.
func (s *Static) ListingTime(symbol string, market domain.Market) (int64, bool) {
	ts, ok := s.entries[staticKey{symbol, market}]
	return ts, ok
}
