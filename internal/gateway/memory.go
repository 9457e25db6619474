package gateway

import (
	"context"
	"sort"
	"sync"

	"klinehub/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*Memory)(nil)

// Memory is an in-process Gateway with the same version-resolution
// semantics as the production store. It backs tests and dry runs.
type Memory struct {
	mu   sync.RWMutex
	rows map[domain.SeriesKey]map[int64]domain.CanonicalBar
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{rows: make(map[domain.SeriesKey]map[int64]domain.CanonicalBar)}
}

// Upsert keeps, per (key, open_time), the row with the greatest version,
// mirroring the production engine's compaction outcome.
func (m *Memory) Upsert(_ context.Context, bars []domain.CanonicalBar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		series, ok := m.rows[b.Key]
		if !ok {
			series = make(map[int64]domain.CanonicalBar)
			m.rows[b.Key] = series
		}
		if prev, ok := series[b.OpenTime]; !ok || b.Version > prev.Version {
			series[b.OpenTime] = b
		}
	}
	return nil
}

// ReadRangeFinal returns the deduplicated rows in open-time order.
func (m *Memory) ReadRangeFinal(_ context.Context, key domain.SeriesKey, startUS, endUS int64) ([]domain.CanonicalBar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.CanonicalBar
	for ts, b := range m.rows[key] {
		if ts >= startUS && ts <= endUS {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// ExistingTimes returns the stored open times inside the range.
func (m *Memory) ExistingTimes(_ context.Context, key domain.SeriesKey, startUS, endUS int64) (map[int64]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]struct{})
	for ts := range m.rows[key] {
		if ts >= startUS && ts <= endUS {
			out[ts] = struct{}{}
		}
	}
	return out, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Delete removes a stored bar. Test helper for simulating holes.
func (m *Memory) Delete(key domain.SeriesKey, openUS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows[key], openUS)
}

// Count returns the number of deduplicated rows held for a key.
func (m *Memory) Count(key domain.SeriesKey) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows[key])
}
