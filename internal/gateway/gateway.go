// Package gateway defines the thin interface to the deduplicating columnar
// store and its implementations. The store keeps, per (series key,
// open_time), the row with the numerically greatest version after
// asynchronous compaction; only the final read path is guaranteed to
// resolve duplicates. Writers therefore never assume a write is visible
// through a non-deduplicating read.
package gateway

import (
	"context"

	"klinehub/internal/domain"
)

// Gateway is the storage collaborator boundary.
type Gateway interface {
	// Upsert writes a batch of bars. It is idempotent: resubmitting rows
	// with previously seen (key, open_time, version) tuples is safe.
	Upsert(ctx context.Context, bars []domain.CanonicalBar) error

	// ReadRangeFinal returns exactly one row per (key, open_time) inside
	// [startUS, endUS], the row with the highest version, ordered by open
	// time. This is the only read mode used for final output.
	ReadRangeFinal(ctx context.Context, key domain.SeriesKey, startUS, endUS int64) ([]domain.CanonicalBar, error)

	// ExistingTimes returns the deduplicated set of open times stored for
	// the key inside [startUS, endUS].
	ExistingTimes(ctx context.Context, key domain.SeriesKey, startUS, endUS int64) (map[int64]struct{}, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
