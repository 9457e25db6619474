// Package archive drives bulk history ingestion from the CDN archive:
// period planning, download, normalization, and upsert.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"klinehub/internal/domain"
	"klinehub/internal/exchange"
	"klinehub/internal/gaps"
	"klinehub/internal/gateway"
	"klinehub/internal/norm"
	"klinehub/internal/symbols"
	"klinehub/internal/util"
	"klinehub/internal/version"
)

// DefaultArchiveLag is how far the archive feed may trail the present.
// Periods younger than this bridge through the live API instead.
const DefaultArchiveLag = 7 * 24 * time.Hour

// Backfiller downloads every archive period intersecting a requested range
// that is not already fully covered in storage.
type Backfiller struct {
	client      *exchange.ArchiveClient
	norm        *norm.Normalizer
	gw          gateway.Gateway
	registry    symbols.Registry
	maxParallel int
	lag         time.Duration
	retry       int
	now         func() time.Time
	log         *slog.Logger
}

// NewBackfiller creates a Backfiller. maxParallel bounds concurrent period
// downloads; now is injected for tests, nil means time.Now.
func NewBackfiller(client *exchange.ArchiveClient, n *norm.Normalizer, gw gateway.Gateway, reg symbols.Registry, maxParallel int, lag time.Duration, now func() time.Time) *Backfiller {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	if lag <= 0 {
		lag = DefaultArchiveLag
	}
	if now == nil {
		now = time.Now
	}
	return &Backfiller{
		client:      client,
		norm:        n,
		gw:          gw,
		registry:    reg,
		maxParallel: maxParallel,
		lag:         lag,
		retry:       3,
		now:         now,
		log:         slog.Default().With("component", "archive-backfiller"),
	}
}

// Backfill ingests all archive periods intersecting [startUS, endUS] for
// key. Periods already fully present in storage are skipped; independent
// periods download in parallel under the configured bound.
func (b *Backfiller) Backfill(ctx context.Context, key domain.SeriesKey, startUS, endUS int64) error {
	nowUS := b.now().UnixMicro()
	periods := PlanPeriods(key.Interval, startUS, endUS, nowUS)
	if len(periods) == 0 {
		return nil
	}

	runStart := time.Now()
	var fetched, skipped int

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.maxParallel)
	results := make([]string, len(periods)) // "fetched", "skipped", "" on error

	for i, period := range periods {
		g.Go(func() error {
			covered, err := b.periodCovered(ctx, key, period, startUS, endUS, nowUS)
			if err != nil {
				return err
			}
			if covered {
				results[i] = "skipped"
				return nil
			}
			if err := b.ingestPeriod(ctx, key, period); err != nil {
				return err
			}
			results[i] = "fetched"
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		switch r {
		case "fetched":
			fetched++
		case "skipped":
			skipped++
		}
	}
	b.log.Info("backfill done",
		"key", key.String(),
		"periods", len(periods),
		"fetched", fetched,
		"skipped", skipped,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return nil
}

// periodCovered reports whether every closed bar of the period that falls
// inside the requested range is already stored.
func (b *Backfiller) periodCovered(ctx context.Context, key domain.SeriesKey, period exchange.Period, startUS, endUS, nowUS int64) (bool, error) {
	lo, hi := period.StartUS(), period.EndUS()
	if lo < startUS {
		lo = startUS
	}
	if hi > endUS {
		hi = endUS
	}
	expected := gaps.ExpectedOpens(key.Interval, lo, hi, nowUS)
	if len(expected) == 0 {
		return true, nil
	}
	existing, err := b.gw.ExistingTimes(ctx, key, lo, hi)
	if err != nil {
		return false, fmt.Errorf("checking coverage %s %s: %w", key, period, err)
	}
	for _, open := range expected {
		if _, ok := existing[open]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// ingestPeriod downloads one artifact and pushes its bars through
// normalize → hash → upsert. Transient download failures retry; a 404 for
// a period the symbol cannot have data for is silently skipped.
func (b *Backfiller) ingestPeriod(ctx context.Context, key domain.SeriesKey, period exchange.Period) error {
	var raw []byte
	err := util.Retry(ctx, b.retry, time.Second, 30*time.Second, exchange.IsRetryable, func() error {
		var ferr error
		raw, ferr = b.client.FetchPeriod(ctx, key, period)
		return ferr
	})
	if err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			if b.benignMiss(key, period) {
				b.log.Debug("period outside data-bearing window, skipping",
					"key", key.String(), "period", period.String())
				return nil
			}
			return fmt.Errorf("archive period %s %s missing inside data-bearing window: %w", key, period, err)
		}
		return fmt.Errorf("fetching %s %s: %w", key, period, err)
	}

	format := norm.FormatArchiveSpot
	if key.Market == domain.MarketLinear {
		format = norm.FormatArchiveLinear
	}
	bars, err := b.norm.NormalizeCSV(key, format, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("normalizing %s %s: %w", key, period, err)
	}
	version.Stamp(bars)
	if err := b.gw.Upsert(ctx, bars); err != nil {
		return fmt.Errorf("upserting %s %s: %w", key, period, err)
	}

	b.log.Debug("period ingested", "key", key.String(), "period", period.String(), "bars", len(bars))
	return nil
}

// benignMiss reports whether a 404 for the period is expected: the period
// predates the symbol's listing, or is recent enough to still sit inside
// the archive's publishing lag.
func (b *Backfiller) benignMiss(key domain.SeriesKey, period exchange.Period) bool {
	if listed, ok := b.registry.ListingTime(key.Symbol, key.Market); ok && period.EndUS() < listed {
		return true
	}
	lagFloor := b.now().Add(-b.lag).UnixMicro()
	return period.EndUS() >= lagFloor
}

// PlanPeriods lists the archive periods intersecting [startUS, endUS],
// oldest first. Intervals the archive publishes per-day plan daily
// periods; everything else plans calendar months. Periods entirely in the
// future are not planned.
func PlanPeriods(iv domain.Interval, startUS, endUS, nowUS int64) []exchange.Period {
	if startUS > endUS {
		return nil
	}
	var out []exchange.Period
	start := time.UnixMicro(startUS).UTC()
	if iv.ArchivesDaily() {
		for d := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC); d.UnixMicro() <= endUS; d = d.AddDate(0, 0, 1) {
			if d.UnixMicro() > nowUS {
				break
			}
			out = append(out, exchange.Period{Year: d.Year(), Month: d.Month(), Day: d.Day()})
		}
		return out
	}
	for m := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); m.UnixMicro() <= endUS; m = m.AddDate(0, 1, 0) {
		if m.UnixMicro() > nowUS {
			break
		}
		out = append(out, exchange.Period{Year: m.Year(), Month: m.Month()})
	}
	return out
}
