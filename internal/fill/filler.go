// Package fill closes detected gaps through the live kline API. Fetches
// are chunked under the API's per-request cap and applied in strictly
// increasing time order, so an interrupted fill leaves a prefix of the gap
// closed and the remainder detectable as a smaller gap on the next run;
// resumability needs no bookkeeping beyond what the store already holds.
package fill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"klinehub/internal/domain"
	"klinehub/internal/exchange"
	"klinehub/internal/gateway"
	"klinehub/internal/norm"
	"klinehub/internal/version"
)

// FillFailure reports the gap ranges that could not be closed after the
// retry budget was spent, with enough context to diagnose without
// re-running.
type FillFailure struct {
	Key        domain.SeriesKey
	Unresolved []domain.Gap
	Causes     []error
}

func (e *FillFailure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "fill %s: %d gap(s) unresolved:", e.Key, len(e.Unresolved))
	for i, g := range e.Unresolved {
		fmt.Fprintf(&sb, " [%d..%d]: %v;", g.FirstMissing, g.LastMissing, e.Causes[i])
	}
	return sb.String()
}

// Unwrap exposes the first cause for errors.Is/As chains.
func (e *FillFailure) Unwrap() error {
	if len(e.Causes) == 0 {
		return nil
	}
	return e.Causes[0]
}

// Filler fetches missing bars for one series key at a time.
type Filler struct {
	client    *exchange.RestClient
	norm      *norm.Normalizer
	gw        gateway.Gateway
	chunkSize int
	retry     RetryPolicy
	log       *slog.Logger
}

// NewFiller creates a Filler. chunkSize is clamped to the API's row cap.
func NewFiller(client *exchange.RestClient, n *norm.Normalizer, gw gateway.Gateway, chunkSize int, retry RetryPolicy) *Filler {
	if chunkSize <= 0 || chunkSize > exchange.MaxKlinesPerRequest {
		chunkSize = exchange.MaxKlinesPerRequest
	}
	return &Filler{
		client:    client,
		norm:      n,
		gw:        gw,
		chunkSize: chunkSize,
		retry:     retry,
		log:       slog.Default().With("component", "gap-filler"),
	}
}

// chunk is one API request window: a contiguous slice of a gap's expected
// open times.
type chunk struct {
	firstOpen int64
	lastOpen  int64
	count     int
}

// planChunks splits a gap into sequential windows of at most chunkSize
// bars. Windows are contiguous on the cadence: each starts at the open
// time following the previous window's last bar, with no overlap and no
// skipped bar.
func planChunks(g domain.Gap, chunkSize int) []chunk {
	var (
		out     []chunk
		current chunk
	)
	iv := g.Key.Interval
	for open := g.FirstMissing; open <= g.LastMissing; open = iv.NextOpen(open) {
		if current.count == 0 {
			current = chunk{firstOpen: open, lastOpen: open, count: 1}
		} else {
			current.lastOpen = open
			current.count++
		}
		if current.count == chunkSize {
			out = append(out, current)
			current = chunk{}
		}
	}
	if current.count > 0 {
		out = append(out, current)
	}
	return out
}

// Fill closes the given gaps, which must all belong to one series key and
// arrive in increasing time order. Gaps that cannot be closed are
// collected into a *FillFailure; gaps already closed by a concurrent or
// earlier run simply produce empty fetches and are skipped.
func (f *Filler) Fill(ctx context.Context, gaps []domain.Gap) error {
	var failure FillFailure
	for _, g := range gaps {
		if err := f.fillGap(ctx, g); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failure.Key = g.Key
			failure.Unresolved = append(failure.Unresolved, g)
			failure.Causes = append(failure.Causes, err)
		}
	}
	if len(failure.Unresolved) > 0 {
		return &failure
	}
	return nil
}

func (f *Filler) fillGap(ctx context.Context, g domain.Gap) error {
	chunks := planChunks(g, f.chunkSize)
	f.log.Info("filling gap",
		"key", g.Key.String(),
		"bars", g.ExpectedCount,
		"chunks", len(chunks),
	)

	for _, ch := range chunks {
		rows, err := f.fetchChunk(ctx, g.Key, ch)
		if err != nil {
			return err
		}
		bars, err := f.norm.NormalizeAPIRows(g.Key, rows)
		if err != nil {
			return fmt.Errorf("normalizing chunk at %d: %w", ch.firstOpen, err)
		}
		version.Stamp(bars)
		// Each chunk lands before the next is requested; that ordering is
		// what makes a crashed fill resumable from the store alone.
		if err := f.gw.Upsert(ctx, bars); err != nil {
			return fmt.Errorf("upserting chunk at %d: %w", ch.firstOpen, err)
		}
	}
	return nil
}

// fetchChunk requests one window, driving the retry state machine until
// success, a permanent error, or attempt exhaustion.
func (f *Filler) fetchChunk(ctx context.Context, key domain.SeriesKey, ch chunk) ([][]json.RawMessage, error) {
	endUS := key.Interval.CloseTime(ch.lastOpen)
	state := newRetryState(f.retry)
	for {
		rows, err := f.client.Klines(ctx, key, ch.firstOpen, endUS, ch.count)
		if err == nil {
			return rows, nil
		}
		if !exchange.IsRetryable(err) {
			return nil, fmt.Errorf("chunk [%d..%d]: %w", ch.firstOpen, ch.lastOpen, err)
		}
		if !state.fail(err) {
			return nil, fmt.Errorf("chunk [%d..%d]: %d attempts exhausted: %w",
				ch.firstOpen, ch.lastOpen, state.attempt, state.lastErr)
		}
		f.log.Warn("chunk fetch failed, backing off",
			"key", key.String(),
			"chunkStart", ch.firstOpen,
			"attempt", state.attempt,
			"backoff", state.next,
			"err", err,
		)
		if err := state.sleep(ctx); err != nil {
			return nil, err
		}
	}
}
