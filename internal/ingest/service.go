// Package ingest orchestrates a series query end to end: archive backfill,
// gap scan, live-API gap fill, and the final deduplicated read.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"klinehub/internal/archive"
	"klinehub/internal/domain"
	"klinehub/internal/fill"
	"klinehub/internal/gaps"
	"klinehub/internal/gateway"
	"klinehub/internal/symbols"
)

// state names one phase of a series query.
type state string

const (
	stateIdle            state = "IDLE"
	stateArchiveBackfill state = "ARCHIVE_BACKFILL"
	stateGapScan         state = "GAP_SCAN"
	stateGapFill         state = "GAP_FILL"
	stateFinalRead       state = "FINAL_READ"
	stateDone            state = "DONE"
	stateError           state = "ERROR"
)

// errLiveAPIEmpty is the cause recorded for gaps the live API answered
// with no rows, so the fill could not close them.
var errLiveAPIEmpty = errors.New("live API returned no data for range")

// Request describes one series query.
type Request struct {
	Symbol   string
	Interval domain.Interval
	Market   domain.Market
	Start    int64 // µs inclusive
	End      int64 // µs inclusive
	FillGaps bool
}

// Key returns the series key the request addresses.
func (r Request) Key() domain.SeriesKey {
	return domain.SeriesKey{Symbol: r.Symbol, Interval: r.Interval, Market: r.Market}
}

// Result is the outcome of a completed series query.
type Result struct {
	Bars     []domain.CanonicalBar
	Gaps     []domain.Gap // remaining gaps; empty after a successful fill
	Warnings []string
}

// Service runs the ingestion pipeline for series queries. Storage writes
// for one series key never run concurrently: a query holds the key while
// it backfills and fills, and later callers for the same key wait, find
// the data present, and fall through to the final read.
type Service struct {
	backfiller *archive.Backfiller
	detector   *gaps.Detector
	filler     *fill.Filler
	gw         gateway.Gateway
	registry   symbols.Registry

	flights singleflight.Group

	mu     sync.Mutex
	keyLks map[string]*sync.Mutex

	log *slog.Logger
}

// NewService wires the pipeline stages into an orchestrator.
func NewService(b *archive.Backfiller, d *gaps.Detector, f *fill.Filler, gw gateway.Gateway, reg symbols.Registry) *Service {
	return &Service{
		backfiller: b,
		detector:   d,
		filler:     f,
		gw:         gw,
		registry:   reg,
		keyLks:     make(map[string]*sync.Mutex),
		log:        slog.Default().With("component", "ingest"),
	}
}

// QuerySeries validates the request, runs the pipeline, and returns the
// deduplicated bars for the range. Identical concurrent queries collapse
// into one pipeline run and share its result.
func (s *Service) QuerySeries(ctx context.Context, req Request) (*Result, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	flightKey := fmt.Sprintf("%s|%d|%d|%t", req.Key(), req.Start, req.End, req.FillGaps)
	v, err, _ := s.flights.Do(flightKey, func() (any, error) {
		return s.run(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// DetectGaps scans the range without triggering any ingestion.
func (s *Service) DetectGaps(ctx context.Context, req Request) ([]domain.Gap, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	return s.detector.Detect(ctx, req.Key(), req.Start, req.End)
}

func (s *Service) validate(req Request) error {
	key := req.Key()
	if err := key.Validate(); err != nil {
		return err
	}
	if !s.registry.IsSupported(req.Symbol, req.Market) {
		return &domain.ValidationError{Field: "symbol", Value: req.Symbol,
			Reason: fmt.Sprintf("not listed on market %q", req.Market)}
	}
	if req.Start > req.End {
		return &domain.ValidationError{Field: "range",
			Value: fmt.Sprintf("%d..%d", req.Start, req.End), Reason: "start after end"}
	}
	return nil
}

// run drives the state machine for one query.
func (s *Service) run(ctx context.Context, req Request) (*Result, error) {
	key := req.Key()
	log := s.log.With("key", key.String(), "start", req.Start, "end", req.End)
	cur := stateIdle
	step := func(next state) {
		log.Info("state transition", "from", string(cur), "to", string(next))
		cur = next
	}

	fail := func(err error) (*Result, error) {
		log.Error("query failed", "state", string(cur), "err", err)
		step(stateError)
		return nil, err
	}

	// The key is held across all storage-writing states. FINAL_READ runs
	// unlocked: it only reads, and later callers must not wait on it.
	unlock := s.lockKey(key.String())

	step(stateArchiveBackfill)
	if err := s.backfiller.Backfill(ctx, key, req.Start, req.End); err != nil {
		unlock()
		return fail(fmt.Errorf("archive backfill: %w", err))
	}

	step(stateGapScan)
	found, err := s.detector.Detect(ctx, key, req.Start, req.End)
	if err != nil {
		unlock()
		return fail(fmt.Errorf("gap scan: %w", err))
	}

	var (
		remaining []domain.Gap
		warnings  []string
	)
	switch {
	case len(found) == 0:
		remaining = nil
	case !req.FillGaps:
		remaining = found
		warnings = append(warnings,
			fmt.Sprintf("%d gaps left unfilled by request", len(found)))
		log.Warn("gaps left unfilled by request", "gaps", len(found))
	default:
		step(stateGapFill)
		if err := s.filler.Fill(ctx, found); err != nil {
			// Chunks upserted before the failure stay in storage; the
			// next query resumes from the shrunken gaps.
			unlock()
			return fail(fmt.Errorf("gap fill: %w", err))
		}
		// Re-scan so the result reflects storage, not assumptions.
		remaining, err = s.detector.Detect(ctx, key, req.Start, req.End)
		if err != nil {
			unlock()
			return fail(fmt.Errorf("post-fill gap scan: %w", err))
		}
		// A fill that reported success must leave the range contiguous.
		// Gaps surviving the re-scan mean the API answered with no rows
		// for those windows; that is a fill failure, not a clean result.
		if len(remaining) > 0 {
			causes := make([]error, len(remaining))
			for i := range remaining {
				causes[i] = errLiveAPIEmpty
			}
			unlock()
			return fail(&fill.FillFailure{Key: key, Unresolved: remaining, Causes: causes})
		}
	}
	unlock()

	step(stateFinalRead)
	bars, err := s.gw.ReadRangeFinal(ctx, key, req.Start, req.End)
	if err != nil {
		return fail(fmt.Errorf("final read: %w", err))
	}

	step(stateDone)
	return &Result{Bars: bars, Gaps: remaining, Warnings: warnings}, nil
}

// lockKey acquires the per-series mutex, creating it on first use, and
// returns the matching unlock.
func (s *Service) lockKey(key string) func() {
	s.mu.Lock()
	lk, ok := s.keyLks[key]
	if !ok {
		lk = &sync.Mutex{}
		s.keyLks[key] = lk
	}
	s.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}
