// Package gaps compares a stored series against its expected fixed-cadence
// timeline and reports the missing ranges.
package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"klinehub/internal/domain"
	"klinehub/internal/gateway"
)

// Detector finds the maximal contiguous runs of expected-but-absent open
// times for a series key.
type Detector struct {
	gw  gateway.Gateway
	now func() time.Time
	log *slog.Logger
}

// NewDetector creates a Detector. now is injected so the still-open
// current interval cutoff is testable; nil means time.Now.
func NewDetector(gw gateway.Gateway, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{
		gw:  gw,
		now: now,
		log: slog.Default().With("component", "gap-detector"),
	}
}

// Detect returns the ordered list of maximal gaps for key inside
// [startUS, endUS]. The still-open current interval is never reported, and
// no gap is generated past the requested end even when the store holds
// later data.
func (d *Detector) Detect(ctx context.Context, key domain.SeriesKey, startUS, endUS int64) ([]domain.Gap, error) {
	if startUS > endUS {
		return nil, &domain.ValidationError{Field: "range", Value: fmt.Sprintf("%d..%d", startUS, endUS), Reason: "start after end"}
	}

	expected := ExpectedOpens(key.Interval, startUS, endUS, d.now().UnixMicro())
	if len(expected) == 0 {
		return nil, nil
	}

	existing, err := d.gw.ExistingTimes(ctx, key, startUS, endUS)
	if err != nil {
		return nil, fmt.Errorf("detect gaps %s: %w", key, err)
	}

	var (
		out     []domain.Gap
		current *domain.Gap
	)
	for _, open := range expected {
		if _, ok := existing[open]; ok {
			if current != nil {
				out = append(out, *current)
				current = nil
			}
			continue
		}
		if current == nil {
			current = &domain.Gap{Key: key, FirstMissing: open, LastMissing: open, ExpectedCount: 1}
		} else {
			// Adjacent missing timestamps merge into one maximal gap.
			current.LastMissing = open
			current.ExpectedCount++
		}
	}
	if current != nil {
		out = append(out, *current)
	}

	if len(out) > 0 {
		d.log.Debug("gaps detected",
			"key", key.String(),
			"gaps", len(out),
			"firstMissing", out[0].FirstMissing,
		)
	}
	return out, nil
}

// ExpectedOpens returns every open time of key's cadence inside
// [startUS, endUS] whose interval has fully closed before nowUS. For
// calendar-month intervals the cadence is walked month by month.
func ExpectedOpens(iv domain.Interval, startUS, endUS, nowUS int64) []int64 {
	// First expected open at or after startUS.
	open := iv.Align(startUS)
	if open < startUS {
		open = iv.NextOpen(open)
	}

	// The still-open interval containing nowUS is excluded: a bar is only
	// expected once its close time has passed.
	var out []int64
	for ; open <= endUS; open = iv.NextOpen(open) {
		if iv.CloseTime(open) >= nowUS {
			break
		}
		out = append(out, open)
	}
	return out
}
