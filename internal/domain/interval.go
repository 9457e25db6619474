package domain

import (
	"fmt"
	"time"
)

// Interval is a candlestick timeframe. The canonical spelling matches the
// live-API parameter spelling; the bulk-archive path spelling can differ
// (the monthly interval is "1M" on the API but "1mo" in archive paths).
type Interval string

// All supported intervals, seconds through months.
const (
	Interval1s  Interval = "1s"
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// intervalSpec holds the two external spellings and the fixed duration of
// one interval. Monthly has no fixed duration; its cadence is walked per
// calendar month.
type intervalSpec struct {
	archive  string
	api      string
	duration time.Duration // zero for calendar-month intervals
	daily    bool          // archived per-day instead of per-month
}

var intervalSpecs = map[Interval]intervalSpec{
	Interval1s:  {archive: "1s", api: "1s", duration: time.Second, daily: true},
	Interval1m:  {archive: "1m", api: "1m", duration: time.Minute, daily: true},
	Interval3m:  {archive: "3m", api: "3m", duration: 3 * time.Minute},
	Interval5m:  {archive: "5m", api: "5m", duration: 5 * time.Minute},
	Interval15m: {archive: "15m", api: "15m", duration: 15 * time.Minute},
	Interval30m: {archive: "30m", api: "30m", duration: 30 * time.Minute},
	Interval1h:  {archive: "1h", api: "1h", duration: time.Hour},
	Interval2h:  {archive: "2h", api: "2h", duration: 2 * time.Hour},
	Interval4h:  {archive: "4h", api: "4h", duration: 4 * time.Hour},
	Interval6h:  {archive: "6h", api: "6h", duration: 6 * time.Hour},
	Interval8h:  {archive: "8h", api: "8h", duration: 8 * time.Hour},
	Interval12h: {archive: "12h", api: "12h", duration: 12 * time.Hour},
	Interval1d:  {archive: "1d", api: "1d", duration: 24 * time.Hour},
	Interval3d:  {archive: "3d", api: "3d", duration: 72 * time.Hour},
	Interval1w:  {archive: "1w", api: "1w", duration: 7 * 24 * time.Hour},
	Interval1M:  {archive: "1mo", api: "1M"},
}

// Reverse lookup tables, built once. Spellings are never derived from each
// other by string transformation; both directions come from intervalSpecs.
var (
	byArchiveName = map[string]Interval{}
	byAPIName     = map[string]Interval{}
)

func init() {
	for iv, spec := range intervalSpecs {
		byArchiveName[spec.archive] = iv
		byAPIName[spec.api] = iv
	}
}

// AllIntervals returns every supported interval in ascending duration order.
func AllIntervals() []Interval {
	return []Interval{
		Interval1s, Interval1m, Interval3m, Interval5m, Interval15m,
		Interval30m, Interval1h, Interval2h, Interval4h, Interval6h,
		Interval8h, Interval12h, Interval1d, Interval3d, Interval1w,
		Interval1M,
	}
}

// Valid reports whether iv is one of the supported intervals.
func (iv Interval) Valid() bool {
	_, ok := intervalSpecs[iv]
	return ok
}

// ArchiveName returns the spelling used in bulk-archive paths.
func (iv Interval) ArchiveName() string { return intervalSpecs[iv].archive }

// APIName returns the spelling used as the live-API interval parameter.
func (iv Interval) APIName() string { return intervalSpecs[iv].api }

// IsCalendarMonth reports whether the interval's cadence is
// calendar-variable rather than a fixed duration.
func (iv Interval) IsCalendarMonth() bool { return iv == Interval1M }

// ArchivesDaily reports whether the bulk archive publishes this interval
// per-day instead of per-month.
func (iv Interval) ArchivesDaily() bool { return intervalSpecs[iv].daily }

// DurationMicros returns the fixed duration of the interval in microseconds.
// ok is false for calendar-month intervals, which have no fixed duration.
func (iv Interval) DurationMicros() (us int64, ok bool) {
	spec := intervalSpecs[iv]
	if spec.duration == 0 {
		return 0, false
	}
	return spec.duration.Microseconds(), true
}

// Align truncates a microsecond timestamp down to the open time of the
// interval containing it. Calendar-month intervals align to the first
// microsecond of the UTC month.
func (iv Interval) Align(tsUS int64) int64 {
	if iv.IsCalendarMonth() {
		t := time.UnixMicro(tsUS).UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	}
	dur, _ := iv.DurationMicros()
	aligned := tsUS - tsUS%dur
	if tsUS < 0 && tsUS%dur != 0 {
		aligned -= dur
	}
	return aligned
}

// NextOpen returns the open time of the interval immediately following the
// bar that opens at openUS. openUS must already be aligned.
func (iv Interval) NextOpen(openUS int64) int64 {
	if iv.IsCalendarMonth() {
		t := time.UnixMicro(openUS).UTC()
		return t.AddDate(0, 1, 0).UnixMicro()
	}
	dur, _ := iv.DurationMicros()
	return openUS + dur
}

// CloseTime returns the close time of the bar opening at openUS: the last
// microsecond before the next bar opens.
func (iv Interval) CloseTime(openUS int64) int64 {
	return iv.NextOpen(openUS) - 1
}

// ParseInterval resolves s against the canonical (API) spelling, falling
// back to the archive spelling.
func ParseInterval(s string) (Interval, error) {
	if iv, ok := byAPIName[s]; ok {
		return iv, nil
	}
	if iv, ok := byArchiveName[s]; ok {
		return iv, nil
	}
	return "", &ValidationError{Field: "interval", Value: s, Reason: "unknown interval"}
}

// IntervalFromArchiveName resolves an archive-path spelling.
func IntervalFromArchiveName(s string) (Interval, bool) {
	iv, ok := byArchiveName[s]
	return iv, ok
}

// IntervalFromAPIName resolves a live-API parameter spelling.
func IntervalFromAPIName(s string) (Interval, bool) {
	iv, ok := byAPIName[s]
	return iv, ok
}

// VerifySpellings asserts that every enumerated interval has both external
// spellings defined and that the two lookup tables are exact inverses of
// the spelling table. Run at startup.
func VerifySpellings() error {
	for _, iv := range AllIntervals() {
		spec, ok := intervalSpecs[iv]
		if !ok {
			return fmt.Errorf("interval %q has no spelling entry", iv)
		}
		if spec.archive == "" || spec.api == "" {
			return fmt.Errorf("interval %q is missing a spelling (archive=%q api=%q)", iv, spec.archive, spec.api)
		}
		if got := byArchiveName[spec.archive]; got != iv {
			return fmt.Errorf("archive spelling %q resolves to %q, want %q", spec.archive, got, iv)
		}
		if got := byAPIName[spec.api]; got != iv {
			return fmt.Errorf("api spelling %q resolves to %q, want %q", spec.api, got, iv)
		}
		if spec.duration == 0 && !iv.IsCalendarMonth() {
			return fmt.Errorf("interval %q has no duration and is not calendar-month", iv)
		}
	}
	if len(intervalSpecs) != len(AllIntervals()) {
		return fmt.Errorf("spelling table has %d entries, enum has %d", len(intervalSpecs), len(AllIntervals()))
	}
	return nil
}
