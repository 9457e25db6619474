package domain

import (
	"errors"
	"testing"
	"time"
)

func TestSeriesKeyValidate(t *testing.T) {
	key := SeriesKey{Symbol: "BTCUSDT", Interval: Interval1h, Market: MarketSpot}
	if err := key.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	if got := key.String(); got != "BTCUSDT/1h/spot" {
		t.Errorf("String() = %q, want %q", got, "BTCUSDT/1h/spot")
	}

	bad := []SeriesKey{
		{Symbol: "", Interval: Interval1h, Market: MarketSpot},
		{Symbol: "btcusdt", Interval: Interval1h, Market: MarketSpot},
		{Symbol: "BTCUSDT", Interval: "7h", Market: MarketSpot},
		{Symbol: "BTCUSDT", Interval: Interval1h, Market: "inverse"},
	}
	for _, k := range bad {
		err := k.Validate()
		if err == nil {
			t.Errorf("Validate(%v) = nil, want error", k)
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Validate(%v) = %v, want *ValidationError", k, err)
		}
	}
}

func TestBarValidate(t *testing.T) {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	base := CanonicalBar{
		Key:      SeriesKey{Symbol: "BTCUSDT", Interval: Interval1h, Market: MarketSpot},
		OpenTime: open,
		Open:     42000, High: 42500, Low: 41800, Close: 42100,
		Volume:    12.5,
		CloseTime: open + time.Hour.Microseconds() - 1,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(*CanonicalBar)
	}{
		{"high below close", func(b *CanonicalBar) { b.High = b.Close - 1 }},
		{"low above open", func(b *CanonicalBar) { b.Low = b.Open + 1 }},
		{"negative volume", func(b *CanonicalBar) { b.Volume = -1 }},
		{"negative trade count", func(b *CanonicalBar) { b.TradeCount = -1 }},
		{"close time off by one", func(b *CanonicalBar) { b.CloseTime++ }},
	}
	for _, tc := range tests {
		b := base
		tc.mutate(&b)
		err := b.Validate()
		if err == nil {
			t.Errorf("%s: Validate() = nil, want error", tc.name)
			continue
		}
		var ierr *IntegrityError
		if !errors.As(err, &ierr) {
			t.Errorf("%s: Validate() = %v, want *IntegrityError", tc.name, err)
		}
	}
}

func TestVerifySpellings(t *testing.T) {
	if err := VerifySpellings(); err != nil {
		t.Fatalf("VerifySpellings() = %v", err)
	}
}

func TestIntervalSpellings(t *testing.T) {
	// The monthly interval is the externally-imposed divergence: the
	// archive spells it "1mo", the API "1M".
	if got := Interval1M.ArchiveName(); got != "1mo" {
		t.Errorf("Interval1M.ArchiveName() = %q, want %q", got, "1mo")
	}
	if got := Interval1M.APIName(); got != "1M" {
		t.Errorf("Interval1M.APIName() = %q, want %q", got, "1M")
	}

	for _, iv := range AllIntervals() {
		got, ok := IntervalFromArchiveName(iv.ArchiveName())
		if !ok || got != iv {
			t.Errorf("IntervalFromArchiveName(%q) = %v, %v", iv.ArchiveName(), got, ok)
		}
		got, ok = IntervalFromAPIName(iv.APIName())
		if !ok || got != iv {
			t.Errorf("IntervalFromAPIName(%q) = %v, %v", iv.APIName(), got, ok)
		}
	}

	if _, err := ParseInterval("1mo"); err != nil {
		t.Errorf("ParseInterval(1mo) = %v, want monthly", err)
	}
	if _, err := ParseInterval("2d"); err == nil {
		t.Error("ParseInterval(2d) = nil error, want ValidationError")
	}
}

func TestIntervalCadence(t *testing.T) {
	open := time.Date(2024, 3, 15, 7, 0, 0, 0, time.UTC).UnixMicro()
	if got := Interval1h.NextOpen(open); got != open+3600_000_000 {
		t.Errorf("NextOpen = %d, want %d", got, open+3600_000_000)
	}
	if got := Interval1h.CloseTime(open); got != open+3600_000_000-1 {
		t.Errorf("CloseTime = %d, want %d", got, open+3600_000_000-1)
	}
	if got := Interval1h.Align(open + 1234); got != open {
		t.Errorf("Align = %d, want %d", got, open)
	}
}

func TestMonthCadenceLeapYear(t *testing.T) {
	// February 2024 has 29 days; the monthly bar must close on the last
	// microsecond of the month, not after a fixed 30-day step.
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	if got := Interval1M.NextOpen(feb); got != mar {
		t.Errorf("NextOpen(feb 2024) = %d, want %d", got, mar)
	}
	if got := Interval1M.CloseTime(feb); got != mar-1 {
		t.Errorf("CloseTime(feb 2024) = %d, want %d", got, mar-1)
	}

	mid := time.Date(2024, 2, 17, 13, 45, 0, 0, time.UTC).UnixMicro()
	if got := Interval1M.Align(mid); got != feb {
		t.Errorf("Align(mid-feb) = %d, want %d", got, feb)
	}

	if _, ok := Interval1M.DurationMicros(); ok {
		t.Error("Interval1M.DurationMicros() ok = true, want false")
	}
}
