package gaps

import (
	"context"
	"testing"
	"time"

	"klinehub/internal/domain"
	"klinehub/internal/gateway"
	"klinehub/internal/version"
)

var hourKey = domain.SeriesKey{Symbol: "BTCUSDT", Interval: domain.Interval1h, Market: domain.MarketSpot}

// storeHours seeds the gateway with hourly bars for the given opens.
func storeHours(t *testing.T, gw *gateway.Memory, key domain.SeriesKey, opens []int64) {
	t.Helper()
	bars := make([]domain.CanonicalBar, 0, len(opens))
	for _, open := range opens {
		bars = append(bars, domain.CanonicalBar{
			Key:      key,
			OpenTime: open,
			Open:     1, High: 2, Low: 1, Close: 1.5, Volume: 1,
			CloseTime:  key.Interval.CloseTime(open),
			Provenance: domain.ProvenanceArchive,
		})
	}
	version.Stamp(bars)
	if err := gw.Upsert(context.Background(), bars); err != nil {
		t.Fatal(err)
	}
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDetectSingleMissingBar(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := gateway.NewMemory()

	var opens []int64
	missing := day.Add(5 * time.Hour).UnixMicro()
	for h := 0; h < 24; h++ {
		open := day.Add(time.Duration(h) * time.Hour).UnixMicro()
		if open != missing {
			opens = append(opens, open)
		}
	}
	storeHours(t, gw, hourKey, opens)

	d := NewDetector(gw, fixedNow(day.AddDate(0, 1, 0)))
	got, err := d.Detect(context.Background(), hourKey, day.UnixMicro(), day.Add(24*time.Hour).UnixMicro()-1)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d gaps, want 1", len(got))
	}
	g := got[0]
	if g.FirstMissing != missing || g.LastMissing != missing || g.ExpectedCount != 1 {
		t.Errorf("gap = %+v, want single bar at %d", g, missing)
	}
}

func TestDetectEmptyStore(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDetector(gateway.NewMemory(), fixedNow(day.AddDate(0, 1, 0)))

	got, err := d.Detect(context.Background(), hourKey, day.UnixMicro(), day.Add(24*time.Hour).UnixMicro()-1)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d gaps, want one whole-range gap", len(got))
	}
	if got[0].ExpectedCount != 24 {
		t.Errorf("ExpectedCount = %d, want 24", got[0].ExpectedCount)
	}
	if got[0].FirstMissing != day.UnixMicro() {
		t.Errorf("FirstMissing = %d, want %d", got[0].FirstMissing, day.UnixMicro())
	}
}

func TestDetectMergesAdjacentMissing(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := gateway.NewMemory()

	// Hours 03..05 and 10 missing: expect exactly two gaps.
	var opens []int64
	for h := 0; h < 24; h++ {
		if h == 3 || h == 4 || h == 5 || h == 10 {
			continue
		}
		opens = append(opens, day.Add(time.Duration(h)*time.Hour).UnixMicro())
	}
	storeHours(t, gw, hourKey, opens)

	d := NewDetector(gw, fixedNow(day.AddDate(0, 1, 0)))
	got, err := d.Detect(context.Background(), hourKey, day.UnixMicro(), day.Add(24*time.Hour).UnixMicro()-1)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d gaps, want 2", len(got))
	}
	if got[0].ExpectedCount != 3 || got[0].FirstMissing != day.Add(3*time.Hour).UnixMicro() {
		t.Errorf("first gap = %+v, want 3 bars from hour 03", got[0])
	}
	if got[1].ExpectedCount != 1 || got[1].FirstMissing != day.Add(10*time.Hour).UnixMicro() {
		t.Errorf("second gap = %+v, want 1 bar at hour 10", got[1])
	}
}

func TestDetectExcludesOpenInterval(t *testing.T) {
	// Scenario D: the requested end is inside the still-open current
	// interval; that interval never appears as a gap.
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := gateway.NewMemory()

	var opens []int64
	for h := 0; h < 10; h++ {
		opens = append(opens, day.Add(time.Duration(h)*time.Hour).UnixMicro())
	}
	storeHours(t, gw, hourKey, opens)

	// Now is 10:30; the 10:00 bar has not closed yet.
	now := day.Add(10*time.Hour + 30*time.Minute)
	d := NewDetector(gw, fixedNow(now))
	got, err := d.Detect(context.Background(), hourKey, day.UnixMicro(), now.UnixMicro())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d gaps, want 0 (open interval excluded): %v", len(got), got)
	}
}

func TestDetectIgnoresDataBeyondRequestedEnd(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := gateway.NewMemory()

	// Store covers 48 hours; request only the first 24. Nothing past the
	// requested end may produce a gap.
	var opens []int64
	for h := 0; h < 48; h++ {
		opens = append(opens, day.Add(time.Duration(h)*time.Hour).UnixMicro())
	}
	storeHours(t, gw, hourKey, opens)

	d := NewDetector(gw, fixedNow(day.AddDate(0, 1, 0)))
	got, err := d.Detect(context.Background(), hourKey, day.UnixMicro(), day.Add(24*time.Hour).UnixMicro()-1)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d gaps, want 0", len(got))
	}
}

func TestExpectedOpensMonthly(t *testing.T) {
	start := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC).UnixMicro() - 1
	now := time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC).UnixMicro()

	got := ExpectedOpens(domain.Interval1M, start, end, now)
	want := []int64{
		time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC).UnixMicro(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro(),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMicro(),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMicro(),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d opens, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("open[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestExpectedOpensUnalignedStart(t *testing.T) {
	// A start time inside an interval expects the next aligned open.
	start := time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC).UnixMicro()
	end := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC).UnixMicro()
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMicro()

	got := ExpectedOpens(domain.Interval1h, start, end, now)
	if len(got) != 3 {
		t.Fatalf("got %d opens, want 3 (01:00, 02:00, 03:00)", len(got))
	}
	if got[0] != time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC).UnixMicro() {
		t.Errorf("first open = %d, want 01:00", got[0])
	}
}
