package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"klinehub/internal/archive"
	"klinehub/internal/domain"
	"klinehub/internal/exchange"
	"klinehub/internal/fill"
	"klinehub/internal/gaps"
	"klinehub/internal/gateway"
	"klinehub/internal/norm"
	"klinehub/internal/symbols"
)

var (
	testDay = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Far enough past the test day that every bar of it is closed and the
	// archive artifact is published.
	testNow = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

// dayCSV renders one UTC day of hourly rows in either archive layout,
// optionally leaving out specific hours.
func dayCSV(market domain.Market, day time.Time, omitHours ...int) string {
	omitted := make(map[int]bool, len(omitHours))
	for _, h := range omitHours {
		omitted[h] = true
	}
	var b strings.Builder
	if market == domain.MarketLinear {
		b.WriteString("open_time,open,high,low,close,volume,close_time,quote_volume,count,taker_buy_volume,taker_buy_quote_volume,ignore\n")
	}
	for h := 0; h < 24; h++ {
		if omitted[h] {
			continue
		}
		ts := day.Add(time.Duration(h) * time.Hour)
		openMS := ts.UnixMilli()
		closeMS := ts.Add(time.Hour).UnixMilli() - 1
		if market == domain.MarketLinear {
			fmt.Fprintf(&b, "%d,100,110,90,105,12.5,%d,1300.0,42,6.0,630.0,0\n", openMS, closeMS)
		} else {
			fmt.Fprintf(&b, "%d,100,110,90,105,12.5,%d,1300.0,42,6.0,630.0\n", openMS, closeMS)
		}
	}
	return b.String()
}

// harness bundles the fake upstreams and the wired service for one test.
type harness struct {
	svc         *Service
	gw          *gateway.Memory
	archiveHits map[string]*atomic.Int64
	klineHits   atomic.Int64
	apiEmpty    atomic.Bool // when set, the kline API answers 200 with []
	mu          sync.Mutex
	archives    map[string]string // CDN path -> csv
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gw:          gateway.NewMemory(),
		archiveHits: make(map[string]*atomic.Int64),
		archives:    make(map[string]string),
	}

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		counter, ok := h.archiveHits[r.URL.Path]
		if !ok {
			counter = &atomic.Int64{}
			h.archiveHits[r.URL.Path] = counter
		}
		csv, have := h.archives[r.URL.Path]
		h.mu.Unlock()
		counter.Add(1)
		if !have {
			http.NotFound(w, r)
			return
		}
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		f, _ := zw.Create("records.csv")
		f.Write([]byte(csv))
		zw.Close()
		w.Write(buf.Bytes())
	}))
	t.Cleanup(cdn.Close)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.klineHits.Add(1)
		if h.apiEmpty.Load() {
			fmt.Fprint(w, "[]")
			return
		}
		startMS, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		endMS, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		fmt.Fprint(w, "[")
		count := 0
		for openMS := startMS; openMS <= endMS && count < limit; openMS += 3600_000 {
			if count > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `[%d,"100","110","90","105","12.5",%d,"1300",42,"6","630","0"]`, openMS, openMS+3599999)
			count++
		}
		fmt.Fprint(w, "]")
	}))
	t.Cleanup(api.Close)

	now := func() time.Time { return testNow }
	n := norm.New(0)
	reg := symbols.NewStatic([]symbols.Entry{
		{Symbol: "BTCUSDT", Market: domain.MarketSpot, ListedAt: 0},
		{Symbol: "BTCUSDT", Market: domain.MarketLinear, ListedAt: 0},
	})
	backfiller := archive.NewBackfiller(exchange.NewArchiveClient(cdn.URL, 10*time.Second), n, h.gw, reg, 2, archive.DefaultArchiveLag, now)
	detector := gaps.NewDetector(h.gw, now)
	filler := fill.NewFiller(exchange.NewRestClient(api.URL, 60000, time.Second), n, h.gw, 0, fill.DefaultRetryPolicy)

	h.svc = NewService(backfiller, detector, filler, h.gw, reg)
	return h
}

func (h *harness) serveArchive(key domain.SeriesKey, csv string) {
	period := exchange.Period{Year: testDay.Year(), Month: testDay.Month()}
	h.mu.Lock()
	h.archives[exchange.ArchivePath(key, period)] = csv
	h.mu.Unlock()
}

func (h *harness) archiveHitCount(key domain.SeriesKey) int64 {
	period := exchange.Period{Year: testDay.Year(), Month: testDay.Month()}
	h.mu.Lock()
	defer h.mu.Unlock()
	counter, ok := h.archiveHits[exchange.ArchivePath(key, period)]
	if !ok {
		return 0
	}
	return counter.Load()
}

func dayRequest(market domain.Market, fillGaps bool) Request {
	return Request{
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1h,
		Market:   market,
		Start:    testDay.UnixMicro(),
		End:      testDay.AddDate(0, 0, 1).UnixMicro() - 1,
		FillGaps: fillGaps,
	}
}

func TestQuerySeriesBothMarkets(t *testing.T) {
	h := newHarness(t)
	spotKey := dayRequest(domain.MarketSpot, true).Key()
	linearKey := dayRequest(domain.MarketLinear, true).Key()
	h.serveArchive(spotKey, dayCSV(domain.MarketSpot, testDay))
	h.serveArchive(linearKey, dayCSV(domain.MarketLinear, testDay))

	for _, market := range []domain.Market{domain.MarketSpot, domain.MarketLinear} {
		res, err := h.svc.QuerySeries(context.Background(), dayRequest(market, true))
		if err != nil {
			t.Fatalf("QuerySeries %s: %v", market, err)
		}
		if len(res.Bars) != 24 {
			t.Fatalf("market %s: got %d bars, want 24", market, len(res.Bars))
		}
		if len(res.Gaps) != 0 {
			t.Fatalf("market %s: unexpected gaps %v", market, res.Gaps)
		}
		for _, bar := range res.Bars {
			if bar.Key.Market != market {
				t.Fatalf("market %s read returned bar for %s", market, bar.Key.Market)
			}
		}
	}

	if got := h.gw.Count(spotKey) + h.gw.Count(linearKey); got != 48 {
		t.Fatalf("stored %d rows, want 48", got)
	}
}

func TestQuerySeriesRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	key := dayRequest(domain.MarketSpot, true).Key()
	h.serveArchive(key, dayCSV(domain.MarketSpot, testDay))

	for i := 0; i < 2; i++ {
		res, err := h.svc.QuerySeries(context.Background(), dayRequest(domain.MarketSpot, true))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if len(res.Bars) != 24 {
			t.Fatalf("run %d: got %d bars, want 24", i, len(res.Bars))
		}
	}

	if got := h.gw.Count(key); got != 24 {
		t.Errorf("stored %d rows after rerun, want 24", got)
	}
	if got := h.archiveHitCount(key); got != 1 {
		t.Errorf("archive fetched %d times, want 1 (second run fully covered)", got)
	}
}

func TestQuerySeriesFillsArchiveHole(t *testing.T) {
	h := newHarness(t)
	key := dayRequest(domain.MarketSpot, true).Key()
	h.serveArchive(key, dayCSV(domain.MarketSpot, testDay, 5))

	res, err := h.svc.QuerySeries(context.Background(), dayRequest(domain.MarketSpot, true))
	if err != nil {
		t.Fatalf("QuerySeries: %v", err)
	}
	if len(res.Bars) != 24 {
		t.Fatalf("got %d bars, want 24", len(res.Bars))
	}
	if len(res.Gaps) != 0 {
		t.Fatalf("gaps remain after fill: %v", res.Gaps)
	}

	at5 := testDay.Add(5 * time.Hour).UnixMicro()
	for _, bar := range res.Bars {
		want := domain.ProvenanceArchive
		if bar.OpenTime == at5 {
			want = domain.ProvenanceLiveAPI
		}
		if bar.Provenance != want {
			t.Errorf("bar %d provenance %s, want %s", bar.OpenTime, bar.Provenance, want)
		}
	}
	if h.klineHits.Load() == 0 {
		t.Error("hole was not filled through the live API")
	}
}

func TestQuerySeriesUnfillableGapIsFillFailure(t *testing.T) {
	h := newHarness(t)
	key := dayRequest(domain.MarketSpot, true).Key()
	h.serveArchive(key, dayCSV(domain.MarketSpot, testDay, 5))
	h.apiEmpty.Store(true)

	_, err := h.svc.QuerySeries(context.Background(), dayRequest(domain.MarketSpot, true))
	if err == nil {
		t.Fatal("expected an error when the API has no rows for an open gap")
	}
	var ff *fill.FillFailure
	if !errors.As(err, &ff) {
		t.Fatalf("got %T (%v), want *fill.FillFailure", err, err)
	}
	if len(ff.Unresolved) != 1 {
		t.Fatalf("unresolved gaps %v, want exactly one", ff.Unresolved)
	}
	at5 := testDay.Add(5 * time.Hour).UnixMicro()
	if g := ff.Unresolved[0]; g.FirstMissing != at5 || g.LastMissing != at5 {
		t.Errorf("unresolved gap [%d..%d], want [%d..%d]", g.FirstMissing, g.LastMissing, at5, at5)
	}
	if h.klineHits.Load() == 0 {
		t.Error("fill never reached the live API")
	}
}

func TestQuerySeriesGapWarningWithoutFill(t *testing.T) {
	h := newHarness(t)
	key := dayRequest(domain.MarketSpot, false).Key()
	h.serveArchive(key, dayCSV(domain.MarketSpot, testDay, 5))

	res, err := h.svc.QuerySeries(context.Background(), dayRequest(domain.MarketSpot, false))
	if err != nil {
		t.Fatalf("QuerySeries: %v", err)
	}
	if len(res.Bars) != 23 {
		t.Errorf("got %d bars, want 23", len(res.Bars))
	}
	at5 := testDay.Add(5 * time.Hour).UnixMicro()
	if len(res.Gaps) != 1 || res.Gaps[0].FirstMissing != at5 || res.Gaps[0].LastMissing != at5 {
		t.Fatalf("gaps = %v, want one gap at %d", res.Gaps, at5)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected an unfilled-gaps warning")
	}
	if h.klineHits.Load() != 0 {
		t.Errorf("live API hit %d times with filling disabled", h.klineHits.Load())
	}
}

func TestDetectGapsAfterDelete(t *testing.T) {
	h := newHarness(t)
	req := dayRequest(domain.MarketSpot, true)
	key := req.Key()
	h.serveArchive(key, dayCSV(domain.MarketSpot, testDay))

	if _, err := h.svc.QuerySeries(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	at5 := testDay.Add(5 * time.Hour).UnixMicro()
	h.gw.Delete(key, at5)

	found, err := h.svc.DetectGaps(context.Background(), req)
	if err != nil {
		t.Fatalf("DetectGaps: %v", err)
	}
	if len(found) != 1 || found[0].FirstMissing != at5 || found[0].LastMissing != at5 {
		t.Fatalf("gaps = %v, want one single-bar gap at %d", found, at5)
	}

	// A fresh query repairs the hole and reads back a contiguous day.
	res, err := h.svc.QuerySeries(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Bars) != 24 || len(res.Gaps) != 0 {
		t.Fatalf("after repair: %d bars, gaps %v; want 24 and none", len(res.Bars), res.Gaps)
	}
}

func TestConcurrentIdenticalQueriesShareOneRun(t *testing.T) {
	h := newHarness(t)
	req := dayRequest(domain.MarketSpot, true)
	key := req.Key()
	h.serveArchive(key, dayCSV(domain.MarketSpot, testDay))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	results := make([]*Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.svc.QuerySeries(context.Background(), req)
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if len(results[i].Bars) != 24 {
			t.Fatalf("caller %d: got %d bars, want 24", i, len(results[i].Bars))
		}
	}
	if got := h.archiveHitCount(key); got != 1 {
		t.Errorf("archive fetched %d times under concurrent identical queries, want 1", got)
	}
}

func TestQuerySeriesRejectsUnknownSymbol(t *testing.T) {
	h := newHarness(t)
	req := dayRequest(domain.MarketSpot, true)
	req.Symbol = "NOSUCHUSDT"

	_, err := h.svc.QuerySeries(context.Background(), req)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestQuerySeriesRejectsReversedRange(t *testing.T) {
	h := newHarness(t)
	req := dayRequest(domain.MarketSpot, true)
	req.Start, req.End = req.End, req.Start

	_, err := h.svc.QuerySeries(context.Background(), req)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}
