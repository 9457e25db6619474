package exchange

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"klinehub/internal/domain"
)

// Period identifies one published archive artifact: a calendar month, or a
// single day for the intervals the archive publishes per-day.
type Period struct {
	Year  int
	Month time.Month
	Day   int // zero for monthly periods
}

// Daily reports whether the period is a per-day artifact.
func (p Period) Daily() bool { return p.Day != 0 }

// String renders the period the way the archive spells it in file names.
func (p Period) String() string {
	if p.Daily() {
		return fmt.Sprintf("%04d-%02d-%02d", p.Year, p.Month, p.Day)
	}
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// StartUS returns the first microsecond of the period.
func (p Period) StartUS() int64 {
	if p.Daily() {
		return time.Date(p.Year, p.Month, p.Day, 0, 0, 0, 0, time.UTC).UnixMicro()
	}
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
}

// EndUS returns the last microsecond of the period.
func (p Period) EndUS() int64 {
	if p.Daily() {
		return time.Date(p.Year, p.Month, p.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1).UnixMicro() - 1
	}
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0).UnixMicro() - 1
}

// ArchiveClient downloads and extracts the bulk archive artifacts. Each
// artifact is a zip holding exactly one CSV record file.
type ArchiveClient struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewArchiveClient creates a client for the archive CDN at baseURL.
func NewArchiveClient(baseURL string, timeout time.Duration) *ArchiveClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ArchiveClient{
		baseURL:    baseURL,
		httpClient: newHTTPClient(timeout),
		log:        slog.Default().With("component", "archive-client"),
	}
}

// FetchPeriod downloads one archive artifact and returns the raw CSV
// content of its single record file. A missing artifact returns
// ErrNotFound; the caller decides whether that is benign for the period.
func (c *ArchiveClient) FetchPeriod(ctx context.Context, key domain.SeriesKey, period Period) ([]byte, error) {
	reqURL := c.baseURL + ArchivePath(key, period)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building archive request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, key, period)
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, Transient(fmt.Errorf("status %d: %s", resp.StatusCode, body))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("downloading %s %s: %w", key, period, err))
	}
	return extractSingleCSV(blob)
}

// ArchivePath builds the CDN path for one artifact using the archive
// spelling of the interval and the market segment's path prefix:
//
//	data/<segment>/<daily|monthly>/klines/<SYMBOL>/<interval>/<SYMBOL>-<interval>-<period>.zip
func ArchivePath(key domain.SeriesKey, period Period) string {
	segment := "spot"
	if key.Market == domain.MarketLinear {
		segment = "futures/um"
	}
	granularity := "monthly"
	if period.Daily() {
		granularity = "daily"
	}
	name := fmt.Sprintf("%s-%s-%s.zip", key.Symbol, key.Interval.ArchiveName(), period)
	return path.Join("/data", segment, granularity, "klines", key.Symbol, key.Interval.ArchiveName(), name)
}

// extractSingleCSV opens the downloaded zip and returns the content of its
// one record file.
func extractSingleCSV(blob []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("opening archive zip: %w", err)
	}

	var member *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !strings.HasSuffix(f.Name, ".csv") {
			continue
		}
		if member != nil {
			return nil, fmt.Errorf("archive zip holds more than one record file")
		}
		member = f
	}
	if member == nil {
		return nil, fmt.Errorf("archive zip holds no record file")
	}

	rc, err := member.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", member.Name, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", member.Name, err)
	}
	return content, nil
}
