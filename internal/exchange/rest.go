// Package exchange implements the two upstream data-source clients: the
// low-latency kline REST API and the CDN-style bulk archive.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"klinehub/internal/domain"
	"klinehub/internal/util"
)

// MaxKlinesPerRequest is the API's per-request row cap.
const MaxKlinesPerRequest = 1000

// RestClient talks to the exchange's kline endpoint. Requests carry the
// live-API spelling of the interval and are paced by a shared token-bucket
// limiter.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *util.RateLimiter
	log        *slog.Logger
}

// NewRestClient creates a client for baseURL, limited to perMinute
// requests per minute, with the given per-request deadline.
func NewRestClient(baseURL string, perMinute int, timeout time.Duration) *RestClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RestClient{
		baseURL:    baseURL,
		httpClient: newHTTPClient(timeout),
		limiter:    util.NewRateLimiter(perMinute),
		log:        slog.Default().With("component", "rest-client"),
	}
}

// Klines fetches up to limit bars for the key with open times inside
// [startUS, endUS]. The response rows arrive in strictly increasing time
// order. Rate-limit responses surface as ErrRateLimited, other 4xx as a
// permanent *APIError, and network/5xx failures as transient errors.
func (c *RestClient) Klines(ctx context.Context, key domain.SeriesKey, startUS, endUS int64, limit int) ([][]json.RawMessage, error) {
	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", key.Symbol)
	q.Set("interval", key.Interval.APIName())
	q.Set("startTime", strconv.FormatInt(startUS/1000, 10))
	q.Set("endTime", strconv.FormatInt(endUS/1000, 10))
	q.Set("limit", strconv.Itoa(limit))

	reqURL := c.baseURL + klinePath(key.Market) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building kline request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		// 418 is the upstream's escalation of repeated 429s.
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w (status %d)", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, Transient(fmt.Errorf("status %d: %s", resp.StatusCode, body))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, Transient(fmt.Errorf("decoding kline response: %w", err))
	}
	return rows, nil
}

// klinePath returns the endpoint path for a market segment.
func klinePath(market domain.Market) string {
	if market == domain.MarketLinear {
		return "/fapi/v1/klines"
	}
	return "/api/v3/klines"
}
