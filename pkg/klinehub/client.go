// Package klinehub provides a Go client for the klinehub diagnostics API.
package klinehub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a running klinehub server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// SeriesQuery selects a candlestick range.
type SeriesQuery struct {
	Symbol   string
	Interval string // live-API spelling, e.g. "1h", "1M"
	Market   string // "spot" or "linear"
	Start    int64  // µs inclusive
	End      int64  // µs inclusive
	FillGaps bool
}

// Bar is one candlestick as returned by the server.
type Bar struct {
	Symbol              string  `json:"symbol"`
	Interval            string  `json:"interval"`
	Market              string  `json:"market"`
	OpenTime            int64   `json:"open_time"`
	CloseTime           int64   `json:"close_time"`
	Open                float64 `json:"open"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	Close               float64 `json:"close"`
	Volume              float64 `json:"volume"`
	QuoteVolume         float64 `json:"quote_volume"`
	TradeCount          int64   `json:"trade_count"`
	TakerBuyBaseVolume  float64 `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume"`
	Provenance          string  `json:"provenance"`
}

// Gap is a run of missing bars.
type Gap struct {
	FirstMissing  int64 `json:"first_missing"`
	LastMissing   int64 `json:"last_missing"`
	ExpectedCount int   `json:"expected_count"`
}

// Series is the answer to a series query.
type Series struct {
	Symbol   string   `json:"symbol"`
	Interval string   `json:"interval"`
	Market   string   `json:"market"`
	Start    int64    `json:"start"`
	End      int64    `json:"end"`
	Bars     []Bar    `json:"bars"`
	Gaps     []Gap    `json:"gaps"`
	Warnings []string `json:"warnings"`
}

// APIError is a non-2xx server response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("klinehub: server returned %d: %s", e.Status, e.Message)
}

// GetSeries runs a full series query: backfill, gap handling, and the
// deduplicated read.
func (c *Client) GetSeries(ctx context.Context, q SeriesQuery) (*Series, error) {
	var out Series
	if err := c.get(ctx, "/api/series", q.values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGaps scans the range for missing bars without ingesting anything.
func (c *Client) GetGaps(ctx context.Context, q SeriesQuery) ([]Gap, error) {
	var out struct {
		Gaps []Gap `json:"gaps"`
	}
	if err := c.get(ctx, "/api/gaps", q.values(), &out); err != nil {
		return nil, err
	}
	return out.Gaps, nil
}

// Health reports whether the server and its storage respond.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/healthz", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("klinehub: server status %q", out.Status)
	}
	return nil
}

func (q SeriesQuery) values() url.Values {
	v := url.Values{}
	v.Set("symbol", q.Symbol)
	v.Set("interval", q.Interval)
	v.Set("market", q.Market)
	v.Set("start", strconv.FormatInt(q.Start, 10))
	v.Set("end", strconv.FormatInt(q.End, 10))
	v.Set("fill", strconv.FormatBool(q.FillGaps))
	return v
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("klinehub: building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("klinehub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &msg) == nil && msg.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: msg.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("klinehub: decoding response: %w", err)
	}
	return nil
}
