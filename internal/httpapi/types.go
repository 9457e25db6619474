package httpapi

// BarJSON is the wire shape of one canonical bar.
type BarJSON struct {
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

// GapJSON is the wire shape of one detected gap.
type GapJSON struct {
	FirstMissing  int64 `json:"first_missing"`
	LastMissing   int64 `json:"last_missing"`
	ExpectedCount int   `json:"expected_count"`
}

// SeriesResponse answers GET /api/series.
type SeriesResponse struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	Market   string    `json:"market"`
	Start    int64     `json:"start"`
	End      int64     `json:"end"`
	Bars     []BarJSON `json:"bars"`
	Gaps     []GapJSON `json:"gaps"`
	Warnings []string  `json:"warnings,omitempty"`
}

// GapsResponse answers GET /api/gaps.
type GapsResponse struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	Market   string    `json:"market"`
	Start    int64     `json:"start"`
	End      int64     `json:"end"`
	Gaps     []GapJSON `json:"gaps"`
}

// HealthResponse answers GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}
