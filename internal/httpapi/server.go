// Package httpapi exposes the series pipeline over a small diagnostics
// HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"klinehub/internal/domain"
	"klinehub/internal/gateway"
	"klinehub/internal/ingest"
)

// Server serves the series query API.
type Server struct {
	svc *ingest.Service
	gw  gateway.Gateway
	log *slog.Logger
}

// NewServer creates the API server on top of the ingestion service.
func NewServer(svc *ingest.Service, gw gateway.Gateway, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, gw: gw, log: log.With("component", "httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/series", s.handleSeries)
	mux.HandleFunc("GET /api/gaps", s.handleGaps)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// parseRequest builds an ingest request from the common query parameters.
func parseRequest(r *http.Request) (ingest.Request, error) {
	q := r.URL.Query()

	iv, err := domain.ParseInterval(q.Get("interval"))
	if err != nil {
		return ingest.Request{}, err
	}
	start, err := strconv.ParseInt(q.Get("start"), 10, 64)
	if err != nil {
		return ingest.Request{}, &domain.ValidationError{Field: "start", Value: q.Get("start"), Reason: "not an integer"}
	}
	end, err := strconv.ParseInt(q.Get("end"), 10, 64)
	if err != nil {
		return ingest.Request{}, &domain.ValidationError{Field: "end", Value: q.Get("end"), Reason: "not an integer"}
	}

	fillGaps := true
	if v := q.Get("fill"); v != "" {
		fillGaps, err = strconv.ParseBool(v)
		if err != nil {
			return ingest.Request{}, &domain.ValidationError{Field: "fill", Value: v, Reason: "not a boolean"}
		}
	}

	return ingest.Request{
		Symbol:   strings.ToUpper(q.Get("symbol")),
		Interval: iv,
		Market:   domain.Market(q.Get("market")),
		Start:    start,
		End:      end,
		FillGaps: fillGaps,
	}, nil
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.svc.QuerySeries(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusBadRequest
		}
		s.log.Error("series query failed", "key", req.Key().String(), "error", err)
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, SeriesResponse{
		Symbol:   req.Symbol,
		Interval: string(req.Interval),
		Market:   string(req.Market),
		Start:    req.Start,
		End:      req.End,
		Bars:     convertBars(res.Bars),
		Gaps:     convertGaps(res.Gaps),
		Warnings: res.Warnings,
	})
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	found, err := s.svc.DetectGaps(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, GapsResponse{
		Symbol:   req.Symbol,
		Interval: string(req.Interval),
		Market:   string(req.Market),
		Start:    req.Start,
		End:      req.End,
		Gaps:     convertGaps(found),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Storage: "ok"}
	if err := s.gw.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Storage = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(resp)
		return
	}
	writeJSON(w, resp)
}

func convertBars(bars []domain.CanonicalBar) []BarJSON {
	out := make([]BarJSON, 0, len(bars))
	for _, b := range bars {
		out = append(out, BarJSON{
			Symbol:              b.Key.Symbol,
			Interval:            string(b.Key.Interval),
			Market:              string(b.Key.Market),
			OpenTime:            b.OpenTime,
			CloseTime:           b.CloseTime,
			Open:                b.Open,
			High:                b.High,
			Low:                 b.Low,
			Close:               b.Close,
			Volume:              b.Volume,
			QuoteVolume:         b.QuoteVolume,
			TradeCount:          b.TradeCount,
			TakerBuyBaseVolume:  b.TakerBuyBaseVolume,
			TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
			Provenance:          string(b.Provenance),
		})
	}
	return out
}

func convertGaps(gaps []domain.Gap) []GapJSON {
	out := make([]GapJSON, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, GapJSON{
			FirstMissing:  g.FirstMissing,
			LastMissing:   g.LastMissing,
			ExpectedCount: g.ExpectedCount,
		})
	}
	return out
}
