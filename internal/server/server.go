// Package server exposes the read-only metrics HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tickpulse/internal/analytics"
)

const (
	defaultLimit = 100
	maxLimit     = 200
)

// Config holds the listen address and shutdown grace period.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// StatsFunc supplies a named block for the /stats document.
type StatsFunc func() any

// Server serves depth metrics snapshots and the prometheus scrape
// endpoint. It only ever reads analyzer state.
type Server struct {
	cfg      Config
	log      *zap.Logger
	analyzer *analytics.DepthAnalyzer
	registry *prometheus.Registry
	stats    map[string]StatsFunc
	httpSrv  *http.Server
	started  time.Time
}

// New constructs the server. The analyzer may be nil before pipeline
// start; handlers answer 503 until it is set.
func New(cfg Config, analyzer *analytics.DepthAnalyzer, registry *prometheus.Registry, log *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := new(Server)
	s.cfg = cfg
	s.log = log
	s.analyzer = analyzer
	s.registry = registry
	s.stats = make(map[string]StatsFunc)
	return s
}

// RegisterStats adds a named component block to the /stats document.
// Must be called before Start.
func (s *Server) RegisterStats(name string, fn StatsFunc) {
	s.stats[name] = fn
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /metrics/depth/{symbol}", s.handleDepth)
	mux.HandleFunc("GET /metrics/pressure/{symbol}", s.handlePressure)
	mux.HandleFunc("GET /metrics/summary", s.handleSummary)
	mux.HandleFunc("GET /metrics/all", s.handleAll)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start begins serving. Errors other than a clean shutdown are logged.
func (s *Server) Start() {
	s.started = time.Now()
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	doc := make(map[string]any, len(s.stats))
	for name, fn := range s.stats {
		doc[name] = fn()
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "analyzer not initialized")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	metrics := s.analyzer.GetCurrent(symbol)
	if metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"error":      fmt.Sprintf("no metrics available for %s", symbol),
			"message":    "symbol may not be actively tracked or data is stale",
			"suggestion": "check GET /metrics/all for tracked symbols",
		})
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handlePressure(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "analyzer not initialized")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "5m"
	}
	if !analytics.ValidTimeframe(timeframe) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeframe %q, want 1m, 5m or 15m", timeframe))
		return
	}

	history := s.analyzer.GetPressureHistory(symbol, timeframe)
	if history == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"error":   fmt.Sprintf("no pressure history available for %s", symbol),
			"message": "symbol may not be actively tracked",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    history.Symbol,
		"timeframe": history.Timeframe,
		"summary": map[string]any{
			"avg_pressure":   round2(history.AvgPressure),
			"max_pressure":   round2(history.MaxPressure),
			"min_pressure":   round2(history.MinPressure),
			"trend":          history.Trend,
			"trend_strength": round2(history.TrendStrength),
		},
		"total_data_points": len(history.PressureHistory),
		"pressure_history":  lastN(history.PressureHistory, 100),
		"imbalance_history": lastN(history.ImbalanceHistory, 100),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "analyzer not initialized")
		return
	}
	summary := s.analyzer.GetMarketSummary()
	if summary == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"symbols_tracked": 0,
			"message":         "no symbols tracked yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// allEntry is one row of the /metrics/all listing.
type allEntry struct {
	Symbol           string    `json:"symbol"`
	Timestamp        time.Time `json:"timestamp"`
	NetPressure      float64   `json:"net_pressure"`
	ImbalancePercent float64   `json:"imbalance_percent"`
	SpreadBps        float64   `json:"spread_bps"`
	TotalLiquidity   float64   `json:"total_liquidity"`
	MidPrice         float64   `json:"mid_price"`
	Trend            string    `json:"trend"`
}

type allQuery struct {
	symbols     map[string]bool
	minPressure *float64
	maxPressure *float64
	trend       string
	limit       int
	offset      int
	sortBy      string
	sortOrder   string
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "analyzer not initialized")
		return
	}
	q, err := parseAllQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries := make([]allEntry, 0)
	for symbol, m := range s.analyzer.GetAll() {
		e := allEntry{
			Symbol:           symbol,
			Timestamp:        m.Timestamp,
			NetPressure:      round2(m.NetPressure),
			ImbalancePercent: round2(m.ImbalancePercent),
			SpreadBps:        round2(m.SpreadBps),
			TotalLiquidity:   round2(m.TotalLiquidity),
			MidPrice:         m.MidPrice,
			Trend:            pressureTrend(m.NetPressure),
		}
		if !q.match(e) {
			continue
		}
		entries = append(entries, e)
	}
	q.sortEntries(entries)

	total := len(entries)
	if q.offset >= total {
		entries = entries[:0]
	} else {
		entries = entries[q.offset:]
	}
	if len(entries) > q.limit {
		entries = entries[:q.limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbols_count": total,
		"returned":      len(entries),
		"offset":        q.offset,
		"metrics":       entries,
	})
}

func parseAllQuery(r *http.Request) (*allQuery, error) {
	values := r.URL.Query()
	q := &allQuery{limit: defaultLimit, sortBy: "symbol", sortOrder: "asc"}

	if raw := values.Get("symbols"); raw != "" {
		q.symbols = make(map[string]bool)
		for _, sym := range strings.Split(raw, ",") {
			if sym = strings.TrimSpace(sym); sym != "" {
				q.symbols[strings.ToUpper(sym)] = true
			}
		}
	}
	for name, dst := range map[string]**float64{"min_pressure": &q.minPressure, "max_pressure": &q.maxPressure} {
		if raw := values.Get(name); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q", name, raw)
			}
			*dst = &v
		}
	}
	if trend := values.Get("trend"); trend != "" {
		switch trend {
		case "bullish", "bearish", "neutral":
			q.trend = trend
		default:
			return nil, fmt.Errorf("invalid trend %q, want bullish, bearish or neutral", trend)
		}
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxLimit {
			return nil, fmt.Errorf("invalid limit %q, want 1..%d", raw, maxLimit)
		}
		q.limit = limit
	}
	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid offset %q, want >= 0", raw)
		}
		q.offset = offset
	}
	if raw := values.Get("sort_by"); raw != "" {
		switch raw {
		case "symbol", "pressure", "imbalance", "liquidity":
			q.sortBy = raw
		default:
			return nil, fmt.Errorf("invalid sort_by %q, want symbol, pressure, imbalance or liquidity", raw)
		}
	}
	if raw := values.Get("sort_order"); raw != "" {
		switch raw {
		case "asc", "desc":
			q.sortOrder = raw
		default:
			return nil, fmt.Errorf("invalid sort_order %q, want asc or desc", raw)
		}
	}
	return q, nil
}

func (q *allQuery) match(e allEntry) bool {
	if q.symbols != nil && !q.symbols[e.Symbol] {
		return false
	}
	if q.minPressure != nil && e.NetPressure < *q.minPressure {
		return false
	}
	if q.maxPressure != nil && e.NetPressure > *q.maxPressure {
		return false
	}
	if q.trend != "" && e.Trend != q.trend {
		return false
	}
	return true
}

func (q *allQuery) sortEntries(entries []allEntry) {
	less := func(a, b allEntry) bool { return a.Symbol < b.Symbol }
	switch q.sortBy {
	case "pressure":
		less = func(a, b allEntry) bool { return a.NetPressure < b.NetPressure }
	case "imbalance":
		less = func(a, b allEntry) bool { return a.ImbalancePercent < b.ImbalancePercent }
	case "liquidity":
		less = func(a, b allEntry) bool { return a.TotalLiquidity < b.TotalLiquidity }
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if q.sortOrder == "desc" {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
}

func pressureTrend(netPressure float64) string {
	switch {
	case netPressure > 20:
		return "bullish"
	case netPressure < -20:
		return "bearish"
	default:
		return "neutral"
	}
}

func lastN(points []analytics.HistoryPoint, n int) []analytics.HistoryPoint {
	if len(points) <= n {
		return points
	}
	return points[len(points)-n:]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
