// Package analytics computes per-symbol order-book depth metrics and
// keeps rolling pressure/imbalance histories for trend analysis.
package analytics

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tickpulse/internal/ring"
	"tickpulse/internal/schema"
)

// ErrBadDepth marks depth snapshots with non-positive prices or broken
// side ordering.
var ErrBadDepth = errors.New("bad depth")

const (
	historyCapacity = 900
	trendWindow     = 10
	topPressureK    = 5
)

// Timeframe point counts at the nominal one-update-per-second rate.
var timeframePoints = map[string]int{"1m": 60, "5m": 300, "15m": 900}

// ValidTimeframe reports whether tf is a supported history timeframe.
func ValidTimeframe(tf string) bool {
	_, ok := timeframePoints[tf]
	return ok
}

// DepthMetrics is the full metrics record computed from one depth
// snapshot.
type DepthMetrics struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`

	BidVolume        float64 `json:"bid_volume"`
	AskVolume        float64 `json:"ask_volume"`
	ImbalanceRatio   float64 `json:"imbalance_ratio"`
	ImbalancePercent float64 `json:"imbalance_percent"`

	BuyPressure  float64 `json:"buy_pressure"`
	SellPressure float64 `json:"sell_pressure"`
	NetPressure  float64 `json:"net_pressure"`

	TotalLiquidity float64 `json:"total_liquidity"`
	BidDepth5      float64 `json:"bid_depth_5"`
	AskDepth5      float64 `json:"ask_depth_5"`
	BidDepth10     float64 `json:"bid_depth_10"`
	AskDepth10     float64 `json:"ask_depth_10"`

	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	SpreadAbs float64 `json:"spread_abs"`
	SpreadBps float64 `json:"spread_bps"`
	MidPrice  float64 `json:"mid_price"`

	VwapBid float64 `json:"vwap_bid"`
	VwapAsk float64 `json:"vwap_ask"`

	BidLevels   int `json:"bid_levels"`
	AskLevels   int `json:"ask_levels"`
	TotalLevels int `json:"total_levels"`

	StrongestBidLevel *schema.Level `json:"strongest_bid_level,omitempty"`
	StrongestAskLevel *schema.Level `json:"strongest_ask_level,omitempty"`
}

// HistoryPoint is one sample of a rolling history.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// PressureHistory summarizes the pressure and imbalance histories over a
// timeframe.
type PressureHistory struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`

	PressureHistory  []HistoryPoint `json:"pressure_history"`
	ImbalanceHistory []HistoryPoint `json:"imbalance_history"`

	AvgPressure float64 `json:"avg_pressure"`
	MaxPressure float64 `json:"max_pressure"`
	MinPressure float64 `json:"min_pressure"`

	Trend         string  `json:"trend"`
	TrendStrength float64 `json:"trend_strength"`
}

// MarketSentiment aggregates trend buckets across tracked symbols.
type MarketSentiment struct {
	BullishSymbols    int     `json:"bullish_symbols"`
	BearishSymbols    int     `json:"bearish_symbols"`
	NeutralSymbols    int     `json:"neutral_symbols"`
	AvgNetPressure    float64 `json:"avg_net_pressure"`
	AvgImbalanceRatio float64 `json:"avg_imbalance_ratio"`
}

// MarketLiquidity aggregates spread and liquidity across tracked symbols.
type MarketLiquidity struct {
	AvgSpreadBps   float64 `json:"avg_spread_bps"`
	TotalLiquidity float64 `json:"total_liquidity"`
}

// TopPressure lists the symbols with the highest side pressure.
type TopPressure struct {
	HighestBuyPressure  []string `json:"highest_buy_pressure"`
	HighestSellPressure []string `json:"highest_sell_pressure"`
}

// MarketSummary is the cross-symbol aggregate view.
type MarketSummary struct {
	Timestamp          time.Time       `json:"timestamp"`
	SymbolsTracked     int             `json:"symbols_tracked"`
	MarketSentiment    MarketSentiment `json:"market_sentiment"`
	Liquidity          MarketLiquidity `json:"liquidity"`
	TopPressureSymbols TopPressure     `json:"top_pressure_symbols"`
}

type symbolHistory struct {
	pressure  *ring.Buffer[HistoryPoint]
	imbalance *ring.Buffer[HistoryPoint]
}

// DepthAnalyzer computes and retains depth metrics per symbol. Writes
// come from the dispatcher workers; reads come from the HTTP surface, so
// the maps are guarded and history reads copy under the lock.
type DepthAnalyzer struct {
	metricsTTL time.Duration
	log        *zap.Logger
	clock      func() time.Time

	mu         sync.RWMutex
	current    map[string]*DepthMetrics
	history    map[string]*symbolHistory
	lastUpdate map[string]time.Time
}

// NewDepthAnalyzer constructs an analyzer. metricsTTL bounds how long a
// symbol's latest record survives without updates; zero means the 300 s
// default.
func NewDepthAnalyzer(metricsTTL time.Duration, log *zap.Logger) *DepthAnalyzer {
	if metricsTTL <= 0 {
		metricsTTL = 300 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := new(DepthAnalyzer)
	a.metricsTTL = metricsTTL
	a.log = log
	a.clock = time.Now
	a.current = make(map[string]*DepthMetrics)
	a.history = make(map[string]*symbolHistory)
	a.lastUpdate = make(map[string]time.Time)
	log.Info("depth analyzer initialized",
		zap.Duration("metrics_ttl", metricsTTL),
		zap.Int("history_capacity", historyCapacity))
	return a
}

// AnalyzeDepth validates and processes one depth snapshot, storing the
// resulting record as the symbol's current metrics and appending to the
// rolling histories.
func (a *DepthAnalyzer) AnalyzeDepth(symbol string, bids, asks []schema.Level, ts time.Time) (*DepthMetrics, error) {
	if err := validateSide(bids, false); err != nil {
		return nil, fmt.Errorf("%w: bids: %v", ErrBadDepth, err)
	}
	if err := validateSide(asks, true); err != nil {
		return nil, fmt.Errorf("%w: asks: %v", ErrBadDepth, err)
	}
	if ts.IsZero() {
		ts = a.clock()
	}

	bidVolume := sumQty(bids)
	askVolume := sumQty(asks)
	totalVolume := bidVolume + askVolume

	m := &DepthMetrics{
		Symbol:         symbol,
		Timestamp:      ts,
		BidVolume:      bidVolume,
		AskVolume:      askVolume,
		TotalLiquidity: totalVolume,
		BidDepth5:      depthAt(bids, 5, bidVolume),
		AskDepth5:      depthAt(asks, 5, askVolume),
		BidDepth10:     depthAt(bids, 10, bidVolume),
		AskDepth10:     depthAt(asks, 10, askVolume),
		VwapBid:        vwap(bids),
		VwapAsk:        vwap(asks),
		BidLevels:      len(bids),
		AskLevels:      len(asks),
		TotalLevels:    len(bids) + len(asks),
	}

	if totalVolume > 0 {
		m.ImbalanceRatio = (bidVolume - askVolume) / totalVolume
		m.ImbalancePercent = m.ImbalanceRatio * 100
		m.BuyPressure = bidVolume / totalVolume * 100
		m.SellPressure = askVolume / totalVolume * 100
		m.NetPressure = m.BuyPressure - m.SellPressure
	}

	if len(bids) > 0 {
		m.BestBid = bids[0].Price
		m.StrongestBidLevel = strongestLevel(bids)
	}
	if len(asks) > 0 {
		m.BestAsk = asks[0].Price
		m.StrongestAskLevel = strongestLevel(asks)
	}
	if m.BestBid > 0 && m.BestAsk > 0 {
		m.SpreadAbs = m.BestAsk - m.BestBid
		m.MidPrice = (m.BestBid + m.BestAsk) / 2
		if m.MidPrice > 0 {
			m.SpreadBps = m.SpreadAbs / m.MidPrice * 10000
		}
	}

	a.mu.Lock()
	a.current[symbol] = m
	a.lastUpdate[symbol] = a.clock()
	h, ok := a.history[symbol]
	if !ok {
		h = &symbolHistory{
			pressure:  ring.New[HistoryPoint](historyCapacity),
			imbalance: ring.New[HistoryPoint](historyCapacity),
		}
		a.history[symbol] = h
	}
	h.pressure.Push(HistoryPoint{Timestamp: ts, Value: m.NetPressure})
	h.imbalance.Push(HistoryPoint{Timestamp: ts, Value: m.ImbalanceRatio})
	if len(a.current)%100 == 0 {
		a.evictExpiredLocked()
	}
	a.mu.Unlock()

	return m, nil
}

// GetCurrent returns the latest metrics for symbol, nil when untracked
// or expired.
func (a *DepthAnalyzer) GetCurrent(symbol string) *DepthMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.current[symbol]
	if !ok {
		return nil
	}
	if a.clock().Sub(a.lastUpdate[symbol]) > a.metricsTTL {
		return nil
	}
	return m
}

// GetAll returns a snapshot of all current metrics.
func (a *DepthAnalyzer) GetAll() map[string]*DepthMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*DepthMetrics, len(a.current))
	for sym, m := range a.current {
		out[sym] = m
	}
	return out
}

// GetPressureHistory returns the rolling histories trimmed to the
// requested timeframe plus summary statistics and trend. Nil when the
// symbol has no history; unknown timeframes fall back to 5m.
func (a *DepthAnalyzer) GetPressureHistory(symbol, timeframe string) *PressureHistory {
	points, ok := timeframePoints[timeframe]
	if !ok {
		timeframe = "5m"
		points = timeframePoints[timeframe]
	}

	a.mu.RLock()
	h, ok := a.history[symbol]
	if !ok || h.pressure.Len() == 0 {
		a.mu.RUnlock()
		return nil
	}
	pressure := h.pressure.Last(points)
	imbalance := h.imbalance.Last(points)
	a.mu.RUnlock()

	out := &PressureHistory{
		Symbol:           symbol,
		Timeframe:        timeframe,
		PressureHistory:  pressure,
		ImbalanceHistory: imbalance,
		MaxPressure:      pressure[0].Value,
		MinPressure:      pressure[0].Value,
	}
	sum := 0.0
	for _, p := range pressure {
		sum += p.Value
		if p.Value > out.MaxPressure {
			out.MaxPressure = p.Value
		}
		if p.Value < out.MinPressure {
			out.MinPressure = p.Value
		}
	}
	out.AvgPressure = sum / float64(len(pressure))
	out.Trend, out.TrendStrength = classifyTrend(pressure)
	return out
}

// GetMarketSummary aggregates sentiment and liquidity across all tracked
// symbols. Nil when nothing is tracked.
func (a *DepthAnalyzer) GetMarketSummary() *MarketSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.current) == 0 {
		return nil
	}

	s := &MarketSummary{
		Timestamp:      a.clock().UTC(),
		SymbolsTracked: len(a.current),
	}
	all := make([]*DepthMetrics, 0, len(a.current))
	for _, m := range a.current {
		all = append(all, m)
		switch {
		case m.NetPressure > 20:
			s.MarketSentiment.BullishSymbols++
		case m.NetPressure < -20:
			s.MarketSentiment.BearishSymbols++
		default:
			s.MarketSentiment.NeutralSymbols++
		}
		s.MarketSentiment.AvgNetPressure += m.NetPressure
		s.MarketSentiment.AvgImbalanceRatio += m.ImbalanceRatio
		s.Liquidity.AvgSpreadBps += m.SpreadBps
		s.Liquidity.TotalLiquidity += m.TotalLiquidity
	}
	n := float64(len(all))
	s.MarketSentiment.AvgNetPressure /= n
	s.MarketSentiment.AvgImbalanceRatio /= n
	s.Liquidity.AvgSpreadBps /= n
	s.TopPressureSymbols = topPressure(all, topPressureK)
	return s
}

// evictExpiredLocked removes symbols whose last update exceeds the TTL.
// Caller holds the write lock.
func (a *DepthAnalyzer) evictExpiredLocked() {
	now := a.clock()
	evicted := 0
	for sym, last := range a.lastUpdate {
		if now.Sub(last) > a.metricsTTL {
			delete(a.current, sym)
			delete(a.history, sym)
			delete(a.lastUpdate, sym)
			evicted++
		}
	}
	if evicted > 0 {
		a.log.Debug("evicted expired depth metrics", zap.Int("symbols", evicted))
	}
}

func classifyTrend(pressure []HistoryPoint) (string, float64) {
	if len(pressure) < trendWindow {
		return "neutral", 0.5
	}
	recent := 0.0
	for _, p := range pressure[len(pressure)-trendWindow:] {
		recent += p.Value
	}
	recent /= trendWindow
	switch {
	case recent > 20:
		return "bullish", min(1, recent/50)
	case recent < -20:
		return "bearish", min(1, -recent/50)
	default:
		abs := recent
		if abs < 0 {
			abs = -abs
		}
		return "neutral", 1 - abs/20
	}
}

func topPressure(all []*DepthMetrics, limit int) TopPressure {
	byBuy := make([]*DepthMetrics, len(all))
	copy(byBuy, all)
	sort.SliceStable(byBuy, func(i, j int) bool { return byBuy[i].BuyPressure > byBuy[j].BuyPressure })
	bySell := make([]*DepthMetrics, len(all))
	copy(bySell, all)
	sort.SliceStable(bySell, func(i, j int) bool { return bySell[i].SellPressure > bySell[j].SellPressure })

	if limit > len(all) {
		limit = len(all)
	}
	tp := TopPressure{
		HighestBuyPressure:  make([]string, 0, limit),
		HighestSellPressure: make([]string, 0, limit),
	}
	for i := 0; i < limit; i++ {
		tp.HighestBuyPressure = append(tp.HighestBuyPressure, byBuy[i].Symbol)
		tp.HighestSellPressure = append(tp.HighestSellPressure, bySell[i].Symbol)
	}
	return tp
}

func validateSide(levels []schema.Level, ascending bool) error {
	for i, lvl := range levels {
		if lvl.Price <= 0 {
			return fmt.Errorf("non-positive price %v at index %d", lvl.Price, i)
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1].Price
		if ascending && lvl.Price < prev {
			return fmt.Errorf("prices not ascending at index %d", i)
		}
		if !ascending && lvl.Price > prev {
			return fmt.Errorf("prices not descending at index %d", i)
		}
	}
	return nil
}

func sumQty(levels []schema.Level) float64 {
	total := 0.0
	for _, lvl := range levels {
		total += lvl.Qty
	}
	return total
}

func depthAt(levels []schema.Level, k int, sideTotal float64) float64 {
	if len(levels) < k {
		return sideTotal
	}
	total := 0.0
	for _, lvl := range levels[:k] {
		total += lvl.Qty
	}
	return total
}

func vwap(levels []schema.Level) float64 {
	value, volume := 0.0, 0.0
	for _, lvl := range levels {
		value += lvl.Price * lvl.Qty
		volume += lvl.Qty
	}
	if volume <= 0 {
		return 0
	}
	return value / volume
}

func strongestLevel(levels []schema.Level) *schema.Level {
	best := levels[0]
	for _, lvl := range levels[1:] {
		if lvl.Qty > best.Qty {
			best = lvl
		}
	}
	return &best
}
