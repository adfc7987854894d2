// Package orderbook tracks individual price levels over time to detect
// iceberg order patterns: repeated refills, consistent sizing, and price
// anchoring.
package orderbook

import (
	"math"
	"time"

	"tickpulse/internal/ring"
	"tickpulse/internal/schema"
)

// Side labels which half of the book a level belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PatternType classifies a detected iceberg pattern.
type PatternType string

const (
	PatternRefill         PatternType = "refill"
	PatternConsistentSize PatternType = "consistent_size"
	PatternAnchor         PatternType = "anchor"
)

const snapshotCapacity = 100

// Config tunes the tracker's detection thresholds.
type Config struct {
	// HistoryWindow is how long a level survives without being observed.
	HistoryWindow time.Duration
	// RefillSpeedThreshold is the maximum deplete-and-restore duration
	// for a refill to count as fast.
	RefillSpeedThreshold time.Duration
	// ConsistencyThreshold is the coefficient-of-variation ceiling below
	// which level sizing counts as consistent.
	ConsistencyThreshold float64
	// MinRefillCount is the refill count needed for the refill pattern.
	MinRefillCount int
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 300 * time.Second
	}
	if c.RefillSpeedThreshold <= 0 {
		c.RefillSpeedThreshold = 5 * time.Second
	}
	if c.ConsistencyThreshold <= 0 {
		c.ConsistencyThreshold = 0.1
	}
	if c.MinRefillCount <= 0 {
		c.MinRefillCount = 3
	}
	return c
}

type levelSnapshot struct {
	qty float64
	ts  time.Time
}

// LevelHistory is the rolling record of one (symbol, side, price) level.
type LevelHistory struct {
	Price float64
	Side  Side

	snapshots *ring.Buffer[levelSnapshot]

	RefillCount    int
	LastRefillTime time.Time
	AvgRefillSpeed time.Duration

	AvgVolume        float64
	VolumeStdDev     float64
	ConsistentVolume bool

	FirstSeen        time.Time
	LastSeen         time.Time
	TotalAppearances int
}

// SnapshotCount returns how many snapshots the level retains.
func (h *LevelHistory) SnapshotCount() int { return h.snapshots.Len() }

// Pattern is a detected iceberg candidate at one price level.
type Pattern struct {
	Symbol string      `json:"symbol"`
	Price  float64     `json:"price"`
	Side   Side        `json:"side"`
	Type   PatternType `json:"pattern_type"`

	RefillCount      int           `json:"refill_count"`
	AvgRefillSpeed   time.Duration `json:"-"`
	ConsistencyScore float64       `json:"volume_consistency_score"`
	Persistence      time.Duration `json:"-"`
	Confidence       float64       `json:"confidence"`
	DetectedAt       time.Time     `json:"detected_at"`
}

// Statistics is the tracker's aggregate view.
type Statistics struct {
	TotalLevelsTracked    int `json:"total_levels_tracked"`
	ActiveBidLevels       int `json:"active_bid_levels"`
	ActiveAskLevels       int `json:"active_ask_levels"`
	TotalIcebergsDetected int `json:"total_icebergs_detected"`
	SymbolsTracked        int `json:"symbols_tracked"`
}

// Tracker maintains per-level histories for each symbol. It is owned by
// a single dispatcher worker per symbol and is not safe for concurrent
// use.
type Tracker struct {
	cfg   Config
	clock func() time.Time

	bidLevels map[string]map[float64]*LevelHistory
	askLevels map[string]map[float64]*LevelHistory

	totalLevelsTracked    int
	totalIcebergsDetected int
}

// NewTracker constructs a tracker with cfg, filling zero fields with
// defaults.
func NewTracker(cfg Config) *Tracker {
	t := new(Tracker)
	t.cfg = cfg.withDefaults()
	t.clock = time.Now
	t.bidLevels = make(map[string]map[float64]*LevelHistory)
	t.askLevels = make(map[string]map[float64]*LevelHistory)
	return t
}

// Update ingests one depth snapshot, updating every observed level and
// evicting levels outside the history window.
func (t *Tracker) Update(symbol string, bids, asks []schema.Level, ts time.Time) {
	if ts.IsZero() {
		ts = t.clock()
	}
	for _, lvl := range bids {
		t.updateLevel(symbol, lvl.Price, lvl.Qty, ts, SideBid)
	}
	for _, lvl := range asks {
		t.updateLevel(symbol, lvl.Price, lvl.Qty, ts, SideAsk)
	}
	t.evictStale(symbol, ts)
}

func (t *Tracker) updateLevel(symbol string, price, qty float64, ts time.Time, side Side) {
	levels := t.sideLevels(side)
	bySymbol, ok := levels[symbol]
	if !ok {
		bySymbol = make(map[float64]*LevelHistory)
		levels[symbol] = bySymbol
	}

	h, ok := bySymbol[price]
	if !ok {
		h = &LevelHistory{
			Price:     price,
			Side:      side,
			snapshots: ring.New[levelSnapshot](snapshotCapacity),
			FirstSeen: ts,
			LastSeen:  ts,
		}
		bySymbol[price] = h
		t.totalLevelsTracked++
	}

	h.snapshots.Push(levelSnapshot{qty: qty, ts: ts})
	h.LastSeen = ts
	h.TotalAppearances++

	if t.isRefill(h) {
		h.RefillCount++
		h.LastRefillTime = ts
		if h.RefillCount > 1 {
			h.AvgRefillSpeed = ts.Sub(h.FirstSeen) / time.Duration(h.RefillCount)
		}
	}

	updateStatistics(h, t.cfg.ConsistencyThreshold)
}

// isRefill checks the last three snapshots for a deplete-then-restore
// pattern: a drop below 50% of the starting volume followed by recovery
// above 80% of it, all within the refill speed threshold.
func (t *Tracker) isRefill(h *LevelHistory) bool {
	n := h.snapshots.Len()
	if n < 3 {
		return false
	}
	v0 := h.snapshots.At(n - 3)
	v1 := h.snapshots.At(n - 2)
	v2 := h.snapshots.At(n - 1)

	if v1.qty < v0.qty*0.5 && v2.qty > v0.qty*0.8 {
		return v2.ts.Sub(v0.ts) < t.cfg.RefillSpeedThreshold
	}
	return false
}

func updateStatistics(h *LevelHistory, consistencyThreshold float64) {
	n := h.snapshots.Len()
	if n < 2 {
		return
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += h.snapshots.At(i).qty
	}
	mean := sum / float64(n)

	variance := 0.0
	for i := 0; i < n; i++ {
		d := h.snapshots.At(i).qty - mean
		variance += d * d
	}
	variance /= float64(n)

	h.AvgVolume = mean
	h.VolumeStdDev = math.Sqrt(variance)
	if mean > 0 {
		h.ConsistentVolume = h.VolumeStdDev/mean < consistencyThreshold
	}
}

func (t *Tracker) evictStale(symbol string, now time.Time) {
	cutoff := now.Add(-t.cfg.HistoryWindow)
	for _, levels := range []map[float64]*LevelHistory{t.bidLevels[symbol], t.askLevels[symbol]} {
		for price, h := range levels {
			if h.LastSeen.Before(cutoff) {
				delete(levels, price)
			}
		}
	}
}

// DetectIcebergs evaluates every tracked level within proximityPct
// percent of currentPrice and returns the first matching pattern per
// level, refill patterns taking priority over consistent-size over
// anchor.
func (t *Tracker) DetectIcebergs(symbol string, currentPrice, proximityPct float64) []Pattern {
	priceRange := currentPrice * proximityPct / 100
	lo, hi := currentPrice-priceRange, currentPrice+priceRange

	var patterns []Pattern
	for _, levels := range []map[float64]*LevelHistory{t.bidLevels[symbol], t.askLevels[symbol]} {
		for price, h := range levels {
			if price < lo || price > hi {
				continue
			}
			if p, ok := t.checkPattern(symbol, h); ok {
				patterns = append(patterns, p)
			}
		}
	}
	return patterns
}

func (t *Tracker) checkPattern(symbol string, h *LevelHistory) (Pattern, bool) {
	now := t.clock()
	persistence := now.Sub(h.FirstSeen)

	base := Pattern{
		Symbol:           symbol,
		Price:            h.Price,
		Side:             h.Side,
		RefillCount:      h.RefillCount,
		AvgRefillSpeed:   h.AvgRefillSpeed,
		ConsistencyScore: consistencyScore(h),
		Persistence:      persistence,
		DetectedAt:       now.UTC(),
	}

	switch {
	case h.RefillCount >= t.cfg.MinRefillCount:
		base.Type = PatternRefill
		base.Confidence = math.Min(0.85, 0.65+float64(h.RefillCount)*0.05)
	case h.ConsistentVolume && persistence > 120*time.Second:
		base.Type = PatternConsistentSize
		base.Confidence = 0.70
	case persistence > 180*time.Second:
		base.Type = PatternAnchor
		base.Confidence = 0.75
	default:
		return Pattern{}, false
	}

	t.totalIcebergsDetected++
	return base, true
}

func consistencyScore(h *LevelHistory) float64 {
	if h.AvgVolume <= 0 {
		return 0
	}
	score := 1 - h.VolumeStdDev/h.AvgVolume
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Level returns the history for one tracked level, nil when untracked.
func (t *Tracker) Level(symbol string, side Side, price float64) *LevelHistory {
	return t.sideLevels(side)[symbol][price]
}

// Statistics returns the tracker's aggregate counters.
func (t *Tracker) Statistics() Statistics {
	s := Statistics{
		TotalLevelsTracked:    t.totalLevelsTracked,
		TotalIcebergsDetected: t.totalIcebergsDetected,
	}
	symbols := make(map[string]struct{}, len(t.bidLevels))
	for symbol, levels := range t.bidLevels {
		s.ActiveBidLevels += len(levels)
		symbols[symbol] = struct{}{}
	}
	for symbol, levels := range t.askLevels {
		s.ActiveAskLevels += len(levels)
		symbols[symbol] = struct{}{}
	}
	s.SymbolsTracked = len(symbols)
	return s
}

func (t *Tracker) sideLevels(side Side) map[string]map[float64]*LevelHistory {
	if side == SideBid {
		return t.bidLevels
	}
	return t.askLevels
}
