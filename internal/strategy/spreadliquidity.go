package strategy

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tickpulse/internal/ring"
	"tickpulse/internal/schema"
	"tickpulse/internal/signal"
)

// SpreadLiquidityConfig tunes the spread-liquidity detector.
type SpreadLiquidityConfig struct {
	SpreadThresholdBps   float64
	SpreadRatioThreshold float64
	VelocityThreshold    float64
	PersistenceThreshold time.Duration
	MinDepthReductionPct float64
	BaseConfidence       float64
	LookbackTicks        int
	MinSignalInterval    time.Duration
}

func (c SpreadLiquidityConfig) withDefaults() SpreadLiquidityConfig {
	if c.SpreadThresholdBps <= 0 {
		c.SpreadThresholdBps = 10
	}
	if c.SpreadRatioThreshold <= 0 {
		c.SpreadRatioThreshold = 2.5
	}
	if c.VelocityThreshold <= 0 {
		c.VelocityThreshold = 0.5
	}
	if c.PersistenceThreshold <= 0 {
		c.PersistenceThreshold = 30 * time.Second
	}
	if c.MinDepthReductionPct <= 0 {
		c.MinDepthReductionPct = 0.5
	}
	if c.BaseConfidence <= 0 {
		c.BaseConfidence = 0.70
	}
	if c.LookbackTicks <= 0 {
		c.LookbackTicks = 20
	}
	if c.MinSignalInterval <= 0 {
		c.MinSignalInterval = 60 * time.Second
	}
	return c
}

// spreadMetrics is one tick of spread state for the rolling window.
type spreadMetrics struct {
	timestamp  time.Time
	bestBid    float64
	bestAsk    float64
	midPrice   float64
	spreadAbs  float64
	spreadBps  float64
	totalDepth float64
}

// spreadSnapshot carries the comparative view of the current tick
// against the rolling window.
type spreadSnapshot struct {
	metrics           spreadMetrics
	spreadRatio       float64
	spreadVelocity    float64
	depthReductionPct float64
	isWidening        bool
	isNarrowing       bool
	isAbnormal        bool
}

type wideSpreadEvent struct {
	startTime time.Time
	spreadBps float64
}

// SpreadLiquidity detects liquidity withdrawal (rapid widening) and
// liquidity return (wide spread normalizing) from spread evolution.
// Buy on normalization, sell on withdrawal.
type SpreadLiquidity struct {
	cfg   SpreadLiquidityConfig
	log   *zap.Logger
	clock func() time.Time

	mu             sync.Mutex
	history        map[string]*ring.Buffer[spreadMetrics]
	wideEvents     map[string]*wideSpreadEvent
	lastSignalTime map[string]time.Time

	signalsGenerated int
	eventsDetected   int
}

// NewSpreadLiquidity constructs the detector with cfg, filling zero
// fields with defaults.
func NewSpreadLiquidity(cfg SpreadLiquidityConfig, log *zap.Logger) *SpreadLiquidity {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := new(SpreadLiquidity)
	s.cfg = cfg
	s.log = log
	s.clock = time.Now
	s.history = make(map[string]*ring.Buffer[spreadMetrics])
	s.wideEvents = make(map[string]*wideSpreadEvent)
	s.lastSignalTime = make(map[string]time.Time)
	log.Info("spread liquidity strategy initialized",
		zap.Float64("spread_threshold_bps", cfg.SpreadThresholdBps),
		zap.Float64("spread_ratio_threshold", cfg.SpreadRatioThreshold),
		zap.Float64("velocity_threshold", cfg.VelocityThreshold),
		zap.Int("lookback_ticks", cfg.LookbackTicks))
	return s
}

func (s *SpreadLiquidity) ID() string { return "spread_liquidity" }

// Analyze processes one depth snapshot. A nil signal means no event
// fired or the event was rate limited.
func (s *SpreadLiquidity) Analyze(symbol string, bids, asks []schema.Level, ts time.Time) (*signal.Signal, error) {
	if len(bids) == 0 || len(asks) == 0 {
		return nil, nil
	}
	if ts.IsZero() {
		ts = s.clock()
	}

	metrics, ok := buildSpreadMetrics(bids, asks, ts)
	if !ok {
		// Crossed or non-positive book: skip with no state mutation.
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.history[symbol]
	if !exists {
		h = ring.New[spreadMetrics](s.cfg.LookbackTicks)
		s.history[symbol] = h
	}
	h.Push(metrics)
	if h.Len() < 3 {
		return nil, nil
	}

	snap := s.buildSnapshot(h, metrics)
	event, action, persistence := s.detectEvent(symbol, snap, ts)
	if event == "" {
		return nil, nil
	}
	s.eventsDetected++

	sig := s.generateSignal(symbol, event, action, snap, persistence, ts)
	if sig != nil {
		s.signalsGenerated++
	}
	return sig, nil
}

func buildSpreadMetrics(bids, asks []schema.Level, ts time.Time) (spreadMetrics, bool) {
	bestBid := bids[0].Price
	bestAsk := asks[0].Price
	if bestBid <= 0 || bestAsk <= 0 || bestAsk <= bestBid {
		return spreadMetrics{}, false
	}
	mid := (bestBid + bestAsk) / 2
	spreadAbs := bestAsk - bestBid

	depth := 0.0
	for i, lvl := range bids {
		if i >= 5 {
			break
		}
		depth += lvl.Qty
	}
	for i, lvl := range asks {
		if i >= 5 {
			break
		}
		depth += lvl.Qty
	}

	return spreadMetrics{
		timestamp:  ts,
		bestBid:    bestBid,
		bestAsk:    bestAsk,
		midPrice:   mid,
		spreadAbs:  spreadAbs,
		spreadBps:  spreadAbs / mid * 10000,
		totalDepth: depth,
	}, true
}

// buildSnapshot compares the current tick against the window, excluding
// the current tick from the averages. Velocity is measured against the
// oldest retained tick as fractional change per second.
func (s *SpreadLiquidity) buildSnapshot(h *ring.Buffer[spreadMetrics], cur spreadMetrics) spreadSnapshot {
	n := h.Len()
	sumBps, sumDepth := 0.0, 0.0
	for i := 0; i < n-1; i++ {
		m := h.At(i)
		sumBps += m.spreadBps
		sumDepth += m.totalDepth
	}
	avgBps := sumBps / float64(n-1)
	avgDepth := sumDepth / float64(n-1)

	snap := spreadSnapshot{metrics: cur, spreadRatio: 1}
	if avgBps > 0 {
		snap.spreadRatio = cur.spreadBps / avgBps
	}

	oldest, _ := h.Head()
	if dt := cur.timestamp.Sub(oldest.timestamp).Seconds(); dt > 0 && oldest.spreadBps > 0 {
		change := (cur.spreadBps - oldest.spreadBps) / oldest.spreadBps
		snap.spreadVelocity = change / dt
	}

	if avgDepth > 0 {
		snap.depthReductionPct = 1 - cur.totalDepth/avgDepth
	}

	snap.isWidening = snap.spreadVelocity > s.cfg.VelocityThreshold
	snap.isNarrowing = snap.spreadVelocity < -s.cfg.VelocityThreshold
	snap.isAbnormal = snap.spreadRatio > s.cfg.SpreadRatioThreshold
	return snap
}

// detectEvent runs the wide-spread state machine and the independent
// widening trigger. Returns the event kind, the signal action, and the
// event persistence.
func (s *SpreadLiquidity) detectEvent(symbol string, snap spreadSnapshot, ts time.Time) (string, signal.Action, time.Duration) {
	if open, ok := s.wideEvents[symbol]; ok {
		persistence := ts.Sub(open.startTime)
		if snap.isNarrowing &&
			snap.spreadRatio < s.cfg.SpreadRatioThreshold &&
			persistence > s.cfg.PersistenceThreshold {
			delete(s.wideEvents, symbol)
			return "narrowing", signal.ActionBuy, persistence
		}
	}

	if snap.isAbnormal && snap.metrics.spreadBps > s.cfg.SpreadThresholdBps {
		if _, ok := s.wideEvents[symbol]; !ok {
			s.wideEvents[symbol] = &wideSpreadEvent{startTime: ts, spreadBps: snap.metrics.spreadBps}
		}
	}

	if snap.isWidening &&
		snap.spreadRatio > s.cfg.SpreadRatioThreshold*1.2 &&
		snap.depthReductionPct > s.cfg.MinDepthReductionPct {
		return "widening", signal.ActionSell, 0
	}

	return "", "", 0
}

func (s *SpreadLiquidity) confidence(event string, snap spreadSnapshot, persistence time.Duration) float64 {
	c := s.cfg.BaseConfidence
	switch event {
	case "narrowing":
		c += (snap.spreadRatio - s.cfg.SpreadRatioThreshold) * 0.05
		bonus := persistence.Seconds() / 300 * 0.10
		if bonus > 0.10 {
			bonus = 0.10
		}
		c += bonus
	case "widening":
		v := snap.spreadVelocity
		if v < 0 {
			v = -v
		}
		c += v*0.10 + snap.depthReductionPct*0.15
	}
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func (s *SpreadLiquidity) generateSignal(symbol, event string, action signal.Action, snap spreadSnapshot, persistence time.Duration, ts time.Time) *signal.Signal {
	now := s.clock()
	if last, ok := s.lastSignalTime[symbol]; ok && now.Sub(last) < s.cfg.MinSignalInterval {
		s.log.Debug("spread signal rate limited",
			zap.String("symbol", symbol),
			zap.Duration("since_last", now.Sub(last)))
		return nil
	}

	m := snap.metrics
	atrProxy := m.spreadAbs * 2
	var stop, target float64
	if action == signal.ActionBuy {
		stop = m.midPrice - atrProxy
		target = m.midPrice + atrProxy*2
	} else {
		stop = m.midPrice + atrProxy
		target = m.midPrice - atrProxy*2
	}

	reasoning := "liquidity returning after withdrawal (spread normalizing)"
	if event == "widening" {
		reasoning = "liquidity withdrawal (rapid spread widening with depth reduction)"
	}

	s.lastSignalTime[symbol] = now
	conf := s.confidence(event, snap, persistence)

	s.log.Info("spread signal generated",
		zap.String("symbol", symbol),
		zap.String("event_type", event),
		zap.String("action", string(action)),
		zap.Float64("confidence", conf),
		zap.Float64("spread_bps", m.spreadBps),
		zap.Float64("spread_ratio", snap.spreadRatio))

	return &signal.Signal{
		ID:         uuid.NewString(),
		StrategyID: s.ID(),
		Symbol:     symbol,
		Action:     action,
		Confidence: conf,
		Price:      m.midPrice,
		StopLoss:   stop,
		TakeProfit: target,
		Indicators: map[string]float64{
			"spread_bps":          m.spreadBps,
			"spread_ratio":        snap.spreadRatio,
			"spread_velocity":     snap.spreadVelocity,
			"total_depth":         m.totalDepth,
			"depth_reduction_pct": snap.depthReductionPct,
		},
		Metadata: map[string]interface{}{
			"event_type":          event,
			"reasoning":           reasoning,
			"persistence_seconds": persistence.Seconds(),
			"best_bid":            m.bestBid,
			"best_ask":            m.bestAsk,
		},
		GeneratedAt: ts,
	}
}

// Statistics returns the running counters for the stats surface.
func (s *SpreadLiquidity) Statistics() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"signals_generated":  s.signalsGenerated,
		"events_detected":    s.eventsDetected,
		"symbols_tracked":    len(s.history),
		"active_wide_events": len(s.wideEvents),
	}
}
