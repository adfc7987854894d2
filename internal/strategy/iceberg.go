package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tickpulse/internal/orderbook"
	"tickpulse/internal/schema"
	"tickpulse/internal/signal"
)

// IcebergConfig tunes the iceberg detector.
type IcebergConfig struct {
	Tracker           orderbook.Config
	LevelProximityPct float64
	MinSignalInterval time.Duration
}

func (c IcebergConfig) withDefaults() IcebergConfig {
	if c.LevelProximityPct <= 0 {
		c.LevelProximityPct = 1.0
	}
	if c.MinSignalInterval <= 0 {
		c.MinSignalInterval = 120 * time.Second
	}
	return c
}

type icebergSignalKey struct {
	symbol string
	price  float64
	side   orderbook.Side
}

// Iceberg detects large hidden resting orders through the level
// tracker and signals buy at hidden bids (support) and sell at hidden
// asks (resistance).
type Iceberg struct {
	cfg   IcebergConfig
	log   *zap.Logger
	clock func() time.Time

	mu             sync.Mutex
	tracker        *orderbook.Tracker
	lastSignalTime map[icebergSignalKey]time.Time

	signalsGenerated int
	icebergsDetected int
}

// NewIceberg constructs the detector with cfg, filling zero fields with
// defaults.
func NewIceberg(cfg IcebergConfig, log *zap.Logger) *Iceberg {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := new(Iceberg)
	s.cfg = cfg
	s.log = log
	s.clock = time.Now
	s.tracker = orderbook.NewTracker(cfg.Tracker)
	s.lastSignalTime = make(map[icebergSignalKey]time.Time)
	log.Info("iceberg detector strategy initialized",
		zap.Float64("level_proximity_pct", cfg.LevelProximityPct),
		zap.Duration("min_signal_interval", cfg.MinSignalInterval))
	return s
}

func (s *Iceberg) ID() string { return "iceberg_detector" }

// Analyze feeds the tracker and signals on the highest-confidence
// pattern near the mid price.
func (s *Iceberg) Analyze(symbol string, bids, asks []schema.Level, ts time.Time) (*signal.Signal, error) {
	if len(bids) == 0 || len(asks) == 0 {
		return nil, nil
	}
	if ts.IsZero() {
		ts = s.clock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracker.Update(symbol, bids, asks, ts)

	midPrice := (bids[0].Price + asks[0].Price) / 2
	patterns := s.tracker.DetectIcebergs(symbol, midPrice, s.cfg.LevelProximityPct)
	if len(patterns) == 0 {
		return nil, nil
	}
	s.icebergsDetected += len(patterns)

	strongest := patterns[0]
	for _, p := range patterns[1:] {
		if p.Confidence > strongest.Confidence {
			strongest = p
		}
	}

	sig := s.generateSignal(strongest, midPrice, ts)
	if sig != nil {
		s.signalsGenerated++
	}
	return sig, nil
}

func (s *Iceberg) generateSignal(p orderbook.Pattern, currentPrice float64, ts time.Time) *signal.Signal {
	key := icebergSignalKey{symbol: p.Symbol, price: math.Round(p.Price*100) / 100, side: p.Side}
	now := s.clock()
	if last, ok := s.lastSignalTime[key]; ok && now.Sub(last) < s.cfg.MinSignalInterval {
		s.log.Debug("iceberg signal rate limited",
			zap.String("symbol", p.Symbol),
			zap.Float64("price", p.Price),
			zap.String("side", string(p.Side)))
		return nil
	}

	var action signal.Action
	var reasoning string
	switch p.Side {
	case orderbook.SideBid:
		action = signal.ActionBuy
		reasoning = fmt.Sprintf("large hidden buyer detected at %v (%s)", p.Price, p.Type)
	case orderbook.SideAsk:
		action = signal.ActionSell
		reasoning = fmt.Sprintf("large hidden seller detected at %v (%s)", p.Price, p.Type)
	default:
		return nil
	}

	distance := math.Abs(currentPrice - p.Price)
	atrProxy := math.Max(distance, currentPrice*0.005)

	var stop, target float64
	if action == signal.ActionBuy {
		stop = p.Price - atrProxy
		target = currentPrice + atrProxy*2.5
	} else {
		stop = p.Price + atrProxy
		target = currentPrice - atrProxy*2.5
	}

	s.lastSignalTime[key] = now

	s.log.Info("iceberg signal generated",
		zap.String("symbol", p.Symbol),
		zap.Float64("iceberg_price", p.Price),
		zap.String("pattern_type", string(p.Type)),
		zap.String("action", string(action)),
		zap.Float64("confidence", p.Confidence),
		zap.Int("refill_count", p.RefillCount))

	return &signal.Signal{
		ID:         uuid.NewString(),
		StrategyID: s.ID(),
		Symbol:     p.Symbol,
		Action:     action,
		Confidence: p.Confidence,
		Price:      currentPrice,
		StopLoss:   stop,
		TakeProfit: target,
		Indicators: map[string]float64{
			"iceberg_price":          p.Price,
			"refill_count":           float64(p.RefillCount),
			"volume_consistency":     p.ConsistencyScore,
			"persistence_seconds":    p.Persistence.Seconds(),
			"avg_refill_speed_secs":  p.AvgRefillSpeed.Seconds(),
			"distance_to_level_pct":  distance / currentPrice * 100,
		},
		Metadata: map[string]interface{}{
			"pattern_type":  string(p.Type),
			"reasoning":     reasoning,
			"iceberg_side":  string(p.Side),
			"current_price": currentPrice,
		},
		GeneratedAt: ts,
	}
}

// Statistics returns the running counters plus the tracker's view.
func (s *Iceberg) Statistics() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tracker.Statistics()
	return map[string]any{
		"signals_generated": s.signalsGenerated,
		"icebergs_detected": s.icebergsDetected,
		"tracker_stats": map[string]any{
			"total_levels_tracked":    ts.TotalLevelsTracked,
			"active_bid_levels":       ts.ActiveBidLevels,
			"active_ask_levels":       ts.ActiveAskLevels,
			"total_icebergs_detected": ts.TotalIcebergsDetected,
			"symbols_tracked":         ts.SymbolsTracked,
		},
	}
}
