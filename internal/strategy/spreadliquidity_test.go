package strategy

import (
	"testing"
	"time"

	"tickpulse/internal/schema"
	"tickpulse/internal/signal"
)

// book builds a one-level book around mid 100 with the given spread in
// basis points and per-side top-of-book quantity.
func book(spreadBps, qty float64) (bids, asks []schema.Level) {
	half := spreadBps / 100 / 2
	bids = []schema.Level{{Price: 100 - half, Qty: qty}}
	asks = []schema.Level{{Price: 100 + half, Qty: qty}}
	return bids, asks
}

func TestNarrowingEmitsBuySignal(t *testing.T) {
	t.Parallel()
	s := NewSpreadLiquidity(SpreadLiquidityConfig{VelocityThreshold: 0.01}, nil)
	wall := time.Unix(1700000000, 0)
	s.clock = func() time.Time { return wall }

	base := time.Unix(1690000000, 0)
	tick := func(i int, bps, qty float64) *signal.Signal {
		bids, asks := book(bps, qty)
		sig, err := s.Analyze("BTCUSDT", bids, asks, base.Add(time.Duration(2*i)*time.Second))
		if err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
		return sig
	}

	// Tight spread seeds the lookback average.
	for i := 0; i < 3; i++ {
		if sig := tick(i, 4, 50); sig != nil {
			t.Fatalf("tick %d produced unexpected signal %+v", i, sig)
		}
	}
	// Spike opens a wide-spread event (ratio 10 against the 4 bps average).
	if sig := tick(3, 40, 50); sig != nil {
		t.Fatalf("spike tick produced unexpected signal %+v", sig)
	}
	// Spread decays while the event persists past the 30 s threshold.
	for i := 4; i < 22; i++ {
		if sig := tick(i, 55.0/18.0, 50); sig != nil {
			t.Fatalf("decay tick %d produced unexpected signal %+v", i, sig)
		}
	}
	// Closing tick: ratio just under threshold, persistence 38 s.
	sig := tick(22, 12, 50)
	if sig == nil {
		t.Fatal("narrowing tick produced no signal")
	}
	if sig.Action != signal.ActionBuy {
		t.Errorf("Action = %q, want buy", sig.Action)
	}
	if sig.Confidence < 0.70 || sig.Confidence > 0.95 {
		t.Errorf("Confidence = %v, want in [0.70, 0.95]", sig.Confidence)
	}
	if sig.StrategyID != "spread_liquidity" {
		t.Errorf("StrategyID = %q, want spread_liquidity", sig.StrategyID)
	}
	if sig.Metadata["event_type"] != "narrowing" {
		t.Errorf("event_type = %v, want narrowing", sig.Metadata["event_type"])
	}
	if sig.StopLoss >= sig.Price || sig.TakeProfit <= sig.Price {
		t.Errorf("risk levels stop=%v price=%v target=%v, want stop < price < target",
			sig.StopLoss, sig.Price, sig.TakeProfit)
	}
	if _, ok := sig.Indicators["spread_ratio"]; !ok {
		t.Error("indicators missing spread_ratio")
	}

	// A second narrowing cycle inside the 60 s rate-limit window stays quiet.
	wall = wall.Add(30 * time.Second)
	if sig := tick(23, 40, 50); sig != nil {
		t.Fatalf("reopening spike produced unexpected signal %+v", sig)
	}
	for i := 24; i < 42; i++ {
		if sig := tick(i, 55.0/18.0, 50); sig != nil {
			t.Fatalf("second decay tick %d produced unexpected signal %+v", i, sig)
		}
	}
	if sig := tick(42, 12, 50); sig != nil {
		t.Errorf("rate-limited narrowing produced signal %+v, want nil", sig)
	}

	stats := s.Statistics()
	if stats["signals_generated"] != 1 {
		t.Errorf("signals_generated = %v, want 1", stats["signals_generated"])
	}
	if stats["events_detected"].(int) < 2 {
		t.Errorf("events_detected = %v, want >= 2", stats["events_detected"])
	}
}

func TestWideningEmitsSellSignal(t *testing.T) {
	t.Parallel()
	s := NewSpreadLiquidity(SpreadLiquidityConfig{}, nil)
	base := time.Unix(1690000000, 0)

	// Tight spread with full depth.
	for i := 0; i < 3; i++ {
		bids, asks := book(4, 50)
		if sig, _ := s.Analyze("ETHUSDT", bids, asks, base.Add(time.Duration(i)*time.Second)); sig != nil {
			t.Fatalf("seed tick %d produced unexpected signal %+v", i, sig)
		}
	}

	// Spread explodes tenfold while depth collapses to a fifth.
	bids, asks := book(40, 10)
	sig, err := s.Analyze("ETHUSDT", bids, asks, base.Add(3*time.Second))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if sig == nil {
		t.Fatal("widening tick produced no signal")
	}
	if sig.Action != signal.ActionSell {
		t.Errorf("Action = %q, want sell", sig.Action)
	}
	if sig.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want capped at 0.95", sig.Confidence)
	}
	if sig.Metadata["event_type"] != "widening" {
		t.Errorf("event_type = %v, want widening", sig.Metadata["event_type"])
	}
	if sig.StopLoss <= sig.Price || sig.TakeProfit >= sig.Price {
		t.Errorf("risk levels stop=%v price=%v target=%v, want stop > price > target",
			sig.StopLoss, sig.Price, sig.TakeProfit)
	}
	if got := sig.Indicators["depth_reduction_pct"]; got < 0.5 {
		t.Errorf("depth_reduction_pct = %v, want > 0.5", got)
	}
}

func TestCrossedBookSkipped(t *testing.T) {
	t.Parallel()
	s := NewSpreadLiquidity(SpreadLiquidityConfig{}, nil)
	base := time.Unix(1690000000, 0)

	bids := []schema.Level{{Price: 101, Qty: 1}}
	asks := []schema.Level{{Price: 100, Qty: 1}}
	sig, err := s.Analyze("BTCUSDT", bids, asks, base)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if sig != nil {
		t.Errorf("crossed book produced signal %+v, want nil", sig)
	}
	if got := s.Statistics()["symbols_tracked"]; got != 0 {
		t.Errorf("symbols_tracked = %v, want 0 (no state mutation)", got)
	}
}

func TestShortHistoryProducesNothing(t *testing.T) {
	t.Parallel()
	s := NewSpreadLiquidity(SpreadLiquidityConfig{}, nil)
	base := time.Unix(1690000000, 0)

	for i := 0; i < 2; i++ {
		bids, asks := book(4, 50)
		sig, err := s.Analyze("BTCUSDT", bids, asks, base.Add(time.Duration(i)*time.Second))
		if err != nil || sig != nil {
			t.Fatalf("tick %d: sig = %v, err = %v; want nil, nil", i, sig, err)
		}
	}
}
