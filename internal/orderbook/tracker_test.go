package orderbook

import (
	"testing"
	"time"

	"tickpulse/internal/schema"
)

func TestRefillDetection(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{})
	base := time.Unix(1700000000, 0)
	tr.clock = func() time.Time { return base.Add(14 * time.Second) }

	// Deplete-and-restore cycles at one bid level, two seconds apart.
	qtys := []float64{100, 40, 90, 35, 88, 30, 92}
	for i, q := range qtys {
		tr.Update("BTCUSDT",
			[]schema.Level{{Price: 50000, Qty: q}},
			nil,
			base.Add(time.Duration(2*i)*time.Second))
	}

	h := tr.Level("BTCUSDT", SideBid, 50000)
	if h == nil {
		t.Fatal("Level() = nil, want tracked level")
	}
	if h.RefillCount < 3 {
		t.Fatalf("RefillCount = %d, want >= 3", h.RefillCount)
	}
	if h.TotalAppearances != len(qtys) {
		t.Errorf("TotalAppearances = %d, want %d", h.TotalAppearances, len(qtys))
	}
	if h.FirstSeen.After(h.LastSeen) {
		t.Error("FirstSeen after LastSeen")
	}
	if h.AvgRefillSpeed <= 0 {
		t.Errorf("AvgRefillSpeed = %v, want > 0 after multiple refills", h.AvgRefillSpeed)
	}

	patterns := tr.DetectIcebergs("BTCUSDT", 50000, 1.0)
	if len(patterns) != 1 {
		t.Fatalf("DetectIcebergs() returned %d patterns, want 1", len(patterns))
	}
	p := patterns[0]
	if p.Type != PatternRefill {
		t.Errorf("pattern type = %q, want refill", p.Type)
	}
	if p.Price != 50000 || p.Side != SideBid {
		t.Errorf("pattern at (%v, %v), want (50000, bid)", p.Price, p.Side)
	}
	want := 0.65 + 0.05*float64(h.RefillCount)
	if want > 0.85 {
		want = 0.85
	}
	if p.Confidence != want {
		t.Errorf("Confidence = %v, want %v", p.Confidence, want)
	}
}

func TestSlowRestoreIsNotRefill(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{})
	base := time.Unix(1700000000, 0)

	// Same deplete-and-restore shape but spread over 10 seconds.
	for i, q := range []float64{100, 40, 90} {
		tr.Update("BTCUSDT",
			[]schema.Level{{Price: 50000, Qty: q}},
			nil,
			base.Add(time.Duration(5*i)*time.Second))
	}

	if h := tr.Level("BTCUSDT", SideBid, 50000); h.RefillCount != 0 {
		t.Errorf("RefillCount = %d, want 0 for slow restore", h.RefillCount)
	}
}

func TestConsistentSizePattern(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{})
	base := time.Unix(1700000000, 0)
	tr.clock = func() time.Time { return base.Add(150 * time.Second) }

	for i := 0; i < 10; i++ {
		tr.Update("ETHUSDT",
			nil,
			[]schema.Level{{Price: 3000, Qty: 25 + float64(i%2)*0.1}},
			base.Add(time.Duration(15*i)*time.Second))
	}

	h := tr.Level("ETHUSDT", SideAsk, 3000)
	if !h.ConsistentVolume {
		t.Fatalf("ConsistentVolume = false, stddev %v mean %v", h.VolumeStdDev, h.AvgVolume)
	}

	patterns := tr.DetectIcebergs("ETHUSDT", 3000, 1.0)
	if len(patterns) != 1 || patterns[0].Type != PatternConsistentSize {
		t.Fatalf("DetectIcebergs() = %v, want one consistent_size pattern", patterns)
	}
	if patterns[0].Confidence != 0.70 {
		t.Errorf("Confidence = %v, want 0.70", patterns[0].Confidence)
	}
	if patterns[0].ConsistencyScore <= 0.9 || patterns[0].ConsistencyScore > 1 {
		t.Errorf("ConsistencyScore = %v, want in (0.9, 1]", patterns[0].ConsistencyScore)
	}
}

func TestAnchorPattern(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{})
	base := time.Unix(1700000000, 0)
	tr.clock = func() time.Time { return base.Add(200 * time.Second) }

	// Volatile sizes so neither refill nor consistency match; the level
	// persists beyond three minutes.
	for i, q := range []float64{10, 80, 20, 95, 15, 70} {
		tr.Update("SOLUSDT",
			[]schema.Level{{Price: 150, Qty: q}},
			nil,
			base.Add(time.Duration(30*i)*time.Second))
	}

	patterns := tr.DetectIcebergs("SOLUSDT", 150, 1.0)
	if len(patterns) != 1 || patterns[0].Type != PatternAnchor {
		t.Fatalf("DetectIcebergs() = %v, want one anchor pattern", patterns)
	}
	if patterns[0].Confidence != 0.75 {
		t.Errorf("Confidence = %v, want 0.75", patterns[0].Confidence)
	}
}

func TestProximityFilter(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{})
	base := time.Unix(1700000000, 0)
	tr.clock = func() time.Time { return base.Add(200 * time.Second) }

	tr.Update("BTCUSDT", []schema.Level{{Price: 45000, Qty: 5}}, nil, base)
	tr.Update("BTCUSDT", []schema.Level{{Price: 45000, Qty: 5}}, nil, base.Add(190*time.Second))

	// 45000 is more than 1% away from 50000.
	if got := tr.DetectIcebergs("BTCUSDT", 50000, 1.0); len(got) != 0 {
		t.Errorf("DetectIcebergs() = %v, want none outside proximity", got)
	}
	if got := tr.DetectIcebergs("BTCUSDT", 45100, 1.0); len(got) != 1 {
		t.Errorf("DetectIcebergs() near level = %v, want one pattern", got)
	}
}

func TestStaleLevelEviction(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{HistoryWindow: time.Minute})
	base := time.Unix(1700000000, 0)

	tr.Update("BTCUSDT", []schema.Level{{Price: 50000, Qty: 5}}, nil, base)
	tr.Update("BTCUSDT", []schema.Level{{Price: 50100, Qty: 5}}, nil, base.Add(2*time.Minute))

	if got := tr.Level("BTCUSDT", SideBid, 50000); got != nil {
		t.Error("stale level survived eviction")
	}
	if got := tr.Level("BTCUSDT", SideBid, 50100); got == nil {
		t.Error("fresh level was evicted")
	}
}

func TestSnapshotCap(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{})
	base := time.Unix(1700000000, 0)

	for i := 0; i < 150; i++ {
		tr.Update("BTCUSDT", []schema.Level{{Price: 50000, Qty: 5}}, nil,
			base.Add(time.Duration(i)*time.Second))
	}
	if got := tr.Level("BTCUSDT", SideBid, 50000).SnapshotCount(); got != 100 {
		t.Errorf("SnapshotCount() = %d, want 100", got)
	}
}

func TestStatistics(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{})
	base := time.Unix(1700000000, 0)
	tr.clock = func() time.Time { return base.Add(200 * time.Second) }

	tr.Update("BTCUSDT",
		[]schema.Level{{Price: 50000, Qty: 1}, {Price: 49999, Qty: 2}},
		[]schema.Level{{Price: 50001, Qty: 3}},
		base)
	tr.Update("ETHUSDT", []schema.Level{{Price: 3000, Qty: 1}}, nil, base.Add(190*time.Second))
	// Ask-side only: must still count toward the symbol total.
	tr.Update("SOLUSDT", nil, []schema.Level{{Price: 150, Qty: 5}}, base.Add(190*time.Second))

	s := tr.Statistics()
	if s.TotalLevelsTracked != 5 {
		t.Errorf("TotalLevelsTracked = %d, want 5", s.TotalLevelsTracked)
	}
	if s.ActiveBidLevels != 3 || s.ActiveAskLevels != 2 {
		t.Errorf("active levels = (%d, %d), want (3, 2)", s.ActiveBidLevels, s.ActiveAskLevels)
	}
	if s.SymbolsTracked != 3 {
		t.Errorf("SymbolsTracked = %d, want 3", s.SymbolsTracked)
	}
}
