package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bus.InboundSubject != "marketdata.events" {
		t.Errorf("InboundSubject = %q, want marketdata.events", cfg.Bus.InboundSubject)
	}
	if cfg.Bus.OutboundSubject != "signals.orders" {
		t.Errorf("OutboundSubject = %q, want signals.orders", cfg.Bus.OutboundSubject)
	}
	if cfg.Dispatcher.InboxSize != 1024 {
		t.Errorf("InboxSize = %d, want 1024", cfg.Dispatcher.InboxSize)
	}
	if cfg.Dispatcher.EnqueueTimeout != 50*time.Millisecond {
		t.Errorf("EnqueueTimeout = %v, want 50ms", cfg.Dispatcher.EnqueueTimeout)
	}
	if cfg.Analyzer.MetricsTTL != 5*time.Minute {
		t.Errorf("MetricsTTL = %v, want 5m", cfg.Analyzer.MetricsTTL)
	}
	if cfg.Spread.RatioThreshold != 2.5 {
		t.Errorf("RatioThreshold = %v, want 2.5", cfg.Spread.RatioThreshold)
	}
	if cfg.Iceberg.MinSignalInterval != 2*time.Minute {
		t.Errorf("Iceberg.MinSignalInterval = %v, want 2m", cfg.Iceberg.MinSignalInterval)
	}
	if cfg.Publisher.QueueSize != 1000 || cfg.Publisher.BatchSize != 10 {
		t.Errorf("Publisher = %+v, want queue 1000 batch 10", cfg.Publisher)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout != time.Minute {
		t.Errorf("Breaker = %+v, want threshold 5 recovery 1m", cfg.Breaker)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
bus:
  inbound_subject: md.depth
dispatcher:
  workers: 4
spread:
  threshold_bps: 15
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bus.InboundSubject != "md.depth" {
		t.Errorf("InboundSubject = %q, want md.depth", cfg.Bus.InboundSubject)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Dispatcher.Workers)
	}
	if cfg.Spread.ThresholdBps != 15 {
		t.Errorf("ThresholdBps = %v, want 15", cfg.Spread.ThresholdBps)
	}
	// Untouched keys keep their defaults.
	if cfg.Bus.OutboundSubject != "signals.orders" {
		t.Errorf("OutboundSubject = %q, want default", cfg.Bus.OutboundSubject)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STRAT_BUS_INBOUND_URL", "nats://broker:4222")
	t.Setenv("STRAT_DISPATCHER_INBOX_SIZE", "2048")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bus.InboundURL != "nats://broker:4222" {
		t.Errorf("InboundURL = %q, want env override", cfg.Bus.InboundURL)
	}
	if cfg.Dispatcher.InboxSize != 2048 {
		t.Errorf("InboxSize = %d, want 2048", cfg.Dispatcher.InboxSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with missing file = nil error, want error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty inbound subject", func(c *Config) { c.Bus.InboundSubject = "" }},
		{"zero inbox", func(c *Config) { c.Dispatcher.InboxSize = 0 }},
		{"ratio threshold at 1", func(c *Config) { c.Spread.RatioThreshold = 1 }},
		{"confidence above cap", func(c *Config) { c.Spread.BaseConfidence = 0.96 }},
		{"short lookback", func(c *Config) { c.Spread.LookbackTicks = 2 }},
		{"refill count 1", func(c *Config) { c.Iceberg.MinRefillCount = 1 }},
		{"zero batch", func(c *Config) { c.Publisher.BatchSize = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
