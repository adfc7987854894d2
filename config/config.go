// Package config defines all configuration for the strategy engine.
// Config is loaded from an optional YAML file with every field
// overridable via STRAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Bus        BusConfig        `mapstructure:"bus"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Analyzer   AnalyzerConfig   `mapstructure:"analyzer"`
	Spread     SpreadConfig     `mapstructure:"spread"`
	Iceberg    IcebergConfig    `mapstructure:"iceberg"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// BusConfig names the inbound and outbound NATS endpoints and subjects.
type BusConfig struct {
	InboundURL      string `mapstructure:"inbound_url"`
	InboundSubject  string `mapstructure:"inbound_subject"`
	OutboundURL     string `mapstructure:"outbound_url"`
	OutboundSubject string `mapstructure:"outbound_subject"`
	ConsumerName    string `mapstructure:"consumer_name"`
	QueueGroup      string `mapstructure:"queue_group"`
}

// DispatcherConfig tunes the worker pool. Workers 0 means one per CPU.
type DispatcherConfig struct {
	Workers        int           `mapstructure:"workers"`
	InboxSize      int           `mapstructure:"inbox_size"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// AnalyzerConfig tunes depth-metrics retention.
type AnalyzerConfig struct {
	MetricsTTL time.Duration `mapstructure:"metrics_ttl"`
}

// SpreadConfig tunes the spread-liquidity strategy.
type SpreadConfig struct {
	ThresholdBps         float64       `mapstructure:"threshold_bps"`
	RatioThreshold       float64       `mapstructure:"ratio_threshold"`
	VelocityThreshold    float64       `mapstructure:"velocity_threshold"`
	PersistenceThreshold time.Duration `mapstructure:"persistence_threshold"`
	MinDepthReductionPct float64       `mapstructure:"min_depth_reduction_pct"`
	BaseConfidence       float64       `mapstructure:"base_confidence"`
	LookbackTicks        int           `mapstructure:"lookback_ticks"`
	MinSignalInterval    time.Duration `mapstructure:"min_signal_interval"`
}

// IcebergConfig tunes the iceberg strategy and its level tracker.
type IcebergConfig struct {
	HistoryWindow        time.Duration `mapstructure:"history_window"`
	RefillSpeedThreshold time.Duration `mapstructure:"refill_speed_threshold"`
	ConsistencyThreshold float64       `mapstructure:"consistency_threshold"`
	MinRefillCount       int           `mapstructure:"min_refill_count"`
	LevelProximityPct    float64       `mapstructure:"level_proximity_pct"`
	MinSignalInterval    time.Duration `mapstructure:"min_signal_interval"`
}

// PublisherConfig tunes the outbound queue and batching.
type PublisherConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// BreakerConfig tunes the outbound circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// HTTPConfig holds the metrics HTTP surface settings.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig names the OTLP trace endpoint. An empty endpoint
// disables trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.inbound_url", "nats://localhost:4222")
	v.SetDefault("bus.inbound_subject", "marketdata.events")
	v.SetDefault("bus.outbound_url", "nats://localhost:4222")
	v.SetDefault("bus.outbound_subject", "signals.orders")
	v.SetDefault("bus.consumer_name", "tickpulse-strategies")
	v.SetDefault("bus.queue_group", "strategies")

	v.SetDefault("dispatcher.workers", 0)
	v.SetDefault("dispatcher.inbox_size", 1024)
	v.SetDefault("dispatcher.enqueue_timeout", 50*time.Millisecond)

	v.SetDefault("analyzer.metrics_ttl", 5*time.Minute)

	v.SetDefault("spread.threshold_bps", 10.0)
	v.SetDefault("spread.ratio_threshold", 2.5)
	v.SetDefault("spread.velocity_threshold", 0.5)
	v.SetDefault("spread.persistence_threshold", 30*time.Second)
	v.SetDefault("spread.min_depth_reduction_pct", 0.5)
	v.SetDefault("spread.base_confidence", 0.70)
	v.SetDefault("spread.lookback_ticks", 20)
	v.SetDefault("spread.min_signal_interval", time.Minute)

	v.SetDefault("iceberg.history_window", 5*time.Minute)
	v.SetDefault("iceberg.refill_speed_threshold", 5*time.Second)
	v.SetDefault("iceberg.consistency_threshold", 0.1)
	v.SetDefault("iceberg.min_refill_count", 3)
	v.SetDefault("iceberg.level_proximity_pct", 1.0)
	v.SetDefault("iceberg.min_signal_interval", 2*time.Minute)

	v.SetDefault("publisher.queue_size", 1000)
	v.SetDefault("publisher.batch_size", 10)
	v.SetDefault("publisher.batch_timeout", time.Second)
	v.SetDefault("publisher.poll_interval", 100*time.Millisecond)
	v.SetDefault("publisher.drain_timeout", 5*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", time.Minute)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "tickpulse-strategies")
}

// Load reads config from an optional YAML file with STRAT_* environment
// overrides, e.g. STRAT_BUS_INBOUND_URL. An empty path skips the file
// and uses defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("STRAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Bus.InboundURL == "" || c.Bus.OutboundURL == "" {
		return errors.New("bus.inbound_url and bus.outbound_url are required")
	}
	if c.Bus.InboundSubject == "" || c.Bus.OutboundSubject == "" {
		return errors.New("bus.inbound_subject and bus.outbound_subject are required")
	}
	if c.Dispatcher.Workers < 0 {
		return errors.New("dispatcher.workers must be >= 0 (0 means one per CPU)")
	}
	if c.Dispatcher.InboxSize <= 0 {
		return errors.New("dispatcher.inbox_size must be > 0")
	}
	if c.Spread.RatioThreshold <= 1 {
		return errors.New("spread.ratio_threshold must be > 1")
	}
	if c.Spread.BaseConfidence <= 0 || c.Spread.BaseConfidence > 0.95 {
		return errors.New("spread.base_confidence must be in (0, 0.95]")
	}
	if c.Spread.LookbackTicks < 3 {
		return errors.New("spread.lookback_ticks must be >= 3")
	}
	if c.Iceberg.MinRefillCount < 2 {
		return errors.New("iceberg.min_refill_count must be >= 2")
	}
	if c.Iceberg.LevelProximityPct <= 0 {
		return errors.New("iceberg.level_proximity_pct must be > 0")
	}
	if c.Publisher.QueueSize <= 0 || c.Publisher.BatchSize <= 0 {
		return errors.New("publisher.queue_size and publisher.batch_size must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return errors.New("breaker.failure_threshold must be > 0")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	return nil
}
