// Command strategies launches the market-microstructure strategy engine:
// bus consumer, dispatcher workers, analytics, signal publisher, and the
// read-only metrics HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tickpulse/config"
	"tickpulse/internal/analytics"
	"tickpulse/internal/breaker"
	"tickpulse/internal/bus"
	"tickpulse/internal/consumer"
	"tickpulse/internal/dispatcher"
	"tickpulse/internal/observability"
	"tickpulse/internal/order"
	"tickpulse/internal/orderbook"
	"tickpulse/internal/publisher"
	"tickpulse/internal/schema"
	"tickpulse/internal/server"
	tradesignal "tickpulse/internal/signal"
	"tickpulse/internal/strategy"
	"tickpulse/internal/telemetry"
)

const (
	shutdownTimeout          = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional, env vars apply either way)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("engine failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	obs := observability.NewMetrics(nil)

	inbound, err := bus.ConnectNATS(ctx, bus.NATSConfig{
		URL:  cfg.Bus.InboundURL,
		Name: cfg.Bus.ConsumerName,
	}, log)
	if err != nil {
		return fmt.Errorf("connect inbound bus: %w", err)
	}
	defer inbound.Close()

	outbound := inbound
	if cfg.Bus.OutboundURL != cfg.Bus.InboundURL {
		outbound, err = bus.ConnectNATS(ctx, bus.NATSConfig{
			URL:  cfg.Bus.OutboundURL,
			Name: cfg.Bus.ConsumerName + "-out",
		}, log)
		if err != nil {
			return fmt.Errorf("connect outbound bus: %w", err)
		}
		defer outbound.Close()
	}

	analyzer := analytics.NewDepthAnalyzer(cfg.Analyzer.MetricsTTL, log)
	spread := strategy.NewSpreadLiquidity(strategy.SpreadLiquidityConfig{
		SpreadThresholdBps:   cfg.Spread.ThresholdBps,
		SpreadRatioThreshold: cfg.Spread.RatioThreshold,
		VelocityThreshold:    cfg.Spread.VelocityThreshold,
		PersistenceThreshold: cfg.Spread.PersistenceThreshold,
		MinDepthReductionPct: cfg.Spread.MinDepthReductionPct,
		BaseConfidence:       cfg.Spread.BaseConfidence,
		LookbackTicks:        cfg.Spread.LookbackTicks,
		MinSignalInterval:    cfg.Spread.MinSignalInterval,
	}, log)
	iceberg := strategy.NewIceberg(strategy.IcebergConfig{
		Tracker:           orderbookConfig(cfg),
		LevelProximityPct: cfg.Iceberg.LevelProximityPct,
		MinSignalInterval: cfg.Iceberg.MinSignalInterval,
	}, log)

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, log)
	pub := publisher.New(publisher.Config{
		Subject:      cfg.Bus.OutboundSubject,
		QueueSize:    cfg.Publisher.QueueSize,
		BatchSize:    cfg.Publisher.BatchSize,
		BatchTimeout: cfg.Publisher.BatchTimeout,
		PollInterval: cfg.Publisher.PollInterval,
		DrainTimeout: cfg.Publisher.DrainTimeout,
	}, outbound, brk, obs, log)

	normalizer := order.NewNormalizer()
	sink := orderSink(normalizer, pub, log)

	disp := dispatcher.New(dispatcher.Config{
		Workers:        cfg.Dispatcher.Workers,
		InboxSize:      cfg.Dispatcher.InboxSize,
		EnqueueTimeout: cfg.Dispatcher.EnqueueTimeout,
	}, analyzer, sink, obs, log)
	disp.Register(schema.KindDepth, spread, iceberg)

	cons := consumer.New(consumer.Config{
		Subject: cfg.Bus.InboundSubject,
		Group:   cfg.Bus.QueueGroup,
	}, inbound, func(ev *schema.Event) error {
		return disp.Dispatch(ev)
	}, obs, log)

	srv := server.New(server.Config{
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, analyzer, obs.Registry, log)
	srv.RegisterStats("consumer", func() any { return cons.Stats() })
	srv.RegisterStats("dispatcher", func() any { return disp.Stats() })
	srv.RegisterStats("publisher", func() any { return pub.Metrics() })
	srv.RegisterStats("breaker", func() any { return brk.Snapshot() })
	srv.RegisterStats("spread_liquidity", func() any { return spread.Statistics() })
	srv.RegisterStats("iceberg", func() any { return iceberg.Statistics() })

	pub.Start()
	disp.Start()
	if err := cons.Start(); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	srv.Start()

	log.Info("strategy engine running",
		zap.String("inbound_subject", cfg.Bus.InboundSubject),
		zap.String("outbound_subject", cfg.Bus.OutboundSubject),
		zap.String("http_addr", cfg.HTTP.Addr))

	<-ctx.Done()
	log.Info("shutdown requested")

	// Reverse of startup: stop intake first, then drain the pipeline.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := cons.Stop(); err != nil {
		log.Warn("consumer stop failed", zap.Error(err))
	}
	if err := disp.Stop(drainCtx); err != nil {
		log.Warn("dispatcher drain failed", zap.Error(err))
	}
	if err := pub.Stop(drainCtx); err != nil {
		log.Warn("publisher drain failed", zap.Error(err))
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	if err := inbound.Drain(); err != nil {
		log.Warn("bus drain failed", zap.Error(err))
	}

	telCtx, telCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer telCancel()
	if err := shutdownTelemetry(telCtx); err != nil {
		log.Warn("telemetry shutdown failed", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}

func orderbookConfig(cfg *config.Config) orderbook.Config {
	return orderbook.Config{
		HistoryWindow:        cfg.Iceberg.HistoryWindow,
		RefillSpeedThreshold: cfg.Iceberg.RefillSpeedThreshold,
		ConsistencyThreshold: cfg.Iceberg.ConsistencyThreshold,
		MinRefillCount:       cfg.Iceberg.MinRefillCount,
	}
}

// orderSink converts signals to trade orders and hands them to the
// batched publisher. Queue-full drops are logged, not fatal.
func orderSink(normalizer *order.Normalizer, pub *publisher.Publisher, log *zap.Logger) dispatcher.SignalSink {
	return func(sig *tradesignal.Signal) {
		o, err := normalizer.FromSignal(sig)
		if err != nil {
			if errors.Is(err, order.ErrHoldSignal) {
				return
			}
			log.Warn("signal rejected by normalizer",
				zap.String("strategy", sig.StrategyID),
				zap.String("symbol", sig.Symbol),
				zap.Error(err))
			return
		}
		payload, err := normalizer.Marshal(context.Background(), o, sig.Trace)
		if err != nil {
			log.Error("order marshal failed", zap.String("order_id", o.OrderID), zap.Error(err))
			return
		}
		if err := pub.Enqueue(payload); err != nil {
			log.Warn("order dropped",
				zap.String("order_id", o.OrderID),
				zap.String("symbol", o.Symbol),
				zap.Error(err))
		}
	}
}
