// Package consumer reads raw market-data frames off the bus, decodes
// them, and hands typed events to the dispatcher.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tickpulse/internal/bus"
	"tickpulse/internal/observability"
	"tickpulse/internal/ring"
	"tickpulse/internal/schema"
)

const processingWindow = 1000

// EventSink receives every decoded event.
type EventSink func(ev *schema.Event) error

// Config names the inbound subject and queue group.
type Config struct {
	Subject string
	Group   string
}

// Stats is a point-in-time view of consumer counters.
type Stats struct {
	Running           bool          `json:"running"`
	Messages          uint64        `json:"messages"`
	Errors            uint64        `json:"errors"`
	LastMessageTime   time.Time     `json:"last_message_time"`
	AvgProcessingTime time.Duration `json:"avg_processing_time_ns"`
	MaxProcessingTime time.Duration `json:"max_processing_time_ns"`
}

// Consumer subscribes to the market-data subject and pushes decoded
// events into the sink. One consumer instance serves one subject.
type Consumer struct {
	cfg    Config
	sub    bus.Subscriber
	sink   EventSink
	log    *zap.Logger
	obs    *observability.Metrics
	tracer trace.Tracer
	prop   propagation.TextMapPropagator
	clock  func() time.Time

	mu           sync.Mutex
	running      bool
	subscription bus.Subscription
	messages     uint64
	errored      uint64
	lastMessage  time.Time
	processing   *ring.Buffer[time.Duration]
}

// New constructs a consumer over sub.
func New(cfg Config, sub bus.Subscriber, sink EventSink, obs *observability.Metrics, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	c := new(Consumer)
	c.cfg = cfg
	c.sub = sub
	c.sink = sink
	c.log = log
	c.obs = obs
	c.tracer = otel.Tracer("tickpulse/consumer")
	c.prop = propagation.TraceContext{}
	c.clock = time.Now
	c.processing = ring.New[time.Duration](processingWindow)
	return c
}

// Start subscribes to the configured subject. Messages begin flowing
// into the sink before Start returns.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("consumer already running")
	}

	sub, err := c.sub.Subscribe(c.cfg.Subject, c.cfg.Group, c.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Subject, err)
	}
	c.subscription = sub
	c.running = true
	c.log.Info("consumer started",
		zap.String("subject", c.cfg.Subject),
		zap.String("group", c.cfg.Group))
	return nil
}

// Stop cancels the subscription. In-flight handler calls finish on
// their own.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	if c.subscription != nil {
		if err := c.subscription.Unsubscribe(); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", c.cfg.Subject, err)
		}
		c.subscription = nil
	}
	c.log.Info("consumer stopped", zap.String("subject", c.cfg.Subject))
	return nil
}

// Stats returns the running consumption counters, with processing time
// averaged over the last 1000 messages.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Running:         c.running,
		Messages:        c.messages,
		Errors:          c.errored,
		LastMessageTime: c.lastMessage,
	}
	if n := c.processing.Len(); n > 0 {
		var total time.Duration
		for i := 0; i < n; i++ {
			d := c.processing.At(i)
			total += d
			if d > s.MaxProcessingTime {
				s.MaxProcessingTime = d
			}
		}
		s.AvgProcessingTime = total / time.Duration(n)
	}
	return s
}

// handle decodes one frame inside a consumer span and forwards the
// event.
func (c *Consumer) handle(data []byte) {
	start := c.clock()

	ev, err := schema.ParseEnvelope(data)
	if err != nil {
		c.recordError()
		if c.obs != nil {
			c.obs.ParseErrors.Inc()
		}
		c.log.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	ctx := c.prop.Extract(context.Background(), propagation.MapCarrier(ev.Trace))
	_, span := c.tracer.Start(ctx, "process market data message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination", c.cfg.Subject),
			attribute.String("messaging.operation", "receive"),
			attribute.String("market_data.symbol", ev.Symbol),
		))
	defer span.End()

	c.recordLag(ev)
	if c.obs != nil {
		c.obs.MessagesConsumed.WithLabelValues(string(ev.Kind)).Inc()
	}

	if err := c.sink(ev); err != nil {
		c.recordError()
		span.RecordError(err)
		c.log.Warn("event rejected downstream",
			zap.String("symbol", ev.Symbol),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	c.messages++
	c.lastMessage = c.clock()
	c.processing.Push(c.clock().Sub(start))
	c.mu.Unlock()
}

func (c *Consumer) recordError() {
	c.mu.Lock()
	c.errored++
	c.mu.Unlock()
}

// recordLag publishes the delay between the exchange event time and now.
func (c *Consumer) recordLag(ev *schema.Event) {
	if c.obs == nil {
		return
	}
	var eventTime time.Time
	switch {
	case ev.Depth != nil:
		eventTime = ev.Depth.EventTime
	case ev.Trade != nil:
		eventTime = ev.Trade.EventTime
	case ev.Ticker != nil:
		eventTime = ev.Ticker.EventTime
	}
	if eventTime.IsZero() {
		return
	}
	lag := c.clock().Sub(eventTime).Seconds()
	if lag < 0 {
		lag = 0
	}
	c.obs.ConsumerLag.Set(lag)
}
