package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the prometheus instrument set for the pipeline. All
// instruments are registered on the registry passed to New.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesConsumed *prometheus.CounterVec
	ParseErrors      prometheus.Counter
	ProcessingErrors prometheus.Counter
	ConsumerLag      prometheus.Gauge

	EventsDispatched *prometheus.CounterVec
	QueueOverflows   *prometheus.CounterVec

	SignalsEmitted  *prometheus.CounterVec
	OrdersEnqueued  prometheus.Counter
	OrdersPublished prometheus.Counter
	PublishErrors   prometheus.Counter
	PublishLatency  prometheus.Histogram
}

// NewMetrics registers the pipeline instruments on reg. A nil reg gets
// a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		MessagesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickpulse_messages_consumed_total",
			Help: "Inbound bus messages decoded, by stream kind.",
		}, []string{"kind"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickpulse_parse_errors_total",
			Help: "Inbound frames dropped because they failed to decode.",
		}),
		ProcessingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickpulse_processing_errors_total",
			Help: "Events that failed inside an analyzer or strategy.",
		}),
		ConsumerLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tickpulse_consumer_lag_seconds",
			Help: "Delay between event time and processing time.",
		}),
		EventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickpulse_events_dispatched_total",
			Help: "Events routed to dispatcher workers, by kind.",
		}, []string{"kind"}),
		QueueOverflows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickpulse_queue_overflows_total",
			Help: "Events dropped because a worker inbox stayed full.",
		}, []string{"worker"}),
		SignalsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tickpulse_signals_emitted_total",
			Help: "Signals produced by strategies, by strategy and action.",
		}, []string{"strategy", "action"}),
		OrdersEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickpulse_orders_enqueued_total",
			Help: "Orders accepted into the outbound publish queue.",
		}),
		OrdersPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickpulse_orders_published_total",
			Help: "Orders published to the outbound subject.",
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickpulse_publish_errors_total",
			Help: "Failed outbound publishes, including breaker rejections.",
		}),
		PublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickpulse_publish_latency_seconds",
			Help:    "Latency of individual outbound publishes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}
