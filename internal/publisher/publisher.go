// Package publisher batches trade-order payloads onto the outbound bus
// subject behind the circuit breaker.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tickpulse/internal/breaker"
	"tickpulse/internal/bus"
	"tickpulse/internal/observability"
	"tickpulse/internal/ring"
)

// ErrQueueFull is returned by Enqueue when the outbound queue is at
// capacity. The caller decides whether to drop or retry.
var ErrQueueFull = errors.New("publish queue full")

// ErrStopped is returned when the publisher no longer accepts work.
var ErrStopped = errors.New("publisher stopped")

const latencyWindow = 1000

// Config tunes queueing and batching.
type Config struct {
	Subject      string
	QueueSize    int
	BatchSize    int
	BatchTimeout time.Duration
	PollInterval time.Duration
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// Metrics is a point-in-time view of publisher counters.
type Metrics struct {
	TotalPublished  uint64        `json:"total_published"`
	TotalErrors     uint64        `json:"total_errors"`
	QueueDepth      int           `json:"queue_depth"`
	LastPublishTime time.Time     `json:"last_publish_time"`
	MinLatency      time.Duration `json:"min_latency_ns"`
	AvgLatency      time.Duration `json:"avg_latency_ns"`
	MaxLatency      time.Duration `json:"max_latency_ns"`
}

// Publisher owns the bounded outbound queue and the batching loop.
// Producers call Enqueue; one goroutine drains the queue and publishes
// through the breaker.
type Publisher struct {
	cfg Config
	bus bus.Publisher
	brk *breaker.Breaker
	log *zap.Logger
	obs *observability.Metrics

	queue   chan []byte
	done    chan struct{}
	stopMu  sync.Mutex
	stopped bool

	mu              sync.Mutex
	totalPublished  uint64
	totalErrors     uint64
	lastPublishTime time.Time
	latencies       *ring.Buffer[time.Duration]
}

// New constructs a publisher over pub guarded by brk.
func New(cfg Config, pub bus.Publisher, brk *breaker.Breaker, obs *observability.Metrics, log *zap.Logger) *Publisher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	p := new(Publisher)
	p.cfg = cfg
	p.bus = pub
	p.brk = brk
	p.log = log
	p.obs = obs
	p.queue = make(chan []byte, cfg.QueueSize)
	p.done = make(chan struct{})
	p.latencies = ring.New[time.Duration](latencyWindow)
	return p
}

// Start launches the batching loop.
func (p *Publisher) Start() {
	go p.run()
	p.log.Info("publisher started",
		zap.String("subject", p.cfg.Subject),
		zap.Int("queue_size", p.cfg.QueueSize),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("batch_timeout", p.cfg.BatchTimeout))
}

// Enqueue submits a payload for batched publishing. It fails fast with
// ErrQueueFull when the queue is at capacity and ErrStopped after Stop.
func (p *Publisher) Enqueue(payload []byte) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- payload:
		if p.obs != nil {
			p.obs.OrdersEnqueued.Inc()
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// PublishSync publishes immediately, bypassing the batch queue.
func (p *Publisher) PublishSync(payload []byte) error {
	return p.publishOne(payload)
}

// Stop closes intake and flushes the remaining queue best-effort within
// the drain timeout, then returns. The bus connection itself is owned
// by the caller.
func (p *Publisher) Stop(ctx context.Context) error {
	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.stopMu.Unlock()

	deadline := p.cfg.DrainTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < deadline {
			deadline = until
		}
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("publisher drain timed out after %s", deadline)
	}
}

// run accumulates batches and publishes each message individually in
// insertion order. A full batch flushes immediately; a partial batch
// flushes once it is older than the batch timeout, checked every poll
// interval.
func (p *Publisher) run() {
	defer close(p.done)

	batch := make([][]byte, 0, p.cfg.BatchSize)
	var batchStart time.Time
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	flush := func() {
		for _, payload := range batch {
			if err := p.publishOne(payload); err != nil {
				p.log.Warn("order publish failed", zap.Error(err))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case payload, ok := <-p.queue:
			if !ok {
				flush()
				return
			}
			if len(batch) == 0 {
				batchStart = time.Now()
			}
			batch = append(batch, payload)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 && time.Since(batchStart) >= p.cfg.BatchTimeout {
				flush()
			}
		}
	}
}

func (p *Publisher) publishOne(payload []byte) error {
	start := time.Now()
	err := p.brk.Execute(func() error {
		return p.bus.Publish(p.cfg.Subject, payload)
	})
	elapsed := time.Since(start)

	p.mu.Lock()
	if err != nil {
		p.totalErrors++
	} else {
		p.totalPublished++
		p.lastPublishTime = time.Now()
		p.latencies.Push(elapsed)
	}
	p.mu.Unlock()

	if p.obs != nil {
		if err != nil {
			p.obs.PublishErrors.Inc()
		} else {
			p.obs.OrdersPublished.Inc()
			p.obs.PublishLatency.Observe(elapsed.Seconds())
		}
	}

	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return fmt.Errorf("outbound bus unavailable: %w", err)
		}
		return err
	}
	return nil
}

// Metrics returns the running publish counters and the latency summary
// over the last 1000 publishes.
func (p *Publisher) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		TotalPublished:  p.totalPublished,
		TotalErrors:     p.totalErrors,
		QueueDepth:      len(p.queue),
		LastPublishTime: p.lastPublishTime,
	}
	if n := p.latencies.Len(); n > 0 {
		var total time.Duration
		m.MinLatency = p.latencies.At(0)
		for i := 0; i < n; i++ {
			lat := p.latencies.At(i)
			total += lat
			if lat < m.MinLatency {
				m.MinLatency = lat
			}
			if lat > m.MaxLatency {
				m.MaxLatency = lat
			}
		}
		m.AvgLatency = total / time.Duration(n)
	}
	return m
}
