// Package dispatcher fans events out to a fixed worker pool with
// per-symbol ordering: every symbol hashes to exactly one worker, so
// analyzer state is only ever touched from one goroutine per symbol.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"tickpulse/internal/analytics"
	"tickpulse/internal/observability"
	"tickpulse/internal/schema"
	"tickpulse/internal/signal"
	"tickpulse/internal/strategy"
)

// ErrQueueOverflow marks events dropped because a worker inbox stayed
// full past the enqueue deadline.
var ErrQueueOverflow = errors.New("worker inbox overflow")

// ErrStopped is returned by Dispatch after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// SignalSink receives every signal a strategy emits, in per-symbol
// order.
type SignalSink func(sig *signal.Signal)

// Config tunes the worker pool.
type Config struct {
	// Workers is the pool size; default is the CPU count.
	Workers int
	// InboxSize bounds each worker's inbox; default 1024.
	InboxSize int
	// EnqueueTimeout is how long Dispatch blocks on a full inbox before
	// dropping; default 50ms.
	EnqueueTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 50 * time.Millisecond
	}
	return c
}

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
	Errors     uint64 `json:"errors"`
	Workers    int    `json:"workers"`
}

// Dispatcher routes typed events to the depth analyzer and the strategy
// capabilities registered for each event kind.
type Dispatcher struct {
	cfg      Config
	log      *zap.Logger
	obs      *observability.Metrics
	analyzer *analytics.DepthAnalyzer
	sink     SignalSink

	strategies map[schema.Kind][]strategy.Strategy

	inboxes []chan *schema.Event
	wg      conc.WaitGroup
	stopMu  sync.Mutex
	stopped bool

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	errored    atomic.Uint64
}

// New constructs a dispatcher. The analyzer may be nil when only
// strategies are wired; sink may be nil to discard signals.
func New(cfg Config, analyzer *analytics.DepthAnalyzer, sink SignalSink, obs *observability.Metrics, log *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	d := new(Dispatcher)
	d.cfg = cfg
	d.log = log
	d.obs = obs
	d.analyzer = analyzer
	d.sink = sink
	d.strategies = make(map[schema.Kind][]strategy.Strategy)
	return d
}

// Register binds strategies to an event kind. Must be called before
// Start.
func (d *Dispatcher) Register(kind schema.Kind, strategies ...strategy.Strategy) {
	d.strategies[kind] = append(d.strategies[kind], strategies...)
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.inboxes = make([]chan *schema.Event, d.cfg.Workers)
	for i := range d.inboxes {
		inbox := make(chan *schema.Event, d.cfg.InboxSize)
		d.inboxes[i] = inbox
		worker := i
		d.wg.Go(func() {
			for ev := range inbox {
				d.process(worker, ev)
			}
		})
	}
	d.log.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("inbox_size", d.cfg.InboxSize),
		zap.Duration("enqueue_timeout", d.cfg.EnqueueTimeout))
}

// Dispatch routes ev to its symbol's worker, blocking up to the
// enqueue deadline when the inbox is full, then dropping with
// ErrQueueOverflow. Drops on one worker never block the others.
// stopMu is held across the send so Stop cannot close an inbox under a
// parked producer.
func (d *Dispatcher) Dispatch(ev *schema.Event) error {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	worker := d.workerFor(ev.Symbol)
	inbox := d.inboxes[worker]

	select {
	case inbox <- ev:
	default:
		timer := time.NewTimer(d.cfg.EnqueueTimeout)
		defer timer.Stop()
		select {
		case inbox <- ev:
		case <-timer.C:
			d.dropped.Add(1)
			if d.obs != nil {
				d.obs.QueueOverflows.WithLabelValues(strconv.Itoa(worker)).Inc()
			}
			return fmt.Errorf("%w: worker %d, symbol %s", ErrQueueOverflow, worker, ev.Symbol)
		}
	}

	d.dispatched.Add(1)
	if d.obs != nil {
		d.obs.EventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
	}
	return nil
}

// Stop closes the inboxes and waits for the workers to drain them, up
// to the ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopMu.Lock()
	if d.stopped {
		d.stopMu.Unlock()
		return nil
	}
	d.stopped = true
	for _, inbox := range d.inboxes {
		close(inbox)
	}
	d.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

// Stats returns the running dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Dropped:    d.dropped.Load(),
		Errors:     d.errored.Load(),
		Workers:    d.cfg.Workers,
	}
}

func (d *Dispatcher) workerFor(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(d.cfg.Workers))
}

// process runs one event through the analyzer and the registered
// strategies. Analytic failures are counted and logged; they never stop
// the worker.
func (d *Dispatcher) process(worker int, ev *schema.Event) {
	if ev.Kind == schema.KindDepth && ev.Depth != nil {
		depth := ev.Depth
		if d.analyzer != nil {
			if _, err := d.analyzer.AnalyzeDepth(ev.Symbol, depth.Bids, depth.Asks, depth.EventTime); err != nil {
				d.recordError(worker, ev, err)
				return
			}
		}
		for _, strat := range d.strategies[schema.KindDepth] {
			sig, err := strat.Analyze(ev.Symbol, depth.Bids, depth.Asks, depth.EventTime)
			if err != nil {
				d.recordError(worker, ev, err)
				continue
			}
			if sig == nil {
				continue
			}
			sig.Trace = ev.Trace
			if d.obs != nil {
				d.obs.SignalsEmitted.WithLabelValues(sig.StrategyID, string(sig.Action)).Inc()
			}
			if d.sink != nil {
				d.sink(sig)
			}
		}
	}
}

func (d *Dispatcher) recordError(worker int, ev *schema.Event, err error) {
	d.errored.Add(1)
	if d.obs != nil {
		d.obs.ProcessingErrors.Inc()
	}
	d.log.Warn("event processing failed",
		zap.Int("worker", worker),
		zap.String("symbol", ev.Symbol),
		zap.String("kind", string(ev.Kind)),
		zap.Error(err))
}
