// Package breaker implements a three-state circuit breaker used to
// isolate fragile external dependencies, primarily the outbound bus.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State enumerates circuit breaker states.
type State string

const (
	// StateClosed allows calls through; failures are counted.
	StateClosed State = "closed"
	// StateOpen rejects calls immediately.
	StateOpen State = "open"
	// StateHalfOpen admits a single probe call.
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the breaker rejects a call without executing it.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes breaker behaviour.
type Config struct {
	// FailureThreshold is the number of consecutive eligible failures
	// that trips the breaker. Defaults to 5.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before a probe
	// is admitted. Defaults to 60s.
	RecoveryTimeout time.Duration
	// IsFailure decides whether an error counts toward the threshold.
	// Nil counts every non-nil error.
	IsFailure func(error) bool
}

// Metrics is a point-in-time snapshot of breaker counters.
type Metrics struct {
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	TotalRequests   uint64     `json:"total_requests"`
	TotalFailures   uint64     `json:"total_failures"`
	TotalSuccesses  uint64     `json:"total_successes"`
	SuccessRate     float64    `json:"success_rate"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime *time.Time `json:"last_success_time,omitempty"`
}

// Breaker is a thread-safe three-state circuit breaker.
type Breaker struct {
	cfg   Config
	log   *zap.Logger
	clock func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	probing      bool
	lastFailure  time.Time
	lastSuccess  time.Time

	totalRequests  uint64
	totalFailures  uint64
	totalSuccesses uint64
}

// New constructs a breaker in the closed state.
func New(cfg Config, log *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := new(Breaker)
	b.cfg = cfg
	b.log = log
	b.clock = time.Now
	b.state = StateClosed
	return b
}

// Execute runs fn under breaker control. When the breaker is open the
// call is rejected with ErrOpen and fn is never invoked.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// admit decides whether a call may proceed, moving open→half-open when
// the recovery timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return fmt.Errorf("%w: tripped at %s", ErrOpen, b.lastFailure.UTC().Format(time.RFC3339))
		}
		b.state = StateHalfOpen
		b.probing = true
		b.log.Info("circuit breaker transitioning to half-open",
			zap.Int("failure_count", b.failureCount),
			zap.Duration("recovery_timeout", b.cfg.RecoveryTimeout))
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrOpen)
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	failed := err != nil
	if failed && b.cfg.IsFailure != nil && !b.cfg.IsFailure(err) {
		failed = false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.probing = false

	if !failed {
		b.totalSuccesses++
		b.lastSuccess = b.clock()
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.failureCount = 0
			b.log.Info("circuit breaker closed after successful recovery")
			return
		}
		b.failureCount = 0
		return
	}

	b.totalFailures++
	b.failureCount++
	b.lastFailure = b.clock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.log.Warn("circuit breaker reopened after recovery failure")
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.log.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("failure_threshold", b.cfg.FailureThreshold))
		}
	}
}

// State returns the current state, applying the open→half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns the current breaker metrics.
func (b *Breaker) Snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{
		State:          b.state,
		FailureCount:   b.failureCount,
		TotalRequests:  b.totalRequests,
		TotalFailures:  b.totalFailures,
		TotalSuccesses: b.totalSuccesses,
	}
	if b.totalRequests > 0 {
		m.SuccessRate = float64(b.totalSuccesses) / float64(b.totalRequests) * 100
	}
	if !b.lastFailure.IsZero() {
		ts := b.lastFailure
		m.LastFailureTime = &ts
	}
	if !b.lastSuccess.IsZero() {
		ts := b.lastSuccess
		m.LastSuccessTime = &ts
	}
	return m
}

// Reset returns the breaker to closed and clears the failure counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.probing = false
	b.lastFailure = time.Time{}
	b.log.Info("circuit breaker reset to closed state")
}

// ForceOpen trips the breaker regardless of counters.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateOpen
	b.lastFailure = b.clock()
	b.log.Warn("circuit breaker forced open")
}

// ForceClose closes the breaker and clears the failure counter.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.probing = false
	b.log.Info("circuit breaker forced closed")
}
