package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	b := New(Config{FailureThreshold: threshold, RecoveryTimeout: recovery}, nil)
	now := time.Unix(1700000000, 0)
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, now := newTestBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("Execute() = %v, want errBoom", err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute() while open = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn was invoked while the breaker was open")
	}

	// After the recovery timeout a single probe is admitted; its success
	// closes the breaker and resets the counter.
	*now = now.Add(61 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() after recovery timeout = %v, want half-open", got)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe Execute() = %v, want nil", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() after successful probe = %v, want closed", got)
	}
	if m := b.Snapshot(); m.FailureCount != 0 {
		t.Errorf("FailureCount after recovery = %d, want 0", m.FailureCount)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b, now := newTestBreaker(2, 30*time.Second)

	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	*now = now.Add(31 * time.Second)
	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe Execute() = %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("State() after failed probe = %v, want open", got)
	}
	// The trip time was refreshed, so calls fail fast again.
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Execute() = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed (counter reset by success)", got)
	}
}

func TestFailurePredicate(t *testing.T) {
	t.Parallel()
	b := New(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		IsFailure:        func(err error) bool { return errors.Is(err, errBoom) },
	}, nil)

	if err := b.Execute(func() error { return errors.New("validation") }); err == nil {
		t.Fatal("Execute() = nil, want the callback error")
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed (ineligible error)", got)
	}

	b.Execute(func() error { return errBoom })
	if got := b.State(); got != StateOpen {
		t.Errorf("State() = %v, want open", got)
	}
}

func TestMetricsAndControls(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(5, time.Minute)

	b.Execute(func() error { return nil })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errBoom })

	m := b.Snapshot()
	if m.TotalRequests != 3 || m.TotalSuccesses != 2 || m.TotalFailures != 1 {
		t.Errorf("Snapshot() = %+v, want 3 requests, 2 successes, 1 failure", m)
	}
	if m.TotalRequests != m.TotalSuccesses+m.TotalFailures {
		t.Errorf("total %d != successes %d + failures %d", m.TotalRequests, m.TotalSuccesses, m.TotalFailures)
	}
	if want := 100 * 2.0 / 3.0; m.SuccessRate < want-0.01 || m.SuccessRate > want+0.01 {
		t.Errorf("SuccessRate = %v, want ≈ %v", m.SuccessRate, want)
	}
	if m.LastFailureTime == nil || m.LastSuccessTime == nil {
		t.Error("last failure/success timestamps not recorded")
	}

	b.ForceOpen()
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Execute() after ForceOpen = %v, want ErrOpen", err)
	}
	b.ForceClose()
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute() after ForceClose = %v, want nil", err)
	}

	b.ForceOpen()
	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Errorf("State() after Reset = %v, want closed", got)
	}
}
