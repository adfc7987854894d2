package bus

import (
	"errors"
	"testing"
)

func TestMemoryPublishDelivers(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	var got []string
	_, err := m.Subscribe("signals.orders", "workers", func(data []byte) {
		got = append(got, string(data))
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := m.Publish("signals.orders", []byte("a")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := m.Publish("signals.orders", []byte("b")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	m.Publish("other.subject", []byte("c"))

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("delivered = %v, want [a b] in order", got)
	}
	if recorded := m.Published("signals.orders"); len(recorded) != 2 {
		t.Errorf("Published() = %d messages, want 2", len(recorded))
	}
}

func TestMemoryUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	delivered := 0
	sub, _ := m.Subscribe("s", "", func([]byte) { delivered++ })
	m.Publish("s", []byte("x"))
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	m.Publish("s", []byte("y"))

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1 after unsubscribe", delivered)
	}
}

func TestMemoryUnsubscribeKeepsOtherSubscribers(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	first, second := 0, 0
	sub1, _ := m.Subscribe("s", "", func([]byte) { first++ })
	m.Subscribe("s", "", func([]byte) { second++ })

	m.Publish("s", []byte("x"))
	if err := sub1.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	m.Publish("s", []byte("y"))

	if first != 1 {
		t.Errorf("first subscriber delivered = %d, want 1", first)
	}
	if second != 2 {
		t.Errorf("second subscriber delivered = %d, want 2 after peer unsubscribed", second)
	}
}

func TestMemoryClosed(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.Close()

	if err := m.Publish("s", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after close = %v, want ErrClosed", err)
	}
	if _, err := m.Subscribe("s", "", func([]byte) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after close = %v, want ErrClosed", err)
	}
}
