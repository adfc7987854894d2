// Package bus defines the publish/subscribe contract the pipeline uses
// and its NATS implementation.
package bus

import (
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed bus connection.
var ErrClosed = errors.New("bus connection closed")

// Handler consumes one raw message.
type Handler func(data []byte)

// Publisher publishes raw payloads to a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
	Close() error
}

// Subscriber delivers messages for a subject to a handler. Group names
// a queue group so horizontally scaled consumers share the stream.
type Subscriber interface {
	Subscribe(subject, group string, handler Handler) (Subscription, error)
	Drain() error
}

// Subscription is one active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Memory is an in-process bus used by tests. It implements both sides
// of the contract.
type Memory struct {
	mu       sync.Mutex
	closed   bool
	nextID   int
	handlers map[string][]memoryHandler

	published map[string][][]byte
}

type memoryHandler struct {
	id int
	fn Handler
}

// NewMemory constructs an empty in-process bus.
func NewMemory() *Memory {
	m := new(Memory)
	m.handlers = make(map[string][]memoryHandler)
	m.published = make(map[string][][]byte)
	return m
}

// Publish records the message and delivers it synchronously to every
// handler subscribed to the subject.
func (m *Memory) Publish(subject string, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.published[subject] = append(m.published[subject], buf)
	handlers := append([]memoryHandler(nil), m.handlers[subject]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h.fn(buf)
	}
	return nil
}

// Subscribe registers a handler for the subject. The group is ignored;
// in-process delivery is fan-out.
func (m *Memory) Subscribe(subject, _ string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.nextID++
	m.handlers[subject] = append(m.handlers[subject], memoryHandler{id: m.nextID, fn: handler})
	return memorySubscription{bus: m, subject: subject, id: m.nextID}, nil
}

// Published returns the messages recorded for a subject.
func (m *Memory) Published(subject string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[subject]...)
}

// Close stops accepting publishes and subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Drain is a no-op for the in-process bus.
func (m *Memory) Drain() error { return nil }

type memorySubscription struct {
	bus     *Memory
	subject string
	id      int
}

// Unsubscribe removes only this subscription; other handlers on the
// same subject keep receiving.
func (s memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	handlers := s.bus.handlers[s.subject]
	for i, h := range handlers {
		if h.id == s.id {
			s.bus.handlers[s.subject] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return nil
}
