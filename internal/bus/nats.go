package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout       = 10 * time.Second
	defaultMaxConnectAttempts   = 5
	defaultMaxReconnectInterval = 30 * time.Second
)

// NATSConfig tunes the NATS connection.
type NATSConfig struct {
	URL                string
	Name               string
	ConnectTimeout     time.Duration
	MaxConnectAttempts int
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = defaultMaxConnectAttempts
	}
	return c
}

// NATS wraps a nats.go connection behind the bus contract.
type NATS struct {
	conn *nats.Conn
	log  *zap.Logger
}

// ConnectNATS dials the NATS server, retrying with exponential backoff
// up to the configured attempt budget before failing.
func ConnectNATS(ctx context.Context, cfg NATSConfig, log *zap.Logger) (*NATS, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected", zap.Error(err))
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("bus connection closed")
		}),
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = defaultMaxReconnectInterval

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxConnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := nats.Connect(cfg.URL, opts...)
		if err == nil {
			log.Info("bus connected",
				zap.String("url", cfg.URL),
				zap.String("name", cfg.Name),
				zap.Int("attempt", attempt))
			return &NATS{conn: conn, log: log}, nil
		}
		lastErr = err

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = defaultMaxReconnectInterval
		}
		log.Warn("bus connect failed",
			zap.String("url", cfg.URL),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", sleep),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("connect to bus %s after %d attempts: %w", cfg.URL, cfg.MaxConnectAttempts, lastErr)
}

// Publish sends data to subject.
func (n *NATS) Publish(subject string, data []byte) error {
	if n.conn == nil || n.conn.IsClosed() {
		return ErrClosed
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe joins the queue group on subject; messages are delivered to
// handler on the client's delivery goroutine.
func (n *NATS) Subscribe(subject, group string, handler Handler) (Subscription, error) {
	if n.conn == nil || n.conn.IsClosed() {
		return nil, ErrClosed
	}
	cb := func(msg *nats.Msg) { handler(msg.Data) }

	var sub *nats.Subscription
	var err error
	if group != "" {
		sub, err = n.conn.QueueSubscribe(subject, group, cb)
	} else {
		sub, err = n.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return natsSubscription{sub: sub}, nil
}

// Drain flushes pending messages and unsubscribes everything.
func (n *NATS) Drain() error {
	if n.conn == nil || n.conn.IsClosed() {
		return nil
	}
	return n.conn.Drain()
}

// Close tears the connection down immediately.
func (n *NATS) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
