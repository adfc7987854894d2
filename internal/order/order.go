// Package order converts strategy signals into the trade-order envelope
// published downstream.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/propagation"

	"tickpulse/internal/signal"
)

// Side is the order direction.
type Side string

// PositionType marks the position the order opens.
type PositionType string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	PositionLong  PositionType = "LONG"
	PositionShort PositionType = "SHORT"

	// TypeMarket is the only order type emitted; sizing and routing are
	// downstream concerns.
	TypeMarket = "MARKET"
)

// ErrHoldSignal is returned for hold signals, which produce no order.
var ErrHoldSignal = errors.New("hold signal produces no order")

// TradeOrder is the outbound order envelope. Quantity 0 means the
// downstream executor sizes the position.
type TradeOrder struct {
	OrderID      string                 `json:"order_id"`
	Symbol       string                 `json:"symbol"`
	Side         Side                   `json:"side"`
	OrderType    string                 `json:"order_type"`
	Quantity     float64                `json:"quantity"`
	PositionType PositionType           `json:"position_type"`
	StrategyID   string                 `json:"strategy_id"`
	SignalID     string                 `json:"signal_id"`
	Confidence   float64                `json:"confidence"`
	StopLoss     float64                `json:"stop_loss,omitempty"`
	TakeProfit   float64                `json:"take_profit,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type wireOrder struct {
	TradeOrder
	TraceContext map[string]string `json:"_otel_trace_context,omitempty"`
}

// Normalizer builds trade orders from signals and serializes them with
// the active trace context attached.
type Normalizer struct {
	propagator propagation.TextMapPropagator
	clock      func() time.Time
}

// NewNormalizer constructs a normalizer using W3C trace-context
// propagation.
func NewNormalizer() *Normalizer {
	n := new(Normalizer)
	n.propagator = propagation.TraceContext{}
	n.clock = time.Now
	return n
}

// FromSignal builds a trade order from sig. Hold signals return
// ErrHoldSignal; order ids are ksuids, so they sort by creation time.
func (n *Normalizer) FromSignal(sig *signal.Signal) (*TradeOrder, error) {
	if sig == nil {
		return nil, errors.New("nil signal")
	}

	var side Side
	var position PositionType
	switch sig.Action {
	case signal.ActionBuy:
		side = SideBuy
		position = PositionLong
	case signal.ActionSell:
		side = SideSell
		position = PositionShort
	case signal.ActionHold:
		return nil, ErrHoldSignal
	default:
		return nil, fmt.Errorf("unknown signal action %q", sig.Action)
	}

	return &TradeOrder{
		OrderID:      ksuid.New().String(),
		Symbol:       sig.Symbol,
		Side:         side,
		OrderType:    TypeMarket,
		Quantity:     0,
		PositionType: position,
		StrategyID:   sig.StrategyID,
		SignalID:     sig.ID,
		Confidence:   sig.Confidence,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		Timestamp:    n.clock().UTC(),
		Metadata:     sig.Metadata,
	}, nil
}

// Marshal serializes o as JSON, injecting the trace context from ctx
// under the _otel_trace_context key so the downstream executor can
// continue the trace. When ctx carries no span context, fallback is
// used verbatim.
func (n *Normalizer) Marshal(ctx context.Context, o *TradeOrder, fallback map[string]string) ([]byte, error) {
	carrier := propagation.MapCarrier{}
	n.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 && len(fallback) > 0 {
		carrier = propagation.MapCarrier(fallback)
	}

	w := wireOrder{TradeOrder: *o}
	if len(carrier) > 0 {
		w.TraceContext = carrier
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal trade order: %w", err)
	}
	return data, nil
}

// Unmarshal decodes an order envelope, returning the order and any
// embedded trace context.
func Unmarshal(data []byte) (*TradeOrder, map[string]string, error) {
	var w wireOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("unmarshal trade order: %w", err)
	}
	return &w.TradeOrder, w.TraceContext, nil
}
