// Package signal defines the trade-intent record strategies emit.
package signal

import "time"

// Action is the direction of a signal.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Signal is a strategy's trade intent for one symbol. Confidence is in
// [0, 1]. Indicators carry the numeric evidence behind the signal,
// Metadata free-form context for downstream consumers.
type Signal struct {
	ID          string                 `json:"signal_id"`
	StrategyID  string                 `json:"strategy_id"`
	Symbol      string                 `json:"symbol"`
	Action      Action                 `json:"action"`
	Confidence  float64                `json:"confidence"`
	Price       float64                `json:"price"`
	StopLoss    float64                `json:"stop_loss,omitempty"`
	TakeProfit  float64                `json:"take_profit,omitempty"`
	Indicators  map[string]float64     `json:"indicators,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	GeneratedAt time.Time              `json:"generated_at"`

	// Trace holds the W3C trace-context headers active when the signal
	// was produced, so the published order can continue the trace.
	Trace map[string]string `json:"-"`
}
