// Package strategy holds the microstructure detectors that turn depth
// snapshots into trade signals.
package strategy

import (
	"time"

	"tickpulse/internal/schema"
	"tickpulse/internal/signal"
)

// Strategy is the capability the dispatcher invokes per depth event.
// Analyze returns a nil signal when no event fires; errors are local to
// the event and never stop the pipeline.
type Strategy interface {
	ID() string
	Analyze(symbol string, bids, asks []schema.Level, ts time.Time) (*signal.Signal, error)
	Statistics() map[string]any
}
