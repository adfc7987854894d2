// Package schema defines the inbound wire envelope and typed market-data
// events decoded from it.
package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Kind identifies the stream an event arrived on.
type Kind string

const (
	KindDepth  Kind = "depth"
	KindTrade  Kind = "trade"
	KindTicker Kind = "ticker"
)

var (
	// ErrMalformedEnvelope marks frames that are not valid envelope JSON.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnknownStream marks envelopes whose stream suffix is unrecognized.
	ErrUnknownStream = errors.New("unknown stream type")
)

// Level is one price level of an order book side.
type Level struct {
	Price float64
	Qty   float64
}

// DepthEvent is a decoded depth snapshot. Bids are ordered descending by
// price, asks ascending, as delivered by the exchange.
type DepthEvent struct {
	Symbol        string
	EventTime     time.Time
	FirstUpdateID int64
	LastUpdateID  int64
	Bids          []Level
	Asks          []Level
}

// TradeEvent is a decoded trade print.
type TradeEvent struct {
	Symbol       string
	TradeID      int64
	Price        float64
	Qty          float64
	TradeTime    time.Time
	IsBuyerMaker bool
	EventTime    time.Time
}

// TickerEvent carries the fields of a rolling ticker update used here.
type TickerEvent struct {
	Symbol    string
	LastPrice float64
	EventTime time.Time
}

// Event is a typed inbound event. Exactly one of Depth, Trade, Ticker is
// set, according to Kind. Trace holds the propagated trace-context
// headers, keyed as they arrived (typically "traceparent").
type Event struct {
	Kind   Kind
	Symbol string
	Depth  *DepthEvent
	Trade  *TradeEvent
	Ticker *TickerEvent
	Trace  map[string]string
}

type envelope struct {
	Stream string            `json:"stream"`
	Data   json.RawMessage   `json:"data"`
	Trace  map[string]string `json:"_otel_trace_context"`
}

type depthPayload struct {
	Symbol        string      `json:"s"`
	EventTime     int64       `json:"E"`
	FirstUpdateID int64       `json:"U"`
	LastUpdateID  int64       `json:"u"`
	Bids          [][2]string `json:"bids"`
	Asks          [][2]string `json:"asks"`
}

type tradePayload struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	EventTime    int64  `json:"E"`
}

type tickerPayload struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	EventTime int64  `json:"E"`
}

// ParseEnvelope decodes a raw bus frame into a typed event.
func ParseEnvelope(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing stream or data", ErrMalformedEnvelope)
	}

	_, suffix, found := strings.Cut(env.Stream, "@")
	if !found {
		return nil, fmt.Errorf("%w: stream %q has no type suffix", ErrUnknownStream, env.Stream)
	}

	ev := &Event{Trace: env.Trace}
	switch {
	case strings.HasPrefix(suffix, "depth"):
		depth, err := parseDepth(env.Data)
		if err != nil {
			return nil, err
		}
		ev.Kind = KindDepth
		ev.Symbol = depth.Symbol
		ev.Depth = depth
	case suffix == "trade" || suffix == "aggTrade":
		trade, err := parseTrade(env.Data)
		if err != nil {
			return nil, err
		}
		ev.Kind = KindTrade
		ev.Symbol = trade.Symbol
		ev.Trade = trade
	case suffix == "ticker":
		ticker, err := parseTicker(env.Data)
		if err != nil {
			return nil, err
		}
		ev.Kind = KindTicker
		ev.Symbol = ticker.Symbol
		ev.Ticker = ticker
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, suffix)
	}

	if ev.Symbol == "" {
		return nil, fmt.Errorf("%w: payload carries no symbol", ErrMalformedEnvelope)
	}
	return ev, nil
}

func parseDepth(data json.RawMessage) (*DepthEvent, error) {
	var p depthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: depth payload: %v", ErrMalformedEnvelope, err)
	}
	bids, err := parseLevels(p.Bids)
	if err != nil {
		return nil, fmt.Errorf("%w: bids: %v", ErrMalformedEnvelope, err)
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return nil, fmt.Errorf("%w: asks: %v", ErrMalformedEnvelope, err)
	}
	return &DepthEvent{
		Symbol:        strings.ToUpper(p.Symbol),
		EventTime:     millisToTime(p.EventTime),
		FirstUpdateID: p.FirstUpdateID,
		LastUpdateID:  p.LastUpdateID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

func parseTrade(data json.RawMessage) (*TradeEvent, error) {
	var p tradePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: trade payload: %v", ErrMalformedEnvelope, err)
	}
	price, err := strconv.ParseFloat(p.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: trade price %q", ErrMalformedEnvelope, p.Price)
	}
	qty, err := strconv.ParseFloat(p.Qty, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: trade qty %q", ErrMalformedEnvelope, p.Qty)
	}
	return &TradeEvent{
		Symbol:       strings.ToUpper(p.Symbol),
		TradeID:      p.TradeID,
		Price:        price,
		Qty:          qty,
		TradeTime:    millisToTime(p.TradeTime),
		IsBuyerMaker: p.IsBuyerMaker,
		EventTime:    millisToTime(p.EventTime),
	}, nil
}

func parseTicker(data json.RawMessage) (*TickerEvent, error) {
	var p tickerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: ticker payload: %v", ErrMalformedEnvelope, err)
	}
	last := 0.0
	if p.LastPrice != "" {
		v, err := strconv.ParseFloat(p.LastPrice, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ticker price %q", ErrMalformedEnvelope, p.LastPrice)
		}
		last = v
	}
	return &TickerEvent{
		Symbol:    strings.ToUpper(p.Symbol),
		LastPrice: last,
		EventTime: millisToTime(p.EventTime),
	}, nil
}

func parseLevels(raw [][2]string) ([]Level, error) {
	levels := make([]Level, 0, len(raw))
	for _, pair := range raw {
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %v", pair[0], err)
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("qty %q: %v", pair[1], err)
		}
		levels = append(levels, Level{Price: price, Qty: qty})
	}
	return levels, nil
}

func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
