package schema

import (
	"errors"
	"testing"
)

func TestParseDepthEnvelope(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"stream": "btcusdt@depth20",
		"data": {
			"s": "BTCUSDT",
			"E": 1700000000000,
			"U": 100,
			"u": 105,
			"bids": [["50000.10", "1.5"], ["49999.90", "2.0"]],
			"asks": [["50000.20", "0.8"]]
		},
		"_otel_trace_context": {"traceparent": "00-abc-def-01"}
	}`)

	ev, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if ev.Kind != KindDepth {
		t.Fatalf("Kind = %v, want depth", ev.Kind)
	}
	if ev.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", ev.Symbol)
	}
	d := ev.Depth
	if d.FirstUpdateID != 100 || d.LastUpdateID != 105 {
		t.Errorf("update range = [%d, %d], want [100, 105]", d.FirstUpdateID, d.LastUpdateID)
	}
	if len(d.Bids) != 2 || d.Bids[0].Price != 50000.10 || d.Bids[0].Qty != 1.5 {
		t.Errorf("Bids = %v, want [{50000.1 1.5} {49999.9 2}]", d.Bids)
	}
	if len(d.Asks) != 1 || d.Asks[0].Price != 50000.20 {
		t.Errorf("Asks = %v, want [{50000.2 0.8}]", d.Asks)
	}
	if d.EventTime.UnixMilli() != 1700000000000 {
		t.Errorf("EventTime = %v, want 1700000000000 ms", d.EventTime)
	}
	if ev.Trace["traceparent"] != "00-abc-def-01" {
		t.Errorf("Trace = %v, want traceparent propagated", ev.Trace)
	}
}

func TestParseTradeEnvelope(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"stream": "ethusdt@trade",
		"data": {"s": "ETHUSDT", "t": 42, "p": "3000.5", "q": "0.25", "T": 1700000001000, "m": true, "E": 1700000001005}
	}`)

	ev, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if ev.Kind != KindTrade {
		t.Fatalf("Kind = %v, want trade", ev.Kind)
	}
	tr := ev.Trade
	if tr.TradeID != 42 || tr.Price != 3000.5 || tr.Qty != 0.25 || !tr.IsBuyerMaker {
		t.Errorf("Trade = %+v, want id 42, price 3000.5, qty 0.25, maker", tr)
	}
}

func TestParseTickerEnvelope(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"stream": "solusdt@ticker", "data": {"s": "SOLUSDT", "c": "151.25", "E": 1700000002000}}`)

	ev, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if ev.Kind != KindTicker || ev.Ticker.LastPrice != 151.25 {
		t.Errorf("event = %+v, want ticker with last price 151.25", ev)
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{{{`, ErrMalformedEnvelope},
		{"missing data", `{"stream": "btcusdt@depth"}`, ErrMalformedEnvelope},
		{"no stream suffix", `{"stream": "btcusdt", "data": {"s": "BTCUSDT"}}`, ErrUnknownStream},
		{"unknown suffix", `{"stream": "btcusdt@kline_1m", "data": {"s": "BTCUSDT"}}`, ErrUnknownStream},
		{"bad level price", `{"stream": "btcusdt@depth", "data": {"s": "BTCUSDT", "bids": [["oops", "1"]], "asks": []}}`, ErrMalformedEnvelope},
		{"no symbol", `{"stream": "btcusdt@depth", "data": {"bids": [], "asks": []}}`, ErrMalformedEnvelope},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseEnvelope([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Errorf("ParseEnvelope() error = %v, want %v", err, tc.want)
			}
		})
	}
}
