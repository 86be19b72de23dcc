// Package models holds the domain entities shared across the engine.
package models

import "github.com/quantpulse/tradepulse/internal/timeutil"

// Tick is one normalized market data observation for a symbol. Ticks are
// immutable and ordered per symbol by TS; cross-symbol order is not defined.
type Tick struct {
	Symbol      string
	TS          timeutil.Nanos
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	TradesCount int64
	VWAP        float64 // 0 when the venue does not provide it
}

// Mid returns the tick's reference price for fills and marks.
func (t Tick) Mid() float64 {
	if t.High > 0 && t.Low > 0 {
		return (t.High + t.Low) / 2
	}
	return t.Close
}

// Trade is a single executed trade reported by the venue.
type Trade struct {
	Symbol string
	TS     timeutil.Nanos
	Price  float64
	Qty    float64
	Buyer  bool // true when the aggressor was the buy side
}

// BookLevel is one price level of an orderbook snapshot.
type BookLevel struct {
	Price float64
	Qty   float64
}

// OrderbookSnapshot is a venue orderbook snapshot normalized by the gateway.
type OrderbookSnapshot struct {
	Symbol string
	TS     timeutil.Nanos
	Bids   []BookLevel // descending price
	Asks   []BookLevel // ascending price
}

// SpreadPct returns the relative bid/ask spread in percent, or 0 when a
// side is empty.
func (s OrderbookSnapshot) SpreadPct() float64 {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0
	}
	bid, ask := s.Bids[0].Price, s.Asks[0].Price
	if bid <= 0 {
		return 0
	}
	return (ask - bid) / bid * 100
}
