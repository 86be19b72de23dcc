// Package marketdata normalizes venue feeds into canonical market events.
package marketdata

import (
	"context"
)

// VenueTick is a raw candle/ticker frame as a venue reports it. TS is in
// whatever unit the venue uses; the gateway normalizes it at ingress.
type VenueTick struct {
	Symbol      string  `json:"symbol"`
	TS          int64   `json:"ts"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	TradesCount int64   `json:"trades_count"`
	VWAP        float64 `json:"vwap"`
}

// VenueTrade is a raw trade frame.
type VenueTrade struct {
	Symbol string  `json:"symbol"`
	TS     int64   `json:"ts"`
	Price  float64 `json:"price"`
	Qty    float64 `json:"qty"`
	Buyer  bool    `json:"buyer"`
}

// VenueBookLevel is one raw book level.
type VenueBookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// VenueBook is a raw orderbook snapshot frame.
type VenueBook struct {
	Symbol string           `json:"symbol"`
	TS     int64            `json:"ts"`
	Bids   []VenueBookLevel `json:"bids"`
	Asks   []VenueBookLevel `json:"asks"`
}

// Reconnect reports a venue connection loss and recovery; the gateway
// turns it into an exchange.reconnected event plus a gap marker for the
// missing interval.
type Reconnect struct {
	Venue    string
	DownFrom int64 // raw venue units, normalized by the gateway
	DownTo   int64
	Attempts int
}

// VenueEvent is one message from a source; exactly one field is set.
type VenueEvent struct {
	Tick      *VenueTick
	Trade     *VenueTrade
	Book      *VenueBook
	Reconnect *Reconnect
}

// Source is a venue feed. Start delivers events to out until the context
// is cancelled or Stop is called; the source owns its reconnect loop.
type Source interface {
	Name() string
	Start(ctx context.Context, out chan<- VenueEvent) error
	Stop(ctx context.Context) error
}
