// Package orders owns the order lifecycle and the position table, over
// an abstract venue with paper and live implementations.
package orders

import (
	"context"
	"errors"

	"github.com/quantpulse/tradepulse/internal/models"
)

// Common errors
var (
	ErrNoMarketData    = errors.New("no market data for symbol")
	ErrBelowMinQty     = errors.New("quantity below venue minimum")
	ErrBudgetExceeded  = errors.New("session budget cap exceeded")
	ErrPositionMissing = errors.New("position not found")
	ErrOrderMissing    = errors.New("order not found")
	ErrVenueRejected   = errors.New("venue rejected order")
)

// Execution is a venue's answer to a submission.
type Execution struct {
	FilledQty  float64
	FillPrice  float64
	Commission float64

	// Partial means more fills follow for this order.
	Partial bool
}

// Venue executes orders. Implementations: paper simulation, live
// exchange adapter.
type Venue interface {
	Name() string

	// SetLeverage configures symbol leverage before the first order.
	// Paper venues accept anything.
	SetLeverage(ctx context.Context, symbol string, leverage float64) error

	// Submit executes an order against the venue. mark is the engine's
	// current reference price. Implementations return the fills in
	// order; the final one has Partial=false.
	Submit(ctx context.Context, order *models.Order, mark float64) ([]Execution, error)
}

// PaperVenue fills deterministically at mid plus configured slippage.
// Fills ignore orderbook depth: the gateway normalizes ticks, not full
// books, so mid+slippage is the honest simulation level.
type PaperVenue struct {
	slippageBps   float64
	commissionBps float64
	partialFills  bool
}

// PaperConfig configures the paper venue.
type PaperConfig struct {
	SlippageBps   float64
	CommissionBps float64
	PartialFills  bool
}

// NewPaperVenue creates the paper venue.
func NewPaperVenue(cfg PaperConfig) *PaperVenue {
	return &PaperVenue{
		slippageBps:   cfg.SlippageBps,
		commissionBps: cfg.CommissionBps,
		partialFills:  cfg.PartialFills,
	}
}

// Name returns the venue name.
func (v *PaperVenue) Name() string { return "paper" }

// SetLeverage is a no-op for paper trading.
func (v *PaperVenue) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	return nil
}

// Submit fills the order at mark adjusted by slippage in the direction
// that hurts the taker.
func (v *PaperVenue) Submit(ctx context.Context, order *models.Order, mark float64) ([]Execution, error) {
	if mark <= 0 {
		return nil, ErrNoMarketData
	}

	slip := mark * v.slippageBps / 10000
	price := mark
	switch order.Side {
	case models.OrderSideBuy, models.OrderSideCover:
		price += slip
	case models.OrderSideSell, models.OrderSideShort:
		price -= slip
	}

	// Limit orders only fill when the limit is marketable.
	if order.Type == models.OrderTypeLimit && order.LimitPrice > 0 {
		buying := order.Side == models.OrderSideBuy || order.Side == models.OrderSideCover
		if buying && price > order.LimitPrice {
			return nil, ErrVenueRejected
		}
		if !buying && price < order.LimitPrice {
			return nil, ErrVenueRejected
		}
	}

	commission := func(qty float64) float64 {
		return qty * price * v.commissionBps / 10000
	}

	if v.partialFills && order.Qty > 1e-9 {
		half := order.Qty / 2
		return []Execution{
			{FilledQty: half, FillPrice: price, Commission: commission(half), Partial: true},
			{FilledQty: order.Qty - half, FillPrice: price, Commission: commission(order.Qty - half)},
		}, nil
	}
	return []Execution{
		{FilledQty: order.Qty, FillPrice: price, Commission: commission(order.Qty)},
	}, nil
}
