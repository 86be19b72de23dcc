package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLiquidationPrice(t *testing.T) {
	tests := []struct {
		side     PositionSide
		entry    float64
		leverage float64
		want     float64
	}{
		{PositionSideLong, 50000, 1, 0},
		{PositionSideLong, 50000, 3, 33333.33},
		{PositionSideShort, 50000, 3, 66666.67},
		{PositionSideShort, 50000, 10, 55000},
	}

	for _, tt := range tests {
		got := LiquidationPrice(tt.side, tt.entry, tt.leverage)
		assert.InDelta(t, tt.want, got, 0.01,
			"%s entry=%v leverage=%v", tt.side, tt.entry, tt.leverage)
	}

	// Leverage 1 SHORT has no liquidation price.
	assert.True(t, math.IsInf(LiquidationPrice(PositionSideShort, 50000, 1), 1))
}

func TestValidOrderTransition(t *testing.T) {
	assert.True(t, ValidOrderTransition(OrderStatusNew, OrderStatusFilled))
	assert.True(t, ValidOrderTransition(OrderStatusNew, OrderStatusPartiallyFilled))
	assert.True(t, ValidOrderTransition(OrderStatusPartiallyFilled, OrderStatusFilled))
	assert.True(t, ValidOrderTransition(OrderStatusNew, OrderStatusRejected))

	// Terminal statuses never revert.
	for _, s := range []OrderStatus{
		OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected,
		OrderStatusFailed, OrderStatusExpired,
	} {
		assert.True(t, s.Terminal())
		assert.False(t, ValidOrderTransition(s, OrderStatusNew), "from %s", s)
		assert.False(t, ValidOrderTransition(s, OrderStatusPartiallyFilled), "from %s", s)
	}
}

func TestPositionPnL(t *testing.T) {
	long := Position{Side: PositionSideLong, EntryPrice: 100, Qty: 2, Leverage: 3}
	assert.InDelta(t, 20.0, long.PnL(110), 1e-9)
	assert.InDelta(t, 30.0, long.PnLPct(110), 1e-9)

	short := Position{Side: PositionSideShort, EntryPrice: 100, Qty: 2, Leverage: 1}
	assert.InDelta(t, 20.0, short.PnL(90), 1e-9)
	assert.InDelta(t, 10.0, short.PnLPct(90), 1e-9)
}

func TestTickMid(t *testing.T) {
	assert.InDelta(t, 101.0, Tick{High: 102, Low: 100, Close: 101.5}.Mid(), 1e-9)
	assert.InDelta(t, 99.5, Tick{Close: 99.5}.Mid(), 1e-9)
}
