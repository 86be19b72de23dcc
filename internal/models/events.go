package models

import "github.com/quantpulse/tradepulse/internal/timeutil"

// OrderRequest is what the evaluator hands the order manager. The
// manager computes the final quantity from the sizing policy, the
// session budget and the current mark.
type OrderRequest struct {
	StrategyID string
	Symbol     string
	SignalID   string

	Side OrderSide
	Type OrderType

	// SizeType is "fixed" (quote notional) or "percentage" (of the
	// session's remaining budget). Ignored for closes.
	SizeType  string
	SizeValue float64

	Leverage   float64
	LimitPrice float64

	// Bracket offsets in percent; 0 disables the leg.
	SLOffsetPct float64
	TPOffsetPct float64

	// Reduce marks a close of an existing position.
	Reduce     bool
	PositionID string
	Reason     string
}

// PositionUpdate is the coalesced position.updated payload.
type PositionUpdate struct {
	Position Position
	Mark     float64
	PnLPct   float64
	TS       timeutil.Nanos
}

// PositionClosed is the position.closed payload.
type PositionClosed struct {
	Position Position
	Reason   string
	TS       timeutil.Nanos
}
