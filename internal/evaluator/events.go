package evaluator

import (
	"github.com/quantpulse/tradepulse/internal/strategy"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Transition is the state_machine.transition payload.
type Transition struct {
	StrategyID string
	Symbol     string
	From       strategy.State
	To         strategy.State
	Reason     string
	TS         timeutil.Nanos
}

// SignalCancelled is the signal.cancelled payload.
type SignalCancelled struct {
	SignalID   string
	StrategyID string
	Symbol     string
	Reason     string
	TS         timeutil.Nanos
}

// EntryFailed is the entry.conditions_failed payload.
type EntryFailed struct {
	StrategyID string
	Symbol     string
	Reason     string
	TS         timeutil.Nanos
}

// Guard failure reasons.
const (
	ReasonDailyTradeLimit     = "max_daily_trades"
	ReasonDailyLossLimit      = "daily_loss_limit"
	ReasonConcurrentPositions = "max_concurrent_positions"
)
