// Package strategy holds strategy definitions, their durable store, and
// the runtime manager that activates them per symbol.
package strategy

import (
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Direction is the trade direction of a strategy.
type Direction string

// Directions
const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Operator compares an indicator value against a condition's operand.
type Operator string

// Condition operators
const (
	OpGT      Operator = ">"
	OpLT      Operator = "<"
	OpGTE     Operator = ">="
	OpLTE     Operator = "<="
	OpEQ      Operator = "=="
	OpBetween Operator = "between"
	OpInSet   Operator = "in_set"
)

// KnownOperator reports whether op is a defined operator.
func KnownOperator(op Operator) bool {
	switch op {
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpBetween, OpInSet:
		return true
	}
	return false
}

// Condition is one predicate over an indicator variant.
type Condition struct {
	ID        string `json:"id"`
	VariantID string `json:"variant_id" validate:"required"`
	// Field selects a component of a composite variant ("upper",
	// "lower"); empty reads the scalar.
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator" validate:"required"`

	// Value is the operand for scalar operators.
	Value float64 `json:"value,omitempty"`
	// Range is [lo, hi] for between.
	Range []float64 `json:"range,omitempty"`
	// Set is the operand list for in_set.
	Set []float64 `json:"set,omitempty"`

	// DurationMs requires the predicate to hold continuously this long
	// before it fires.
	DurationMs int64 `json:"duration_ms,omitempty" validate:"gte=0"`
	// WindowMs counts the predicate as firing if it fired within this
	// trailing window.
	WindowMs int64 `json:"window_ms,omitempty" validate:"gte=0"`
}

// Holds evaluates the raw comparison against a value.
func (c Condition) Holds(value float64) bool {
	switch c.Operator {
	case OpGT:
		return value > c.Value
	case OpLT:
		return value < c.Value
	case OpGTE:
		return value >= c.Value
	case OpLTE:
		return value <= c.Value
	case OpEQ:
		return value == c.Value
	case OpBetween:
		if len(c.Range) != 2 {
			return false
		}
		return value >= c.Range[0] && value <= c.Range[1]
	case OpInSet:
		for _, v := range c.Set {
			if value == v {
				return true
			}
		}
		return false
	}
	return false
}

// SignalSection is S1: all conditions must hold to emit a signal.
type SignalSection struct {
	Conditions []Condition `json:"conditions" validate:"required,min=1,dive"`
}

// CancelSection is O1: a timeout or any condition cancels a pending
// signal.
type CancelSection struct {
	TimeoutSeconds  int         `json:"timeoutSeconds" validate:"gte=0"`
	Conditions      []Condition `json:"conditions" validate:"dive"`
	CooldownMinutes int         `json:"cooldownMinutes" validate:"gte=0"`
}

// PositionSize selects how the entry quantity is computed.
type PositionSize struct {
	// Type is "fixed" (quote-currency notional) or "percentage" (of the
	// session's remaining budget).
	Type  string  `json:"type" validate:"required,oneof=fixed percentage"`
	Value float64 `json:"value" validate:"gt=0"`
}

// BracketLeg configures one side of the SL/TP bracket.
type BracketLeg struct {
	Enabled       bool    `json:"enabled"`
	OffsetPercent float64 `json:"offsetPercent"`
}

// EntrySection is Z1: all conditions must hold to submit an entry.
type EntrySection struct {
	Conditions   []Condition  `json:"conditions" validate:"required,min=1,dive"`
	PositionSize PositionSize `json:"positionSize"`
	Leverage     float64      `json:"leverage"`
	StopLoss     BracketLeg   `json:"stopLoss"`
	TakeProfit   BracketLeg   `json:"takeProfit"`
}

// CloseSection is ZE1: any condition closes the position normally.
type CloseSection struct {
	Conditions []Condition `json:"conditions" validate:"dive"`
}

// EmergencySection is E1: any condition forces an immediate exit,
// regardless of what the state machine is doing.
type EmergencySection struct {
	Conditions      []Condition       `json:"conditions" validate:"dive"`
	CooldownMinutes int               `json:"cooldownMinutes" validate:"gte=0"`
	Actions         map[string]string `json:"actions,omitempty"`
}

// GlobalLimits caps a strategy's aggregate activity.
type GlobalLimits struct {
	MaxDailyTrades         int     `json:"max_daily_trades" validate:"gte=0"`
	DailyLossLimitPct      float64 `json:"daily_loss_limit_pct" validate:"gte=0"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions" validate:"gte=0"`
	CooldownMinutes        int     `json:"cooldown_minutes" validate:"gte=0"`
	MaxLeverage            float64 `json:"max_leverage" validate:"gte=0"`
}

// Definition is the five-section strategy model in its persisted form.
type Definition struct {
	StrategyID    string           `json:"strategy_id,omitempty"`
	StrategyName  string           `json:"strategy_name" validate:"required"`
	Direction     Direction        `json:"direction" validate:"required,oneof=LONG SHORT"`
	Enabled       bool             `json:"enabled"`
	S1Signal      SignalSection    `json:"s1_signal"`
	O1Cancel      CancelSection    `json:"o1_cancel"`
	Z1Entry       EntrySection     `json:"z1_entry"`
	ZE1Close      CloseSection     `json:"ze1_close"`
	EmergencyExit EmergencySection `json:"emergency_exit"`
	GlobalLimits  GlobalLimits     `json:"global_limits"`
}

// ReferencedVariants returns every variant ID the definition's sections
// reference, deduplicated.
func (d *Definition) ReferencedVariants() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(conds []Condition) {
		for _, c := range conds {
			if _, ok := seen[c.VariantID]; !ok {
				seen[c.VariantID] = struct{}{}
				out = append(out, c.VariantID)
			}
		}
	}
	add(d.S1Signal.Conditions)
	add(d.O1Cancel.Conditions)
	add(d.Z1Entry.Conditions)
	add(d.ZE1Close.Conditions)
	add(d.EmergencyExit.Conditions)
	return out
}

// State is the evaluator state machine state for one instance.
type State string

// Instance states
const (
	StateMonitoring      State = "MONITORING"
	StateSignalDetected  State = "SIGNAL_DETECTED"
	StateSignalCancelled State = "SIGNAL_CANCELLED"
	StateEntryEvaluation State = "ENTRY_EVALUATION"
	StatePositionActive  State = "POSITION_ACTIVE"
	StateExited          State = "EXITED"
	StateEmergencyExit   State = "EMERGENCY_EXIT"
	StateCooldown        State = "COOLDOWN"
)

// Instance is the runtime binding of a strategy to a symbol. Exactly one
// instance per (strategy_id, symbol) may be active at a time.
type Instance struct {
	StrategyID string
	Symbol     string

	State          State
	StateEnteredAt timeutil.Nanos
	CooldownUntil  timeutil.Nanos

	ConsecutiveLosses int
	DailyTradesCount  int
	DailyPnL          float64
}

// Key identifies an instance.
type Key struct {
	StrategyID string
	Symbol     string
}

// InstanceKey returns the instance's map key.
func (i *Instance) InstanceKey() Key {
	return Key{StrategyID: i.StrategyID, Symbol: i.Symbol}
}
