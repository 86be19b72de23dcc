package models

import "github.com/quantpulse/tradepulse/internal/timeutil"

// SessionMode represents the execution mode of a session
type SessionMode string

// Session modes, ordered by conflict priority: live > paper > backtest.
const (
	SessionModePaper    SessionMode = "paper"
	SessionModeLive     SessionMode = "live"
	SessionModeBacktest SessionMode = "backtest"
)

// Priority returns the conflict priority of the mode.
func (m SessionMode) Priority() int {
	switch m {
	case SessionModeLive:
		return 3
	case SessionModePaper:
		return 2
	case SessionModeBacktest:
		return 1
	}
	return 0
}

// SessionStatus represents the lifecycle status of a session
type SessionStatus string

// Session statuses
const (
	SessionStatusCreated  SessionStatus = "CREATED"
	SessionStatusStarting SessionStatus = "STARTING"
	SessionStatusRunning  SessionStatus = "RUNNING"
	SessionStatusDegraded SessionStatus = "DEGRADED"
	SessionStatusStopping SessionStatus = "STOPPING"
	SessionStatusStopped  SessionStatus = "STOPPED"
	SessionStatusFailed   SessionStatus = "FAILED"
)

// Session represents one trading session.
type Session struct {
	SessionID  string
	Mode       SessionMode
	Symbols    []string
	Strategies []string
	BudgetCap  float64
	StartedAt  timeutil.Nanos
	Status     SessionStatus
}

// Signal is emitted when a strategy's signal-detection section fires.
type Signal struct {
	SignalID         string
	StrategyID       string
	Symbol           string
	TS               timeutil.Nanos
	TriggeringValues map[string]float64
}
