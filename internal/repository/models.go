// Package repository is the best-effort time-series sink behind the
// engine: async write-behind with at-least-once durability. Readers
// tolerate duplicate rows at the same (ts, key).
package repository

import (
	"time"

	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Every row normalizes its timestamp through timeutil before any
// date-producing call, so a millisecond value arriving where seconds are
// expected can never mint a year-2082 artifact.

// MarketDataRow is one persisted tick, partitioned by day.
type MarketDataRow struct {
	ID     uint      `gorm:"primaryKey"`
	TS     int64     `gorm:"index:idx_md_ts_symbol"` // nanoseconds
	Symbol string    `gorm:"size:32;index:idx_md_ts_symbol"`
	Day    time.Time `gorm:"index"` // partition key, UTC midnight
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Trades int64
	VWAP   float64
}

// TableName sets the table name for gorm.
func (MarketDataRow) TableName() string { return "market_data" }

// IndicatorRow is one persisted indicator value.
type IndicatorRow struct {
	ID        uint   `gorm:"primaryKey"`
	TS        int64  `gorm:"index:idx_ind_key"`
	Symbol    string `gorm:"size:32;index:idx_ind_key"`
	VariantID string `gorm:"size:128;index:idx_ind_key"`
	Value     float64
	Fields    string // JSON for composites, empty for scalars
}

// TableName sets the table name for gorm.
func (IndicatorRow) TableName() string { return "indicators" }

// OrderRow is one persisted order snapshot, written at creation (NEW)
// and at the terminal status.
type OrderRow struct {
	ID          uint   `gorm:"primaryKey"`
	OrderID     string `gorm:"size:64;index"`
	SignalID    string `gorm:"size:64"`
	StrategyID  string `gorm:"size:64;index"`
	Symbol      string `gorm:"size:32"`
	Side        string `gorm:"size:8"`
	Type        string `gorm:"size:8"`
	Status      string `gorm:"size:20"`
	Qty         float64
	FilledQty   float64
	FilledPrice float64
	Leverage    float64
	Commission  float64
	TSCreated   int64
	TSTerminal  int64
}

// TableName sets the table name for gorm.
func (OrderRow) TableName() string { return "orders" }

// PositionRow is one persisted position snapshot.
type PositionRow struct {
	ID          uint   `gorm:"primaryKey"`
	PositionID  string `gorm:"size:64;index"`
	StrategyID  string `gorm:"size:64;index"`
	Symbol      string `gorm:"size:32"`
	Side        string `gorm:"size:8"`
	EntryPrice  float64
	Qty         float64
	Leverage    float64
	SLPrice     float64
	TPPrice     float64
	RealizedPnL float64
	TSOpened    int64
	Closed      bool
	CloseReason string `gorm:"size:64"`
}

// TableName sets the table name for gorm.
func (PositionRow) TableName() string { return "positions" }

// SignalRow is one persisted signal.
type SignalRow struct {
	ID         uint   `gorm:"primaryKey"`
	SignalID   string `gorm:"size:64;index"`
	StrategyID string `gorm:"size:64;index"`
	Symbol     string `gorm:"size:32"`
	TS         int64
	Values     string // JSON map variant -> value
}

// TableName sets the table name for gorm.
func (SignalRow) TableName() string { return "signals" }

// TransitionRow is one persisted state machine transition.
type TransitionRow struct {
	ID         uint   `gorm:"primaryKey"`
	StrategyID string `gorm:"size:64;index"`
	Symbol     string `gorm:"size:32"`
	FromState  string `gorm:"size:24"`
	ToState    string `gorm:"size:24"`
	Reason     string `gorm:"size:128"`
	TS         int64
}

// TableName sets the table name for gorm.
func (TransitionRow) TableName() string { return "state_transitions" }

// SessionRow is one persisted session snapshot.
type SessionRow struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"size:64;index"`
	Mode      string `gorm:"size:12"`
	Status    string `gorm:"size:12"`
	StartedAt int64
}

// TableName sets the table name for gorm.
func (SessionRow) TableName() string { return "sessions" }

// InstanceRow persists an instance's terminal state on deactivation.
type InstanceRow struct {
	ID                uint   `gorm:"primaryKey"`
	StrategyID        string `gorm:"size:64;index:idx_inst_key"`
	Symbol            string `gorm:"size:32;index:idx_inst_key"`
	State             string `gorm:"size:24"`
	CooldownUntil     int64
	DailyTradesCount  int
	DailyPnL          float64
	ConsecutiveLosses int
	SavedAt           time.Time
}

// TableName sets the table name for gorm.
func (InstanceRow) TableName() string { return "strategy_instances" }

// dayOf buckets a raw timestamp of any unit into its UTC day.
func dayOf(raw int64) time.Time {
	t := timeutil.NormalizeTime(raw).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
