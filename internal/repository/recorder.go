package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/evaluator"
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/strategy"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// allTables migrated by Open.
var allTables = []any{
	&MarketDataRow{}, &IndicatorRow{}, &OrderRow{}, &PositionRow{},
	&SignalRow{}, &TransitionRow{}, &SessionRow{}, &InstanceRow{},
}

// Migrate creates the engine's tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allTables...); err != nil {
		return fmt.Errorf("migrate repository: %w", err)
	}
	return nil
}

// RecorderConfig sizes the write-behind queue.
type RecorderConfig struct {
	// QueueSize bounds pending rows.
	QueueSize int

	// BatchSize is the max rows per insert.
	BatchSize int

	// FlushInterval flushes a non-empty batch at least this often.
	FlushInterval time.Duration

	// Retries bounds re-attempts per batch before rows are dropped.
	Retries int
}

// Recorder mirrors bus events into the time-series tables. Writes are
// best-effort async: the engine never blocks on persistence, and
// failures retry with backoff up to a bounded budget, so duplicates can
// occur and readers must tolerate them.
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
	cfg    RecorderConfig

	rows   chan any
	sub    *eventbus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder creates the recorder.
func NewRecorder(db *gorm.DB, cfg RecorderConfig, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16384
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &Recorder{
		db:     db,
		logger: logger,
		cfg:    cfg,
		rows:   make(chan any, cfg.QueueSize),
	}, nil
}

// Start subscribes to the event surface and begins flushing.
func (r *Recorder) Start(bus *eventbus.Bus) error {
	sub, err := bus.Subscribe("*", eventbus.SubscribeOptions{
		Name:     "repository",
		Capacity: 8192,
		Policy:   eventbus.DropOldest,
	})
	if err != nil {
		return err
	}
	r.sub = sub

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{}, 2)

	go func() {
		defer func() { r.done <- struct{}{} }()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				r.ingest(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer func() { r.done <- struct{}{} }()
		r.flushLoop(ctx)
	}()
	return nil
}

// Stop drains what it can and shuts down.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.sub.Close()
		r.cancel()
		<-r.done
		<-r.done
	}
}

// ingest converts a bus event into rows and enqueues them. A full queue
// drops the row; persistence never applies backpressure to the engine.
func (r *Recorder) ingest(ev eventbus.Event) {
	row := r.rowFor(ev)
	if row == nil {
		return
	}
	select {
	case r.rows <- row:
	default:
		r.logger.Warn("Persistence queue full, dropping row",
			zap.String("topic", ev.Topic))
	}
}

func (r *Recorder) rowFor(ev eventbus.Event) any {
	switch payload := ev.Payload.(type) {
	case models.Tick:
		return &MarketDataRow{
			TS:     int64(payload.TS),
			Symbol: payload.Symbol,
			Day:    dayOf(int64(payload.TS)),
			Open:   payload.Open,
			High:   payload.High,
			Low:    payload.Low,
			Close:  payload.Close,
			Volume: payload.Volume,
			Trades: payload.TradesCount,
			VWAP:   payload.VWAP,
		}
	case models.IndicatorValue:
		fields := ""
		if len(payload.Fields) > 0 {
			raw, err := json.Marshal(payload.Fields)
			if err == nil {
				fields = string(raw)
			}
		}
		return &IndicatorRow{
			TS:        int64(payload.TS),
			Symbol:    payload.Symbol,
			VariantID: payload.VariantID,
			Value:     payload.Value,
			Fields:    fields,
		}
	case models.Order:
		if !payload.Status.Terminal() && payload.Status != models.OrderStatusNew {
			return nil
		}
		return &OrderRow{
			OrderID:     payload.OrderID,
			SignalID:    payload.SignalID,
			StrategyID:  payload.StrategyID,
			Symbol:      payload.Symbol,
			Side:        string(payload.Side),
			Type:        string(payload.Type),
			Status:      string(payload.Status),
			Qty:         payload.Qty,
			FilledQty:   payload.FilledQty,
			FilledPrice: payload.FilledPrice,
			Leverage:    payload.Leverage,
			Commission:  payload.Commission,
			TSCreated:   int64(payload.TSCreated),
			TSTerminal:  int64(payload.TSTerminal),
		}
	case models.Signal:
		values := ""
		if raw, err := json.Marshal(payload.TriggeringValues); err == nil {
			values = string(raw)
		}
		return &SignalRow{
			SignalID:   payload.SignalID,
			StrategyID: payload.StrategyID,
			Symbol:     payload.Symbol,
			TS:         int64(payload.TS),
			Values:     values,
		}
	case models.PositionClosed:
		pos := payload.Position
		return &PositionRow{
			PositionID:  pos.PositionID,
			StrategyID:  pos.StrategyID,
			Symbol:      pos.Symbol,
			Side:        string(pos.Side),
			EntryPrice:  pos.EntryPrice,
			Qty:         pos.Qty,
			Leverage:    pos.Leverage,
			SLPrice:     pos.SLPrice,
			TPPrice:     pos.TPPrice,
			RealizedPnL: pos.RealizedPnL,
			TSOpened:    int64(pos.TSOpened),
			Closed:      true,
			CloseReason: payload.Reason,
		}
	case models.Session:
		return &SessionRow{
			SessionID: payload.SessionID,
			Mode:      string(payload.Mode),
			Status:    string(payload.Status),
			StartedAt: int64(payload.StartedAt),
		}
	case evaluator.Transition:
		return &TransitionRow{
			StrategyID: payload.StrategyID,
			Symbol:     payload.Symbol,
			FromState:  string(payload.From),
			ToState:    string(payload.To),
			Reason:     payload.Reason,
			TS:         int64(payload.TS),
		}
	}
	return nil
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []any
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case row := <-r.rows:
			batch = append(batch, row)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Final drain of whatever is queued.
			for {
				select {
				case row := <-r.rows:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch inserts rows with bounded retries and backoff. At-least-
// once: a batch that partially succeeded may be retried whole.
func (r *Recorder) writeBatch(batch []any) {
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		err := r.db.Transaction(func(tx *gorm.DB) error {
			for _, row := range batch {
				if err := tx.Create(row).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return
		}
		r.logger.Warn("Persistence batch failed",
			zap.Int("attempt", attempt+1),
			zap.Int("rows", len(batch)),
			zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
	}
	r.logger.Error("Persistence batch dropped after retries",
		zap.Int("rows", len(batch)))
}

// TailValues implements the indicator engine's persistence fallback for
// pull queries: last n values, oldest-first.
func (r *Recorder) TailValues(ctx context.Context, variantID, symbol string, n int) ([]models.IndicatorValue, error) {
	var rows []IndicatorRow
	err := r.db.WithContext(ctx).
		Where("variant_id = ? AND symbol = ?", variantID, symbol).
		Order("ts DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]models.IndicatorValue, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		v := models.IndicatorValue{
			VariantID: row.VariantID,
			Symbol:    row.Symbol,
			TS:        timeutil.Normalize(row.TS),
			Value:     row.Value,
		}
		if row.Fields != "" {
			_ = json.Unmarshal([]byte(row.Fields), &v.Fields)
		}
		// Tolerate duplicate rows at the same (ts, key).
		if len(out) > 0 && out[len(out)-1].TS == v.TS {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// SaveInstance implements strategy.InstanceSink.
func (r *Recorder) SaveInstance(ctx context.Context, inst *strategy.Instance) error {
	row := &InstanceRow{
		StrategyID:        inst.StrategyID,
		Symbol:            inst.Symbol,
		State:             string(inst.State),
		CooldownUntil:     int64(inst.CooldownUntil),
		DailyTradesCount:  inst.DailyTradesCount,
		DailyPnL:          inst.DailyPnL,
		ConsecutiveLosses: inst.ConsecutiveLosses,
		SavedAt:           time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(row).Error
}
