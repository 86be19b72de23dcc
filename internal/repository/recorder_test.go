package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/strategy"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

func newTestRecorder(t *testing.T) (*Recorder, *eventbus.Bus, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	rec, err := NewRecorder(db, RecorderConfig{FlushInterval: 20 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	bus := eventbus.New(zaptest.NewLogger(t), nil, eventbus.Options{})
	require.NoError(t, rec.Start(bus))

	t.Cleanup(func() {
		rec.Stop()
		bus.Close()
	})
	return rec, bus, db
}

func waitRows(t *testing.T, db *gorm.DB, model any, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		require.NoError(t, db.Model(model).Count(&count).Error)
		if count >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("rows for %T never reached %d", model, want)
}

func TestRecorderPersistsTicks(t *testing.T) {
	_, bus, db := newTestRecorder(t)

	ts := timeutil.Now()
	bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicMarketPriceUpdate,
		Source: "test",
		Symbol: "BTCUSDT",
		Payload: models.Tick{
			Symbol: "BTCUSDT", TS: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 3,
		},
	})

	waitRows(t, db, &MarketDataRow{}, 1)

	var row MarketDataRow
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, int64(ts), row.TS)
	assert.Equal(t, time.Now().UTC().Year(), row.Day.Year())
}

// A millisecond timestamp where the system expects another unit must be
// normalized before any date-producing call.
func TestRecorderNormalizesCorruptTimestampUnits(t *testing.T) {
	_, bus, db := newTestRecorder(t)

	ms := time.Now().UnixMilli() // wrong unit arriving in TS
	bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicMarketPriceUpdate,
		Source: "test",
		Symbol: "BTCUSDT",
		Payload: models.Tick{
			Symbol: "BTCUSDT", TS: timeutil.Nanos(ms), Open: 1, High: 1, Low: 1, Close: 1,
		},
	})

	waitRows(t, db, &MarketDataRow{}, 1)

	var row MarketDataRow
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, time.Now().UTC().Year(), row.Day.Year(),
		"no year-2082 artifact from a ms-as-ns timestamp")
}

func TestRecorderPersistsOrdersAndSignals(t *testing.T) {
	_, bus, db := newTestRecorder(t)

	bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicOrderFilled,
		Source: "test",
		Payload: models.Order{
			OrderID: "o1", StrategyID: "pump", Symbol: "BTCUSDT",
			Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
			Status: models.OrderStatusFilled, Qty: 1, FilledQty: 1, FilledPrice: 100,
			TSCreated: timeutil.Now(), TSTerminal: timeutil.Now(),
		},
	})
	bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicSignalDetected,
		Source: "test",
		Payload: models.Signal{
			SignalID: "s1", StrategyID: "pump", Symbol: "BTCUSDT",
			TS:               timeutil.Now(),
			TriggeringValues: map[string]float64{"pump": 8},
		},
	})

	waitRows(t, db, &OrderRow{}, 1)
	waitRows(t, db, &SignalRow{}, 1)

	var sig SignalRow
	require.NoError(t, db.First(&sig).Error)
	assert.Contains(t, sig.Values, "pump")
}

func TestRecorderTailValues(t *testing.T) {
	rec, bus, db := newTestRecorder(t)

	base := timeutil.Now()
	for i := 0; i < 5; i++ {
		bus.PublishEvent(eventbus.Event{
			Topic:  eventbus.TopicIndicatorUpdated,
			Source: "test",
			Symbol: "BTCUSDT",
			Payload: models.IndicatorValue{
				VariantID: "rsi", Symbol: "BTCUSDT",
				TS: base.Add(time.Duration(i) * time.Second), Value: float64(i),
			},
		})
	}
	waitRows(t, db, &IndicatorRow{}, 5)

	tail, err := rec.TailValues(context.Background(), "rsi", "BTCUSDT", 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, 2.0, tail[0].Value)
	assert.Equal(t, 4.0, tail[2].Value)
	for i := 1; i < len(tail); i++ {
		assert.True(t, tail[i].TS.After(tail[i-1].TS), "oldest-first")
	}
}

func TestRecorderSaveInstance(t *testing.T) {
	rec, _, db := newTestRecorder(t)

	inst := &strategy.Instance{
		StrategyID: "pump", Symbol: "BTCUSDT",
		State: strategy.StateCooldown, DailyTradesCount: 2, DailyPnL: -12.5,
	}
	require.NoError(t, rec.SaveInstance(context.Background(), inst))

	var row InstanceRow
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "COOLDOWN", row.State)
	assert.Equal(t, 2, row.DailyTradesCount)
}
