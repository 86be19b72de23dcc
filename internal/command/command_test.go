package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/indicator"
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/session"
	"github.com/quantpulse/tradepulse/internal/strategy"
)

type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, def *strategy.Definition, inst *strategy.Instance) error {
	<-ctx.Done()
	return ctx.Err()
}

func newHandler(t *testing.T) (*Handler, *strategy.Manager) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	catalog := indicator.NewCatalog()
	require.NoError(t, indicator.RegisterDefaults(catalog))

	store, err := strategy.NewStore(db, strategy.NewValidator(catalog), zaptest.NewLogger(t))
	require.NoError(t, err)

	manager := strategy.NewManager(store, idleRunner{}, nil, zaptest.NewLogger(t), nil)
	bus := eventbus.New(zaptest.NewLogger(t), nil, eventbus.Options{})
	controller := session.NewController(manager, nil, bus, zaptest.NewLogger(t))

	engine := indicator.NewEngine(bus, catalog, indicator.EngineConfig{}, nil, zaptest.NewLogger(t), nil)

	t.Cleanup(func() {
		manager.DeactivateAll(context.Background())
		bus.Close()
	})
	return NewHandler(store, manager, controller, engine), manager
}

func sampleDef() *strategy.Definition {
	pump := models.VariantID("pump_magnitude_pct", map[string]float64{"window_ms": 60000})
	rsi := models.VariantID("rsi", map[string]float64{"window_ms": 60000, "period": 14})
	return &strategy.Definition{
		StrategyName: "cmd-test",
		Direction:    strategy.DirectionLong,
		Enabled:      true,
		S1Signal: strategy.SignalSection{Conditions: []strategy.Condition{
			{VariantID: pump, Operator: strategy.OpGTE, Value: 7},
		}},
		Z1Entry: strategy.EntrySection{
			Conditions: []strategy.Condition{
				{VariantID: rsi, Operator: strategy.OpLTE, Value: 80},
			},
			PositionSize: strategy.PositionSize{Type: "fixed", Value: 100},
			Leverage:     2,
		},
		ZE1Close: strategy.CloseSection{Conditions: []strategy.Condition{
			{VariantID: "pnl_pct", Operator: strategy.OpGTE, Value: 10},
		}},
	}
}

func TestCommandStrategyCRUD(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	res := h.CreateStrategy(ctx, sampleDef())
	require.Equal(t, StatusOK, res.Status)
	id := res.Data.(map[string]string)["strategy_id"]
	require.NotEmpty(t, id)

	res = h.ListStrategies(ctx, strategy.ListFilter{})
	require.Equal(t, StatusOK, res.Status)
	assert.Len(t, res.Data.([]*strategy.Definition), 1)

	res = h.DeleteStrategy(ctx, id)
	require.Equal(t, StatusOK, res.Status)

	res = h.DeleteStrategy(ctx, id)
	require.Equal(t, StatusError, res.Status)
	assert.Equal(t, CodeNotFound, res.Error.Code)
}

func TestCommandValidationErrorCode(t *testing.T) {
	h, _ := newHandler(t)

	bad := sampleDef()
	bad.Z1Entry.Leverage = 50
	res := h.CreateStrategy(context.Background(), bad)
	require.Equal(t, StatusError, res.Status)
	assert.Equal(t, CodeValidation, res.Error.Code)
}

func TestCommandActivateFlow(t *testing.T) {
	h, manager := newHandler(t)
	ctx := context.Background()

	created := h.CreateStrategy(ctx, sampleDef())
	require.Equal(t, StatusOK, created.Status)
	id := created.Data.(map[string]string)["strategy_id"]

	// Cache cold until a session start (or explicit load).
	res := h.Activate(ctx, id, "BTCUSDT")
	require.Equal(t, StatusError, res.Status)

	require.NoError(t, manager.LoadFromStore(ctx))

	res = h.Activate(ctx, id, "BTCUSDT")
	require.Equal(t, StatusOK, res.Status)

	res = h.Activate(ctx, id, "BTCUSDT")
	require.Equal(t, StatusError, res.Status)
	assert.Equal(t, CodeAlreadyActive, res.Error.Code)

	res = h.Deactivate(ctx, id, "BTCUSDT")
	require.Equal(t, StatusOK, res.Status)
	res = h.Deactivate(ctx, id, "BTCUSDT")
	require.Equal(t, StatusOK, res.Status, "deactivate is idempotent")
}

func TestCommandQueryIndicatorTail(t *testing.T) {
	h, _ := newHandler(t)

	res := h.QueryIndicatorTail(context.Background(), "nope", "BTCUSDT", 5)
	require.Equal(t, StatusError, res.Status)
	assert.Equal(t, CodeNotFound, res.Error.Code)

	pump := models.VariantID("pump_magnitude_pct", map[string]float64{"window_ms": 60000})
	res = h.QueryIndicatorTail(context.Background(), pump, "BTCUSDT", 5)
	require.Equal(t, StatusOK, res.Status)
	assert.Empty(t, res.Data.([]models.IndicatorValue))
}