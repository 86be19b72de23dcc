package session

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
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/strategy"
)

// idleRunner blocks until cancelled.
type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, def *strategy.Definition, inst *strategy.Instance) error {
	<-ctx.Done()
	return ctx.Err()
}

// slowCatalog accepts any variant; session tests exercise orchestration,
// not schema validation.
type slowCatalog struct{}

func (slowCatalog) Has(string) bool            { return true }
func (slowCatalog) FieldNames(string) []string { return nil }

type harness struct {
	store      *strategy.Store
	manager    *strategy.Manager
	controller *Controller
	bus        *eventbus.Bus
}

func minimalDef(id string) *strategy.Definition {
	return &strategy.Definition{
		StrategyID:   id,
		StrategyName: id,
		Direction:    strategy.DirectionLong,
		Enabled:      true,
		S1Signal: strategy.SignalSection{Conditions: []strategy.Condition{
			{VariantID: "pump", Operator: strategy.OpGTE, Value: 7},
		}},
		Z1Entry: strategy.EntrySection{
			Conditions: []strategy.Condition{
				{VariantID: "rsi", Operator: strategy.OpLTE, Value: 80},
			},
			PositionSize: strategy.PositionSize{Type: "fixed", Value: 100},
			Leverage:     1,
		},
		ZE1Close: strategy.CloseSection{Conditions: []strategy.Condition{
			{VariantID: "pnl_pct", Operator: strategy.OpGTE, Value: 10},
		}},
	}
}

func newHarness(t *testing.T, strategies ...string) *harness {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := strategy.NewStore(db, strategy.NewValidator(slowCatalog{}), zaptest.NewLogger(t))
	require.NoError(t, err)
	for _, id := range strategies {
		_, err := store.Create(context.Background(), minimalDef(id))
		require.NoError(t, err)
	}

	manager := strategy.NewManager(store, idleRunner{}, nil, zaptest.NewLogger(t), nil)
	bus := eventbus.New(zaptest.NewLogger(t), nil, eventbus.Options{})
	controller := NewController(manager, nil, bus, zaptest.NewLogger(t))

	t.Cleanup(func() {
		manager.DeactivateAll(context.Background())
		bus.Close()
	})
	return &harness{store: store, manager: manager, controller: controller, bus: bus}
}

func TestStartActivatesEverything(t *testing.T) {
	h := newHarness(t, "alpha", "beta")

	res, err := h.controller.Start(context.Background(), StartRequest{
		Mode:       models.SessionModePaper,
		Symbols:    []string{"BTCUSDT", "ETHUSDT"},
		Strategies: []string{"alpha", "beta"},
		BudgetCap:  5000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, res.Session.Status)
	assert.Len(t, res.Activations, 4)

	// Invariant: success implies an ACTIVE instance per requested pair.
	for _, strategyID := range []string{"alpha", "beta"} {
		for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
			_, active := h.manager.Active(strategy.Key{StrategyID: strategyID, Symbol: symbol})
			assert.True(t, active, "%s/%s", strategyID, symbol)
		}
	}
}

func TestStartReportsPartialFailures(t *testing.T) {
	h := newHarness(t, "alpha")

	res, err := h.controller.Start(context.Background(), StartRequest{
		Mode:       models.SessionModePaper,
		Symbols:    []string{"BTCUSDT"},
		Strategies: []string{"alpha", "ghost"},
	})
	require.NoError(t, err)

	var failed *ActivationResult
	for i := range res.Activations {
		if res.Activations[i].StrategyID == "ghost" {
			failed = &res.Activations[i]
		}
	}
	require.NotNil(t, failed)
	assert.ErrorIs(t, failed.Err, strategy.ErrUnknownStrategy)
}

func TestStartAllFailuresFailsSession(t *testing.T) {
	h := newHarness(t)

	res, err := h.controller.Start(context.Background(), StartRequest{
		Mode:       models.SessionModePaper,
		Symbols:    []string{"BTCUSDT"},
		Strategies: []string{"ghost"},
	})
	require.Error(t, err)
	assert.Equal(t, models.SessionStatusFailed, res.Session.Status)
}

func TestSessionConflictPriority(t *testing.T) {
	h := newHarness(t, "alpha")
	ctx := context.Background()

	live, err := h.controller.Start(ctx, StartRequest{
		Mode:       models.SessionModeLive,
		Symbols:    []string{"BTCUSDT"},
		Strategies: []string{"alpha"},
	})
	require.NoError(t, err)

	// A paper session on the same symbol loses to the live one.
	_, err = h.controller.Start(ctx, StartRequest{
		Mode:       models.SessionModePaper,
		Symbols:    []string{"BTCUSDT", "SOLUSDT"},
		Strategies: []string{"alpha"},
	})
	assert.ErrorIs(t, err, ErrSessionConflict)

	// Idempotent start returns the existing session instead.
	res, err := h.controller.Start(ctx, StartRequest{
		Mode:       models.SessionModePaper,
		Symbols:    []string{"BTCUSDT"},
		Strategies: []string{"alpha"},
		Idempotent: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Existing)
	assert.Equal(t, live.Session.SessionID, res.Session.SessionID)

	// Disjoint symbols do not conflict.
	_, err = h.controller.Start(ctx, StartRequest{
		Mode:       models.SessionModePaper,
		Symbols:    []string{"SOLUSDT"},
		Strategies: []string{"alpha"},
	})
	assert.NoError(t, err)
}

// Activation is impossible before the controller has warmed the cache;
// after Start returns, the instance is ACTIVE with no further waiting.
func TestStartWarmsCacheBeforeActivating(t *testing.T) {
	h := newHarness(t, "alpha")

	_, err := h.manager.Activate("alpha", "BTCUSDT")
	assert.ErrorIs(t, err, strategy.ErrCacheCold)

	res, err := h.controller.Start(context.Background(), StartRequest{
		Mode:       models.SessionModePaper,
		Symbols:    []string{"BTCUSDT"},
		Strategies: []string{"alpha"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, res.Session.Status)

	_, active := h.manager.Active(strategy.Key{StrategyID: "alpha", Symbol: "BTCUSDT"})
	assert.True(t, active, "instance is ACTIVE immediately upon return")
}

func TestStopDeactivatesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, "alpha")
	ctx := context.Background()

	res, err := h.controller.Start(ctx, StartRequest{
		Mode:       models.SessionModePaper,
		Symbols:    []string{"BTCUSDT"},
		Strategies: []string{"alpha"},
	})
	require.NoError(t, err)

	require.NoError(t, h.controller.Stop(ctx, res.Session.SessionID, StopOptions{}))
	assert.Equal(t, 0, h.manager.ActiveCount())

	status, err := h.controller.Status(res.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, status.Status)

	// Stopping again succeeds without effect.
	require.NoError(t, h.controller.Stop(ctx, res.Session.SessionID, StopOptions{}))

	assert.ErrorIs(t, h.controller.Stop(ctx, "missing", StopOptions{}), ErrSessionNotFound)
}
