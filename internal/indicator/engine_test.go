package indicator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

func TestCatalogRegisterByIdentity(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(NewRSI(60_000, 14)))

	// A second registration for the same variant is an error, not a
	// silent overwrite.
	err := c.Register(NewRSI(60_000, 14))
	assert.ErrorIs(t, err, ErrVariantExists)

	// A different parameterization is a different variant.
	require.NoError(t, c.Register(NewRSI(120_000, 14)))

	assert.True(t, c.Has(models.VariantID("rsi", map[string]float64{
		"window_ms": 60_000, "period": 14,
	})))
	_, err = c.Lookup("nope")
	assert.ErrorIs(t, err, ErrVariantNotFound)
}

func TestVariantIDCanonical(t *testing.T) {
	a := models.VariantID("ema", map[string]float64{"period": 20, "window_ms": 60000})
	b := models.VariantID("ema", map[string]float64{"window_ms": 60000, "period": 20})
	assert.Equal(t, a, b, "param order must not change identity")
	assert.Equal(t, "ema_period=20_window_ms=60000", a)
}

type engineHarness struct {
	bus    *eventbus.Bus
	engine *Engine
	sub    *eventbus.Subscription
}

func newEngineHarness(t *testing.T, specs ...Spec) *engineHarness {
	bus := eventbus.New(zaptest.NewLogger(t), nil, eventbus.Options{})
	catalog := NewCatalog()
	for _, spec := range specs {
		require.NoError(t, catalog.Register(spec))
	}

	engine := NewEngine(bus, catalog, EngineConfig{
		TickThrough: time.Hour, // epsilon suppression stays deterministic
	}, nil, zaptest.NewLogger(t), nil)

	sub, err := bus.Subscribe(eventbus.TopicIndicatorUpdated, eventbus.SubscribeOptions{Capacity: 1024})
	require.NoError(t, err)
	require.NoError(t, engine.Start())

	t.Cleanup(func() {
		engine.Stop()
		bus.Close()
	})
	return &engineHarness{bus: bus, engine: engine, sub: sub}
}

func (h *engineHarness) feedTick(symbol string, ts timeutil.Nanos, close float64) {
	h.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicMarketPriceUpdate,
		Source: "test",
		Symbol: symbol,
		Payload: models.Tick{
			Symbol: symbol, TS: ts,
			Open: close, High: close, Low: close, Close: close, Volume: 1,
		},
	})
}

func (h *engineHarness) collect(t *testing.T, n int, wait time.Duration) []models.IndicatorValue {
	t.Helper()
	var out []models.IndicatorValue
	deadline := time.After(wait)
	for len(out) < n {
		select {
		case ev := <-h.sub.Events():
			out = append(out, ev.Payload.(models.IndicatorValue))
		case <-deadline:
			return out
		}
	}
	return out
}

func TestEngineWarmupThenEmit(t *testing.T) {
	h := newEngineHarness(t, NewPumpMagnitude(10_000))

	base := timeutil.Nanos(1e18)
	// Cover 90% of the 10s window with ticks 1s apart, price ramping up.
	for i := 0; i <= 9; i++ {
		h.feedTick("BTCUSDT", base.Add(time.Duration(i)*time.Second), 100+float64(i))
	}

	values := h.collect(t, 2, time.Second)
	require.NotEmpty(t, values, "warm window must emit")
	first := values[0]
	assert.Equal(t, "pump_magnitude_pct_window_ms=10000", first.VariantID)
	assert.Equal(t, "BTCUSDT", first.Symbol)
	// First emit happens once 80% of the window is covered: ticks 0..8,
	// magnitude (108/100-1)*100 = 8%.
	assert.InDelta(t, 8.0, first.Value, 1e-9)
}

func TestEngineMonotonicEmission(t *testing.T) {
	h := newEngineHarness(t, NewPumpMagnitude(10_000))

	base := timeutil.Nanos(1e18)
	for i := 0; i <= 9; i++ {
		h.feedTick("BTCUSDT", base.Add(time.Duration(i)*time.Second), 100+float64(i))
	}
	// Replay an old tick: the engine must not emit for it.
	h.feedTick("BTCUSDT", base.Add(2*time.Second), 500)
	h.feedTick("BTCUSDT", base.Add(10*time.Second), 120)

	values := h.collect(t, 10, 300*time.Millisecond)
	var last timeutil.Nanos
	for _, v := range values {
		assert.True(t, v.TS.After(last), "emission ts must strictly increase")
		last = v.TS
	}
}

func TestEngineNoValueBeforeWarmup(t *testing.T) {
	// 50ms window, ticks 1s apart: warmup never completes.
	h := newEngineHarness(t, NewPumpMagnitude(50))

	base := timeutil.Nanos(1e18)
	for i := 0; i < 20; i++ {
		h.feedTick("BTCUSDT", base.Add(time.Duration(i)*time.Second), 100+float64(i))
	}

	values := h.collect(t, 1, 200*time.Millisecond)
	assert.Empty(t, values, "window below inter-arrival time must never emit")
}

func TestEngineSuppressesNonFinite(t *testing.T) {
	// A variant whose compute divides by zero on demand.
	bad := Spec{
		ID:       "bad",
		BaseType: "bad",
		Kind:     KindTick,
		Window:   10 * time.Second,
		Compute: func(in Input) (Value, bool) {
			return Value{Scalar: in.Tick.Close / 0}, true
		},
	}
	h := newEngineHarness(t, bad)

	base := timeutil.Nanos(1e18)
	for i := 0; i <= 9; i++ {
		h.feedTick("BTCUSDT", base.Add(time.Duration(i)*time.Second), 100)
	}

	values := h.collect(t, 1, 200*time.Millisecond)
	assert.Empty(t, values, "NaN/Inf must never propagate as values")
}

func TestEngineEpsilonSuppression(t *testing.T) {
	spec := NewPumpMagnitude(10_000)
	bus := eventbus.New(zaptest.NewLogger(t), nil, eventbus.Options{})
	catalog := NewCatalog()
	require.NoError(t, catalog.Register(spec))
	engine := NewEngine(bus, catalog, EngineConfig{
		EmitEpsilon: 0.5,
		TickThrough: time.Hour,
	}, nil, zaptest.NewLogger(t), nil)
	sub, err := bus.Subscribe(eventbus.TopicIndicatorUpdated, eventbus.SubscribeOptions{Capacity: 256})
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	t.Cleanup(func() { engine.Stop(); bus.Close() })

	h := &engineHarness{bus: bus, engine: engine, sub: sub}
	base := timeutil.Nanos(1e18)
	for i := 0; i <= 8; i++ {
		h.feedTick("BTCUSDT", base.Add(time.Duration(i)*time.Second), 100)
	}
	// Flat price: first emit (0%), then identical values suppressed.
	h.feedTick("BTCUSDT", base.Add(9*time.Second), 100)
	h.feedTick("BTCUSDT", base.Add(10*time.Second), 100)

	values := h.collect(t, 3, 300*time.Millisecond)
	assert.Len(t, values, 1, "unchanged values within epsilon are suppressed")
}

func TestEngineCompositeBollinger(t *testing.T) {
	h := newEngineHarness(t, NewBollinger(20_000, 5, 2))

	base := timeutil.Nanos(1e18)
	prices := []float64{100, 101, 99, 102, 98, 103, 97, 104, 96, 105,
		100, 101, 99, 102, 98, 103, 97, 104, 96, 105, 100}
	for i, p := range prices {
		h.feedTick("BTCUSDT", base.Add(time.Duration(i)*time.Second), p)
	}

	values := h.collect(t, 1, time.Second)
	require.NotEmpty(t, values)
	v := values[0]
	upper, ok := v.Field("upper")
	require.True(t, ok)
	lower, ok := v.Field("lower")
	require.True(t, ok)
	mid, ok := v.Field("mid")
	require.True(t, ok)
	assert.Greater(t, upper, mid)
	assert.Greater(t, mid, lower)
	assert.Equal(t, mid, v.Value, "scalar mirrors the mid band")
}

func TestEngineTailPullAPI(t *testing.T) {
	h := newEngineHarness(t, NewPumpMagnitude(10_000))

	base := timeutil.Nanos(1e18)
	for i := 0; i <= 20; i++ {
		h.feedTick("BTCUSDT", base.Add(time.Duration(i)*time.Second), 100+float64(i))
	}
	// Wait until emissions arrive so the tail cache is populated.
	values := h.collect(t, 5, time.Second)
	require.NotEmpty(t, values)

	variantID := values[0].VariantID
	tail, err := h.engine.Tail(context.Background(), variantID, "BTCUSDT", 3)
	require.NoError(t, err)
	require.NotEmpty(t, tail)
	assert.LessOrEqual(t, len(tail), 3)
	for i := 1; i < len(tail); i++ {
		assert.True(t, tail[i].TS.After(tail[i-1].TS), "tail is oldest-first")
	}

	_, err = h.engine.Tail(context.Background(), "unknown", "BTCUSDT", 3)
	assert.ErrorIs(t, err, ErrVariantNotFound)
}
