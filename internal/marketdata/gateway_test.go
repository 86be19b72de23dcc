package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/models"
)

func newTestGateway(t *testing.T) (*Gateway, *eventbus.Bus) {
	bus := eventbus.New(zaptest.NewLogger(t), nil, eventbus.Options{})
	gw := NewGateway(bus, GatewayConfig{}, zaptest.NewLogger(t), nil)
	require.NoError(t, gw.Start())
	t.Cleanup(func() {
		gw.Stop(context.Background())
		bus.Close()
	})
	return gw, bus
}

func recvTick(t *testing.T, sub *eventbus.Subscription) models.Tick {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev.Payload.(models.Tick)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick")
		return models.Tick{}
	}
}

func TestGatewayNormalizesTick(t *testing.T) {
	gw, bus := newTestGateway(t)

	sub, err := bus.Subscribe("market.*", eventbus.SubscribeOptions{Capacity: 16})
	require.NoError(t, err)

	// Millisecond timestamp must come out in nanoseconds.
	ms := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	gw.intake <- VenueEvent{Tick: &VenueTick{
		Symbol: "BTCUSDT", TS: ms, Open: 100, High: 102, Low: 99, Close: 101, Volume: 5,
	}}

	tick := recvTick(t, sub)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 2026, tick.TS.Time().UTC().Year())
	assert.Equal(t, ms*int64(time.Millisecond), int64(tick.TS))
}

func TestGatewayMonotonicPerSymbol(t *testing.T) {
	gw, bus := newTestGateway(t)

	sub, err := bus.Subscribe("market.price_update", eventbus.SubscribeOptions{Capacity: 64})
	require.NoError(t, err)

	base := time.Now().UnixNano()
	send := func(sym string, ts int64) {
		gw.intake <- VenueEvent{Tick: &VenueTick{
			Symbol: sym, TS: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1,
		}}
	}

	send("BTCUSDT", base)
	send("BTCUSDT", base)                                 // duplicate: dropped
	send("BTCUSDT", base-int64(time.Second))              // stale: dropped
	send("BTCUSDT", base-int64(100*time.Millisecond))     // reorder within tolerance: dropped
	send("BTCUSDT", base+int64(time.Second))              // advances
	send("ETHUSDT", base-int64(time.Hour))                // other symbol unaffected

	deadline := time.After(time.Second)
	var got []models.Tick
	for len(got) < 3 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Payload.(models.Tick))
		case <-deadline:
			t.Fatalf("expected 3 ticks, got %d", len(got))
		}
	}

	assert.Equal(t, int64(base), int64(got[0].TS))
	assert.Equal(t, base+int64(time.Second), int64(got[1].TS))
	assert.Equal(t, "ETHUSDT", got[2].Symbol)

	// No further events arrive.
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGatewayReconnectEmitsGap(t *testing.T) {
	gw, bus := newTestGateway(t)

	reconnSub, err := bus.Subscribe(eventbus.TopicExchangeReconnected, eventbus.SubscribeOptions{Capacity: 4})
	require.NoError(t, err)
	gapSub, err := bus.Subscribe(eventbus.TopicSystemGap, eventbus.SubscribeOptions{Capacity: 4})
	require.NoError(t, err)

	from := time.Now().Add(-10 * time.Second).UnixNano()
	to := time.Now().UnixNano()
	gw.intake <- VenueEvent{Reconnect: &Reconnect{
		Venue: "mexc", DownFrom: from, DownTo: to, Attempts: 3,
	}}

	select {
	case ev := <-reconnSub.Events():
		rc := ev.Payload.(ReconnectedEvent)
		assert.Equal(t, "mexc", rc.Venue)
		assert.Equal(t, 3, rc.Attempts)
		assert.Equal(t, from, int64(rc.DownFrom))
	case <-time.After(time.Second):
		t.Fatal("no exchange.reconnected event")
	}

	select {
	case ev := <-gapSub.Events():
		gap := ev.Payload.(eventbus.GapMarker)
		assert.Equal(t, "venue:mexc", gap.Subscription)
		assert.Equal(t, uint64(1), gap.Dropped)
		assert.Equal(t, from, int64(gap.From))
		assert.Equal(t, to, int64(gap.To))
	case <-time.After(time.Second):
		t.Fatal("no gap marker")
	}
}

func TestGatewaySourceRegistry(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	sim := NewSimSource(SimSourceConfig{
		Name: "sim", Symbols: []string{"BTCUSDT"}, Interval: 10 * time.Millisecond, Seed: 1,
	}, zaptest.NewLogger(t))

	require.NoError(t, gw.AddSource(ctx, sim))
	assert.ErrorIs(t, gw.AddSource(ctx, sim), ErrSourceExists)

	require.NoError(t, gw.RemoveSource(ctx, "sim"))
	assert.ErrorIs(t, gw.RemoveSource(ctx, "sim"), ErrSourceNotFound)
}

func TestSimSourceDeterministic(t *testing.T) {
	collect := func(seed int64) []float64 {
		out := make(chan VenueEvent, 128)
		sim := NewSimSource(SimSourceConfig{
			Symbols: []string{"BTCUSDT"}, Interval: time.Millisecond, Seed: seed,
		}, zaptest.NewLogger(t))
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, sim.Start(ctx, out))

		var prices []float64
		for len(prices) < 10 {
			ev := <-out
			if ev.Tick != nil {
				prices = append(prices, ev.Tick.Close)
			}
		}
		cancel()
		sim.Stop(context.Background())
		return prices
	}

	assert.Equal(t, collect(42), collect(42))
	assert.NotEqual(t, collect(42), collect(43))
}
