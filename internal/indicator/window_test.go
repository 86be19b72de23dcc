package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

func tickAt(ts timeutil.Nanos, close float64) models.Tick {
	return models.Tick{Symbol: "BTCUSDT", TS: ts, Close: close, Volume: 1}
}

func TestWindowEviction(t *testing.T) {
	w := NewWindow(10 * time.Second)
	base := timeutil.Nanos(1e18)

	w.Add(tickAt(base, 1))
	w.Add(tickAt(base.Add(5*time.Second), 2))
	w.Add(tickAt(base.Add(9*time.Second), 3))
	assert.Equal(t, 3, w.Count())

	evicted := w.Add(tickAt(base.Add(12*time.Second), 4))
	assert.Len(t, evicted, 1)
	assert.Equal(t, 1.0, evicted[0].Close)
	assert.Equal(t, 3, w.Count())
	assert.Equal(t, 2.0, w.First().Close)
	assert.Equal(t, 4.0, w.Last().Close)
}

func TestWindowWarmup(t *testing.T) {
	w := NewWindow(10 * time.Second)
	base := timeutil.Nanos(1e18)

	assert.False(t, w.Warm(0.8), "empty window is cold")
	w.Add(tickAt(base, 1))
	assert.False(t, w.Warm(0.8), "single tick is cold")
	w.Add(tickAt(base.Add(5*time.Second), 2))
	assert.False(t, w.Warm(0.8), "half-covered window is cold")
	w.Add(tickAt(base.Add(8*time.Second), 3))
	assert.True(t, w.Warm(0.8))
}

// A window shorter than the feed's inter-arrival time never warms: each
// tick evicts the previous one.
func TestWindowShorterThanInterArrivalNeverWarms(t *testing.T) {
	w := NewWindow(50 * time.Millisecond)
	base := timeutil.Nanos(1e18)

	for i := 0; i < 100; i++ {
		w.Add(tickAt(base.Add(time.Duration(i)*time.Second), float64(i)))
		assert.False(t, w.Warm(0.8), "tick %d", i)
	}
	assert.Equal(t, 1, w.Count())
}

func TestWindowVWAP(t *testing.T) {
	w := NewWindow(time.Minute)
	base := timeutil.Nanos(1e18)

	_, ok := w.VWAP()
	assert.False(t, ok)

	w.Add(models.Tick{TS: base, Close: 100, Volume: 1})
	w.Add(models.Tick{TS: base.Add(time.Second), Close: 200, Volume: 3})

	vwap, ok := w.VWAP()
	assert.True(t, ok)
	assert.InDelta(t, 175.0, vwap, 1e-9)
}

func TestRollingStatsWindowed(t *testing.T) {
	var s RollingStats
	for _, v := range []float64{1, 2, 3, 4, 5} {
		s.Add(v)
	}
	assert.Equal(t, 5, s.Count())
	assert.InDelta(t, 3.0, s.Mean(), 1e-9)
	assert.InDelta(t, 2.5, s.Variance(), 1e-9)

	// Slide the window: drop 1, add 6 -> {2,3,4,5,6}.
	s.Remove(1)
	s.Add(6)
	assert.Equal(t, 5, s.Count())
	assert.InDelta(t, 4.0, s.Mean(), 1e-6)
	assert.InDelta(t, 2.5, s.Variance(), 1e-6)

	assert.InDelta(t, 1.2649, s.ZScore(6), 1e-3)
}
