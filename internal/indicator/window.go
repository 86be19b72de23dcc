package indicator

import (
	"time"

	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Window is a time-bounded sliding window of ticks for one
// (variant, symbol). Appends evict everything older than span behind the
// newest tick. Single-writer; owned by a symbol shard.
type Window struct {
	span time.Duration
	buf  []models.Tick
}

// NewWindow creates a window retaining span worth of ticks.
func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// Add appends a tick and returns the ticks evicted for falling out of
// the span.
func (w *Window) Add(tick models.Tick) []models.Tick {
	w.buf = append(w.buf, tick)
	cutoff := tick.TS.Add(-w.span)
	i := 0
	for i < len(w.buf)-1 && w.buf[i].TS.Before(cutoff) {
		i++
	}
	if i == 0 {
		return nil
	}
	evicted := make([]models.Tick, i)
	copy(evicted, w.buf[:i])
	w.buf = append(w.buf[:0], w.buf[i:]...)
	return evicted
}

// Count returns the number of retained ticks.
func (w *Window) Count() int { return len(w.buf) }

// Span returns the configured retention span.
func (w *Window) Span() time.Duration { return w.span }

// Covered returns the time distance between the oldest and newest tick.
func (w *Window) Covered() time.Duration {
	if len(w.buf) < 2 {
		return 0
	}
	return w.buf[len(w.buf)-1].TS.Sub(w.buf[0].TS)
}

// Warm reports whether the window holds enough of its span to produce a
// value: at least two ticks covering fillRatio of the span. A window
// shorter than the feed's inter-arrival time never warms.
func (w *Window) Warm(fillRatio float64) bool {
	if len(w.buf) < 2 {
		return false
	}
	return w.Covered() >= time.Duration(float64(w.span)*fillRatio)
}

// First returns the oldest tick.
func (w *Window) First() models.Tick { return w.buf[0] }

// Last returns the newest tick.
func (w *Window) Last() models.Tick { return w.buf[len(w.buf)-1] }

// LastTS returns the newest tick's timestamp, or zero when empty.
func (w *Window) LastTS() timeutil.Nanos {
	if len(w.buf) == 0 {
		return 0
	}
	return w.buf[len(w.buf)-1].TS
}

// Closes returns the close prices oldest-first. The slice is freshly
// allocated so talib calls cannot alias the buffer.
func (w *Window) Closes() []float64 {
	out := make([]float64, len(w.buf))
	for i, t := range w.buf {
		out[i] = t.Close
	}
	return out
}

// Returns computes consecutive relative returns oldest-first.
func (w *Window) Returns() []float64 {
	if len(w.buf) < 2 {
		return nil
	}
	out := make([]float64, 0, len(w.buf)-1)
	for i := 1; i < len(w.buf); i++ {
		prev := w.buf[i-1].Close
		if prev <= 0 {
			continue
		}
		out = append(out, w.buf[i].Close/prev-1)
	}
	return out
}

// VWAP returns the volume-weighted average price over the window, or
// false when there is no volume.
func (w *Window) VWAP() (float64, bool) {
	var pv, vol float64
	for _, t := range w.buf {
		pv += t.Close * t.Volume
		vol += t.Volume
	}
	if vol <= 0 {
		return 0, false
	}
	return pv / vol, true
}
