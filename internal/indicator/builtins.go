package indicator

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/quantpulse/tradepulse/internal/models"
)

// PnLVariantID is the pseudo-variant fed by the order manager with
// per-position returns. Registered so strategies can reference it like
// any other variant; the engine never computes it.
const PnLVariantID = "pnl_pct"

// finite gates NaN/Inf out of the output path.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// finiteValue wraps a computed scalar. A non-finite result is passed on
// as defined, so the engine suppresses it and counts an indicator error.
func finiteValue(v float64) (Value, bool) {
	return Value{Scalar: v}, true
}

// NewSMA builds a simple moving average variant over windowMs with the
// given sample period.
func NewSMA(windowMs int64, period int) Spec {
	params := map[string]float64{"window_ms": float64(windowMs), "period": float64(period)}
	return Spec{
		ID:       models.VariantID("sma", params),
		BaseType: "sma",
		Params:   params,
		Kind:     KindTick,
		Window:   time.Duration(windowMs) * time.Millisecond,
		Compute: func(in Input) (Value, bool) {
			closes := in.Window.Closes()
			if len(closes) < period {
				return Value{}, false
			}
			out := talib.Sma(closes, period)
			return finiteValue(out[len(out)-1])
		},
	}
}

// NewEMA builds an exponential moving average variant.
func NewEMA(windowMs int64, period int) Spec {
	params := map[string]float64{"window_ms": float64(windowMs), "period": float64(period)}
	return Spec{
		ID:       models.VariantID("ema", params),
		BaseType: "ema",
		Params:   params,
		Kind:     KindTick,
		Window:   time.Duration(windowMs) * time.Millisecond,
		Compute: func(in Input) (Value, bool) {
			closes := in.Window.Closes()
			if len(closes) < period {
				return Value{}, false
			}
			out := talib.Ema(closes, period)
			return finiteValue(out[len(out)-1])
		},
	}
}

// NewRSI builds a relative strength index variant.
func NewRSI(windowMs int64, period int) Spec {
	params := map[string]float64{"window_ms": float64(windowMs), "period": float64(period)}
	return Spec{
		ID:       models.VariantID("rsi", params),
		BaseType: "rsi",
		Params:   params,
		Kind:     KindTick,
		Window:   time.Duration(windowMs) * time.Millisecond,
		Compute: func(in Input) (Value, bool) {
			closes := in.Window.Closes()
			if len(closes) <= period {
				return Value{}, false
			}
			out := talib.Rsi(closes, period)
			return finiteValue(out[len(out)-1])
		},
	}
}

// NewBollinger builds a Bollinger bands variant. The value is composite:
// upper/mid/lower in Fields, mid mirrored in Scalar.
func NewBollinger(windowMs int64, period int, dev float64) Spec {
	params := map[string]float64{
		"window_ms": float64(windowMs),
		"period":    float64(period),
		"dev":       dev,
	}
	return Spec{
		ID:           models.VariantID("bollinger", params),
		BaseType:     "bollinger",
		Params:       params,
		Kind:         KindTick,
		Window:       time.Duration(windowMs) * time.Millisecond,
		OutputFields: []string{"upper", "mid", "lower"},
		Compute: func(in Input) (Value, bool) {
			closes := in.Window.Closes()
			if len(closes) < period {
				return Value{}, false
			}
			upper, mid, lower := talib.BBands(closes, period, dev, dev, talib.SMA)
			u, m, l := upper[len(upper)-1], mid[len(mid)-1], lower[len(lower)-1]
			if !finite(u) || !finite(m) || !finite(l) {
				return Value{Scalar: math.NaN()}, true
			}
			return Value{
				Scalar: m,
				Fields: map[string]float64{"upper": u, "mid": m, "lower": l},
			}, true
		},
	}
}

// NewPumpMagnitude builds a rate-of-change variant: percent move from the
// oldest to the newest close in the window.
func NewPumpMagnitude(windowMs int64) Spec {
	params := map[string]float64{"window_ms": float64(windowMs)}
	return Spec{
		ID:       models.VariantID("pump_magnitude_pct", params),
		BaseType: "pump_magnitude_pct",
		Params:   params,
		Kind:     KindTick,
		Window:   time.Duration(windowMs) * time.Millisecond,
		Compute: func(in Input) (Value, bool) {
			first := in.Window.First().Close
			if first <= 0 {
				return Value{}, false
			}
			return finiteValue((in.Window.Last().Close/first - 1) * 100)
		},
	}
}

// NewVWAPDeviation builds a variant measuring the close's percent
// deviation from the window VWAP.
func NewVWAPDeviation(windowMs int64) Spec {
	params := map[string]float64{"window_ms": float64(windowMs)}
	return Spec{
		ID:       models.VariantID("vwap_dev_pct", params),
		BaseType: "vwap_dev_pct",
		Params:   params,
		Kind:     KindTick,
		Window:   time.Duration(windowMs) * time.Millisecond,
		Compute: func(in Input) (Value, bool) {
			vwap, ok := in.Window.VWAP()
			if !ok || vwap <= 0 {
				return Value{}, false
			}
			return finiteValue((in.Window.Last().Close/vwap - 1) * 100)
		},
	}
}

// NewVolatility builds a variant for annualization-free return volatility
// over the window, in percent.
func NewVolatility(windowMs int64) Spec {
	params := map[string]float64{"window_ms": float64(windowMs)}
	return Spec{
		ID:       models.VariantID("volatility_pct", params),
		BaseType: "volatility_pct",
		Params:   params,
		Kind:     KindTick,
		Window:   time.Duration(windowMs) * time.Millisecond,
		Compute: func(in Input) (Value, bool) {
			returns := in.Window.Returns()
			if len(returns) < 2 {
				return Value{}, false
			}
			return finiteValue(stat.StdDev(returns, nil) * 100)
		},
	}
}

// NewZScore builds a variant for the close's z-score against the rolling
// window distribution.
func NewZScore(windowMs int64) Spec {
	params := map[string]float64{"window_ms": float64(windowMs)}
	return Spec{
		ID:       models.VariantID("zscore", params),
		BaseType: "zscore",
		Params:   params,
		Kind:     KindTick,
		Window:   time.Duration(windowMs) * time.Millisecond,
		Compute: func(in Input) (Value, bool) {
			if in.Stats == nil || in.Stats.Count() < 2 {
				return Value{}, false
			}
			return finiteValue(in.Stats.ZScore(in.Tick.Close))
		},
	}
}

// NewSpreadPct builds the orderbook bid/ask spread variant.
func NewSpreadPct() Spec {
	return Spec{
		ID:       "spread_pct",
		BaseType: "spread_pct",
		Params:   nil,
		Kind:     KindBook,
		Compute: func(in Input) (Value, bool) {
			if in.Book == nil || len(in.Book.Bids) == 0 || len(in.Book.Asks) == 0 {
				return Value{}, false
			}
			return finiteValue(in.Book.SpreadPct())
		},
	}
}

// NewPnLPct registers the externally-fed per-position return variant.
func NewPnLPct() Spec {
	return Spec{
		ID:       PnLVariantID,
		BaseType: PnLVariantID,
		Kind:     KindExternal,
	}
}

// RegisterDefaults registers the standard variant set used by the default
// strategy schema. Duplicate registration surfaces as an error.
func RegisterDefaults(c *Catalog) error {
	specs := []Spec{
		NewSMA(60_000, 20),
		NewEMA(60_000, 20),
		NewEMA(300_000, 50),
		NewRSI(60_000, 14),
		NewBollinger(120_000, 20, 2),
		NewPumpMagnitude(60_000),
		NewVWAPDeviation(60_000),
		NewVolatility(60_000),
		NewZScore(120_000),
		NewSpreadPct(),
		NewPnLPct(),
	}
	for _, spec := range specs {
		if err := c.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
