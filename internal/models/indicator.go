package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// IndicatorVariant is the canonical identity of an indicator computation:
// a base type plus its parameters. The same base type with different
// parameters is a different variant, and strategies reference variants by
// their stable ID.
type IndicatorVariant struct {
	VariantID string
	BaseType  string
	Params    map[string]float64
}

// VariantID derives the canonical variant ID for a base type and params,
// e.g. ("ema", {"period": 20}) -> "ema_period=20".
func VariantID(baseType string, params map[string]float64) string {
	if len(params) == 0 {
		return baseType
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(baseType)
	for _, k := range keys {
		fmt.Fprintf(&b, "_%s=%g", k, params[k])
	}
	return b.String()
}

// IndicatorValue is one emitted indicator observation. Values are emitted
// with strictly increasing TS per (variant, symbol); stale values are
// dropped by the engine before they reach the bus.
type IndicatorValue struct {
	VariantID string
	Symbol    string
	TS        timeutil.Nanos
	// Value is the scalar output; composite variants set Fields instead
	// and mirror their primary component here.
	Value    float64
	Fields   map[string]float64
	Metadata map[string]string
}

// Field returns a component of a composite value, falling back to the
// scalar Value for the empty name.
func (v IndicatorValue) Field(name string) (float64, bool) {
	if name == "" {
		return v.Value, true
	}
	f, ok := v.Fields[name]
	return f, ok
}
