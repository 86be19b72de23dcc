package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/strategy"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

func obs(variant string, ts timeutil.Nanos, value float64) models.IndicatorValue {
	return models.IndicatorValue{VariantID: variant, Symbol: "BTCUSDT", TS: ts, Value: value}
}

func TestCondStateImmediate(t *testing.T) {
	cs := newCondState(strategy.Condition{VariantID: "x", Operator: strategy.OpGTE, Value: 7})
	base := timeutil.Nanos(1e18)

	assert.False(t, cs.satisfied(base), "unseen condition is unsatisfied")

	cs.observe(obs("x", base, 5))
	assert.False(t, cs.satisfied(base))

	cs.observe(obs("x", base.Add(time.Second), 8))
	assert.True(t, cs.satisfied(base.Add(time.Second)))

	cs.observe(obs("x", base.Add(2*time.Second), 6))
	assert.False(t, cs.satisfied(base.Add(2*time.Second)))
}

func TestCondStateDuration(t *testing.T) {
	cs := newCondState(strategy.Condition{
		VariantID: "x", Operator: strategy.OpGT, Value: 0, DurationMs: 5000,
	})
	base := timeutil.Nanos(1e18)

	cs.observe(obs("x", base, 1))
	assert.False(t, cs.satisfied(base), "not yet held long enough")

	cs.observe(obs("x", base.Add(3*time.Second), 1))
	assert.False(t, cs.satisfied(base.Add(3*time.Second)))

	cs.observe(obs("x", base.Add(5*time.Second), 1))
	assert.True(t, cs.satisfied(base.Add(5*time.Second)), "held continuously for 5s")

	// A single false observation resets continuity.
	cs.observe(obs("x", base.Add(6*time.Second), -1))
	cs.observe(obs("x", base.Add(7*time.Second), 1))
	assert.False(t, cs.satisfied(base.Add(7*time.Second)))
	assert.Equal(t, base.Add(12*time.Second), cs.readyAt())
}

func TestCondStateDurationZeroFiresImmediately(t *testing.T) {
	cs := newCondState(strategy.Condition{
		VariantID: "x", Operator: strategy.OpGT, Value: 0, DurationMs: 0,
	})
	base := timeutil.Nanos(1e18)

	cs.observe(obs("x", base, 1))
	assert.True(t, cs.satisfied(base), "duration 0 fires on the first true observation")
}

func TestCondStateTrailingWindow(t *testing.T) {
	cs := newCondState(strategy.Condition{
		VariantID: "x", Operator: strategy.OpGT, Value: 0, WindowMs: 10000,
	})
	base := timeutil.Nanos(1e18)

	cs.observe(obs("x", base, 1))
	cs.observe(obs("x", base.Add(time.Second), -1))

	// The firing at base counts within the 10s trailing window even
	// though the predicate is currently false.
	assert.True(t, cs.satisfied(base.Add(5*time.Second)))
	assert.False(t, cs.satisfied(base.Add(11*time.Second)), "fire aged out of the window")
}

func TestCondStateIgnoresOtherVariantsAndFields(t *testing.T) {
	cs := newCondState(strategy.Condition{
		VariantID: "boll", Field: "upper", Operator: strategy.OpGT, Value: 100,
	})
	base := timeutil.Nanos(1e18)

	cs.observe(obs("other", base, 500))
	assert.False(t, cs.satisfied(base))

	cs.observe(models.IndicatorValue{
		VariantID: "boll", Symbol: "BTCUSDT", TS: base.Add(time.Second),
		Value:  50,
		Fields: map[string]float64{"upper": 120, "mid": 100, "lower": 80},
	})
	assert.True(t, cs.satisfied(base.Add(time.Second)), "reads the named field, not the scalar")
}

func TestCondSetAllAny(t *testing.T) {
	set := newCondSet([]strategy.Condition{
		{VariantID: "a", Operator: strategy.OpGT, Value: 0},
		{VariantID: "b", Operator: strategy.OpLT, Value: 0},
	})
	base := timeutil.Nanos(1e18)

	assert.False(t, set.all(base))
	assert.False(t, set.any(base))

	set.observe(obs("a", base, 1))
	assert.False(t, set.all(base))
	assert.True(t, set.any(base))

	set.observe(obs("b", base.Add(time.Second), -1))
	assert.True(t, set.all(base.Add(time.Second)))

	vals := set.values()
	assert.Equal(t, 1.0, vals["a"])
	assert.Equal(t, -1.0, vals["b"])
}

func TestCondSetEmptyNeverAll(t *testing.T) {
	set := newCondSet(nil)
	assert.False(t, set.all(timeutil.Nanos(1e18)), "empty AND must not fire")
	assert.False(t, set.any(timeutil.Nanos(1e18)))
}

func TestTimerWheelFiresInOrder(t *testing.T) {
	tw := NewTimerWheel()
	defer tw.Stop()

	got := make(chan int, 3)
	tw.Schedule(30*time.Millisecond, func() { got <- 3 })
	tw.Schedule(10*time.Millisecond, func() { got <- 1 })
	tw.Schedule(20*time.Millisecond, func() { got <- 2 })

	deadline := time.After(time.Second)
	var order []int
	for len(order) < 3 {
		select {
		case v := <-got:
			order = append(order, v)
		case <-deadline:
			t.Fatalf("only %v fired", order)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestTimerWheelCancel(t *testing.T) {
	tw := NewTimerWheel()
	defer tw.Stop()

	fired := make(chan struct{}, 1)
	cancel := tw.Schedule(20*time.Millisecond, func() { fired <- struct{}{} })
	cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(60 * time.Millisecond):
	}

	// Cancelling again is harmless.
	cancel()
}
