package evaluator

import (
	"time"

	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/strategy"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// condState tracks one condition's runtime state: the latest observation,
// how long the raw predicate has held, and the recent satisfaction
// history for trailing-window semantics.
type condState struct {
	cond strategy.Condition

	seen      bool
	lastValue float64
	lastTS    timeutil.Nanos

	// trueSince is when the raw predicate last flipped to true; zero
	// while it is false.
	trueSince timeutil.Nanos

	// fires records when the (duration-qualified) predicate was
	// satisfied, pruned to the trailing window.
	fires []timeutil.Nanos
}

func newCondState(cond strategy.Condition) *condState {
	return &condState{cond: cond}
}

// observe feeds an indicator value into the condition.
func (cs *condState) observe(v models.IndicatorValue) {
	if v.VariantID != cs.cond.VariantID {
		return
	}
	value, ok := v.Field(cs.cond.Field)
	if !ok {
		return
	}

	cs.seen = true
	cs.lastValue = value
	cs.lastTS = v.TS

	if cs.cond.Holds(value) {
		if cs.trueSince.IsZero() {
			cs.trueSince = v.TS
		}
	} else {
		// Any false observation resets the continuity clock.
		cs.trueSince = 0
	}

	if cs.baseSatisfied(v.TS) {
		cs.recordFire(v.TS)
	}
}

// baseSatisfied applies the duration qualifier: the raw predicate must
// have held continuously for duration_ms. duration_ms=0 fires on the
// first true observation.
func (cs *condState) baseSatisfied(now timeutil.Nanos) bool {
	if cs.trueSince.IsZero() {
		return false
	}
	need := time.Duration(cs.cond.DurationMs) * time.Millisecond
	return now.Sub(cs.trueSince) >= need
}

func (cs *condState) recordFire(ts timeutil.Nanos) {
	cs.fires = append(cs.fires, ts)
	cs.prune(ts)
}

func (cs *condState) prune(now timeutil.Nanos) {
	if cs.cond.WindowMs <= 0 {
		// Only the latest fire matters without a trailing window.
		if len(cs.fires) > 1 {
			cs.fires = cs.fires[len(cs.fires)-1:]
		}
		return
	}
	cutoff := now.Add(-time.Duration(cs.cond.WindowMs) * time.Millisecond)
	i := 0
	for i < len(cs.fires) && cs.fires[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cs.fires = append(cs.fires[:0], cs.fires[i:]...)
	}
}

// satisfied reports the condition's truth at now. With window_ms set,
// any qualified firing within the trailing window counts; otherwise the
// predicate must hold right now (including its duration qualifier).
func (cs *condState) satisfied(now timeutil.Nanos) bool {
	if !cs.seen {
		return false
	}
	if cs.cond.WindowMs > 0 {
		cs.prune(now)
		for _, ts := range cs.fires {
			if !ts.After(now) {
				return true
			}
		}
		return false
	}
	return cs.baseSatisfied(now)
}

// readyAt returns when a currently-true duration predicate will become
// satisfied, or zero when no wake is needed.
func (cs *condState) readyAt() timeutil.Nanos {
	if cs.cond.DurationMs <= 0 || cs.trueSince.IsZero() {
		return 0
	}
	ready := cs.trueSince.Add(time.Duration(cs.cond.DurationMs) * time.Millisecond)
	return ready
}

// condSet is the per-section condition group.
type condSet struct {
	states []*condState
}

func newCondSet(conds []strategy.Condition) *condSet {
	set := &condSet{states: make([]*condState, len(conds))}
	for i, c := range conds {
		set.states[i] = newCondState(c)
	}
	return set
}

// observe feeds an indicator value into every condition of the set.
func (s *condSet) observe(v models.IndicatorValue) {
	for _, cs := range s.states {
		cs.observe(v)
	}
}

// all reports whether every condition is satisfied (AND). Empty sets are
// never satisfied.
func (s *condSet) all(now timeutil.Nanos) bool {
	if len(s.states) == 0 {
		return false
	}
	for _, cs := range s.states {
		if !cs.satisfied(now) {
			return false
		}
	}
	return true
}

// any reports whether at least one condition is satisfied (OR).
func (s *condSet) any(now timeutil.Nanos) bool {
	for _, cs := range s.states {
		if cs.satisfied(now) {
			return true
		}
	}
	return false
}

// values snapshots the latest observation per variant, for signal
// payloads.
func (s *condSet) values() map[string]float64 {
	out := make(map[string]float64, len(s.states))
	for _, cs := range s.states {
		if cs.seen {
			out[cs.cond.VariantID] = cs.lastValue
		}
	}
	return out
}

// nextDurationWake returns the earliest pending duration readiness
// across the set, or zero.
func (s *condSet) nextDurationWake() timeutil.Nanos {
	var earliest timeutil.Nanos
	for _, cs := range s.states {
		ready := cs.readyAt()
		if ready.IsZero() {
			continue
		}
		if earliest.IsZero() || ready.Before(earliest) {
			earliest = ready
		}
	}
	return earliest
}

// reset clears transient firing state (used when leaving a state where
// the section was armed).
func (s *condSet) reset() {
	for _, cs := range s.states {
		cs.trueSince = 0
		cs.fires = nil
	}
}
