// Package evaluator runs the per-(strategy, symbol) state machines that
// turn indicator streams into signals, entries and exits.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/metrics"
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/strategy"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Gateway is the order-manager surface the evaluator drives.
type Gateway interface {
	// Submit places an order and returns its id. Rejections surface as
	// an error; asynchronous outcomes arrive as order.* events.
	Submit(ctx context.Context, req models.OrderRequest) (string, error)

	// AccountEquity returns the session equity for loss-limit guards.
	AccountEquity() float64

	// OpenPositions counts open positions for a strategy.
	OpenPositions(strategyID string) int
}

// Evaluator spawns one logical task per active instance on a bounded
// worker pool. It implements strategy.Runner.
type Evaluator struct {
	bus     *eventbus.Bus
	gateway Gateway
	timers  *TimerWheel
	pool    *ants.Pool
	logger  *zap.Logger
	metrics *metrics.EngineMetrics
}

// Config sizes the evaluator runtime.
type Config struct {
	// PoolSize bounds concurrently running instance loops.
	PoolSize int

	// QueueCapacity is each instance's bus subscription capacity.
	QueueCapacity int
}

// New creates the evaluator runtime.
func New(bus *eventbus.Bus, gateway Gateway, timers *TimerWheel, cfg Config, logger *zap.Logger, m *metrics.EngineMetrics) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 256
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("evaluator pool: %w", err)
	}
	return &Evaluator{
		bus:     bus,
		gateway: gateway,
		timers:  timers,
		pool:    pool,
		logger:  logger,
		metrics: m,
	}, nil
}

// Close releases the worker pool.
func (e *Evaluator) Close() {
	e.pool.Release()
}

// Run executes one instance loop on the pool until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context, def *strategy.Definition, inst *strategy.Instance) error {
	loop, err := e.newLoop(def, inst)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	if err := e.pool.Submit(func() {
		done <- loop.run(ctx)
	}); err != nil {
		loop.close()
		return fmt.Errorf("submit evaluator task: %w", err)
	}
	return <-done
}

// wakeReason tags timer wheel pokes.
type wakeReason int

const (
	wakeO1Timeout wakeReason = iota
	wakeCooldownDone
	wakeDurationReady
)

// loop is the single-writer state for one instance.
type loop struct {
	e      *Evaluator
	def    *strategy.Definition
	inst   *strategy.Instance
	logger *zap.Logger

	s1  *condSet
	o1  *condSet
	z1  *condSet
	ze1 *condSet
	e1  *condSet

	variants map[string]struct{}

	indSub *eventbus.Subscription
	ordSub *eventbus.Subscription
	posSub *eventbus.Subscription
	wake   chan wakeReason

	signal         *models.Signal
	pendingOrderID string
	position       *models.Position

	cancelO1Timer       func()
	cancelCooldownTimer func()
	cancelDurationTimer func()
	durationWakeAt      timeutil.Nanos

	// day tracks the UTC day of the daily counters.
	day int
}

func (e *Evaluator) newLoop(def *strategy.Definition, inst *strategy.Instance) (*loop, error) {
	l := &loop{
		e:    e,
		def:  def,
		inst: inst,
		logger: e.logger.With(
			zap.String("strategy_id", def.StrategyID),
			zap.String("symbol", inst.Symbol)),
		s1:       newCondSet(def.S1Signal.Conditions),
		o1:       newCondSet(def.O1Cancel.Conditions),
		z1:       newCondSet(def.Z1Entry.Conditions),
		ze1:      newCondSet(def.ZE1Close.Conditions),
		e1:       newCondSet(def.EmergencyExit.Conditions),
		variants: make(map[string]struct{}),
		wake:     make(chan wakeReason, 16),
		day:      time.Now().UTC().YearDay(),
	}
	for _, id := range def.ReferencedVariants() {
		l.variants[id] = struct{}{}
	}

	name := def.StrategyID + "/" + inst.Symbol
	var err error
	l.indSub, err = e.bus.Subscribe(eventbus.TopicIndicatorUpdated, eventbus.SubscribeOptions{
		Name:     "evaluator:" + name + ":indicators",
		Capacity: 1024,
		Policy:   eventbus.DropOldest,
	})
	if err != nil {
		return nil, err
	}
	l.ordSub, err = e.bus.Subscribe("order.*", eventbus.SubscribeOptions{
		Name:     "evaluator:" + name + ":orders",
		Capacity: 256,
		Policy:   eventbus.DropOldest,
	})
	if err != nil {
		l.indSub.Close()
		return nil, err
	}
	l.posSub, err = e.bus.Subscribe("position.*", eventbus.SubscribeOptions{
		Name:     "evaluator:" + name + ":positions",
		Capacity: 256,
		Policy:   eventbus.DropOldest,
	})
	if err != nil {
		l.indSub.Close()
		l.ordSub.Close()
		return nil, err
	}
	return l, nil
}

func (l *loop) close() {
	l.indSub.Close()
	l.ordSub.Close()
	l.posSub.Close()
	l.cancelTimers()
}

func (l *loop) cancelTimers() {
	if l.cancelO1Timer != nil {
		l.cancelO1Timer()
		l.cancelO1Timer = nil
	}
	if l.cancelCooldownTimer != nil {
		l.cancelCooldownTimer()
		l.cancelCooldownTimer = nil
	}
	if l.cancelDurationTimer != nil {
		l.cancelDurationTimer()
		l.cancelDurationTimer = nil
	}
}

// run is the instance's event loop. In-flight event handling always runs
// to completion before cancellation is honored.
func (l *loop) run(ctx context.Context) error {
	defer l.close()

	l.logger.Info("Evaluator started", zap.Int("variants", len(l.variants)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-l.indSub.Events():
			if !ok {
				return nil
			}
			if err := l.handleBusEvent(ctx, ev); err != nil {
				return err
			}
		case ev, ok := <-l.ordSub.Events():
			if !ok {
				return nil
			}
			if err := l.handleBusEvent(ctx, ev); err != nil {
				return err
			}
		case ev, ok := <-l.posSub.Events():
			if !ok {
				return nil
			}
			if err := l.handleBusEvent(ctx, ev); err != nil {
				return err
			}
		case reason := <-l.wake:
			if err := l.handleWake(ctx, reason); err != nil {
				return err
			}
		}
	}
}

func (l *loop) handleBusEvent(ctx context.Context, ev eventbus.Event) error {
	switch payload := ev.Payload.(type) {
	case models.IndicatorValue:
		return l.handleIndicator(ctx, payload)
	case models.Order:
		return l.handleOrder(ctx, ev.Topic, payload)
	case models.PositionUpdate:
		l.handlePositionUpdate(payload)
	case models.PositionClosed:
		return l.handlePositionClosed(ctx, payload)
	}
	return nil
}

// mine filters indicator values to this instance's symbol, variants and
// (for position-scoped pseudo-variants) strategy.
func (l *loop) mine(v models.IndicatorValue) bool {
	if v.Symbol != l.inst.Symbol {
		return false
	}
	if _, ok := l.variants[v.VariantID]; !ok {
		return false
	}
	if sid, ok := v.Metadata["strategy_id"]; ok && sid != l.def.StrategyID {
		return false
	}
	return true
}

func (l *loop) handleIndicator(ctx context.Context, v models.IndicatorValue) error {
	if !l.mine(v) {
		return nil
	}
	l.rolloverDay()

	l.s1.observe(v)
	l.o1.observe(v)
	l.z1.observe(v)
	l.ze1.observe(v)
	l.e1.observe(v)

	now := v.TS

	// Emergency exit is evaluated on every event, ahead of the section
	// flow, whenever it could preempt anything.
	if l.emergencyEligible() && l.e1.any(now) {
		return l.emergency(ctx, now)
	}

	switch l.inst.State {
	case strategy.StateMonitoring:
		return l.evalMonitoring(now)
	case strategy.StateSignalDetected:
		return l.evalSignalDetected(ctx, now)
	case strategy.StatePositionActive:
		return l.evalPositionActive(ctx, now)
	}

	l.armDurationWake()
	return nil
}

func (l *loop) emergencyEligible() bool {
	switch l.inst.State {
	case strategy.StateSignalDetected, strategy.StateEntryEvaluation, strategy.StatePositionActive:
		return true
	}
	return false
}

// evalMonitoring checks S1 once the cooldown gate is open.
func (l *loop) evalMonitoring(now timeutil.Nanos) error {
	if !l.inst.CooldownUntil.IsZero() && timeutil.Now().Before(l.inst.CooldownUntil) {
		return nil
	}

	if !l.s1.all(now) {
		l.armDurationWake()
		return nil
	}

	sig := &models.Signal{
		SignalID:         ksuid.New().String(),
		StrategyID:       l.def.StrategyID,
		Symbol:           l.inst.Symbol,
		TS:               now,
		TriggeringValues: l.s1.values(),
	}
	l.signal = sig
	l.transition(strategy.StateSignalDetected, "s1_conditions_met")

	l.e.bus.PublishEvent(eventbus.Event{
		Topic:   eventbus.TopicSignalDetected,
		Source:  "evaluator",
		Symbol:  l.inst.Symbol,
		Payload: *sig,
	})

	// Arm the O1 cancellation timer. timeout=0 disables the timer;
	// only conditions can cancel then.
	if timeout := l.def.O1Cancel.TimeoutSeconds; timeout > 0 {
		l.cancelO1Timer = l.e.timers.Schedule(time.Duration(timeout)*time.Second, func() {
			l.poke(wakeO1Timeout)
		})
	}
	return nil
}

// evalSignalDetected arbitrates O1 cancellation against Z1 entry.
func (l *loop) evalSignalDetected(ctx context.Context, now timeutil.Nanos) error {
	if l.o1.any(now) {
		l.cancelSignal("o1_condition", now)
		return nil
	}

	if !l.z1.all(now) {
		l.armDurationWake()
		return nil
	}

	if reason, ok := l.limitsViolated(); !ok {
		l.e.bus.PublishEvent(eventbus.Event{
			Topic:  eventbus.TopicEntryConditionsFailed,
			Source: "evaluator",
			Symbol: l.inst.Symbol,
			Payload: EntryFailed{
				StrategyID: l.def.StrategyID,
				Symbol:     l.inst.Symbol,
				Reason:     reason,
				TS:         now,
			},
		})
		l.clearSignal()
		l.transition(strategy.StateMonitoring, "limits:"+reason)
		return nil
	}

	entry := l.entryRequest()
	orderID, err := l.e.gateway.Submit(ctx, entry)
	if err != nil {
		l.logger.Warn("Entry submission rejected", zap.Error(err))
		l.clearSignal()
		l.beginCooldown("entry_rejected", l.sectionCooldown(0))
		return nil
	}

	l.pendingOrderID = orderID
	l.transition(strategy.StateEntryEvaluation, "z1_conditions_met")
	l.e.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicEntrySubmitted,
		Source: "evaluator",
		Symbol: l.inst.Symbol,
		Payload: models.Order{
			OrderID:    orderID,
			SignalID:   l.signalID(),
			StrategyID: l.def.StrategyID,
			Symbol:     l.inst.Symbol,
		},
	})
	return nil
}

// evalPositionActive checks ZE1 and instructs a close.
func (l *loop) evalPositionActive(ctx context.Context, now timeutil.Nanos) error {
	if l.pendingOrderID != "" || l.position == nil {
		return nil
	}
	if !l.ze1.any(now) {
		l.armDurationWake()
		return nil
	}
	return l.submitClose(ctx, "ze1_conditions_met", false)
}

// emergency preempts any in-flight flow: with a position it forces the
// terminal exit; with only a pending signal it cancels the signal.
func (l *loop) emergency(ctx context.Context, now timeutil.Nanos) error {
	switch l.inst.State {
	case strategy.StateSignalDetected:
		l.cancelSignal("emergency_condition", now)
		return nil
	case strategy.StateEntryEvaluation, strategy.StatePositionActive:
		if l.position == nil {
			// Entry not filled yet; the pending order keeps its
			// lifecycle, the flow is abandoned into cooldown.
			l.clearSignal()
			l.transition(strategy.StateEmergencyExit, "e1_conditions_met")
			l.beginCooldown("emergency_no_position", l.emergencyCooldown())
			return nil
		}
		l.transition(strategy.StateEmergencyExit, "e1_conditions_met")
		return l.submitClose(ctx, "emergency_exit", true)
	}
	return nil
}

func (l *loop) submitClose(ctx context.Context, reason string, emergency bool) error {
	if l.position == nil || l.pendingOrderID != "" {
		return nil
	}

	req := models.OrderRequest{
		StrategyID: l.def.StrategyID,
		Symbol:     l.inst.Symbol,
		Side:       closeSide(l.position.Side),
		Type:       models.OrderTypeMarket,
		Reduce:     true,
		PositionID: l.position.PositionID,
		Reason:     reason,
	}
	orderID, err := l.e.gateway.Submit(ctx, req)
	if err != nil {
		// The bracket or the next event retries; the position stays.
		l.logger.Error("Close submission failed", zap.Error(err))
		if emergency {
			l.transition(strategy.StatePositionActive, "close_retry")
		}
		return nil
	}

	l.pendingOrderID = orderID
	l.e.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicExitSubmitted,
		Source: "evaluator",
		Symbol: l.inst.Symbol,
		Payload: models.Order{
			OrderID:    orderID,
			StrategyID: l.def.StrategyID,
			Symbol:     l.inst.Symbol,
			FailReason: reason,
		},
	})
	return nil
}

func closeSide(side models.PositionSide) models.OrderSide {
	if side == models.PositionSideLong {
		return models.OrderSideSell
	}
	return models.OrderSideCover
}

// handleOrder reacts to order lifecycle events for this instance's
// pending order.
func (l *loop) handleOrder(ctx context.Context, topic string, order models.Order) error {
	if order.OrderID == "" || order.OrderID != l.pendingOrderID {
		return nil
	}

	switch topic {
	case eventbus.TopicOrderFilled:
		l.pendingOrderID = ""
		switch l.inst.State {
		case strategy.StateEntryEvaluation:
			l.inst.DailyTradesCount++
			l.transition(strategy.StatePositionActive, "entry_filled")
		case strategy.StatePositionActive, strategy.StateEmergencyExit:
			emergency := l.inst.State == strategy.StateEmergencyExit
			if !emergency {
				l.transition(strategy.StateExited, "close_filled")
			}
			l.clearSignal()
			if emergency {
				l.beginCooldown("emergency_exit", l.emergencyCooldown())
			} else {
				l.beginCooldown("exited", l.sectionCooldown(0))
			}
		}

	case eventbus.TopicOrderRejected, eventbus.TopicOrderFailed:
		l.pendingOrderID = ""
		switch l.inst.State {
		case strategy.StateEntryEvaluation:
			l.clearSignal()
			l.beginCooldown("entry_"+string(order.Status), l.sectionCooldown(0))
		case strategy.StateEmergencyExit, strategy.StatePositionActive:
			// Close failed; stay with the position and let the next
			// event or the bracket retry.
			if l.inst.State == strategy.StateEmergencyExit {
				l.transition(strategy.StatePositionActive, "close_"+string(order.Status))
			}
		}
	}
	return nil
}

func (l *loop) handlePositionUpdate(update models.PositionUpdate) {
	if update.Position.StrategyID != l.def.StrategyID || update.Position.Symbol != l.inst.Symbol {
		return
	}
	pos := update.Position
	l.position = &pos
}

func (l *loop) handlePositionClosed(ctx context.Context, closed models.PositionClosed) error {
	if closed.Position.StrategyID != l.def.StrategyID || closed.Position.Symbol != l.inst.Symbol {
		return nil
	}
	l.rolloverDay()

	l.inst.DailyPnL += closed.Position.RealizedPnL
	if closed.Position.RealizedPnL < 0 {
		l.inst.ConsecutiveLosses++
	} else {
		l.inst.ConsecutiveLosses = 0
	}
	l.position = nil

	// Bracket- or venue-initiated closes land here without a pending
	// close order; fold them into the normal exit path.
	if l.inst.State == strategy.StatePositionActive && l.pendingOrderID == "" {
		l.transition(strategy.StateExited, "position_closed:"+closed.Reason)
		l.clearSignal()
		l.beginCooldown("exited", l.sectionCooldown(0))
	}
	return nil
}

func (l *loop) handleWake(ctx context.Context, reason wakeReason) error {
	now := timeutil.Now()
	switch reason {
	case wakeO1Timeout:
		if l.inst.State == strategy.StateSignalDetected {
			l.cancelSignal("o1_timeout", now)
		}
	case wakeCooldownDone:
		if l.inst.State == strategy.StateCooldown && !timeutil.Now().Before(l.inst.CooldownUntil) {
			l.transition(strategy.StateMonitoring, "cooldown_elapsed")
		}
	case wakeDurationReady:
		l.durationWakeAt = 0
		// Re-run the state evaluation against wall time so a duration
		// predicate that ripened without a fresh indicator event fires.
		switch l.inst.State {
		case strategy.StateMonitoring:
			return l.evalMonitoring(now)
		case strategy.StateSignalDetected:
			return l.evalSignalDetected(ctx, now)
		case strategy.StatePositionActive:
			if l.emergencyEligible() && l.e1.any(now) {
				return l.emergency(ctx, now)
			}
			return l.evalPositionActive(ctx, now)
		}
	}
	return nil
}

// cancelSignal routes SIGNAL_DETECTED through the transient
// SIGNAL_CANCELLED into cooldown.
func (l *loop) cancelSignal(reason string, now timeutil.Nanos) {
	sig := l.signal
	l.clearSignal()

	l.transition(strategy.StateSignalCancelled, reason)
	l.e.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicSignalCancelled,
		Source: "evaluator",
		Symbol: l.inst.Symbol,
		Payload: SignalCancelled{
			SignalID:   signalIDOf(sig),
			StrategyID: l.def.StrategyID,
			Symbol:     l.inst.Symbol,
			Reason:     reason,
			TS:         now,
		},
	})
	l.beginCooldown(reason, l.sectionCooldown(l.def.O1Cancel.CooldownMinutes))
}

func (l *loop) clearSignal() {
	l.signal = nil
	if l.cancelO1Timer != nil {
		l.cancelO1Timer()
		l.cancelO1Timer = nil
	}
	l.o1.reset()
	l.z1.reset()
}

func (l *loop) signalID() string { return signalIDOf(l.signal) }

func signalIDOf(sig *models.Signal) string {
	if sig == nil {
		return ""
	}
	return sig.SignalID
}

// sectionCooldown combines a section cooldown with the global one:
// cooldown_until = now + max(section, global).
func (l *loop) sectionCooldown(sectionMinutes int) time.Duration {
	d := time.Duration(sectionMinutes) * time.Minute
	if g := time.Duration(l.def.GlobalLimits.CooldownMinutes) * time.Minute; g > d {
		d = g
	}
	return d
}

func (l *loop) emergencyCooldown() time.Duration {
	return l.sectionCooldown(l.def.EmergencyExit.CooldownMinutes)
}

func (l *loop) beginCooldown(reason string, d time.Duration) {
	l.inst.CooldownUntil = timeutil.Now().Add(d)
	l.transition(strategy.StateCooldown, reason)

	if l.cancelCooldownTimer != nil {
		l.cancelCooldownTimer()
	}
	if d <= 0 {
		// Re-enter immediately; the gate is already open.
		l.transition(strategy.StateMonitoring, "cooldown_elapsed")
		return
	}
	l.cancelCooldownTimer = l.e.timers.Schedule(d, func() {
		l.poke(wakeCooldownDone)
	})
}

// limitsViolated checks the global guards before entry submission.
func (l *loop) limitsViolated() (string, bool) {
	limits := l.def.GlobalLimits

	if limits.MaxDailyTrades > 0 && l.inst.DailyTradesCount >= limits.MaxDailyTrades {
		return ReasonDailyTradeLimit, false
	}
	if limits.DailyLossLimitPct > 0 {
		threshold := -limits.DailyLossLimitPct / 100 * l.e.gateway.AccountEquity()
		if l.inst.DailyPnL <= threshold {
			return ReasonDailyLossLimit, false
		}
	}
	if limits.MaxConcurrentPositions > 0 &&
		l.e.gateway.OpenPositions(l.def.StrategyID) >= limits.MaxConcurrentPositions {
		return ReasonConcurrentPositions, false
	}
	return "", true
}

func (l *loop) entryRequest() models.OrderRequest {
	side := models.OrderSideBuy
	if l.def.Direction == strategy.DirectionShort {
		side = models.OrderSideShort
	}
	entry := l.def.Z1Entry
	req := models.OrderRequest{
		StrategyID: l.def.StrategyID,
		Symbol:     l.inst.Symbol,
		SignalID:   l.signalID(),
		Side:       side,
		Type:       models.OrderTypeMarket,
		SizeType:   entry.PositionSize.Type,
		SizeValue:  entry.PositionSize.Value,
		Leverage:   entry.Leverage,
	}
	if entry.StopLoss.Enabled {
		req.SLOffsetPct = entry.StopLoss.OffsetPercent
	}
	if entry.TakeProfit.Enabled {
		req.TPOffsetPct = entry.TakeProfit.OffsetPercent
	}
	return req
}

// armDurationWake schedules a wheel wake for the earliest duration
// predicate that is true but not yet ripe in the armed sections.
func (l *loop) armDurationWake() {
	var sets []*condSet
	switch l.inst.State {
	case strategy.StateMonitoring:
		sets = []*condSet{l.s1}
	case strategy.StateSignalDetected:
		sets = []*condSet{l.o1, l.z1, l.e1}
	case strategy.StatePositionActive:
		sets = []*condSet{l.ze1, l.e1}
	default:
		return
	}

	var earliest timeutil.Nanos
	for _, set := range sets {
		ready := set.nextDurationWake()
		if ready.IsZero() {
			continue
		}
		if earliest.IsZero() || ready.Before(earliest) {
			earliest = ready
		}
	}
	if earliest.IsZero() {
		return
	}
	if l.durationWakeAt != 0 && !earliest.Before(l.durationWakeAt) {
		return
	}

	if l.cancelDurationTimer != nil {
		l.cancelDurationTimer()
	}
	l.durationWakeAt = earliest
	delay := earliest.Sub(timeutil.Now())
	if delay < 0 {
		delay = 0
	}
	l.cancelDurationTimer = l.e.timers.Schedule(delay, func() {
		l.poke(wakeDurationReady)
	})
}

func (l *loop) poke(reason wakeReason) {
	select {
	case l.wake <- reason:
	default:
	}
}

// rolloverDay resets the daily counters at UTC midnight.
func (l *loop) rolloverDay() {
	today := time.Now().UTC().YearDay()
	if today != l.day {
		l.day = today
		l.inst.DailyTradesCount = 0
		l.inst.DailyPnL = 0
	}
}

// transition moves the state machine and publishes the transition.
func (l *loop) transition(to strategy.State, reason string) {
	from := l.inst.State
	if from == to {
		return
	}
	l.inst.State = to
	l.inst.StateEnteredAt = timeutil.Now()

	l.e.metrics.Transitions.WithLabelValues(string(to)).Inc()
	l.e.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicStateTransition,
		Source: "evaluator",
		Symbol: l.inst.Symbol,
		Payload: Transition{
			StrategyID: l.def.StrategyID,
			Symbol:     l.inst.Symbol,
			From:       from,
			To:         to,
			Reason:     reason,
			TS:         l.inst.StateEnteredAt,
		},
	})

	l.logger.Debug("State transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
}
