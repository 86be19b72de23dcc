package orders

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/indicator"
	"github.com/quantpulse/tradepulse/internal/models"
)

// onTick updates marks, re-marks open positions, feeds the pnl_pct
// pseudo-variant, emits coalesced position.updated events and evaluates
// bracket triggers. Re-marking runs on the market subscription
// goroutine; positions are opened and closed by the per-order
// goroutines. All of them write the table under the manager lock.
func (m *Manager) onTick(tick models.Tick) {
	mark := tick.Mid()
	if mark <= 0 {
		return
	}

	m.mu.Lock()
	m.marks[tick.Symbol] = mark

	type marked struct {
		snapshot models.Position
		pnlPct   float64
		emit     bool
	}
	var updates []marked
	for id, pos := range m.positions {
		if pos.Symbol != tick.Symbol {
			continue
		}
		pos.UnrealizedPnL = pos.PnL(mark)
		pnlPct := pos.PnLPct(mark)

		emit := time.Since(m.lastPosEv[id]) >= m.cfg.PositionUpdateMin
		if emit {
			m.lastPosEv[id] = time.Now()
		}
		updates = append(updates, marked{snapshot: *pos, pnlPct: pnlPct, emit: emit})
	}
	m.mu.Unlock()

	for _, u := range updates {
		// pnl_pct drives ZE1/E1 evaluation; it goes out on every mark,
		// uncoalesced, tagged with the owning strategy.
		m.bus.PublishEvent(eventbus.Event{
			Topic:  eventbus.TopicIndicatorUpdated,
			Source: "orders",
			Symbol: tick.Symbol,
			Payload: models.IndicatorValue{
				VariantID: indicator.PnLVariantID,
				Symbol:    tick.Symbol,
				TS:        tick.TS,
				Value:     u.pnlPct,
				Metadata:  map[string]string{"strategy_id": u.snapshot.StrategyID},
			},
		})

		if u.emit {
			m.bus.PublishEvent(eventbus.Event{
				Topic:  eventbus.TopicPositionUpdated,
				Source: "orders",
				Symbol: tick.Symbol,
				Payload: models.PositionUpdate{
					Position: u.snapshot,
					Mark:     mark,
					PnLPct:   u.pnlPct,
					TS:       tick.TS,
				},
			})
		}

		m.checkBrackets(u.snapshot, mark, tick)
	}
}

// checkBrackets fires the internal SL/TP (and liquidation) triggers for
// a position against the current mark.
func (m *Manager) checkBrackets(pos models.Position, mark float64, tick models.Tick) {
	kind := bracketHit(pos, mark)
	if kind == "" {
		return
	}

	m.mu.Lock()
	if m.closing[pos.PositionID] {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicRiskBracketTriggered,
		Source: "orders",
		Symbol: pos.Symbol,
		Payload: BracketTrigger{
			PositionID: pos.PositionID,
			StrategyID: pos.StrategyID,
			Symbol:     pos.Symbol,
			Kind:       kind,
			Price:      mark,
			TS:         tick.TS,
		},
	})

	m.logger.Warn("Bracket triggered",
		zap.String("position_id", pos.PositionID),
		zap.String("kind", kind),
		zap.Float64("mark", mark))

	req := models.OrderRequest{
		StrategyID: pos.StrategyID,
		Symbol:     pos.Symbol,
		Side:       closeSideFor(pos.Side),
		Type:       models.OrderTypeMarket,
		Reduce:     true,
		PositionID: pos.PositionID,
		Reason:     kind,
	}
	if _, err := m.Submit(context.Background(), req); err != nil {
		m.logger.Error("Bracket close submission failed",
			zap.String("position_id", pos.PositionID), zap.Error(err))
	}
}

// bracketHit returns which trigger the mark crossed, if any.
// Liquidation outranks the stop loss, the stop loss outranks the take
// profit.
func bracketHit(pos models.Position, mark float64) string {
	if pos.Side == models.PositionSideLong {
		if pos.Leverage > 1 && pos.LiquidationPrice > 0 && mark <= pos.LiquidationPrice {
			return "liquidation"
		}
		if pos.SLPrice > 0 && mark <= pos.SLPrice {
			return "stop_loss"
		}
		if pos.TPPrice > 0 && mark >= pos.TPPrice {
			return "take_profit"
		}
		return ""
	}

	if pos.Leverage > 1 && mark >= pos.LiquidationPrice {
		return "liquidation"
	}
	if pos.SLPrice > 0 && mark >= pos.SLPrice {
		return "stop_loss"
	}
	if pos.TPPrice > 0 && mark <= pos.TPPrice {
		return "take_profit"
	}
	return ""
}

func closeSideFor(side models.PositionSide) models.OrderSide {
	if side == models.PositionSideLong {
		return models.OrderSideSell
	}
	return models.OrderSideCover
}
