package eventbus

// Bus topics. Names follow domain.action.
const (
	TopicMarketPriceUpdate = "market.price_update"
	TopicMarketTrade       = "market.trade"
	TopicMarketOrderbook   = "market.orderbook"

	TopicExchangeReconnected = "exchange.reconnected"

	TopicIndicatorUpdated = "indicator.updated"

	TopicSignalDetected  = "signal.detected"
	TopicSignalCancelled = "signal.cancelled"

	TopicEntrySubmitted        = "entry.submitted"
	TopicEntryConditionsFailed = "entry.conditions_failed"

	TopicExitSubmitted = "exit.submitted"

	TopicOrderCreated   = "order.created"
	TopicOrderPartial   = "order.partial"
	TopicOrderFilled    = "order.filled"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderRejected  = "order.rejected"
	TopicOrderFailed    = "order.failed"

	TopicPositionOpened  = "position.opened"
	TopicPositionUpdated = "position.updated"
	TopicPositionClosed  = "position.closed"

	TopicRiskBracketTriggered = "risk.bracket_triggered"
	TopicRiskLimitBreached    = "risk.limit_breached"

	TopicStateTransition = "state_machine.transition"

	TopicSessionStarted  = "session.started"
	TopicSessionStopped  = "session.stopped"
	TopicSessionDegraded = "session.degraded"

	TopicSystemGap   = "system.gap"
	TopicSystemError = "system.error"
)
