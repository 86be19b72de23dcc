package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/metrics"
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Config configures the order manager.
type Config struct {
	// BudgetCap is the session's margin budget in quote currency.
	BudgetCap float64

	// MinQty is the venue minimum order quantity.
	MinQty float64

	// PriceTick rounds limit prices when positive.
	PriceTick float64

	// VenueDeadline bounds each venue call.
	VenueDeadline time.Duration

	// PositionUpdateMin coalesces position.updated events per position.
	PositionUpdateMin time.Duration
}

// BracketTrigger is the risk.bracket_triggered payload.
type BracketTrigger struct {
	PositionID string
	StrategyID string
	Symbol     string
	Kind       string // stop_loss, take_profit, liquidation
	Price      float64
	TS         timeutil.Nanos
}

// Manager tracks every order to a terminal status and owns the position
// table. Each order's lifecycle runs on its own goroutine, so order
// events stay strictly FIFO per order id; the manager lock covers only
// map mutations.
type Manager struct {
	bus     *eventbus.Bus
	venue   Venue
	logger  *zap.Logger
	metrics *metrics.EngineMetrics
	cfg     Config

	mu        sync.Mutex
	orders    map[string]*models.Order
	positions map[string]*models.Position
	closing   map[string]bool
	marginOf  map[string]float64
	marks     map[string]float64
	committed float64
	realized  float64
	lastPosEv map[string]time.Time

	marketSub *eventbus.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// NewManager creates the order manager.
func NewManager(bus *eventbus.Bus, venue Venue, cfg Config, logger *zap.Logger, m *metrics.EngineMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	if cfg.VenueDeadline <= 0 {
		cfg.VenueDeadline = 5 * time.Second
	}
	if cfg.PositionUpdateMin <= 0 {
		cfg.PositionUpdateMin = 250 * time.Millisecond
	}
	return &Manager{
		bus:       bus,
		venue:     venue,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		orders:    make(map[string]*models.Order),
		positions: make(map[string]*models.Position),
		closing:   make(map[string]bool),
		marginOf:  make(map[string]float64),
		marks:     make(map[string]float64),
		lastPosEv: make(map[string]time.Time),
	}
}

// Start subscribes to market data for marks and bracket evaluation.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("order manager already started")
	}

	sub, err := m.bus.Subscribe(eventbus.TopicMarketPriceUpdate, eventbus.SubscribeOptions{
		Name:     "orders:marks",
		Capacity: 8192,
		Policy:   eventbus.DropOldest,
	})
	if err != nil {
		return err
	}
	m.marketSub = sub
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if tick, ok := ev.Payload.(models.Tick); ok {
					m.onTick(tick)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop shuts the manager down. Open positions stay as they are.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	m.marketSub.Close()
	m.cancel()
	m.wg.Wait()
}

// AccountEquity returns the session equity: budget plus realized PnL.
func (m *Manager) AccountEquity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.BudgetCap + m.realized
}

// OpenPositions counts open positions for a strategy.
func (m *Manager) OpenPositions(strategyID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, pos := range m.positions {
		if pos.StrategyID == strategyID {
			count++
		}
	}
	return count
}

// ClosePositionsFor market-closes every open position of a strategy.
// Used by session stop with close_positions=true; deactivation alone
// leaves positions open.
func (m *Manager) ClosePositionsFor(ctx context.Context, strategyID string) error {
	m.mu.Lock()
	var targets []models.Position
	for _, pos := range m.positions {
		if pos.StrategyID == strategyID {
			targets = append(targets, *pos)
		}
	}
	m.mu.Unlock()

	var lastErr error
	for _, pos := range targets {
		req := models.OrderRequest{
			StrategyID: pos.StrategyID,
			Symbol:     pos.Symbol,
			Side:       closeSideFor(pos.Side),
			Type:       models.OrderTypeMarket,
			Reduce:     true,
			PositionID: pos.PositionID,
			Reason:     "session_close",
		}
		if _, err := m.Submit(ctx, req); err != nil {
			m.logger.Error("Session close failed",
				zap.String("position_id", pos.PositionID), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// Mark returns the latest mark for a symbol.
func (m *Manager) Mark(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mark, ok := m.marks[symbol]
	return mark, ok
}

// Order returns a snapshot of an order.
func (m *Manager) Order(orderID string) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return models.Order{}, ErrOrderMissing
	}
	return *order, nil
}

// Submit validates a request, creates the order and enqueues it for
// venue execution. The synchronous part rejects bad sizing and budget
// violations; everything asynchronous arrives as order.* events.
func (m *Manager) Submit(ctx context.Context, req models.OrderRequest) (string, error) {
	m.mu.Lock()
	mark, haveMark := m.marks[req.Symbol]
	m.mu.Unlock()
	if !haveMark || mark <= 0 {
		return "", ErrNoMarketData
	}

	var (
		order  *models.Order
		margin float64
		err    error
	)
	if req.Reduce {
		order, err = m.buildClose(req)
	} else {
		order, margin, err = m.buildEntry(req, mark)
	}
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if margin > 0 && m.committed+margin > m.cfg.BudgetCap {
		m.mu.Unlock()
		return "", ErrBudgetExceeded
	}
	m.orders[order.OrderID] = order
	m.committed += margin
	m.mu.Unlock()

	m.metrics.OrdersSubmitted.WithLabelValues(m.venue.Name()).Inc()
	m.publishOrder(eventbus.TopicOrderCreated, order)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(order, req, margin)
	}()

	return order.OrderID, nil
}

func (m *Manager) buildEntry(req models.OrderRequest, mark float64) (*models.Order, float64, error) {
	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}

	var notional float64
	switch req.SizeType {
	case "percentage":
		// Percentage sizing draws on the remaining session budget, so
		// the budget cap stays enforceable before any fill.
		m.mu.Lock()
		remaining := m.cfg.BudgetCap - m.committed
		m.mu.Unlock()
		notional = remaining * req.SizeValue / 100 * leverage
	default: // fixed quote notional
		notional = req.SizeValue
	}
	if notional <= 0 {
		return nil, 0, ErrBudgetExceeded
	}

	qty := notional / mark
	if qty < m.cfg.MinQty {
		return nil, 0, ErrBelowMinQty
	}

	margin := notional / leverage

	limit := req.LimitPrice
	if limit > 0 && m.cfg.PriceTick > 0 {
		limit = math.Round(limit/m.cfg.PriceTick) * m.cfg.PriceTick
	}

	return &models.Order{
		OrderID:    uuid.NewString(),
		SignalID:   req.SignalID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        qty,
		LimitPrice: limit,
		Leverage:   leverage,
		TSCreated:  timeutil.Now(),
		Status:     models.OrderStatusNew,
	}, margin, nil
}

func (m *Manager) buildClose(req models.OrderRequest) (*models.Order, error) {
	m.mu.Lock()
	pos, ok := m.positions[req.PositionID]
	alreadyClosing := m.closing[req.PositionID]
	if ok && !alreadyClosing {
		m.closing[req.PositionID] = true
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrPositionMissing
	}
	if alreadyClosing {
		return nil, fmt.Errorf("position %s: close already in flight", req.PositionID)
	}

	return &models.Order{
		OrderID:    uuid.NewString(),
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       models.OrderTypeMarket,
		Qty:        pos.Qty,
		Leverage:   pos.Leverage,
		TSCreated:  timeutil.Now(),
		Status:     models.OrderStatusNew,
		FailReason: req.Reason,
	}, nil
}

// execute drives one order to its terminal status. Running on the
// order's own goroutine keeps its event stream FIFO.
func (m *Manager) execute(order *models.Order, req models.OrderRequest, margin float64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.VenueDeadline)
	defer cancel()

	m.mu.Lock()
	mark := m.marks[order.Symbol]
	m.mu.Unlock()

	execs, err := m.venue.Submit(ctx, order, mark)
	if err != nil {
		m.settleFailure(order, req, margin, err)
		return
	}

	var filledQty, notional, commission float64
	for _, exec := range execs {
		filledQty += exec.FilledQty
		notional += exec.FilledQty * exec.FillPrice
		commission += exec.Commission

		status := models.OrderStatusFilled
		topic := eventbus.TopicOrderFilled
		if exec.Partial {
			status = models.OrderStatusPartiallyFilled
			topic = eventbus.TopicOrderPartial
		}

		m.mu.Lock()
		if !models.ValidOrderTransition(order.Status, status) {
			m.mu.Unlock()
			m.logger.Error("Invalid order status transition",
				zap.String("order_id", order.OrderID),
				zap.String("from", string(order.Status)),
				zap.String("to", string(status)))
			return
		}
		order.Status = status
		order.FilledQty = filledQty
		order.FilledPrice = notional / filledQty
		order.Commission += exec.Commission
		order.Slippage = order.FilledPrice - mark
		if !exec.Partial {
			order.TSTerminal = timeutil.Now()
		}
		snapshot := *order
		m.mu.Unlock()

		m.publishOrder(topic, &snapshot)
	}

	if req.Reduce {
		m.closePosition(req, order)
	} else {
		m.openPosition(req, order, margin)
	}
}

func (m *Manager) settleFailure(order *models.Order, req models.OrderRequest, margin float64, err error) {
	status := models.OrderStatusFailed
	topic := eventbus.TopicOrderFailed
	reason := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, ErrVenueRejected), errors.Is(err, ErrNoMarketData):
		status = models.OrderStatusRejected
		topic = eventbus.TopicOrderRejected
	}

	m.mu.Lock()
	order.Status = status
	order.FailReason = reason
	order.TSTerminal = timeutil.Now()
	m.committed -= margin
	if req.Reduce {
		delete(m.closing, req.PositionID)
	}
	snapshot := *order
	m.mu.Unlock()

	m.metrics.OrderFailures.WithLabelValues(reason).Inc()
	m.publishOrder(topic, &snapshot)
}

func (m *Manager) openPosition(req models.OrderRequest, order *models.Order, margin float64) {
	side := models.PositionSideLong
	if order.Side == models.OrderSideShort {
		side = models.PositionSideShort
	}
	entry := order.FilledPrice

	pos := &models.Position{
		PositionID:       uuid.NewString(),
		StrategyID:       order.StrategyID,
		Symbol:           order.Symbol,
		Side:             side,
		EntryPrice:       entry,
		Qty:              order.FilledQty,
		Leverage:         order.Leverage,
		TSOpened:         timeutil.Now(),
		LiquidationPrice: models.LiquidationPrice(side, entry, order.Leverage),
	}

	// Brackets arm regardless of leverage; leverage 1 just has no
	// liquidation level.
	if req.SLOffsetPct > 0 {
		if side == models.PositionSideLong {
			pos.SLPrice = entry * (1 - req.SLOffsetPct/100)
		} else {
			pos.SLPrice = entry * (1 + req.SLOffsetPct/100)
		}
	}
	if req.TPOffsetPct > 0 {
		if side == models.PositionSideLong {
			pos.TPPrice = entry * (1 + req.TPOffsetPct/100)
		} else {
			pos.TPPrice = entry * (1 - req.TPOffsetPct/100)
		}
	}

	m.mu.Lock()
	m.positions[pos.PositionID] = pos
	m.marginOf[pos.PositionID] = margin
	snapshot := *pos
	m.mu.Unlock()

	m.logger.Info("Position opened",
		zap.String("position_id", pos.PositionID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(side)),
		zap.Float64("entry", entry),
		zap.Float64("qty", pos.Qty))

	m.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicPositionOpened,
		Source: "orders",
		Symbol: pos.Symbol,
		Payload: models.PositionUpdate{
			Position: snapshot,
			Mark:     entry,
			TS:       timeutil.Now(),
		},
	})
}

func (m *Manager) closePosition(req models.OrderRequest, order *models.Order) {
	m.mu.Lock()
	pos, ok := m.positions[req.PositionID]
	if ok {
		delete(m.positions, req.PositionID)
		delete(m.closing, req.PositionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	realized := pos.PnL(order.FilledPrice) - order.Commission
	pos.RealizedPnL = realized
	pos.UnrealizedPnL = 0

	m.mu.Lock()
	m.realized += realized
	m.committed -= m.marginOf[pos.PositionID]
	delete(m.marginOf, pos.PositionID)
	snapshot := *pos
	m.mu.Unlock()

	m.logger.Info("Position closed",
		zap.String("position_id", pos.PositionID),
		zap.String("reason", req.Reason),
		zap.Float64("realized_pnl", realized))

	m.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicPositionClosed,
		Source: "orders",
		Symbol: pos.Symbol,
		Payload: models.PositionClosed{
			Position: snapshot,
			Reason:   req.Reason,
			TS:       timeutil.Now(),
		},
	})
}

func (m *Manager) publishOrder(topic string, order *models.Order) {
	m.bus.PublishEvent(eventbus.Event{
		Topic:   topic,
		Source:  "orders",
		Symbol:  order.Symbol,
		Payload: *order,
	})
}
