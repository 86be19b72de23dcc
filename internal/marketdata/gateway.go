package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/metrics"
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Common errors
var (
	ErrSourceExists   = errors.New("market data source already registered")
	ErrSourceNotFound = errors.New("market data source not found")
	ErrGatewayClosed  = errors.New("gateway is stopped")
)

// DefaultLatenessTolerance is how much older than last-seen a tick may be
// before it is counted as stale rather than a benign reorder.
const DefaultLatenessTolerance = 500 * time.Millisecond

// GatewayConfig configures the gateway.
type GatewayConfig struct {
	// LatenessTolerance overrides DefaultLatenessTolerance when positive.
	LatenessTolerance time.Duration

	// QueueSize is the intake channel capacity shared by all sources.
	QueueSize int
}

// Gateway normalizes venue messages into canonical Tick/Trade/Orderbook
// events and guarantees per-symbol monotonic tick timestamps: duplicate
// ticks are dropped, and out-of-order ticks never reach the bus. Trades
// and orderbook snapshots are forwarded without the duplicate or
// ordering check.
type Gateway struct {
	bus     *eventbus.Bus
	logger  *zap.Logger
	metrics *metrics.EngineMetrics

	tolerance time.Duration

	mu      sync.Mutex
	sources map[string]Source
	// lastSeen tracks the newest normalized timestamp per symbol.
	lastSeen map[string]timeutil.Nanos
	// feedGaps counts venue feed interruptions, reported monotonically
	// in gap markers.
	feedGaps uint64

	intake chan VenueEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGateway creates a new market data gateway.
func NewGateway(bus *eventbus.Bus, cfg GatewayConfig, logger *zap.Logger, m *metrics.EngineMetrics) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	tolerance := cfg.LatenessTolerance
	if tolerance <= 0 {
		tolerance = DefaultLatenessTolerance
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 4096
	}
	return &Gateway{
		bus:       bus,
		logger:    logger,
		metrics:   m,
		tolerance: tolerance,
		sources:   make(map[string]Source),
		lastSeen:  make(map[string]timeutil.Nanos),
		intake:    make(chan VenueEvent, queue),
	}
}

// AddSource registers and starts a venue source.
func (g *Gateway) AddSource(ctx context.Context, source Source) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.intake == nil {
		return ErrGatewayClosed
	}
	if _, exists := g.sources[source.Name()]; exists {
		return ErrSourceExists
	}

	if err := source.Start(ctx, g.intake); err != nil {
		return err
	}

	g.sources[source.Name()] = source
	g.logger.Info("Market data source added", zap.String("source", source.Name()))
	return nil
}

// RemoveSource stops and unregisters a venue source.
func (g *Gateway) RemoveSource(ctx context.Context, name string) error {
	g.mu.Lock()
	source, exists := g.sources[name]
	if exists {
		delete(g.sources, name)
	}
	g.mu.Unlock()

	if !exists {
		return ErrSourceNotFound
	}
	if err := source.Stop(ctx); err != nil {
		return err
	}
	g.logger.Info("Market data source removed", zap.String("source", name))
	return nil
}

// Start begins consuming venue events.
func (g *Gateway) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})

	go func() {
		defer close(g.done)
		for {
			select {
			case ev := <-g.intake:
				g.handle(ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	g.logger.Info("Market data gateway started")
	return nil
}

// Stop stops the gateway and all registered sources.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	sources := make([]Source, 0, len(g.sources))
	for _, s := range g.sources {
		sources = append(sources, s)
	}
	g.sources = make(map[string]Source)
	g.mu.Unlock()

	var lastErr error
	for _, s := range sources {
		if err := s.Stop(ctx); err != nil {
			g.logger.Error("Failed to stop market data source",
				zap.String("source", s.Name()), zap.Error(err))
			lastErr = err
		}
	}

	if g.cancel != nil {
		g.cancel()
		<-g.done
	}
	return lastErr
}

// handle normalizes and publishes one venue event.
func (g *Gateway) handle(ev VenueEvent) {
	switch {
	case ev.Tick != nil:
		g.handleTick(ev.Tick)
	case ev.Trade != nil:
		g.handleTrade(ev.Trade)
	case ev.Book != nil:
		g.handleBook(ev.Book)
	case ev.Reconnect != nil:
		g.handleReconnect(ev.Reconnect)
	}
}

// admit enforces per-symbol monotonic timestamps. Anything at or before
// the last admitted timestamp is rejected: equal is a duplicate, older
// beyond the tolerance is stale, older within it a benign reorder.
func (g *Gateway) admit(symbol string, ts timeutil.Nanos) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, seen := g.lastSeen[symbol]
	if seen {
		if ts == last {
			g.metrics.DuplicateTicks.WithLabelValues(symbol).Inc()
			return false
		}
		if ts.Before(last) {
			if last.Sub(ts) > g.tolerance {
				g.metrics.StaleTicks.WithLabelValues(symbol).Inc()
				g.logger.Debug("Dropped stale tick",
					zap.String("symbol", symbol),
					zap.Duration("late_by", last.Sub(ts)))
			}
			return false
		}
	}
	g.lastSeen[symbol] = ts
	return true
}

func (g *Gateway) handleTick(raw *VenueTick) {
	ts := timeutil.Normalize(raw.TS)
	if ts <= 0 || raw.Close <= 0 {
		return
	}
	if !g.admit(raw.Symbol, ts) {
		return
	}

	tick := models.Tick{
		Symbol:      raw.Symbol,
		TS:          ts,
		Open:        raw.Open,
		High:        raw.High,
		Low:         raw.Low,
		Close:       raw.Close,
		Volume:      raw.Volume,
		TradesCount: raw.TradesCount,
		VWAP:        raw.VWAP,
	}
	g.bus.PublishEvent(eventbus.Event{
		Topic:   eventbus.TopicMarketPriceUpdate,
		Source:  "marketdata",
		Symbol:  tick.Symbol,
		Payload: tick,
	})
}

func (g *Gateway) handleTrade(raw *VenueTrade) {
	ts := timeutil.Normalize(raw.TS)
	if ts <= 0 || raw.Price <= 0 {
		return
	}

	trade := models.Trade{
		Symbol: raw.Symbol,
		TS:     ts,
		Price:  raw.Price,
		Qty:    raw.Qty,
		Buyer:  raw.Buyer,
	}
	g.bus.PublishEvent(eventbus.Event{
		Topic:   eventbus.TopicMarketTrade,
		Source:  "marketdata",
		Symbol:  trade.Symbol,
		Payload: trade,
	})
}

func (g *Gateway) handleBook(raw *VenueBook) {
	ts := timeutil.Normalize(raw.TS)
	if ts <= 0 {
		return
	}

	book := models.OrderbookSnapshot{
		Symbol: raw.Symbol,
		TS:     ts,
		Bids:   make([]models.BookLevel, len(raw.Bids)),
		Asks:   make([]models.BookLevel, len(raw.Asks)),
	}
	for i, l := range raw.Bids {
		book.Bids[i] = models.BookLevel{Price: l.Price, Qty: l.Qty}
	}
	for i, l := range raw.Asks {
		book.Asks[i] = models.BookLevel{Price: l.Price, Qty: l.Qty}
	}
	g.bus.PublishEvent(eventbus.Event{
		Topic:   eventbus.TopicMarketOrderbook,
		Source:  "marketdata",
		Symbol:  book.Symbol,
		Payload: book,
	})
}

// ReconnectedEvent is the payload of exchange.reconnected.
type ReconnectedEvent struct {
	Venue    string
	DownFrom timeutil.Nanos
	DownTo   timeutil.Nanos
	Attempts int
}

func (g *Gateway) handleReconnect(rc *Reconnect) {
	g.metrics.Reconnects.WithLabelValues(rc.Venue).Inc()

	g.mu.Lock()
	g.feedGaps++
	gaps := g.feedGaps
	g.mu.Unlock()

	g.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicExchangeReconnected,
		Source: "marketdata",
		Payload: ReconnectedEvent{
			Venue:    rc.Venue,
			DownFrom: timeutil.Normalize(rc.DownFrom),
			DownTo:   timeutil.Normalize(rc.DownTo),
			Attempts: rc.Attempts,
		},
	})
	g.bus.PublishEvent(eventbus.Event{
		Topic:  eventbus.TopicSystemGap,
		Source: "marketdata",
		Payload: eventbus.GapMarker{
			Subscription: "venue:" + rc.Venue,
			Dropped:      gaps,
			From:         timeutil.Normalize(rc.DownFrom),
			To:           timeutil.Normalize(rc.DownTo),
		},
	})

	g.logger.Warn("Venue reconnected",
		zap.String("venue", rc.Venue),
		zap.Int("attempts", rc.Attempts))
}
