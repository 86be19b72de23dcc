package indicator

import (
	"context"
	"errors"
	"math"
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
	ErrEngineRunning = errors.New("indicator engine already started")
)

// DefaultFillRatio is the warmup fraction of a window that must be
// covered before a variant emits.
const DefaultFillRatio = 0.8

// EngineConfig configures the indicator engine.
type EngineConfig struct {
	// FillRatio overrides DefaultFillRatio when positive.
	FillRatio float64

	// EmitEpsilon suppresses emissions whose value moved by no more than
	// this since the last emit.
	EmitEpsilon float64

	// TickThrough forces an emit after this long even when the value is
	// within epsilon, so downstream duration predicates keep advancing.
	TickThrough time.Duration

	// TailSize and TailTTL size the pull-API cache.
	TailSize int
	TailTTL  time.Duration

	// ShardQueue is the per-symbol queue capacity.
	ShardQueue int
}

// Engine computes all cataloged variants for every symbol it sees.
// Work is sharded per symbol: one goroutine serializes a symbol's
// updates, different symbols run in parallel.
type Engine struct {
	bus     *eventbus.Bus
	catalog *Catalog
	logger  *zap.Logger
	metrics *metrics.EngineMetrics
	reader  ValueReader // nil when persistence is absent

	fillRatio   float64
	emitEpsilon float64
	tickThrough time.Duration
	shardQueue  int

	tail *TailCache

	mu     sync.Mutex
	shards map[string]*shard

	subTicks *eventbus.Subscription
	subBooks *eventbus.Subscription
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// shard serializes all indicator work for one symbol.
type shard struct {
	symbol string
	in     chan eventbus.Event
	states map[string]*variantState
}

// variantState is the per-(variant, symbol) computation state.
type variantState struct {
	spec  Spec
	win   *Window
	stats *RollingStats

	emitted    bool
	lastValue  float64
	lastEmitTS timeutil.Nanos
	lastEmitAt time.Time
}

// NewEngine creates the indicator engine. reader may be nil.
func NewEngine(bus *eventbus.Bus, catalog *Catalog, cfg EngineConfig, reader ValueReader, logger *zap.Logger, m *metrics.EngineMetrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	fillRatio := cfg.FillRatio
	if fillRatio <= 0 || fillRatio > 1 {
		fillRatio = DefaultFillRatio
	}
	epsilon := cfg.EmitEpsilon
	if epsilon < 0 {
		epsilon = 0
	}
	tickThrough := cfg.TickThrough
	if tickThrough <= 0 {
		tickThrough = 5 * time.Second
	}
	shardQueue := cfg.ShardQueue
	if shardQueue <= 0 {
		shardQueue = 1024
	}

	return &Engine{
		bus:         bus,
		catalog:     catalog,
		logger:      logger,
		metrics:     m,
		reader:      reader,
		fillRatio:   fillRatio,
		emitEpsilon: epsilon,
		tickThrough: tickThrough,
		shardQueue:  shardQueue,
		tail:        NewTailCache(cfg.TailSize, cfg.TailTTL),
		shards:      make(map[string]*shard),
	}
}

// Start subscribes to market data and begins computing.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrEngineRunning
	}

	subTicks, err := e.bus.Subscribe(eventbus.TopicMarketPriceUpdate, eventbus.SubscribeOptions{
		Name:     "indicator-engine:ticks",
		Capacity: 8192,
		Policy:   eventbus.DropOldest,
	})
	if err != nil {
		return err
	}
	subBooks, err := e.bus.Subscribe(eventbus.TopicMarketOrderbook, eventbus.SubscribeOptions{
		Name:     "indicator-engine:books",
		Capacity: 2048,
		Policy:   eventbus.DropOldest,
	})
	if err != nil {
		subTicks.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.subTicks = subTicks
	e.subBooks = subBooks
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(ctx)
	}()

	e.logger.Info("Indicator engine started",
		zap.Int("variants", len(e.catalog.List())))
	return nil
}

// Stop unsubscribes and stops the shards. Events still queued in a shard
// are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.subTicks.Close()
	e.subBooks.Close()
	e.cancel()
	e.wg.Wait()
}

// dispatch routes market events to their symbol shard.
func (e *Engine) dispatch(ctx context.Context) {
	for {
		select {
		case ev, ok := <-e.subTicks.Events():
			if !ok {
				return
			}
			e.route(ctx, ev)
		case ev, ok := <-e.subBooks.Events():
			if !ok {
				return
			}
			e.route(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) route(ctx context.Context, ev eventbus.Event) {
	symbol := ev.Symbol
	if symbol == "" {
		return
	}

	e.mu.Lock()
	sh, ok := e.shards[symbol]
	if !ok {
		sh = &shard{
			symbol: symbol,
			in:     make(chan eventbus.Event, e.shardQueue),
			states: make(map[string]*variantState),
		}
		for _, spec := range e.catalog.List() {
			if spec.Kind == KindExternal {
				continue
			}
			sh.states[spec.ID] = &variantState{
				spec:  spec,
				win:   NewWindow(spec.Window),
				stats: &RollingStats{},
			}
		}
		e.shards[symbol] = sh

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runShard(ctx, sh)
		}()
	}
	e.mu.Unlock()

	select {
	case sh.in <- ev:
	default:
		// Shard saturated; the tick is already stale for this symbol.
	}
}

func (e *Engine) runShard(ctx context.Context, sh *shard) {
	for {
		select {
		case ev := <-sh.in:
			switch payload := ev.Payload.(type) {
			case models.Tick:
				e.onTick(sh, payload)
			case models.OrderbookSnapshot:
				e.onBook(sh, payload)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) onTick(sh *shard, tick models.Tick) {
	for _, st := range sh.states {
		if st.spec.Kind != KindTick {
			continue
		}
		// Welford stats track the retained window: remove what the
		// append evicts, add the newcomer.
		evicted := st.win.Add(tick)
		st.stats.Add(tick.Close)
		for _, old := range evicted {
			st.stats.Remove(old.Close)
		}

		if !st.win.Warm(e.fillRatio) {
			continue
		}
		e.compute(sh, st, Input{Window: st.win, Tick: tick, Stats: st.stats}, tick.TS)
	}
}

func (e *Engine) onBook(sh *shard, book models.OrderbookSnapshot) {
	for _, st := range sh.states {
		if st.spec.Kind != KindBook {
			continue
		}
		e.compute(sh, st, Input{Book: &book}, book.TS)
	}
}

// compute runs the variant's update function and emits the value when it
// is defined, fresh, and moved enough.
func (e *Engine) compute(sh *shard, st *variantState, in Input, ts timeutil.Nanos) {
	val, ok := st.spec.Compute(in)
	if !ok || math.IsNaN(val.Scalar) || math.IsInf(val.Scalar, 0) {
		if !ok {
			return
		}
		// Defined but non-finite: suppressed, counted, never propagated.
		e.metrics.IndicatorErrors.WithLabelValues(st.spec.ID).Inc()
		return
	}

	// Stale values must be dropped: emission is strictly monotonic in ts
	// per (variant, symbol).
	if !ts.After(st.lastEmitTS) {
		return
	}

	if st.emitted &&
		math.Abs(val.Scalar-st.lastValue) <= e.emitEpsilon &&
		time.Since(st.lastEmitAt) < e.tickThrough {
		return
	}

	out := models.IndicatorValue{
		VariantID: st.spec.ID,
		Symbol:    sh.symbol,
		TS:        ts,
		Value:     val.Scalar,
		Fields:    val.Fields,
	}

	st.emitted = true
	st.lastValue = val.Scalar
	st.lastEmitTS = ts
	st.lastEmitAt = time.Now()

	e.tail.Append(out)
	e.metrics.IndicatorEmits.WithLabelValues(st.spec.ID).Inc()
	e.bus.PublishEvent(eventbus.Event{
		Topic:   eventbus.TopicIndicatorUpdated,
		Source:  "indicator",
		Symbol:  sh.symbol,
		Payload: out,
	})
}

// Tail serves the pull API: the last n values for a variant on a symbol,
// oldest-first, from the in-memory tail with a persistence fallback.
func (e *Engine) Tail(ctx context.Context, variantID, symbol string, n int) ([]models.IndicatorValue, error) {
	if !e.catalog.Has(variantID) {
		return nil, ErrVariantNotFound
	}

	tail := e.tail.Tail(variantID, symbol, n)
	if len(tail) >= n || e.reader == nil {
		return tail, nil
	}

	persisted, err := e.reader.TailValues(ctx, variantID, symbol, n)
	if err != nil {
		// Cache content is still an answer; persistence is best-effort.
		e.logger.Warn("Tail fallback read failed",
			zap.String("variant", variantID), zap.Error(err))
		return tail, nil
	}
	if len(persisted) > len(tail) {
		return persisted, nil
	}
	return tail, nil
}
