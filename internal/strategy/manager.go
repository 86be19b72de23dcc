package strategy

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/quantpulse/tradepulse/internal/metrics"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Common errors
var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrAlreadyActive   = errors.New("strategy already active for symbol")
	ErrCacheCold       = errors.New("strategy cache not loaded")
)

// Runner executes one instance's evaluator loop. Run blocks until the
// context is cancelled; the manager owns the goroutine.
type Runner interface {
	Run(ctx context.Context, def *Definition, inst *Instance) error
}

// InstanceSink persists an instance's terminal state on deactivation.
// Optional; the repository layer implements it.
type InstanceSink interface {
	SaveInstance(ctx context.Context, inst *Instance) error
}

// managed pairs an active instance with its evaluator lifetime.
type managed struct {
	inst   *Instance
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager bridges the durable store and the runtime: it caches
// definitions, owns the active-instance map, and guarantees at most one
// active instance per (strategy_id, symbol).
type Manager struct {
	store   *Store
	runner  Runner
	sink    InstanceSink
	logger  *zap.Logger
	metrics *metrics.EngineMetrics

	mu     sync.RWMutex
	cache  map[string]*Definition
	active map[Key]*managed
	loaded bool
}

// NewManager creates the manager. sink may be nil.
func NewManager(store *Store, runner Runner, sink InstanceSink, logger *zap.Logger, m *metrics.EngineMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	mgr := &Manager{
		store:   store,
		runner:  runner,
		sink:    sink,
		logger:  logger,
		metrics: m,
		cache:   make(map[string]*Definition),
		active:  make(map[Key]*managed),
	}

	// Keep the cache in step with every committed store mutation.
	store.OnChange(func(change Change) {
		mgr.onStoreChange(change)
	})
	return mgr
}

// LoadFromStore refreshes the full definition cache. Sessions must call
// this before any Activate.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	defs, err := m.store.List(ctx, ListFilter{})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cache = make(map[string]*Definition, len(defs))
	for _, def := range defs {
		m.cache[def.StrategyID] = def
	}
	m.loaded = true
	m.mu.Unlock()

	m.logger.Info("Strategy cache loaded", zap.Int("strategies", len(defs)))
	return nil
}

func (m *Manager) onStoreChange(change Change) {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if !loaded {
		return
	}

	switch change.Kind {
	case ChangeDeleted:
		m.mu.Lock()
		delete(m.cache, change.StrategyID)
		m.mu.Unlock()
	default:
		def, err := m.store.Read(context.Background(), change.StrategyID)
		if err != nil {
			m.logger.Error("Cache refresh failed",
				zap.String("strategy_id", change.StrategyID), zap.Error(err))
			return
		}
		m.mu.Lock()
		m.cache[change.StrategyID] = def
		m.mu.Unlock()
	}
}

// Get returns a cached definition.
func (m *Manager) Get(strategyID string) (*Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.cache[strategyID]
	return def, ok
}

// Active returns the active instance for a key, if any.
func (m *Manager) Active(key Key) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.active[key]
	if !ok {
		return nil, false
	}
	return mg.inst, true
}

// ActiveCount returns the number of active instances.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Activate binds a strategy to a symbol and spawns its evaluator. The
// insert into the active map is atomic: a concurrent duplicate gets
// ErrAlreadyActive, never a second evaluator.
func (m *Manager) Activate(strategyID, symbol string) (*Instance, error) {
	key := Key{StrategyID: strategyID, Symbol: symbol}

	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return nil, ErrCacheCold
	}
	def, ok := m.cache[strategyID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownStrategy
	}
	if _, exists := m.active[key]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyActive
	}

	inst := &Instance{
		StrategyID:     strategyID,
		Symbol:         symbol,
		State:          StateMonitoring,
		StateEnteredAt: timeutil.Now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	mg := &managed{inst: inst, cancel: cancel, done: make(chan struct{})}
	m.active[key] = mg
	m.mu.Unlock()

	m.metrics.ActiveInstances.Inc()

	go func() {
		defer close(mg.done)
		if err := m.runner.Run(ctx, def, inst); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("Evaluator exited with error",
				zap.String("strategy_id", strategyID),
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}()

	m.logger.Info("Strategy activated",
		zap.String("strategy_id", strategyID), zap.String("symbol", symbol))
	return inst, nil
}

// Deactivate cancels the instance's evaluator, waits for its in-flight
// event to finish, and persists the terminal state. Idempotent: a second
// call for the same key succeeds without effect.
func (m *Manager) Deactivate(ctx context.Context, strategyID, symbol string) error {
	key := Key{StrategyID: strategyID, Symbol: symbol}

	m.mu.Lock()
	mg, ok := m.active[key]
	if ok {
		delete(m.active, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	mg.cancel()
	select {
	case <-mg.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.metrics.ActiveInstances.Dec()

	if m.sink != nil {
		if err := m.sink.SaveInstance(ctx, mg.inst); err != nil {
			m.logger.Error("Failed to persist instance state",
				zap.String("strategy_id", strategyID),
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}

	m.logger.Info("Strategy deactivated",
		zap.String("strategy_id", strategyID), zap.String("symbol", symbol))
	return nil
}

// DeactivateAll deactivates every active instance.
func (m *Manager) DeactivateAll(ctx context.Context) error {
	m.mu.RLock()
	keys := make([]Key, 0, len(m.active))
	for key := range m.active {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, key := range keys {
		if err := m.Deactivate(ctx, key.StrategyID, key.Symbol); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
