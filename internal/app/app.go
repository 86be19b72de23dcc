// Package app wires the engine together with fx.
package app

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantpulse/tradepulse/internal/command"
	"github.com/quantpulse/tradepulse/internal/config"
	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/evaluator"
	"github.com/quantpulse/tradepulse/internal/indicator"
	"github.com/quantpulse/tradepulse/internal/marketdata"
	"github.com/quantpulse/tradepulse/internal/metrics"
	"github.com/quantpulse/tradepulse/internal/orders"
	"github.com/quantpulse/tradepulse/internal/repository"
	"github.com/quantpulse/tradepulse/internal/session"
	"github.com/quantpulse/tradepulse/internal/strategy"
)

// Module assembles the engine. The dependency graph encodes the startup
// ordering the session controller relies on.
var Module = fx.Options(
	metrics.Module,
	fx.Provide(
		NewDB,
		NewBus,
		NewCatalog,
		NewRecorder,
		NewIndicatorEngine,
		NewGateway,
		NewVenue,
		NewOrderManager,
		NewTimerWheel,
		NewEvaluator,
		NewStrategyStore,
		NewStrategyManager,
		NewSessionController,
		command.NewHandler,
	),
	fx.Invoke(registerLifecycle),
)

// New builds the fx application for a loaded config.
func New(cfg *config.Config, logger *zap.Logger) *fx.App {
	return fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		Module,
	)
}

// NewDB opens the configured database.
func NewDB(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch cfg.Database.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
			cfg.Database.Password, cfg.Database.Name, cfg.Database.SSLMode)
		return gorm.Open(postgres.Open(dsn), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.Database.Name+".db"), gormCfg)
	}
}

// NewBus creates the event bus.
func NewBus(cfg *config.Config, logger *zap.Logger, m *metrics.EngineMetrics) *eventbus.Bus {
	return eventbus.New(logger, m, eventbus.Options{
		PublishDeadline: cfg.Bus.PublishDeadline,
	})
}

// NewCatalog creates the variant catalog with the default set.
func NewCatalog() (*indicator.Catalog, error) {
	catalog := indicator.NewCatalog()
	if err := indicator.RegisterDefaults(catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}

// NewRecorder creates the persistence recorder.
func NewRecorder(db *gorm.DB, logger *zap.Logger) (*repository.Recorder, error) {
	return repository.NewRecorder(db, repository.RecorderConfig{}, logger)
}

// NewIndicatorEngine creates the indicator engine.
func NewIndicatorEngine(cfg *config.Config, bus *eventbus.Bus, catalog *indicator.Catalog, rec *repository.Recorder, logger *zap.Logger, m *metrics.EngineMetrics) *indicator.Engine {
	return indicator.NewEngine(bus, catalog, indicator.EngineConfig{
		FillRatio:   cfg.Indicators.FillRatio,
		EmitEpsilon: cfg.Indicators.EmitEpsilon,
		TickThrough: cfg.Indicators.TickThrough,
		TailSize:    cfg.Indicators.TailSize,
		TailTTL:     cfg.Indicators.TailCacheTTL,
	}, rec, logger, m)
}

// NewGateway creates the market data gateway.
func NewGateway(cfg *config.Config, bus *eventbus.Bus, logger *zap.Logger, m *metrics.EngineMetrics) *marketdata.Gateway {
	return marketdata.NewGateway(bus, marketdata.GatewayConfig{
		LatenessTolerance: cfg.MarketData.LatenessTolerance,
	}, logger, m)
}

// NewVenue selects the execution venue. Live adapters are injected by
// the operator build; the default is the paper simulator.
func NewVenue(cfg *config.Config) orders.Venue {
	return orders.NewPaperVenue(orders.PaperConfig{
		SlippageBps:   cfg.Orders.SlippageBps,
		CommissionBps: cfg.Orders.CommissionBps,
		PartialFills:  cfg.Orders.PartialFills,
	})
}

// NewOrderManager creates the order manager.
func NewOrderManager(cfg *config.Config, bus *eventbus.Bus, venue orders.Venue, logger *zap.Logger, m *metrics.EngineMetrics) *orders.Manager {
	return orders.NewManager(bus, venue, orders.Config{
		BudgetCap:         cfg.Session.BudgetCap,
		VenueDeadline:     cfg.Orders.VenueDeadline,
		PositionUpdateMin: cfg.Orders.PositionUpdateMin,
	}, logger, m)
}

// NewTimerWheel creates the shared deadline source.
func NewTimerWheel() *evaluator.TimerWheel {
	return evaluator.NewTimerWheel()
}

// NewEvaluator creates the evaluator runtime.
func NewEvaluator(bus *eventbus.Bus, om *orders.Manager, timers *evaluator.TimerWheel, logger *zap.Logger, m *metrics.EngineMetrics) (*evaluator.Evaluator, error) {
	return evaluator.New(bus, om, timers, evaluator.Config{}, logger, m)
}

// NewStrategyStore creates the durable strategy store.
func NewStrategyStore(db *gorm.DB, catalog *indicator.Catalog, logger *zap.Logger) (*strategy.Store, error) {
	return strategy.NewStore(db, strategy.NewValidator(catalog), logger)
}

// NewStrategyManager creates the runtime strategy manager.
func NewStrategyManager(store *strategy.Store, eval *evaluator.Evaluator, rec *repository.Recorder, logger *zap.Logger, m *metrics.EngineMetrics) *strategy.Manager {
	return strategy.NewManager(store, eval, rec, logger, m)
}

// NewSessionController creates the session controller.
func NewSessionController(mgr *strategy.Manager, om *orders.Manager, bus *eventbus.Bus, logger *zap.Logger) *session.Controller {
	return session.NewController(mgr, om, bus, logger)
}

// registerLifecycle starts components in dependency order and stops
// them in reverse.
func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	bus *eventbus.Bus,
	rec *repository.Recorder,
	engine *indicator.Engine,
	gateway *marketdata.Gateway,
	om *orders.Manager,
	eval *evaluator.Evaluator,
	timers *evaluator.TimerWheel,
	mgr *strategy.Manager,
) {
	var bridge *eventbus.Bridge

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rec.Start(bus); err != nil {
				return err
			}
			if err := engine.Start(); err != nil {
				return err
			}
			if err := om.Start(); err != nil {
				return err
			}
			if err := gateway.Start(); err != nil {
				return err
			}

			if cfg.Bus.NATSURL != "" {
				var err error
				bridge, err = eventbus.NewBridge(bus, eventbus.BridgeConfig{
					URL:    cfg.Bus.NATSURL,
					Topics: cfg.Bus.BridgeTopics,
				}, logger)
				if err != nil {
					return fmt.Errorf("nats bridge: %w", err)
				}
				if err := bridge.Start(); err != nil {
					return err
				}
			}

			// Sources come up last so nothing flows before every
			// consumer is subscribed.
			if cfg.MarketData.VenueURL != "" {
				return gateway.AddSource(context.Background(), marketdata.NewWSSource(marketdata.WSSourceConfig{
					Name:             "venue",
					URL:              cfg.MarketData.VenueURL,
					Symbols:          cfg.MarketData.Symbols,
					MaxReconnectWait: cfg.MarketData.ReconnectMax,
				}, logger))
			}
			return gateway.AddSource(context.Background(), marketdata.NewSimSource(marketdata.SimSourceConfig{
				Symbols: cfg.MarketData.Symbols,
			}, logger))
		},
		OnStop: func(ctx context.Context) error {
			if err := mgr.DeactivateAll(ctx); err != nil {
				logger.Error("Deactivation on shutdown failed", zap.Error(err))
			}
			if bridge != nil {
				bridge.Stop()
			}
			gateway.Stop(ctx)
			om.Stop()
			engine.Stop()
			eval.Close()
			timers.Stop()
			rec.Stop()
			bus.Close()
			return nil
		},
	})
}
