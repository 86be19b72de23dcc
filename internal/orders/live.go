package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantpulse/tradepulse/internal/models"
)

// ExchangeClient is the thin surface a live exchange adapter provides.
// Concrete adapters (MEXC and friends) live outside the engine.
type ExchangeClient interface {
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	PlaceOrder(ctx context.Context, order *models.Order) ([]Execution, error)
}

// LiveVenue routes orders to an exchange client behind a circuit breaker
// and a submission rate limit. Leverage is configured lazily, once per
// symbol, and cached.
type LiveVenue struct {
	client  ExchangeClient
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	leverage map[string]float64
}

// LiveConfig configures the live venue.
type LiveConfig struct {
	// RatePerSecond caps venue submissions.
	RatePerSecond float64

	// BreakerFailures opens the breaker after this many consecutive
	// failures.
	BreakerFailures uint32

	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
}

// NewLiveVenue creates the live venue wrapper.
func NewLiveVenue(client ExchangeClient, cfg LiveConfig, logger *zap.Logger) *LiveVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 10
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "live-venue",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Venue circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &LiveVenue{
		client:   client,
		breaker:  breaker,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		logger:   logger,
		leverage: make(map[string]float64),
	}
}

// Name returns the venue name.
func (v *LiveVenue) Name() string { return "live" }

// SetLeverage configures symbol leverage on the venue, once per symbol
// per value.
func (v *LiveVenue) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	v.mu.Lock()
	current, ok := v.leverage[symbol]
	v.mu.Unlock()
	if ok && current == leverage {
		return nil
	}

	_, err := v.breaker.Execute(func() (any, error) {
		return nil, v.client.SetLeverage(ctx, symbol, leverage)
	})
	if err != nil {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}

	v.mu.Lock()
	v.leverage[symbol] = leverage
	v.mu.Unlock()
	return nil
}

// Submit places the order on the exchange.
func (v *LiveVenue) Submit(ctx context.Context, order *models.Order, mark float64) ([]Execution, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if order.Leverage > 1 {
		if err := v.SetLeverage(ctx, order.Symbol, order.Leverage); err != nil {
			return nil, err
		}
	}

	res, err := v.breaker.Execute(func() (any, error) {
		return v.client.PlaceOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Execution), nil
}
