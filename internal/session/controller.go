// Package session orchestrates session lifecycle: strategy cache warmup,
// activation fan-out, budget policy and conflict arbitration.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantpulse/tradepulse/internal/eventbus"
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/strategy"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Common errors
var (
	ErrSessionConflict = errors.New("conflicting session for overlapping symbols")
	ErrSessionNotFound = errors.New("session not found")
	ErrNothingToRun    = errors.New("session needs at least one strategy and symbol")
)

// PositionCloser is the order-manager slice used by stop with
// close_positions=true.
type PositionCloser interface {
	ClosePositionsFor(ctx context.Context, strategyID string) error
}

// StartRequest describes a session to start.
type StartRequest struct {
	Mode       models.SessionMode
	Symbols    []string
	Strategies []string
	BudgetCap  float64

	// Idempotent returns the conflicting session instead of failing.
	Idempotent bool
}

// ActivationResult reports one (strategy, symbol) activation outcome.
type ActivationResult struct {
	StrategyID string
	Symbol     string
	Err        error
}

// StartResult is the controller's answer to Start.
type StartResult struct {
	Session     models.Session
	Activations []ActivationResult

	// Existing is true when an idempotent start returned a session that
	// was already running.
	Existing bool
}

// Controller owns sessions and orchestrates start/stop across the
// strategy manager and the order manager.
type Controller struct {
	manager *strategy.Manager
	closer  PositionCloser
	bus     *eventbus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*models.Session
}

// NewController creates the session controller. closer may be nil when
// no order manager is wired (validation runs).
func NewController(manager *strategy.Manager, closer PositionCloser, bus *eventbus.Bus, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		manager:  manager,
		closer:   closer,
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*models.Session),
	}
}

// Start runs the startup sequence. Ordering is load-bearing: the
// strategy cache is refreshed from the store and every activation has
// reported success or failure before Start returns.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if len(req.Strategies) == 0 || len(req.Symbols) == 0 {
		return nil, ErrNothingToRun
	}

	c.mu.Lock()
	if existing := c.conflictLocked(req); existing != nil {
		c.mu.Unlock()
		if req.Idempotent {
			return &StartResult{Session: *existing, Existing: true}, nil
		}
		return nil, fmt.Errorf("%w: session %s (%s)", ErrSessionConflict, existing.SessionID, existing.Mode)
	}

	sess := &models.Session{
		SessionID:  uuid.NewString(),
		Mode:       req.Mode,
		Symbols:    append([]string(nil), req.Symbols...),
		Strategies: append([]string(nil), req.Strategies...),
		BudgetCap:  req.BudgetCap,
		Status:     models.SessionStatusCreated,
	}
	c.sessions[sess.SessionID] = sess
	sess.Status = models.SessionStatusStarting
	c.mu.Unlock()

	// (1) The cache MUST be warm before any activation is attempted.
	if err := c.manager.LoadFromStore(ctx); err != nil {
		c.fail(sess)
		return nil, fmt.Errorf("load strategies: %w", err)
	}

	// (2) Every activation resolves before the session reports running.
	var results []ActivationResult
	activated := 0
	for _, strategyID := range req.Strategies {
		for _, symbol := range req.Symbols {
			_, err := c.manager.Activate(strategyID, symbol)
			results = append(results, ActivationResult{
				StrategyID: strategyID,
				Symbol:     symbol,
				Err:        err,
			})
			if err != nil {
				c.logger.Warn("Activation failed",
					zap.String("strategy_id", strategyID),
					zap.String("symbol", symbol),
					zap.Error(err))
			} else {
				activated++
			}
		}
	}

	if activated == 0 {
		c.fail(sess)
		return &StartResult{Session: *sess, Activations: results},
			fmt.Errorf("no instance activated")
	}

	c.mu.Lock()
	sess.Status = models.SessionStatusRunning
	sess.StartedAt = timeutil.Now()
	snapshot := *sess
	c.mu.Unlock()

	c.bus.PublishEvent(eventbus.Event{
		Topic:     eventbus.TopicSessionStarted,
		Source:    "session",
		SessionID: sess.SessionID,
		Payload:   snapshot,
	})
	c.logger.Info("Session started",
		zap.String("session_id", sess.SessionID),
		zap.String("mode", string(sess.Mode)),
		zap.Int("instances", activated))

	return &StartResult{Session: snapshot, Activations: results}, nil
}

// conflictLocked finds a live session of equal-or-higher priority with
// overlapping symbols.
func (c *Controller) conflictLocked(req StartRequest) *models.Session {
	want := make(map[string]struct{}, len(req.Symbols))
	for _, s := range req.Symbols {
		want[s] = struct{}{}
	}
	for _, sess := range c.sessions {
		if sess.Status != models.SessionStatusRunning &&
			sess.Status != models.SessionStatusStarting &&
			sess.Status != models.SessionStatusDegraded {
			continue
		}
		if sess.Mode.Priority() < req.Mode.Priority() {
			continue
		}
		for _, sym := range sess.Symbols {
			if _, overlap := want[sym]; overlap {
				return sess
			}
		}
	}
	return nil
}

func (c *Controller) fail(sess *models.Session) {
	c.mu.Lock()
	sess.Status = models.SessionStatusFailed
	c.mu.Unlock()
}

// StopOptions configures Stop.
type StopOptions struct {
	// ClosePositions market-closes the session strategies' open
	// positions before deactivation. Off by default: deactivation is a
	// control-plane action, not a trading decision.
	ClosePositions bool
}

// Stop deactivates the session's instances and marks it stopped.
func (c *Controller) Stop(ctx context.Context, sessionID string, opts StopOptions) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status == models.SessionStatusStopped {
		c.mu.Unlock()
		return nil
	}
	sess.Status = models.SessionStatusStopping
	strategies := append([]string(nil), sess.Strategies...)
	symbols := append([]string(nil), sess.Symbols...)
	c.mu.Unlock()

	if opts.ClosePositions && c.closer != nil {
		for _, strategyID := range strategies {
			if err := c.closer.ClosePositionsFor(ctx, strategyID); err != nil {
				c.logger.Error("Closing session positions failed",
					zap.String("strategy_id", strategyID), zap.Error(err))
			}
		}
	}

	var lastErr error
	for _, strategyID := range strategies {
		for _, symbol := range symbols {
			if err := c.manager.Deactivate(ctx, strategyID, symbol); err != nil {
				lastErr = err
			}
		}
	}

	c.mu.Lock()
	sess.Status = models.SessionStatusStopped
	snapshot := *sess
	c.mu.Unlock()

	c.bus.PublishEvent(eventbus.Event{
		Topic:     eventbus.TopicSessionStopped,
		Source:    "session",
		SessionID: sessionID,
		Payload:   snapshot,
	})
	c.logger.Info("Session stopped", zap.String("session_id", sessionID))
	return lastErr
}

// Status returns a session snapshot.
func (c *Controller) Status(sessionID string) (models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

// Degrade marks a running session degraded; called when an evaluator
// hits a fatal error but the session keeps going.
func (c *Controller) Degrade(sessionID string) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if ok && sess.Status == models.SessionStatusRunning {
		sess.Status = models.SessionStatusDegraded
	}
	var snapshot models.Session
	if ok {
		snapshot = *sess
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.bus.PublishEvent(eventbus.Event{
		Topic:     eventbus.TopicSessionDegraded,
		Source:    "session",
		SessionID: sessionID,
		Payload:   snapshot,
	})
}
