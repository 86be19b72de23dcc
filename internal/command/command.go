// Package command is the transport-independent command surface: the
// operations a frontend or CLI invokes, with uniform responses. Any
// transport (HTTP, WebSocket, tests) marshals into these calls.
package command

import (
	"context"
	"errors"

	"github.com/quantpulse/tradepulse/internal/indicator"
	"github.com/quantpulse/tradepulse/internal/models"
	"github.com/quantpulse/tradepulse/internal/session"
	"github.com/quantpulse/tradepulse/internal/strategy"
)

// Status of a response.
type Status string

// Response statuses
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Response is the uniform command answer.
type Response struct {
	Status Status `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error carries a stable error code plus a human message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes, stable across releases.
const (
	CodeValidation      = "validation_error"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeUnknownStrategy = "unknown_strategy"
	CodeAlreadyActive   = "already_active"
	CodeInternal        = "internal_error"
)

// Handler executes commands against the engine's components.
type Handler struct {
	store      *strategy.Store
	manager    *strategy.Manager
	controller *session.Controller
	indicators *indicator.Engine
}

// NewHandler creates the command handler.
func NewHandler(store *strategy.Store, manager *strategy.Manager, controller *session.Controller, indicators *indicator.Engine) *Handler {
	return &Handler{
		store:      store,
		manager:    manager,
		controller: controller,
		indicators: indicators,
	}
}

func ok(data any) Response {
	return Response{Status: StatusOK, Data: data}
}

func fail(err error) Response {
	code := CodeInternal
	var verr *strategy.ValidationError
	switch {
	case errors.As(err, &verr):
		code = CodeValidation
	case errors.Is(err, strategy.ErrStrategyNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, indicator.ErrVariantNotFound):
		code = CodeNotFound
	case errors.Is(err, strategy.ErrStrategyExists),
		errors.Is(err, session.ErrSessionConflict):
		code = CodeConflict
	case errors.Is(err, strategy.ErrUnknownStrategy):
		code = CodeUnknownStrategy
	case errors.Is(err, strategy.ErrAlreadyActive):
		code = CodeAlreadyActive
	}
	return Response{Status: StatusError, Error: &Error{Code: code, Message: err.Error()}}
}

// CreateStrategy persists a new strategy definition.
func (h *Handler) CreateStrategy(ctx context.Context, def *strategy.Definition) Response {
	id, err := h.store.Create(ctx, def)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]string{"strategy_id": id})
}

// UpdateStrategy replaces a definition.
func (h *Handler) UpdateStrategy(ctx context.Context, id string, def *strategy.Definition) Response {
	if err := h.store.Update(ctx, id, def); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// DeleteStrategy removes a definition.
func (h *Handler) DeleteStrategy(ctx context.Context, id string) Response {
	if err := h.store.Delete(ctx, id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// ListStrategies returns definitions matching the filter.
func (h *Handler) ListStrategies(ctx context.Context, filter strategy.ListFilter) Response {
	defs, err := h.store.List(ctx, filter)
	if err != nil {
		return fail(err)
	}
	return ok(defs)
}

// SessionStart starts a session.
func (h *Handler) SessionStart(ctx context.Context, req session.StartRequest) Response {
	res, err := h.controller.Start(ctx, req)
	if err != nil {
		return fail(err)
	}
	return ok(res)
}

// SessionStop stops a session.
func (h *Handler) SessionStop(ctx context.Context, sessionID string, opts session.StopOptions) Response {
	if err := h.controller.Stop(ctx, sessionID, opts); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// Activate binds a strategy to a symbol.
func (h *Handler) Activate(ctx context.Context, strategyID, symbol string) Response {
	inst, err := h.manager.Activate(strategyID, symbol)
	if err != nil {
		return fail(err)
	}
	return ok(inst)
}

// Deactivate releases a binding; idempotent.
func (h *Handler) Deactivate(ctx context.Context, strategyID, symbol string) Response {
	if err := h.manager.Deactivate(ctx, strategyID, symbol); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// QueryIndicatorTail serves the pull API for late subscribers.
func (h *Handler) QueryIndicatorTail(ctx context.Context, variantID, symbol string, n int) Response {
	values, err := h.indicators.Tail(ctx, variantID, symbol, n)
	if err != nil {
		return fail(err)
	}
	if values == nil {
		values = []models.IndicatorValue{}
	}
	return ok(values)
}
