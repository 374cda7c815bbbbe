package cqrs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nordlight-io/cqres/internal/reflector"
	"github.com/nordlight-io/cqres/metrics"
)

// Command is dispatched to exactly one aggregate instance through exactly
// one registered handler. A command's declared response type is whatever
// its handler returns; Dispatch surfaces it as the bus's own return value
// rather than a shape Command itself enumerates.
type Command interface {
	CommandID() string
	AggregateID() string
}

// CorrelationCarrier is implemented by commands that already carry a
// correlation id (e.g. because they were raised by a saga step).
type CorrelationCarrier interface {
	CorrelationID() string
}

// CausationCarrier is implemented by commands that know what caused them.
type CausationCarrier interface {
	CausationID() string
}

// IdempotencyKeyed is implemented by commands that should be deduplicated by
// an explicit key rather than by CommandID.
type IdempotencyKeyed interface {
	IdempotencyKey() string
}

type (
	// CommandHandler handles a command and returns its declared response
	// value (nil if the command has none) or an error.
	CommandHandler interface {
		Handle(ctx context.Context, cmd Command) (any, error)
	}
	CommandHandlerFunc func(ctx context.Context, cmd Command) (any, error)
	CommandMiddleware  func(next CommandHandler) CommandHandler
)

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (any, error) { return f(ctx, cmd) }

func applyCommandMiddlewares(h CommandHandler, mws []CommandMiddleware) CommandHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// CommandBusMetrics is the abstract metrics surface for the command bus,
// decoupling it from any concrete metrics backend.
type CommandBusMetrics interface {
	DispatchDuration(cmdType string) metrics.Timer
	DispatchResult(cmdType string, success bool)
}

type nopCommandBusMetrics struct{}

func (nopCommandBusMetrics) DispatchDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopCommandBusMetrics) DispatchResult(string, bool)           {}

// NopCommandBusMetrics returns a no-op CommandBusMetrics implementation.
func NopCommandBusMetrics() CommandBusMetrics { return nopCommandBusMetrics{} }

// CommandBus routes commands to their registered handler through a shared
// middleware chain.
type CommandBus struct {
	r       *router
	mws     []CommandMiddleware
	log     *slog.Logger
	metrics CommandBusMetrics
}

type CommandBusOption func(*CommandBus)

func WithCommandMiddlewares(mws ...CommandMiddleware) CommandBusOption {
	return func(b *CommandBus) { b.mws = append(b.mws, mws...) }
}

func WithCommandBusLog(log *slog.Logger) CommandBusOption {
	return func(b *CommandBus) { b.log = log }
}

func WithCommandBusMetrics(m CommandBusMetrics) CommandBusOption {
	return func(b *CommandBus) { b.metrics = m }
}

func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	b := &CommandBus{
		r:       newRouter(true),
		log:     slog.Default(),
		metrics: NopCommandBusMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register wires h to handle every command of the dynamic type cmdType.
// Registering a second handler for the same type is a build-time error.
func (b *CommandBus) Register(cmdType string, h CommandHandler) error {
	return b.r.on(cmdType, HandlerFunc(func(ctx context.Context, msg any) (any, error) {
		return h.Handle(ctx, msg.(Command))
	}), false)
}

// RegisterCommand registers a typed handler for command type C that produces
// no declared response (Dispatch returns a nil value for it).
func RegisterCommand[C Command](b *CommandBus, h func(ctx context.Context, cmd C) error) error {
	return RegisterCommandResult(b, func(ctx context.Context, cmd C) (any, error) {
		return nil, h(ctx, cmd)
	})
}

// RegisterCommandResult registers a typed handler for command type C whose
// declared response type is R.
func RegisterCommandResult[C Command, R any](b *CommandBus, h func(ctx context.Context, cmd C) (R, error)) error {
	typeName := reflector.TypeInfoFor[C]().Name
	return b.Register(typeName, CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		c, ok := cmd.(C)
		if !ok {
			return nil, fmt.Errorf("cqrs: expected command type %T, got %T", *new(C), cmd)
		}
		return h(ctx, c)
	}))
}

// Dispatch routes cmd to its registered handler through the middleware
// chain, returning either the handler's declared response value, a domain
// error, or ErrNoHandler if nothing is registered for its type.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (any, error) {
	typeName := typeNameOf(cmd)
	defer b.metrics.DispatchDuration(typeName).ObserveDuration()

	terminal := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		return b.r.dispatch(ctx, typeNameOf(cmd), cmd)
	})

	res, err := applyCommandMiddlewares(terminal, b.mws).Handle(ctx, cmd)
	b.metrics.DispatchResult(typeName, err == nil)
	return res, err
}
