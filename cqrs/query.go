package cqrs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nordlight-io/cqres/internal/reflector"
	"github.com/nordlight-io/cqres/metrics"
)

// Query is dispatched to exactly one registered handler, which returns a
// read model. Registering a second handler for the same query type is a
// build-time error, detected eagerly by RegisterQuery/Register rather than
// deferred to dispatch time.
type Query interface {
	QueryID() string
}

type (
	QueryHandler interface {
		Handle(ctx context.Context, q Query) (any, error)
	}
	QueryHandlerFunc func(ctx context.Context, q Query) (any, error)
	QueryMiddleware  func(next QueryHandler) QueryHandler
)

func (f QueryHandlerFunc) Handle(ctx context.Context, q Query) (any, error) { return f(ctx, q) }

func applyQueryMiddlewares(h QueryHandler, mws []QueryMiddleware) QueryHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type QueryBusMetrics interface {
	DispatchDuration(queryType string) metrics.Timer
	DispatchResult(queryType string, success bool)
}

type nopQueryBusMetrics struct{}

func (nopQueryBusMetrics) DispatchDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopQueryBusMetrics) DispatchResult(string, bool)           {}

func NopQueryBusMetrics() QueryBusMetrics { return nopQueryBusMetrics{} }

// QueryBus routes queries to their registered handler through a shared
// middleware chain. Structurally identical to CommandBus; kept as a separate
// type since commands and queries have distinct result/error semantics.
type QueryBus struct {
	r       *router
	mws     []QueryMiddleware
	log     *slog.Logger
	metrics QueryBusMetrics
}

type QueryBusOption func(*QueryBus)

func WithQueryMiddlewares(mws ...QueryMiddleware) QueryBusOption {
	return func(b *QueryBus) { b.mws = append(b.mws, mws...) }
}

func WithQueryBusLog(log *slog.Logger) QueryBusOption {
	return func(b *QueryBus) { b.log = log }
}

func WithQueryBusMetrics(m QueryBusMetrics) QueryBusOption {
	return func(b *QueryBus) { b.metrics = m }
}

func NewQueryBus(opts ...QueryBusOption) *QueryBus {
	b := &QueryBus{
		r:       newRouter(true),
		log:     slog.Default(),
		metrics: NopQueryBusMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register wires h to handle every query of the dynamic type queryType.
// Returns ErrDuplicateHandler if one is already registered.
func (b *QueryBus) Register(queryType string, h QueryHandler) error {
	return b.r.on(queryType, HandlerFunc(func(ctx context.Context, msg any) (any, error) {
		return h.Handle(ctx, msg.(Query))
	}), false)
}

// RegisterQuery registers a typed handler for query type Q.
func RegisterQuery[Q Query, R any](b *QueryBus, h func(ctx context.Context, q Q) (R, error)) error {
	typeName := reflector.TypeInfoFor[Q]().Name
	return b.Register(typeName, QueryHandlerFunc(func(ctx context.Context, q Query) (any, error) {
		qq, ok := q.(Q)
		if !ok {
			return nil, fmt.Errorf("cqrs: expected query type %T, got %T", *new(Q), q)
		}
		return h(ctx, qq)
	}))
}

// Dispatch routes q to its registered handler through the middleware chain.
func (b *QueryBus) Dispatch(ctx context.Context, q Query) (any, error) {
	typeName := typeNameOf(q)
	defer b.metrics.DispatchDuration(typeName).ObserveDuration()

	terminal := QueryHandlerFunc(func(ctx context.Context, q Query) (any, error) {
		return b.r.dispatch(ctx, typeNameOf(q), q)
	})

	res, err := applyQueryMiddlewares(terminal, b.mws).Handle(ctx, q)
	b.metrics.DispatchResult(typeName, err == nil)
	return res, err
}
