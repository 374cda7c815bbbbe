// Package app wires aggregates, processors, projections, sagas and
// middleware into a running Env plus command/query buses, the way main()
// would otherwise do by hand for every service. A Builder collects
// declarations; Build validates them and returns a runnable Application.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nordlight-io/cqres/bus"
	"github.com/nordlight-io/cqres/cqrs"
	"github.com/nordlight-io/cqres/es"
	"github.com/nordlight-io/cqres/es/upcast"
	"github.com/nordlight-io/cqres/internal/reflector"
)

// Lifecycle is implemented by anything the Application should start before
// it accepts traffic and shut down afterward: a saga runtime's underlying
// consumer, a metrics server, a connection pool. Components are started in
// registration order and shut down in reverse.
type Lifecycle interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// LifecycleFunc adapts a pair of plain functions into a Lifecycle.
type LifecycleFunc struct {
	StartFunc    func(ctx context.Context) error
	ShutdownFunc func(ctx context.Context) error
}

func (f LifecycleFunc) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f LifecycleFunc) Shutdown(ctx context.Context) error {
	if f.ShutdownFunc == nil {
		return nil
	}
	return f.ShutdownFunc(ctx)
}

// commandRegistration is deferred until Build, since it needs the *es.Env's
// repository, which doesn't exist until the Env itself is constructed.
type commandRegistration func(env *es.Env, bus *cqrs.CommandBus) error

// queryRegistration is deferred for symmetry with commandRegistration,
// though most queries never need the repository; only the bus.
type queryRegistration func(bus *cqrs.QueryBus) error

// deferredQueryRegistration is for the minority of queries (registered via
// RegisterAggregateQuery) that do need the repository built from Build's Env.
type deferredQueryRegistration func(env *es.Env, bus *cqrs.QueryBus) error

// deferredProcessor builds a consumer that needs the CommandBus to exist
// first, such as a saga.Runtime dispatching follow-on commands. Unlike
// AddProcessor, the handler itself isn't known until Build constructs the
// bus, so construction happens before the Env (and its consumers) starts.
type deferredProcessor struct {
	build func(bus *cqrs.CommandBus) es.Handler
	opts  []es.ConsumerOption
}

// Builder accumulates the declarations of a CQRS/event-sourced service
// before validating and assembling them into an Application.
type Builder struct {
	log *slog.Logger

	store   es.EventStore
	envOpts []es.EnvOption

	commandMWs        []cqrs.CommandMiddleware
	queryMWs          []cqrs.QueryMiddleware
	commandBusMetrics cqrs.CommandBusMetrics
	queryBusMetrics   cqrs.QueryBusMetrics

	commandRegs       []commandRegistration
	queryRegs         []queryRegistration
	deferredQueryRegs []deferredQueryRegistration

	upcasters      []upcast.Upcaster
	upcastStrategy upcast.Strategy

	deferredProcessors []deferredProcessor

	eventBus bus.EventBus

	deps []Lifecycle
}

// NewBuilder starts a Builder with an optional logger; defaults to
// slog.Default() the way es.NewEnv does.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		log:            slog.Default(),
		upcastStrategy: upcast.Lazy,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type BuilderOption func(*Builder)

func WithLog(log *slog.Logger) BuilderOption { return func(b *Builder) { b.log = log } }

// WithEnvOptions passes opts straight through to es.NewEnv, for snapshotter
// config and any es.EnvOption the caller wants that this Builder doesn't
// expose its own method for.
func WithEnvOptions(opts ...es.EnvOption) BuilderOption {
	return func(b *Builder) { b.envOpts = append(b.envOpts, opts...) }
}

// WithStore sets the EventStore the Env is built on. Tracked separately
// from the generic env options (rather than folded into WithEnvOptions) so
// Build can test it for es.Rewriter when wiring an Eager upcast pipeline.
func WithStore(s es.EventStore) BuilderOption {
	return func(b *Builder) {
		b.store = s
		b.envOpts = append(b.envOpts, es.WithStore(s))
	}
}

// AddAggregate registers agg's event types with the underlying Env, the
// same as es.WithAggregates.
func (b *Builder) AddAggregate(agg es.Aggregate) *Builder {
	b.envOpts = append(b.envOpts, es.WithAggregates(agg))
	return b
}

// AddEvent registers a bare event type that isn't raised by any aggregate
// registered through AddAggregate (a saga's own compensation event, say).
func AddEvent[T any](b *Builder) *Builder {
	b.envOpts = append(b.envOpts, es.WithEvent[T]())
	return b
}

// AddProcessor wires handler as an es.Consumer alongside the Env's other
// consumers. For a handler that needs the Application's CommandBus to
// build itself, such as a saga.Runtime, use AddProcessorFunc instead.
func (b *Builder) AddProcessor(handler es.Handler, opts ...es.ConsumerOption) *Builder {
	b.envOpts = append(b.envOpts, es.WithConsumer(handler, opts...))
	return b
}

// AddProjection wires p as an es.Consumer under its own name, the same as
// es.WithProjection.
func (b *Builder) AddProjection(p es.Projection, opts ...es.ConsumerOption) *Builder {
	b.envOpts = append(b.envOpts, es.WithProjection(p, opts...))
	return b
}

// AddProcessorFunc wires a consumer that needs the Application's CommandBus
// to build itself, such as a saga.Runtime dispatching compensating or
// follow-on commands. build runs once Build has constructed the CommandBus,
// before the Env starts any consumer.
func (b *Builder) AddProcessorFunc(build func(bus *cqrs.CommandBus) es.Handler, opts ...es.ConsumerOption) *Builder {
	b.deferredProcessors = append(b.deferredProcessors, deferredProcessor{build: build, opts: opts})
	return b
}

// WithEventBus wires b onto the Env. A *bus.SyncBus is wired as a
// PostCommitHook: Save calls it inline, after events are durably appended
// but before Save returns, so a subscriber failure fails the Save call and
// the command dispatch that triggered it — matching SyncBus's own "failures
// propagate" contract. Any other EventBus (e.g. *bus.AsyncBus) is wired as
// an ordinary es.WithConsumer, since its delivery already rides a durable
// transport and has no business blocking the command that produced it.
// Unset by default; a Builder with no event bus behaves exactly as before
// this option existed.
func (b *Builder) WithEventBus(eb bus.EventBus) *Builder {
	b.eventBus = eb
	return b
}

// AddCommandMiddleware appends to the command bus's middleware chain, in
// the order given; the first added runs outermost.
func (b *Builder) AddCommandMiddleware(mws ...cqrs.CommandMiddleware) *Builder {
	b.commandMWs = append(b.commandMWs, mws...)
	return b
}

// AddQueryMiddleware appends to the query bus's middleware chain.
func (b *Builder) AddQueryMiddleware(mws ...cqrs.QueryMiddleware) *Builder {
	b.queryMWs = append(b.queryMWs, mws...)
	return b
}

// WithCommandBusMetrics installs a non-default cqrs.CommandBusMetrics.
func (b *Builder) WithCommandBusMetrics(m cqrs.CommandBusMetrics) *Builder {
	b.commandBusMetrics = m
	return b
}

// WithQueryBusMetrics installs a non-default cqrs.QueryBusMetrics.
func (b *Builder) WithQueryBusMetrics(m cqrs.QueryBusMetrics) *Builder {
	b.queryBusMetrics = m
	return b
}

// AddUpcaster registers an upcast.Upcaster. When at least one is
// registered, Build installs an upcast.Pipeline as the Env's decoder.
func (b *Builder) AddUpcaster(u upcast.Upcaster) *Builder {
	b.upcasters = append(b.upcasters, u)
	return b
}

// WithUpcastStrategy sets whether registered upcasters rewrite the store in
// place (upcast.Eager) or only translate on read (upcast.Lazy, the
// default).
func (b *Builder) WithUpcastStrategy(s upcast.Strategy) *Builder {
	b.upcastStrategy = s
	return b
}

// AddDependency registers a Lifecycle the Application should start and
// shut down alongside its Env, such as a metrics exporter or an outbound
// connection pool that a handler needs but that isn't itself an es.Handler.
func (b *Builder) AddDependency(dep Lifecycle) *Builder {
	b.deps = append(b.deps, dep)
	return b
}

// RegisterCommand declares that commands of type C are handled by applying
// fn to the aggregate of type A that owns them. The repository used to
// load/save A is built lazily from the Env constructed by Build, since the
// Env doesn't exist yet while the Builder is still being assembled.
func RegisterCommand[A es.Aggregate, C cqrs.Command](
	b *Builder,
	fn cqrs.CommandHandlerForAggregate[A, C],
	opts ...es.WithTransactionOption,
) *Builder {
	b.commandRegs = append(b.commandRegs, func(env *es.Env, bus *cqrs.CommandBus) error {
		repo := es.NewTypedRepositoryFrom[A](b.log, env.Repository())
		typeName := reflector.TypeInfoFor[C]().Name
		return bus.Register(typeName, cqrs.DelegateToAggregate[A, C](repo, fn, opts...))
	})
	return b
}

// RegisterQuery declares that queries of type Q are handled by fn, whose
// result is returned to the caller as R.
func RegisterQuery[Q cqrs.Query, R any](b *Builder, fn func(ctx context.Context, q Q) (R, error)) *Builder {
	b.queryRegs = append(b.queryRegs, func(bus *cqrs.QueryBus) error {
		return cqrs.RegisterQuery[Q, R](bus, fn)
	})
	return b
}

// AggregateQueryFunc reads a result directly off an already-loaded
// aggregate, for read paths too simple to need their own projection.
type AggregateQueryFunc[A es.Aggregate, Q cqrs.Query, R any] func(a A, q Q) (R, error)

// RegisterAggregateQuery declares that queries of type Q are answered by
// loading the aggregate of type A named by aggID and applying fn, the query
// analogue of RegisterCommand. Like RegisterCommand, the repository is
// built lazily against the Env that Build constructs.
func RegisterAggregateQuery[A es.Aggregate, Q cqrs.Query, R any](
	b *Builder,
	aggID func(q Q) string,
	fn AggregateQueryFunc[A, Q, R],
) *Builder {
	b.deferredQueryRegs = append(b.deferredQueryRegs, func(env *es.Env, bus *cqrs.QueryBus) error {
		repo := es.NewTypedRepositoryFrom[A](b.log, env.Repository())
		return cqrs.RegisterQuery[Q, R](bus, func(ctx context.Context, q Q) (R, error) {
			a, err := repo.GetByID(ctx, aggID(q))
			if err != nil {
				var zero R
				return zero, err
			}
			return fn(a, q)
		})
	})
	return b
}

// Application is a fully assembled, runnable service: an Env plus the
// command/query buses wired over it, and the Lifecycle dependencies that
// need to come up before and go down after it.
type Application struct {
	log *slog.Logger

	env         *es.Env
	commandBus  *cqrs.CommandBus
	queryBus    *cqrs.QueryBus
	eventBus    bus.EventBus
	deps        []Lifecycle
	startedDeps []Lifecycle
}

func (a *Application) Env() *es.Env               { return a.env }
func (a *Application) Commands() *cqrs.CommandBus { return a.commandBus }
func (a *Application) Queries() *cqrs.QueryBus    { return a.queryBus }

// EventBus returns the bus given to WithEventBus, or nil if none was set.
// Callers subscribe to it to receive every event committed after Build.
func (a *Application) EventBus() bus.EventBus { return a.eventBus }

// Build validates the accumulated declarations and assembles them into an
// Application. Three checks make it fail:
//
//   - registered upcasters form an acyclic, unambiguous chain (upcast.Validate)
//   - no query type has more than one handler (caught by QueryBus.Register)
//   - no command type has more than one aggregate handler (caught by
//     CommandBus.Register, which rejects the same way QueryBus.Register does)
//
// Only the first runs before anything is constructed. The latter two are
// enforced by the buses themselves while they are being built, rather than
// by a separate pre-check, since they already return cqrs.ErrDuplicateHandler.
func (b *Builder) Build() (app *Application, err error) {
	if len(b.upcasters) > 0 {
		if err := upcast.Validate(b.upcasters...); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		rewriter, _ := b.store.(es.Rewriter)
		log := b.log
		strategy := b.upcastStrategy
		upcasters := b.upcasters
		b.envOpts = append(b.envOpts, es.WithDecoderFactory(func(reg *es.EventRegistry) es.Decoder {
			p, perr := upcast.NewPipeline(reg, strategy, upcasters...)
			if perr != nil {
				// already validated above; NewPipeline can only fail the
				// same way Validate would have.
				panic(fmt.Errorf("app: unreachable: %w", perr))
			}
			if rewriter != nil {
				upcast.WithRewriter(p, rewriter)
			}
			upcast.WithLog(p, log)
			return p
		}))
	}

	commandBusOpts := []cqrs.CommandBusOption{cqrs.WithCommandBusLog(b.log)}
	if b.commandBusMetrics != nil {
		commandBusOpts = append(commandBusOpts, cqrs.WithCommandBusMetrics(b.commandBusMetrics))
	}
	if len(b.commandMWs) > 0 {
		commandBusOpts = append(commandBusOpts, cqrs.WithCommandMiddlewares(b.commandMWs...))
	}
	commandBus := cqrs.NewCommandBus(commandBusOpts...)

	queryBusOpts := []cqrs.QueryBusOption{cqrs.WithQueryBusLog(b.log)}
	if b.queryBusMetrics != nil {
		queryBusOpts = append(queryBusOpts, cqrs.WithQueryBusMetrics(b.queryBusMetrics))
	}
	if len(b.queryMWs) > 0 {
		queryBusOpts = append(queryBusOpts, cqrs.WithQueryMiddlewares(b.queryMWs...))
	}
	queryBus := cqrs.NewQueryBus(queryBusOpts...)

	// Deferred processors (saga runtimes and the like) need the CommandBus
	// to build their handler, so they're resolved into plain es.WithConsumer
	// options here, before the Env - and its consumers - exist.
	for _, dp := range b.deferredProcessors {
		handler := dp.build(commandBus)
		b.envOpts = append(b.envOpts, es.WithConsumer(handler, dp.opts...))
	}

	if sb, ok := b.eventBus.(*bus.SyncBus); ok {
		b.envOpts = append(b.envOpts, es.WithPostCommitHook(sb.Publish))
	} else if b.eventBus != nil {
		b.envOpts = append(b.envOpts, es.WithConsumer(bus.AsHandler(b.eventBus)))
	}

	env, err := es.NewEnv(b.envOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: failed to build env: %w", err)
	}

	for _, reg := range b.commandRegs {
		if err := reg(env, commandBus); err != nil {
			env.Shutdown()
			return nil, fmt.Errorf("app: failed to register command handler: %w", err)
		}
	}
	for _, reg := range b.queryRegs {
		if err := reg(queryBus); err != nil {
			env.Shutdown()
			return nil, fmt.Errorf("app: failed to register query handler: %w", err)
		}
	}
	for _, reg := range b.deferredQueryRegs {
		if err := reg(env, queryBus); err != nil {
			env.Shutdown()
			return nil, fmt.Errorf("app: failed to register query handler: %w", err)
		}
	}

	return &Application{
		log:        b.log,
		env:        env,
		commandBus: commandBus,
		queryBus:   queryBus,
		eventBus:   b.eventBus,
		deps:       b.deps,
	}, nil
}

// Start brings up every registered Lifecycle dependency in registration
// order. If one fails, every dependency already started is shut down in
// reverse order before the error is returned.
func (a *Application) Start(ctx context.Context) error {
	for _, dep := range a.deps {
		if err := dep.Start(ctx); err != nil {
			a.Shutdown(ctx)
			return fmt.Errorf("app: failed to start dependency %T: %w", dep, err)
		}
		a.startedDeps = append(a.startedDeps, dep)
	}
	return nil
}

// Shutdown tears down the Env and every started Lifecycle dependency in
// reverse registration order. A dependency's shutdown error is logged, not
// returned, so one misbehaving dependency doesn't prevent the rest from
// shutting down, mirroring the Env's own context.AfterFunc-driven shutdown.
func (a *Application) Shutdown(ctx context.Context) {
	for i := len(a.startedDeps) - 1; i >= 0; i-- {
		dep := a.startedDeps[i]
		if err := dep.Shutdown(ctx); err != nil {
			a.log.Error("dependency shutdown failed", slog.String("dependency", fmt.Sprintf("%T", dep)), slog.Any("error", err))
		}
	}
	a.startedDeps = nil
	a.env.Shutdown()
}
