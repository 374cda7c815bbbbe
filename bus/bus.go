// Package bus delivers persisted events to in-process and out-of-process
// subscribers. EventBus is the publish side; EventTransport abstracts the
// wire between publisher and subscriber so the same bus logic runs over an
// in-memory channel fanout or a durable broker.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nordlight-io/cqres/es"
)

// Handler receives a published event. SyncBus.Publish logs a handler's error
// and returns it to the publisher, joined with any other handler errors.
type Handler func(ctx context.Context, env es.Envelope) error

// EventBus publishes events raised by an aggregate repository or consumer
// to any number of in-process subscribers.
type EventBus interface {
	Publish(ctx context.Context, env es.Envelope) error
	Subscribe(h Handler) (cancel func())
}

// SyncBus fans out synchronously on the publishing goroutine, grounded in
// the in-memory event store's own subscriber-dispatch loop: every handler
// runs, in registration order, before Publish returns. Unlike a store's
// subscriber dispatch (which only logs), Publish propagates every
// subscriber error back to the caller, joined, since a synchronous
// publisher has a caller waiting to know whether delivery succeeded.
type SyncBus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	log      *slog.Logger
}

func NewSyncBus(opts ...SyncBusOption) *SyncBus {
	b := &SyncBus{handlers: map[int]Handler{}, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type SyncBusOption func(*SyncBus)

func WithSyncBusLog(log *slog.Logger) SyncBusOption {
	return func(b *SyncBus) { b.log = log }
}

func (b *SyncBus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *SyncBus) Publish(ctx context.Context, env es.Envelope) error {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			b.log.Error("subscriber failed", slog.Any("error", err), slog.String("event", env.Type))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ EventBus = (*SyncBus)(nil)

// AsyncBus hands events to an EventTransport instead of invoking subscribers
// directly, so delivery survives process restarts when the transport is
// durable. Publish only hands the event to the transport; delivery to
// subscribers is up to the transport.
type AsyncBus struct {
	transport EventTransport
	subject   func(env es.Envelope) string
	log       *slog.Logger
}

type AsyncBusOption func(*AsyncBus)

func WithAsyncBusSubject(f func(env es.Envelope) string) AsyncBusOption {
	return func(b *AsyncBus) { b.subject = f }
}

func WithAsyncBusLog(log *slog.Logger) AsyncBusOption {
	return func(b *AsyncBus) { b.log = log }
}

// DefaultSubject routes every event for an aggregate type to its own
// subject, e.g. "account" for all Account events.
func DefaultSubject(env es.Envelope) string { return env.AggregateType }

func NewAsyncBus(transport EventTransport, opts ...AsyncBusOption) *AsyncBus {
	b := &AsyncBus{transport: transport, subject: DefaultSubject, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *AsyncBus) Publish(ctx context.Context, env es.Envelope) error {
	return b.transport.Publish(ctx, b.subject(env), env)
}

// Subscribe is not supported directly on AsyncBus: subscribers attach to
// the underlying transport/subject instead, since delivery is out-of-process.
func (b *AsyncBus) Subscribe(Handler) func() { return func() {} }

var _ EventBus = (*AsyncBus)(nil)

// AsHandler adapts an EventBus into an es.Handler so it can be wired onto an
// Env as just another consumer (es.WithConsumer), receiving every committed
// event the same way a projection or saga runtime does. Bus subscribers
// thus see events exactly once they're durably appended, never before.
func AsHandler(b EventBus) es.Handler {
	return es.Handle(func(msgCtx es.MsgCtx) error {
		return b.Publish(msgCtx.Context(), msgCtx.Envelope())
	})
}

// FanOut dispatches env to every handler concurrently, stopping at the
// first error (mirrors the teacher's command-fan-out use of errgroup for
// catchup workers, generalized from one).
func FanOut(ctx context.Context, env es.Envelope, handlers []Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		h := h
		g.Go(func() error { return h(ctx, env) })
	}
	return g.Wait()
}
