package es

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type (
	Handler interface {
		Handle(msgCtx MsgCtx) error
	}
	// HandlerLifecycleStart is implemented by handlers that need setup before
	// the consumer starts delivering events.
	HandlerLifecycleStart interface {
		Start(ctx context.Context) error
	}
	// HandlerLifecycleShutdown is implemented by handlers that need teardown
	// once the consumer stops delivering events.
	HandlerLifecycleShutdown interface {
		Shutdown(ctx context.Context) error
	}
	// HandlerLifecycle is implemented by handlers that need both setup and
	// teardown around the consumer's run.
	HandlerLifecycle interface {
		HandlerLifecycleStart
		HandlerLifecycleShutdown
	}
	HandleFunc           func(ctx MsgCtx) error
	HandlerMiddleware    func(next Handler) Handler
	MiddlewareHandleFunc func(ctx MsgCtx, next Handler) error
)

func applyMiddlewares(h Handler, middlewares []HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// === handler func ===

func (f HandleFunc) Handle(ctx MsgCtx) error { return f(ctx) }
func Handle(f HandleFunc) HandleFunc         { return f }

// === middleware ===

type middleware struct {
	next Handler
	mw   MiddlewareHandleFunc
}

func (m *middleware) Handle(msgCtx MsgCtx) error { return m.mw(msgCtx, m.next) }

func MiddlewareHandle(mw MiddlewareHandleFunc) HandlerMiddleware {
	return func(next Handler) Handler {
		return &middleware{
			next: next,
			mw:   mw,
		}
	}
}

// === log ===

func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(ctx MsgCtx, next Handler) (err error) {
		handleAt := time.Now()

		log := ctx.Log().With(attrs...)

		err = next.Handle(ctx)
		if err != nil {
			log.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(handleAt)))
		} else {
			log.Debug("handled", slog.Duration("duration", time.Since(handleAt)))
		}

		return err
	})
}

// === checkpoint middleware ===

type checkpointHandler struct {
	cp        CheckpointStore
	processor string
	h         Handler
}

func (c *checkpointHandler) GetCheckpoint() (Checkpoint, error) { return c.cp.Get(c.processor, "") }

// SetSkipBefore persists a new catchup watermark without disturbing the
// already-recorded LastSeq.
func (c *checkpointHandler) SetSkipBefore(t time.Time) error {
	cur, err := c.cp.Get(c.processor, "")
	if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		return err
	}
	cur.SkipBefore = t
	return c.cp.Set(c.processor, "", cur)
}

func (c *checkpointHandler) Handle(msgCtx MsgCtx) (err error) {
	cur, err := c.cp.Get(c.processor, "")
	if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		return err
	}

	minSeq := cur.LastSeq + 1

	if msgCtx.Seq() < minSeq {
		msgCtx.log.Debug("skip", slog.Uint64("min_seq", minSeq), slog.String("middleware", "checkpoint"))
		return nil
	}

	if err := c.h.Handle(msgCtx); err != nil {
		return err
	}

	return c.cp.Set(c.processor, "", Checkpoint{LastSeq: msgCtx.Seq(), SkipBefore: cur.SkipBefore})
}

var _ Handler = (*checkpointHandler)(nil)

// NewCheckpointMiddleware tracks processing progress for a processor against
// a CheckpointStore, skipping events already covered by the last checkpoint.
func NewCheckpointMiddleware(cp CheckpointStore, processor string) HandlerMiddleware {
	return func(handler Handler) Handler {
		return &checkpointHandler{cp: cp, processor: processor, h: handler}
	}
}
