package es

import (
	"log/slog"
	"time"
)

// DeadLetterSink receives events a handler permanently gave up on.
type DeadLetterSink interface {
	Send(msgCtx MsgCtx, cause error) error
}

// NewRetryMiddleware retries a handler up to maxAttempts times on error,
// waiting backoff between attempts. It returns the last error if every
// attempt fails.
func NewRetryMiddleware(maxAttempts int, backoff time.Duration) HandlerMiddleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return MiddlewareHandle(func(ctx MsgCtx, next Handler) error {
		var err error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			err = next.Handle(ctx)
			if err == nil {
				return nil
			}
			ctx.Log().Warn("retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxAttempts),
				slog.Any("error", err),
			)
			if attempt < maxAttempts {
				time.Sleep(backoff)
			}
		}
		return err
	})
}

// NewDeadLetterMiddleware routes events that fail to handle into sink instead
// of propagating the error, so a single poison event cannot stall a consumer.
func NewDeadLetterMiddleware(processor string, sink DeadLetterSink, metrics ESMetrics) HandlerMiddleware {
	if metrics == nil {
		metrics = NopESMetrics()
	}
	return MiddlewareHandle(func(ctx MsgCtx, next Handler) error {
		err := next.Handle(ctx)
		if err == nil {
			return nil
		}
		metrics.DeadLettered(processor, ctx.Type())
		if sink == nil {
			ctx.Log().Error("dead-lettered event (no sink configured)", slog.Any("cause", err))
			return nil
		}
		if sendErr := sink.Send(ctx, err); sendErr != nil {
			ctx.Log().Error("failed to dead-letter event", slog.Any("error", sendErr), slog.Any("cause", err))
			return sendErr
		}
		ctx.Log().Warn("dead-lettered event", slog.Any("cause", err))
		return nil
	})
}
