package cqrs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nordlight-io/cqres/ectx"
	"github.com/nordlight-io/cqres/es"
	"github.com/nordlight-io/cqres/idem"
)

// ContextPropagationMiddleware attaches an ectx.Context to the dispatch
// context if none is present yet, deriving correlation/causation ids from
// the command when it carries them.
func ContextPropagationMiddleware() CommandMiddleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			if _, ok := ectx.From(ctx); !ok {
				root := ectx.New(cmd.AggregateID())
				if cc, ok := cmd.(CorrelationCarrier); ok && cc.CorrelationID() != "" {
					root.CorrelationID = cc.CorrelationID()
				}
				if ca, ok := cmd.(CausationCarrier); ok && ca.CausationID() != "" {
					root.CausationID = ca.CausationID()
				}
				ctx = ectx.With(ctx, root)
			}
			return next.Handle(ctx, cmd)
		})
	}
}

// LoggingMiddleware logs dispatch outcome and duration, matching the event
// consumer's own NewLogMiddleware shape.
func LoggingMiddleware(log *slog.Logger) CommandMiddleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd Command) (res any, err error) {
			start := time.Now()
			l := log.With(slog.String("command", typeNameOf(cmd)), slog.String("command_id", cmd.CommandID()))

			res, err = next.Handle(ctx, cmd)
			if err != nil {
				l.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(start)))
			} else {
				l.Debug("handled", slog.Duration("duration", time.Since(start)))
			}
			return res, err
		})
	}
}

// idempotencyKeyOf returns the key an IdempotencyMiddleware should dedupe on:
// the command's own IdempotencyKey() if it carries one, else its CommandID.
func idempotencyKeyOf(cmd Command) string {
	if ik, ok := cmd.(IdempotencyKeyed); ok && ik.IdempotencyKey() != "" {
		return ik.IdempotencyKey()
	}
	return cmd.CommandID()
}

// IdempotencyMiddleware short-circuits a command whose idempotency key has
// already been recorded as processed, so a retried delivery is a no-op
// rather than a duplicate side effect. A record is only written after the
// wrapped handler succeeds, so a failed attempt remains retryable.
func IdempotencyMiddleware(store idem.Store, ttl time.Duration) CommandMiddleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			key := idempotencyKeyOf(cmd)
			seen, err := store.Has(key)
			if err != nil {
				return nil, err
			}
			if seen {
				return nil, nil
			}
			res, err := next.Handle(ctx, cmd)
			if err != nil {
				return nil, err
			}
			if err := store.Store(key, idem.Record{
				Key:         key,
				CommandType: typeNameOf(cmd),
				ProcessedAt: time.Now(),
			}, ttl); err != nil {
				return nil, err
			}
			return res, nil
		})
	}
}

// ConcurrencyRetryMiddleware retries a command up to maxAttempts times when
// the wrapped handler fails with es.ErrConcurrencyConflict, sleeping delay
// between attempts. The handler is expected to reload the aggregate on each
// attempt (true when it goes through DelegateToAggregate), so each retry
// sees the latest version.
func ConcurrencyRetryMiddleware(maxAttempts int, delay time.Duration) CommandMiddleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			var res any
			var err error
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				res, err = next.Handle(ctx, cmd)
				if err == nil || !errors.Is(err, es.ErrConcurrencyConflict) {
					return res, err
				}
				if attempt < maxAttempts {
					time.Sleep(delay)
				}
			}
			return res, err
		})
	}
}
