package cqrs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nordlight-io/cqres/ectx"
	"github.com/nordlight-io/cqres/es"
	"github.com/nordlight-io/cqres/idem"
)

type testCmd struct {
	ID  string
	Agg string
}

func (c testCmd) CommandID() string   { return c.ID }
func (c testCmd) AggregateID() string { return c.Agg }

func TestContextPropagationMiddleware_SeedsRootContext(t *testing.T) {
	var seen ectx.Context
	terminal := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		c, _ := ectx.From(ctx)
		seen = c
		return nil, nil
	})

	h := ContextPropagationMiddleware()(terminal)
	_, err := h.Handle(context.Background(), testCmd{ID: "c1", Agg: "a1"})
	require.NoError(t, err)
	require.NotEmpty(t, seen.CorrelationID)
	require.Equal(t, "a1", seen.AggregateID)
}

func TestContextPropagationMiddleware_LeavesExistingContextAlone(t *testing.T) {
	root := ectx.New("preexisting")
	ctx := ectx.With(context.Background(), root)

	var seen ectx.Context
	terminal := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		c, _ := ectx.From(ctx)
		seen = c
		return nil, nil
	})

	h := ContextPropagationMiddleware()(terminal)
	_, err := h.Handle(ctx, testCmd{ID: "c1", Agg: "a1"})
	require.NoError(t, err)
	require.Equal(t, root.CorrelationID, seen.CorrelationID)
	require.Equal(t, "preexisting", seen.AggregateID)
}

func TestLoggingMiddleware_PassesThroughResultAndError(t *testing.T) {
	terminal := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		return "ok", nil
	})
	h := LoggingMiddleware(slog.Default())(terminal)
	res, err := h.Handle(context.Background(), testCmd{ID: "c1", Agg: "a1"})
	require.NoError(t, err)
	require.Equal(t, "ok", res)

	boom := errors.New("boom")
	failing := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		return nil, boom
	})
	_, err = LoggingMiddleware(slog.Default())(failing).Handle(context.Background(), testCmd{ID: "c2", Agg: "a1"})
	require.ErrorIs(t, err, boom)
}

func TestIdempotencyMiddleware_SkipsDuplicateDelivery(t *testing.T) {
	store := idem.NewInMemoryStore()
	var calls int
	terminal := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		calls++
		return "handled", nil
	})
	h := IdempotencyMiddleware(store, time.Hour)(terminal)

	cmd := testCmd{ID: "c1", Agg: "a1"}
	res, err := h.Handle(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, "handled", res)

	res, err = h.Handle(context.Background(), cmd)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, 1, calls, "a retried delivery must not re-invoke the handler")
}

func TestIdempotencyMiddleware_DoesNotRecordFailedAttempt(t *testing.T) {
	store := idem.NewInMemoryStore()
	boom := errors.New("boom")
	var calls int
	terminal := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return "handled", nil
	})
	h := IdempotencyMiddleware(store, time.Hour)(terminal)

	cmd := testCmd{ID: "c1", Agg: "a1"}
	_, err := h.Handle(context.Background(), cmd)
	require.ErrorIs(t, err, boom)

	res, err := h.Handle(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, "handled", res)
	require.Equal(t, 2, calls, "a failed attempt must remain retryable")
}

func TestConcurrencyRetryMiddleware_RetriesConflictThenSucceeds(t *testing.T) {
	var attempts int
	terminal := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, es.ErrConcurrencyConflict
		}
		return "committed", nil
	})
	h := ConcurrencyRetryMiddleware(5, time.Millisecond)(terminal)

	res, err := h.Handle(context.Background(), testCmd{ID: "c1", Agg: "a1"})
	require.NoError(t, err)
	require.Equal(t, "committed", res)
	require.Equal(t, 3, attempts)
}

func TestConcurrencyRetryMiddleware_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts int
	terminal := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		attempts++
		return nil, es.ErrConcurrencyConflict
	})
	h := ConcurrencyRetryMiddleware(3, time.Millisecond)(terminal)

	_, err := h.Handle(context.Background(), testCmd{ID: "c1", Agg: "a1"})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	require.Equal(t, 3, attempts)
}

func TestConcurrencyRetryMiddleware_DoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	var attempts int
	terminal := CommandHandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
		attempts++
		return nil, boom
	})
	h := ConcurrencyRetryMiddleware(5, time.Millisecond)(terminal)

	_, err := h.Handle(context.Background(), testCmd{ID: "c1", Agg: "a1"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts, "a non-concurrency error must not be retried")
}
