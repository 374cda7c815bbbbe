// Package ectx carries request-scoped identifiers (correlation id, causation
// id, originating aggregate id) through a dispatch chain. Go has no implicit
// task-local state, so these values travel explicitly as a context.Context
// value rather than ambient thread state.
package ectx

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type ctxKey struct{}

// Context is the execution context propagated alongside a command, query, or
// event as it moves through a dispatch chain.
type Context struct {
	CorrelationID string
	CausationID   string
	AggregateID   string
}

// New creates a root execution context: a fresh correlation id, no causation
// id (nothing preceded it), and the given aggregate id.
func New(aggregateID string) Context {
	return Context{
		CorrelationID: gonanoid.Must(),
		AggregateID:   aggregateID,
	}
}

// Caused returns a child execution context for work triggered by the current
// one: the correlation id is inherited, and the causation id is set to
// causationID (the id of the message that caused the work) so a chain of
// causation can be reconstructed.
func (c Context) Caused(causationID, aggregateID string) Context {
	return Context{
		CorrelationID: c.CorrelationID,
		CausationID:   causationID,
		AggregateID:   aggregateID,
	}
}

// With attaches c to ctx, returning a derived context.Context carrying it.
func With(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// From extracts the Context previously attached via With. If none was
// attached, it returns the zero Context (all ids empty) and ok is false.
func From(ctx context.Context) (c Context, ok bool) {
	c, ok = ctx.Value(ctxKey{}).(Context)
	return c, ok
}

// FromOrNew extracts the attached Context, or creates and attaches a fresh
// root one if none exists yet.
func FromOrNew(ctx context.Context) (context.Context, Context) {
	if c, ok := From(ctx); ok {
		return ctx, c
	}
	c := New("")
	return With(ctx, c), c
}
