package cqrs

import (
	"context"
	"fmt"

	"github.com/nordlight-io/cqres/ectx"
	"github.com/nordlight-io/cqres/es"
)

// CommandHandlerForAggregate applies cmd to an already-loaded aggregate.
type CommandHandlerForAggregate[A es.Aggregate, C Command] func(a A, cmd C) error

// DelegateToAggregate builds the terminal CommandHandler for a command type:
// it loads (or creates) the target aggregate through repo, serialized per
// aggregate id by repo.WithTransaction, applies fn, and saves. Go has no
// single universal receiver signature for "handle any command" the way a
// reflected dispatch would, so fn is a plain method value supplied by the
// caller rather than discovered by introspection.
func DelegateToAggregate[A es.Aggregate, C Command](
	repo es.TypedRepository[A],
	fn CommandHandlerForAggregate[A, C],
	opts ...es.WithTransactionOption,
) CommandHandlerFunc {
	return func(ctx context.Context, cmd Command) (any, error) {
		c, ok := cmd.(C)
		if !ok {
			return nil, fmt.Errorf("cqrs: expected command type %T, got %T", *new(C), cmd)
		}
		return nil, repo.WithTransaction(ctx, c.AggregateID(), func(a A) error {
			if carrier, ok := any(a).(es.ExecutionContextCarrier); ok {
				_, parent := ectx.FromOrNew(ctx)
				carrier.SetExecutionContext(parent.Caused(c.CommandID(), c.AggregateID()))
			}
			return fn(a, c)
		}, opts...)
	}
}
