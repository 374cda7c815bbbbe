package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nordlight-io/cqres/es"
	"github.com/nordlight-io/cqres/saga"
)

// Saga drives a saga.Runtime through a running Env the same way Projection
// drives a projection: events are appended to the store, the runtime
// consumes them off its own subscription, and ShouldEventually polls the
// saga's persisted state until the step under test has run.
type Saga struct {
	t        *testing.T
	env      *es.TestingEnv
	store    saga.StateStore
	sagaType string
}

// NewSaga starts an in-memory Env with rt wired in as a consumer. store
// must be the same StateStore rt was built with, so the harness can poll it.
func NewSaga(t *testing.T, sagaType string, store saga.StateStore, rt *saga.Runtime, envOpts ...es.EnvOption) *Saga {
	opts := append([]es.EnvOption{es.WithConsumer(rt)}, envOpts...)
	env := es.StartTestEnv(t, opts...)
	return &Saga{t: t, env: env, store: store, sagaType: sagaType}
}

// Given appends events onto an aggregate stream for the saga runtime to
// observe.
func (h *Saga) Given(aggType, aggID string, events ...any) *Saga {
	h.env.Assert().Append(context.Background(), 0, aggType, aggID, events...)
	return h
}

// ShouldCompleteStep waits until sagaID's saga state records step as
// completed.
func (h *Saga) ShouldCompleteStep(sagaID, step string) *Saga {
	require.Eventually(h.t, func() bool {
		state, err := h.store.Load(h.sagaType, sagaID)
		if err != nil {
			return false
		}
		return state.HasCompleted(step)
	}, 2*time.Second, 10*time.Millisecond)
	return h
}

// ShouldNeverCompleteStep asserts step hasn't completed after a short grace
// period, used to assert a compensation path short-circuited the happy path.
func (h *Saga) ShouldNeverCompleteStep(sagaID, step string) *Saga {
	require.Never(h.t, func() bool {
		state, err := h.store.Load(h.sagaType, sagaID)
		if err != nil {
			return false
		}
		return state.HasCompleted(step)
	}, 200*time.Millisecond, 10*time.Millisecond)
	return h
}
