package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nordlight-io/cqres/cqrs"
	"github.com/nordlight-io/cqres/es"
)

// Projection drives a projection through a running Env, appending events to
// its store and polling the projection's state until it catches up. Unlike
// Aggregate, this can't bypass the store: a Projection only ever learns
// about events by consuming them off a real subscription, the same way it
// would in production. It also carries its own cqrs.QueryBus, so a test can
// read the projection back out through the same dispatch path a real
// read-model query handler would use, not just by poking at its fields.
type Projection[P es.Projection] struct {
	t    *testing.T
	env  *es.TestingEnv
	proj P
	bus  *cqrs.QueryBus
	res  any
	err  error
}

// NewProjection starts an in-memory Env with proj wired in as a consumer.
// envOpts typically includes es.WithEvent[T]() for every event type the
// scenario appends.
func NewProjection[P es.Projection](t *testing.T, proj P, envOpts ...es.EnvOption) *Projection[P] {
	opts := append([]es.EnvOption{es.WithProjection(proj)}, envOpts...)
	env := es.StartTestEnv(t, opts...)
	return &Projection[P]{t: t, env: env, proj: proj, bus: cqrs.NewQueryBus()}
}

// Queries returns the harness's query bus, so a test can register the read
// handler(s) it wants When to dispatch against before calling it.
func (h *Projection[P]) Queries() *cqrs.QueryBus { return h.bus }

// Given appends events onto an aggregate stream, as if they'd really
// occurred, then returns the harness so a Should... call can wait for the
// projection to observe them.
func (h *Projection[P]) Given(aggType, aggID string, events ...any) *Projection[P] {
	h.env.Assert().Append(context.Background(), 0, aggType, aggID, events...)
	return h
}

// ShouldEventually polls check until it returns true or a two-second
// timeout elapses, accounting for the projection's consumer running on its
// own goroutine rather than synchronously with Given.
func (h *Projection[P]) ShouldEventually(check func(p P) bool) *Projection[P] {
	require.Eventually(h.t, func() bool { return check(h.proj) }, 2*time.Second, 10*time.Millisecond)
	return h
}

// When dispatches q on the harness's query bus, the real read path a caller
// would use against this projection, recording the result and error for the
// ShouldSucceed/ShouldFail/ShouldReturn calls that follow. Call it after a
// ShouldEventually has already waited for the projection to catch up with
// whatever Given appended.
func (h *Projection[P]) When(q cqrs.Query) *Projection[P] {
	h.res, h.err = h.bus.Dispatch(context.Background(), q)
	return h
}

// ShouldSucceed asserts the last When call returned no error.
func (h *Projection[P]) ShouldSucceed() *Projection[P] {
	require.NoError(h.t, h.err)
	return h
}

// ShouldFail asserts the last When call returned an error.
func (h *Projection[P]) ShouldFail() *Projection[P] {
	require.Error(h.t, h.err)
	return h
}

// ShouldReturn asserts the last When call succeeded and returned want.
func (h *Projection[P]) ShouldReturn(want any) *Projection[P] {
	require.NoError(h.t, h.err)
	require.Equal(h.t, want, h.res)
	return h
}
