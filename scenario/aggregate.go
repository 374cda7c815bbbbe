// Package scenario generalizes the teacher's hand-rolled test-domain
// fixtures (a TestAgg struct exercised directly by its own _test.go) into
// reusable Given/When/Then harnesses, so a new aggregate, projection, or
// saga gets the same terse test style without rewriting the plumbing.
package scenario

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nordlight-io/cqres/es"
)

// Aggregate drives an in-memory aggregate of type A through a
// Given(events)/When(command)/Should... cycle without touching a store,
// the same way the teacher's own TestAgg tests call Inc()/Reset() directly
// and assert on the resulting fields.
type Aggregate[A es.Aggregate] struct {
	t   *testing.T
	agg A
	err error
}

// NewAggregate starts a scenario against a fresh aggregate instance, as
// returned by newAgg.
func NewAggregate[A es.Aggregate](t *testing.T, newAgg func() A) *Aggregate[A] {
	return &Aggregate[A]{t: t, agg: newAgg()}
}

// Given replays events onto the aggregate as though they'd already been
// persisted, then clears them from Uncommitted so ShouldEmit only sees
// events raised by the subsequent When.
func (h *Aggregate[A]) Given(events ...any) *Aggregate[A] {
	require.NoError(h.t, es.RaiseAndApply(h.agg, events...))
	h.agg.ClearUncommitted()
	return h
}

// When applies fn to the aggregate, recording any error for the
// ShouldSucceed/ShouldFail assertions that follow.
func (h *Aggregate[A]) When(fn func(a A) error) *Aggregate[A] {
	h.err = fn(h.agg)
	return h
}

// ShouldSucceed asserts the last When call returned no error.
func (h *Aggregate[A]) ShouldSucceed() *Aggregate[A] {
	require.NoError(h.t, h.err)
	return h
}

// ShouldFail asserts the last When call returned an error.
func (h *Aggregate[A]) ShouldFail() *Aggregate[A] {
	require.Error(h.t, h.err)
	return h
}

// ShouldFailWith asserts the last When call's error wraps target.
func (h *Aggregate[A]) ShouldFailWith(target error) *Aggregate[A] {
	require.ErrorIs(h.t, h.err, target)
	return h
}

// ShouldEmit asserts the aggregate raised exactly the given events, in
// order, comparing by JSON encoding so callers can pass zero-valued
// struct literals without worrying about unexported fields.
func (h *Aggregate[A]) ShouldEmit(events ...any) *Aggregate[A] {
	got := h.agg.Uncommitted()
	require.Len(h.t, got, len(events))
	for i, want := range events {
		require.IsType(h.t, want, got[i])
		wantJSON, err := json.Marshal(want)
		require.NoError(h.t, err)
		gotJSON, err := json.Marshal(got[i])
		require.NoError(h.t, err)
		require.JSONEq(h.t, string(wantJSON), string(gotJSON))
	}
	return h
}

// ShouldHaveState runs an arbitrary assertion against the aggregate's
// current state.
func (h *Aggregate[A]) ShouldHaveState(check func(a A)) *Aggregate[A] {
	check(h.agg)
	return h
}
