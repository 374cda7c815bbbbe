package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestingEnv wraps an Env for use in tests, failing the test immediately on
// setup errors instead of propagating them.
type TestingEnv struct {
	*Env
	t *testing.T
}

// StartTestEnv builds an in-memory Env for a test, requiring that it starts
// without error.
func StartTestEnv(t *testing.T, opts ...EnvOption) *TestingEnv {
	e, err := NewEnv(WithEnvOpts(opts...))
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return &TestingEnv{t: t, Env: e}
}

// Assert returns a helper for appending events directly to the store with
// test-friendly error handling.
func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

type TestingEnvAssert struct {
	env *TestingEnv
}

func (a *TestingEnvAssert) Append(
	ctx context.Context,
	expect Version,
	aggType string,
	aggID string,
	events ...any,
) {
	require.NoError(a.env.t, a.env.Append(ctx, expect, aggType, aggID, events...))
}
