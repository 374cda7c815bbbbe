package upcast_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nordlight-io/cqres/es"
	"github.com/nordlight-io/cqres/es/upcast"
)

type AccountOpenedV1 struct {
	Owner string
}

type AccountOpenedV2 struct {
	Owner    string
	Currency string
}

func v1ToV2(data json.RawMessage) (json.RawMessage, error) {
	var v1 AccountOpenedV1
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, err
	}
	return json.Marshal(AccountOpenedV2{Owner: v1.Owner, Currency: "USD"})
}

func newRegistry() *es.EventRegistry {
	r := es.NewRegistry()
	r.Register("AccountOpenedV2", es.Event[AccountOpenedV2]())
	return r
}

func TestPipeline_UpcastsOnRead(t *testing.T) {
	registry := newRegistry()
	pipeline, err := upcast.NewPipeline(registry, upcast.Lazy,
		upcast.Func{From: "AccountOpenedV1", To: "AccountOpenedV2", Fn: v1ToV2},
	)
	require.NoError(t, err)

	data, err := json.Marshal(AccountOpenedV1{Owner: "alice"})
	require.NoError(t, err)

	decoded, err := pipeline.Decode(es.Envelope{Type: "AccountOpenedV1", Data: data})
	require.NoError(t, err)

	v2, ok := decoded.(*AccountOpenedV2)
	require.True(t, ok)
	require.Equal(t, "alice", v2.Owner)
	require.Equal(t, "USD", v2.Currency)
}

func TestPipeline_PassesThroughAlreadyCurrentType(t *testing.T) {
	registry := newRegistry()
	pipeline, err := upcast.NewPipeline(registry, upcast.Lazy,
		upcast.Func{From: "AccountOpenedV1", To: "AccountOpenedV2", Fn: v1ToV2},
	)
	require.NoError(t, err)

	data, err := json.Marshal(AccountOpenedV2{Owner: "bob", Currency: "EUR"})
	require.NoError(t, err)

	decoded, err := pipeline.Decode(es.Envelope{Type: "AccountOpenedV2", Data: data})
	require.NoError(t, err)

	v2 := decoded.(*AccountOpenedV2)
	require.Equal(t, "EUR", v2.Currency)
}

func TestNewPipeline_DetectsCycle(t *testing.T) {
	_, err := upcast.NewPipeline(newRegistry(), upcast.Lazy,
		upcast.Func{From: "A", To: "B", Fn: func(d json.RawMessage) (json.RawMessage, error) { return d, nil }},
		upcast.Func{From: "B", To: "A", Fn: func(d json.RawMessage) (json.RawMessage, error) { return d, nil }},
	)
	require.ErrorIs(t, err, upcast.ErrCycle)
}

func TestNewPipeline_DetectsAmbiguousSource(t *testing.T) {
	_, err := upcast.NewPipeline(newRegistry(), upcast.Lazy,
		upcast.Func{From: "A", To: "B", Fn: func(d json.RawMessage) (json.RawMessage, error) { return d, nil }},
		upcast.Func{From: "A", To: "C", Fn: func(d json.RawMessage) (json.RawMessage, error) { return d, nil }},
	)
	require.ErrorIs(t, err, upcast.ErrAmbiguous)
}

func TestPipeline_EagerRewritesStore(t *testing.T) {
	registry := newRegistry()
	store := es.NewInMemoryStore()

	pipeline, err := upcast.NewPipeline(registry, upcast.Eager,
		upcast.Func{From: "AccountOpenedV1", To: "AccountOpenedV2", Fn: v1ToV2},
	)
	require.NoError(t, err)
	pipeline = upcast.WithRewriter(pipeline, store)

	data, err := json.Marshal(AccountOpenedV1{Owner: "carol"})
	require.NoError(t, err)

	result, err := store.Append(t.Context(), "account", "acc-1", 0, []es.Envelope{{
		ID: "ev-1", Type: "AccountOpenedV1", AggregateID: "acc-1", AggregateType: "account",
		Data: data, Version: 1, OccurredAt: time.Now(),
	}})
	require.NoError(t, err)

	loaded, err := store.Load(t.Context(), "account", "acc-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, result.LastSeq, loaded[0].Seq)

	_, err = pipeline.Decode(loaded[0])
	require.NoError(t, err)

	rewritten, err := store.Load(t.Context(), "account", "acc-1")
	require.NoError(t, err)
	require.Equal(t, "AccountOpenedV2", rewritten[0].Type)
}

// TestPipeline_UpcastsBatchOfDistinctEnvelopes exercises the chain against a
// batch of legacy envelopes carrying distinct ids, using uuid rather than
// the store's own id generator so these fixtures don't depend on it.
func TestPipeline_UpcastsBatchOfDistinctEnvelopes(t *testing.T) {
	registry := newRegistry()
	pipeline, err := upcast.NewPipeline(registry, upcast.Lazy,
		upcast.Func{From: "AccountOpenedV1", To: "AccountOpenedV2", Fn: v1ToV2},
	)
	require.NoError(t, err)

	owners := []string{"erin", "frank", "grace"}
	for _, owner := range owners {
		data, err := json.Marshal(AccountOpenedV1{Owner: owner})
		require.NoError(t, err)

		decoded, err := pipeline.Decode(es.Envelope{ID: uuid.NewString(), Type: "AccountOpenedV1", Data: data})
		require.NoError(t, err)

		v2 := decoded.(*AccountOpenedV2)
		require.Equal(t, owner, v2.Owner)
		require.Equal(t, "USD", v2.Currency)
	}
}
