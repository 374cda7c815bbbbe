package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nordlight-io/cqres/es"
	"github.com/nordlight-io/cqres/es/estests/domain"
)

type accountOpened struct {
	AccountID string
}

func TestSyncBus_FanOutInRegistrationOrder(t *testing.T) {
	b := NewSyncBus()
	var order []int

	b.Subscribe(func(ctx context.Context, env es.Envelope) error {
		order = append(order, 1)
		return nil
	})
	b.Subscribe(func(ctx context.Context, env es.Envelope) error {
		order = append(order, 2)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), es.Envelope{Type: "x"}))
	require.Equal(t, []int{1, 2}, order)
}

func TestSyncBus_PublishPropagatesSubscriberErrors(t *testing.T) {
	b := NewSyncBus()
	boom := errors.New("boom")
	ran := false

	b.Subscribe(func(ctx context.Context, env es.Envelope) error { return boom })
	b.Subscribe(func(ctx context.Context, env es.Envelope) error { ran = true; return nil })

	err := b.Publish(context.Background(), es.Envelope{Type: "x"})
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.True(t, ran, "a failing subscriber must not stop the others from running")
}

func TestSyncBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewSyncBus()
	var calls int
	cancel := b.Subscribe(func(ctx context.Context, env es.Envelope) error {
		calls++
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), es.Envelope{Type: "x"}))
	cancel()
	require.NoError(t, b.Publish(context.Background(), es.Envelope{Type: "x"}))

	require.Equal(t, 1, calls)
}

func TestAsHandler_PublishesCommittedEvents(t *testing.T) {
	b := NewSyncBus()
	received := make(chan es.Envelope, 1)
	b.Subscribe(func(ctx context.Context, env es.Envelope) error {
		received <- env
		return nil
	})

	te := es.StartTestEnv(t,
		es.WithEvent[accountOpened](),
		es.WithConsumer(AsHandler(b)),
	)
	te.Assert().Append(t.Context(), es.Version(0), "account", "acc-1", accountOpened{AccountID: "acc-1"})

	select {
	case got := <-received:
		require.Equal(t, "acc-1", got.AggregateID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus delivery")
	}
}

func TestFanOut_StopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := FanOut(context.Background(), es.Envelope{}, []Handler{
		func(ctx context.Context, env es.Envelope) error { return nil },
		func(ctx context.Context, env es.Envelope) error { return boom },
	})
	require.ErrorIs(t, err, boom)
}

// TestSyncBus_WiredAsPostCommitHook_FailsSave proves SyncBus can be wired
// so its "failures propagate" contract reaches an actual Save call, not
// just a channel read with a timeout: Publish runs inline with Save rather
// than on the Consumer's background goroutine, so a subscriber error is the
// Save caller's own error. This is the path app.Builder.WithEventBus takes
// for a *SyncBus specifically (es.WithPostCommitHook), as opposed to the
// es.WithConsumer(AsHandler(...)) path it takes for any other EventBus.
func TestSyncBus_WiredAsPostCommitHook_FailsSave(t *testing.T) {
	b := NewSyncBus()
	boom := errors.New("boom")
	b.Subscribe(func(ctx context.Context, env es.Envelope) error { return boom })

	te := es.StartTestEnv(t,
		es.WithAggregates(new(domain.TestAgg)),
		es.WithPostCommitHook(b.Publish),
	)

	a := domain.NewTestAgg("acc-1")
	require.NoError(t, a.Create("acc-1"))
	err := te.Repository().Save(context.Background(), a)
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
}
