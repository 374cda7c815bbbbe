package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nordlight-io/cqres/es"
)

func TestMemoryTransport_DeliversToSubject(t *testing.T) {
	tr := NewMemoryTransport()
	received := make(chan es.Envelope, 1)

	cancel, err := tr.Subscribe(context.Background(), "account", func(ctx context.Context, env es.Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, tr.Publish(context.Background(), "account", es.Envelope{AggregateID: "acc-1"}))

	select {
	case got := <-received:
		require.Equal(t, "acc-1", got.AggregateID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestMemoryTransport_IgnoresOtherSubjects(t *testing.T) {
	tr := NewMemoryTransport()
	received := make(chan es.Envelope, 1)

	_, err := tr.Subscribe(context.Background(), "account", func(ctx context.Context, env es.Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), "order", es.Envelope{AggregateID: "ord-1"}))

	select {
	case <-received:
		t.Fatal("subscriber on a different subject must not receive this event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryTransport_ClosedRejectsPublishAndSubscribe(t *testing.T) {
	tr := NewMemoryTransport()
	tr.Close()

	require.ErrorIs(t, tr.Publish(context.Background(), "account", es.Envelope{}), ErrTransportClosed)

	_, err := tr.Subscribe(context.Background(), "account", func(ctx context.Context, env es.Envelope) error { return nil })
	require.ErrorIs(t, err, ErrTransportClosed)
}

func TestAsyncBus_PublishesThroughTransportSubject(t *testing.T) {
	tr := NewMemoryTransport()
	b := NewAsyncBus(tr)

	received := make(chan es.Envelope, 1)
	_, err := tr.Subscribe(context.Background(), "account", func(ctx context.Context, env es.Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), es.Envelope{AggregateType: "account", AggregateID: "acc-1"}))

	select {
	case got := <-received:
		require.Equal(t, "acc-1", got.AggregateID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}
