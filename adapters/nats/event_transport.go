package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/nordlight-io/cqres/bus"
	"github.com/nordlight-io/cqres/es"
)

// EventTransportConfig configures a core-NATS (not JetStream) bus.EventTransport.
// Delivery is at-most-once: a subscriber that isn't connected when an event
// is published never sees it. Use adapters/nats's JetStream-backed EventStore
// plus a Consumer instead when at-least-once, replayable delivery is needed.
type EventTransportConfig struct {
	Connect       Connector
	Log           *slog.Logger
	SubjectPrefix string
}

// EventTransport fans out published events to subscribers over core NATS
// subjects, one subject per subscription topic, as fire-and-forget event
// delivery.
type EventTransport struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string

	mu   sync.Mutex
	subs map[*natsgo.Subscription]struct{}

	closed atomic.Bool
}

func NewEventTransport(cfg EventTransportConfig) (*EventTransport, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}
	return &EventTransport{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats-events")),
		prefix:  cfg.SubjectPrefix,
		subs:    map[*natsgo.Subscription]struct{}{},
	}, nil
}

func (t *EventTransport) subject(topic string) string {
	p := t.prefix
	if p == "" {
		p = "cqres.events"
	}
	return p + "." + topic
}

func (t *EventTransport) Publish(ctx context.Context, subject string, env es.Envelope) error {
	if t.closed.Load() {
		return bus.ErrTransportClosed
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return t.nc.Publish(t.subject(subject), payload)
}

func (t *EventTransport) Subscribe(ctx context.Context, subject string, h bus.Handler) (func(), error) {
	if t.closed.Load() {
		return nil, bus.ErrTransportClosed
	}
	sub, err := t.nc.Subscribe(t.subject(subject), func(msg *natsgo.Msg) {
		var env es.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.log.Error("failed to decode event", slog.Any("error", err))
			return
		}
		if err := h(ctx, env); err != nil {
			t.log.Error("subscriber failed", slog.Any("error", err), slog.String("subject", subject))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe: %w", err)
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	return func() {
		_ = sub.Unsubscribe()
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}, nil
}

func (t *EventTransport) Close() error {
	if t.closed.Swap(true) {
		return bus.ErrTransportClosed
	}
	t.mu.Lock()
	for s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.subs = map[*natsgo.Subscription]struct{}{}
	t.mu.Unlock()
	t.nc.Drain()
	t.closeNc()
	return nil
}

var _ bus.EventTransport = (*EventTransport)(nil)
