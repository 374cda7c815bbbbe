package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nordlight-io/cqres/es"
)

// ErrTransportClosed is returned by Publish/Subscribe after Close.
var ErrTransportClosed = errors.New("transport closed")

// MemoryTransport is an in-process EventTransport, grounded in the cluster
// transport's subject-keyed subscriber map: publish copies out the current
// subscriber list under a read lock, then invokes each one on its own
// goroutine so a slow subscriber never blocks the publisher or its peers.
type MemoryTransport struct {
	mu     sync.RWMutex
	log    *slog.Logger
	closed bool
	subs   map[string]map[int]Handler
	nextID int
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		log:  slog.Default(),
		subs: map[string]map[int]Handler{},
	}
}

func (t *MemoryTransport) WithLog(log *slog.Logger) *MemoryTransport {
	t.log = log.With(slog.String("transport", "mem"))
	return t
}

func (t *MemoryTransport) Publish(ctx context.Context, subject string, env es.Envelope) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrTransportClosed
	}
	subs := t.subs[subject]
	handlers := make([]Handler, 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			if err := h(ctx, env); err != nil {
				t.log.Error("subscriber failed", slog.Any("error", err), slog.String("subject", subject))
			}
		}()
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, subject string, h Handler) (func(), error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if t.subs[subject] == nil {
		t.subs[subject] = map[int]Handler{}
	}
	id := t.nextID
	t.nextID++
	t.subs[subject][id] = h
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs[subject], id)
		t.mu.Unlock()
	}, nil
}

func (t *MemoryTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subs = map[string]map[int]Handler{}
}

var _ EventTransport = (*MemoryTransport)(nil)
