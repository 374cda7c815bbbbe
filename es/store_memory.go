package es

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// InMemoryStore is a simple, correct (optimistic) EventStore for tests and
// single-process use. It keeps every stream in memory and fans out newly
// appended events to active subscriptions.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	seq     atomic.Uint64
	streams map[string][]Envelope
	subs    map[string]*inMemorySubscription
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
		subs:    map[string]*inMemorySubscription{},
	}
}

func (s *InMemoryStore) streamKey(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

func (s *InMemoryStore) Load(
	_ context.Context,
	aggType,
	aggID string,
	opts ...StoreLoadOption,
) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loadOpts := &eventStoreLoadOptions{}
	for _, opt := range opts {
		opt.ApplyToStoreLoadOptions(loadOpts)
	}

	sk := s.streamKey(aggType, aggID)
	events, ok := s.streams[sk]
	if !ok {
		return nil, ErrAggregateNotFound
	}

	out := make([]Envelope, 0, len(events))
	for _, e := range events {
		if e.Version < loadOpts.startVersion {
			continue
		}
		if e.Seq < loadOpts.startSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) Append(
	_ context.Context,
	aggType string,
	aggID string,
	expectVersion Version,
	events []Envelope,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sk         = s.streamKey(aggType, aggID)
		curStream  = s.streams[sk]
		curVersion Version
	)
	if len(curStream) > 0 {
		curVersion = curStream[len(curStream)-1].Version
	}
	if curVersion != expectVersion {
		return nil, ErrConcurrencyConflict
	}

	var (
		lastSeq   uint64
		allEvents = make([]Envelope, 0, len(events))
	)
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		lastSeq = s.seq.Add(1)
		e.Seq = lastSeq
		allEvents = append(allEvents, e)
	}
	s.streams[sk] = append(curStream, allEvents...)

	s.log.Debug(
		"append",
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(allEvents)),
	)

	s.dispatch(allEvents)

	return &StoreAppendResult{LastSeq: lastSeq}, nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	options := &SubscribeOpts{
		deliverPolicy: DeliverNewPolicy,
	}
	for _, opt := range opts {
		opt(options)
	}

	subID := gonanoid.Must()
	sub := &inMemorySubscription{
		filters: options.filters,
		ch:      make(chan Envelope, 64),
		maxSeq:  s.seq.Load(),
	}
	sub.cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, subID)
	}
	s.subs[subID] = sub

	context.AfterFunc(ctx, sub.Cancel)

	if options.deliverPolicy == DeliverAllPolicy {
		replay := make([]Envelope, 0)
		for _, stream := range s.streams {
			for _, e := range stream {
				if e.Seq < options.startSequence {
					continue
				}
				if matchFilters(e, options.filters) {
					replay = append(replay, e)
				}
			}
		}
		go func() {
			for _, e := range replay {
				sub.ch <- e
			}
		}()
	}

	return sub, nil
}

func (s *InMemoryStore) dispatch(events []Envelope) {
	if len(s.subs) == 0 {
		return
	}
	s.log.Debug(
		"dispatching events",
		slog.Int("events", len(events)),
		slog.Int("subscriptions", len(s.subs)),
	)
	for _, e := range events {
		for _, sub := range s.subs {
			if matchFilters(e, sub.filters) {
				sub.ch <- e
			}
		}
	}
}

// === Subscription ===

type inMemorySubscription struct {
	filters []SubscribeFilter
	ch      chan Envelope
	cancel  func()
	maxSeq  uint64
}

func (i *inMemorySubscription) Chan() <-chan Envelope { return i.ch }
func (i *inMemorySubscription) Cancel()               { i.cancel() }
func (i *inMemorySubscription) MaxSequence() uint64   { return i.maxSeq }

// Rewrite overwrites the type and data of the event at seq in place. Used
// by an eager upcast pipeline; readers that already hold a copy of the old
// envelope are unaffected.
func (s *InMemoryStore) Rewrite(_ context.Context, seq uint64, newType string, newData json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sk, stream := range s.streams {
		for i, e := range stream {
			if e.Seq == seq {
				stream[i].Type = newType
				stream[i].Data = newData
				s.streams[sk] = stream
				return nil
			}
		}
	}
	return fmt.Errorf("es: no event with seq %d", seq)
}

var _ EventStore = (*InMemoryStore)(nil)
var _ Rewriter = (*InMemoryStore)(nil)
