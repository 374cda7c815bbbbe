package es

import (
	"context"
)

// DeliverPolicy controls where a subscription starts reading from.
type DeliverPolicy string

const (
	// DeliverAllPolicy replays every retained event before going live.
	DeliverAllPolicy DeliverPolicy = "all"
	// DeliverNewPolicy delivers only events appended after subscribing.
	DeliverNewPolicy DeliverPolicy = "new"
)

// SubscribeFilter narrows delivery to a single aggregate type and/or ID.
// An empty field matches anything.
type SubscribeFilter struct {
	AggregateType string
	AggregateID   string
}

type SubscribeOpts struct {
	deliverPolicy DeliverPolicy
	filters       []SubscribeFilter
	startSequence uint64
}

func (s *SubscribeOpts) DeliverPolicy() DeliverPolicy { return s.deliverPolicy }
func (s *SubscribeOpts) Filters() []SubscribeFilter   { return s.filters }

type SubscribeOption func(opts *SubscribeOpts)

func NewSubscribeOpts(opts ...SubscribeOption) SubscribeOpts {
	options := SubscribeOpts{
		deliverPolicy: DeliverNewPolicy,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithDeliverPolicy(policy DeliverPolicy) SubscribeOption {
	return func(opts *SubscribeOpts) { opts.deliverPolicy = policy }
}

func WithFilters(filters ...SubscribeFilter) SubscribeOption {
	return func(opts *SubscribeOpts) { opts.filters = filters }
}

func WithStartSequence(startSequence uint64) SubscribeOption {
	return func(opts *SubscribeOpts) { opts.startSequence = startSequence }
}

// Subscription delivers envelopes matching a subscribe filter.
type Subscription interface {
	Cancel()
	Chan() <-chan Envelope
	// MaxSequence reports the highest sequence known at subscribe time, so a
	// Consumer can tell replay apart from live delivery.
	MaxSequence() uint64
}

// Stream is implemented by an EventStore to support live/replay subscriptions.
type Stream interface {
	Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error)
}

func matchFilters(env Envelope, filters []SubscribeFilter) bool {
	for _, f := range filters {
		if !matchFilter(env, f) {
			return false
		}
	}
	return true
}

func matchFilter(env Envelope, filter SubscribeFilter) bool {
	if filter.AggregateType != "" && env.AggregateType != filter.AggregateType {
		return false
	}
	if filter.AggregateID != "" && env.AggregateID != filter.AggregateID {
		return false
	}
	return true
}
