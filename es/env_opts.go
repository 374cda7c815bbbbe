package es

import (
	"context"
	"fmt"
	"log/slog"
)

type (
	envOptions struct {
		ctx         context.Context
		log         *slog.Logger
		snapshotter Snapshotter
		store       EventStore
		events      []EventRegisterOption
		aggregates  []Aggregate
		consumers   []EnvConsumerOption
		metrics     ESMetrics
		decoderFactory func(*EventRegistry) Decoder
		postCommitHooks []PostCommitHook
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}
)

func newEnvOptions(opts ...EnvOption) envOptions {
	options := envOptions{
		ctx:         context.Background(),
		store:       NewInMemoryStore(),
		snapshotter: NewInMemorySnapshotter(),
	}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}
	return options
}

// === options ===

type (
	EnvConsumerOption struct {
		handler      Handler
		consumerOpts []ConsumerOption
	}
)

func WithConsumer(handler Handler, opts ...ConsumerOption) EnvConsumerOption {
	return EnvConsumerOption{
		handler:      handler,
		consumerOpts: opts,
	}
}

func WithProjection(projection Projection, opts ...ConsumerOption) EnvConsumerOption {
	return EnvConsumerOption{
		handler:      projection,
		consumerOpts: append(opts, WithConsumerName(fmt.Sprintf("projection/%s", projection.Name()))),
	}
}

func (o EnvConsumerOption) applyToEnv(options *envOptions) {
	options.consumers = append(options.consumers, o)
}

// DecoderFactoryOption wraps the Env's built-in event registry in another
// Decoder, used to install an upcast pipeline without requiring the caller
// to construct the registry themselves.
type DecoderFactoryOption struct{ f func(*EventRegistry) Decoder }

func WithDecoderFactory(f func(*EventRegistry) Decoder) DecoderFactoryOption {
	return DecoderFactoryOption{f: f}
}

func (o DecoderFactoryOption) applyToEnv(options *envOptions) {
	options.decoderFactory = o.f
}
