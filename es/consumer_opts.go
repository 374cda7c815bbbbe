package es

import (
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	consumerOpts struct {
		startSeq        uint64
		mws             []HandlerMiddleware
		log             *slog.Logger
		name            string
		metrics         ESMetrics
		shutdownTimeout time.Duration
		catchup         CatchupStrategy
	}

	ConsumerOption interface {
		applyToConsumerOpts(*consumerOpts)
	}

	ConsumerNameOption    valueOption[string]
	MiddlewareOption      valueOption[[]HandlerMiddleware]
	ShutdownTimeoutOption valueOption[time.Duration]
	CatchupStrategyOption valueOption[CatchupStrategy]
	ConsumerOptions       MultiOption[ConsumerOption]
)

func (o ConsumerNameOption) applyToConsumerOpts(opts *consumerOpts) { opts.name = o.v }
func (o StartSeqOption) applyToConsumerOpts(opts *consumerOpts)     { opts.startSeq = o.v }
func (o MiddlewareOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.mws = append(opts.mws, o.v...)
}
func (o LogOption) applyToConsumerOpts(opts *consumerOpts) { opts.log = o.l }
func (o ShutdownTimeoutOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.shutdownTimeout = o.v
}
func (o CatchupStrategyOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.catchup = o.v
}
func (o ConsumerOptions) applyToConsumerOpts(opts *consumerOpts) {
	for _, opt := range o.opts {
		opt.applyToConsumerOpts(opts)
	}
}

func WithMiddlewares(mws ...HandlerMiddleware) MiddlewareOption {
	return MiddlewareOption{
		v: mws,
	}
}
func WithConsumerOpts(opts ...ConsumerOption) ConsumerOptions { return ConsumerOptions{opts: opts} }
func WithConsumerName(name string) ConsumerNameOption         { return ConsumerNameOption{v: name} }
func WithShutdownTimeout(d time.Duration) ShutdownTimeoutOption {
	return ShutdownTimeoutOption{v: d}
}
func WithCatchupStrategy(s CatchupStrategy) CatchupStrategyOption {
	return CatchupStrategyOption{v: s}
}

func newConsumerOpts(opts ...ConsumerOption) consumerOpts {
	options := consumerOpts{
		log:             slog.Default(),
		startSeq:        1,
		name:            fmt.Sprintf("consumer-%s", gonanoid.Must(6)),
		shutdownTimeout: 10 * time.Second,
		catchup:         DefaultCatchupStrategy(),
	}
	for _, opt := range opts {
		opt.applyToConsumerOpts(&options)
	}
	if options.metrics == nil {
		options.metrics = NopESMetrics()
	}
	return options
}
