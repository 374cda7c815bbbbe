package bus

import (
	"context"

	"github.com/nordlight-io/cqres/es"
)

// EventTransport is the wire between an AsyncBus publisher and any number of
// out-of-process subscribers, keyed by subject (a topic name, typically the
// aggregate type). It has no opinion on delivery guarantees: MemoryTransport
// is at-most-once, and so is adapters/nats.EventTransport, which runs over
// core NATS rather than JetStream.
type EventTransport interface {
	Publish(ctx context.Context, subject string, env es.Envelope) error
	Subscribe(ctx context.Context, subject string, h Handler) (cancel func(), err error)
}
