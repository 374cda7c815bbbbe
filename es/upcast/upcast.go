// Package upcast migrates persisted events from an older schema to a newer
// one at read time (or, when the underlying store supports it, in place).
// An Upcaster only knows how to translate between one adjacent pair of event
// types; Pipeline chains them into the full path from whatever type was
// actually persisted to whatever type the current code expects.
package upcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nordlight-io/cqres/es"
)

// ErrCycle is returned by NewPipeline when the registered upcasters form a
// cycle, which would make the chain never terminate.
var ErrCycle = errors.New("upcast: cycle detected among registered upcasters")

// ErrAmbiguous is returned by NewPipeline when more than one upcaster claims
// the same FromType, since the chain from that type would be ambiguous.
var ErrAmbiguous = errors.New("upcast: more than one upcaster registered for the same source type")

// Upcaster translates one persisted event type to its immediate successor
// type. FromType and ToType name the event types exactly as they appear in
// Envelope.Type.
type Upcaster interface {
	FromType() string
	ToType() string
	Upcast(data json.RawMessage) (json.RawMessage, error)
}

// Func adapts a plain function into an Upcaster.
type Func struct {
	From, To string
	Fn       func(data json.RawMessage) (json.RawMessage, error)
}

func (f Func) FromType() string { return f.From }
func (f Func) ToType() string   { return f.To }
func (f Func) Upcast(data json.RawMessage) (json.RawMessage, error) { return f.Fn(data) }

var _ Upcaster = Func{}

// Strategy controls when an upcast chain's result is persisted back to the
// store.
type Strategy int

const (
	// Lazy upcasts on every read; the store is never modified.
	Lazy Strategy = iota
	// Eager upcasts once and rewrites the stream in place via es.Rewriter,
	// so later reads see the migrated type directly. Falls back to Lazy
	// behavior if the store doesn't implement es.Rewriter.
	Eager
)

// Pipeline is a es.Decoder that upcasts an envelope's persisted type through
// a chain of Upcasters before handing it to the underlying registry for
// decoding into a Go value.
type Pipeline struct {
	underlying es.Decoder
	chain      map[string]Upcaster
	strategy   Strategy
	rewriter   es.Rewriter
	log        *slog.Logger
}

// Validate checks that upcasters form no cycles and that no source type has
// more than one upcaster registered against it, without building a Pipeline.
// Exposed so callers that assemble upcasters from several sources can fail
// fast before they have an underlying Decoder to hand to NewPipeline.
func Validate(upcasters ...Upcaster) error {
	_, err := buildChain(upcasters)
	return err
}

func buildChain(upcasters []Upcaster) (map[string]Upcaster, error) {
	chain := make(map[string]Upcaster, len(upcasters))
	for _, u := range upcasters {
		if _, dup := chain[u.FromType()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguous, u.FromType())
		}
		chain[u.FromType()] = u
	}
	if err := checkAcyclic(chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// NewPipeline builds a Pipeline over underlying (typically an
// *es.EventRegistry), validating at construction time that the upcasters
// form no cycles and that no source type has more than one upcaster.
func NewPipeline(underlying es.Decoder, strategy Strategy, upcasters ...Upcaster) (*Pipeline, error) {
	chain, err := buildChain(upcasters)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		underlying: underlying,
		chain:      chain,
		strategy:   strategy,
		log:        slog.Default().With(slog.String("component", "upcast")),
	}, nil
}

// WithLog overrides the pipeline's logger, used to report failed eager
// rewrites (the read itself still succeeds; it just upcasts again next time).
func WithLog(p *Pipeline, log *slog.Logger) *Pipeline {
	p.log = log
	return p
}

// WithRewriter installs the store's es.Rewriter capability so an Eager
// pipeline can migrate streams in place. Safe to call with a store that
// doesn't implement es.Rewriter as long as the strategy is Lazy.
func WithRewriter(p *Pipeline, r es.Rewriter) *Pipeline {
	p.rewriter = r
	return p
}

func checkAcyclic(chain map[string]Upcaster) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}

	var visit func(t string) error
	visit = func(t string) error {
		switch state[t] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: at %s", ErrCycle, t)
		}
		state[t] = visiting
		if next, ok := chain[t]; ok {
			if err := visit(next.ToType()); err != nil {
				return err
			}
		}
		state[t] = done
		return nil
	}

	for t := range chain {
		if err := visit(t); err != nil {
			return err
		}
	}
	return nil
}

// upcastChain walks from env.Type to the final type reachable through the
// pipeline, applying every upcaster along the way. Returns the final type
// name and payload, plus whether any upcasting actually happened.
func (p *Pipeline) upcastChain(env es.Envelope) (string, json.RawMessage, bool, error) {
	t, data := env.Type, env.Data
	changed := false
	for {
		u, ok := p.chain[t]
		if !ok {
			return t, data, changed, nil
		}
		next, err := u.Upcast(data)
		if err != nil {
			return "", nil, false, fmt.Errorf("upcast %s->%s: %w", u.FromType(), u.ToType(), err)
		}
		t, data = u.ToType(), next
		changed = true
	}
}

// Decode upcasts env's type/data to the newest schema in the chain, then
// decodes via the underlying Decoder. With an Eager strategy and a store
// that implements es.Rewriter, the stream is rewritten the first time a
// given envelope is upcasted.
func (p *Pipeline) Decode(env es.Envelope) (any, error) {
	finalType, finalData, changed, err := p.upcastChain(env)
	if err != nil {
		return nil, err
	}

	if changed {
		env.Type = finalType
		env.Data = finalData

		if p.strategy == Eager && p.rewriter != nil {
			if err := p.rewriter.Rewrite(context.Background(), env.Seq, finalType, finalData); err != nil {
				p.log.Warn("eager rewrite failed, will retry on next read",
					slog.Uint64("seq", env.Seq), slog.Any("error", err))
			}
		}
	}

	return p.underlying.Decode(env)
}

var _ es.Decoder = (*Pipeline)(nil)
