// Package cqrs implements the command and query buses: explicit type-keyed
// routers with a middleware chain in front of a terminal handler, the same
// shape the event-sourcing runtime already uses for event handler middleware.
package cqrs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nordlight-io/cqres/internal/reflector"
)

// ErrNoHandler is returned when no handler is registered for a message type
// and no wildcard handler was configured.
var ErrNoHandler = errors.New("no handler registered")

// ErrDuplicateHandler is returned when a second handler is registered for a
// message type that already has one.
var ErrDuplicateHandler = errors.New("duplicate handler")

// Handler dispatches a single message by its concrete Go type.
type Handler interface {
	Handle(ctx context.Context, msg any) (any, error)
}

type HandlerFunc func(ctx context.Context, msg any) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg any) (any, error) { return f(ctx, msg) }

// router maps a message's reflected type name to a registered Handler.
// Resolution order: exact type, then a wildcard handler (keyed "*"), then
// ErrNoHandler. Go has no structural supertyping, so "nearest registered
// supertype" degrades to this two-step lookup.
type router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	wildcard Handler
	strict   bool
}

func newRouter(strict bool) *router {
	return &router{handlers: map[string]Handler{}, strict: strict}
}

// on registers h for typeName. allowDuplicates controls whether a second
// registration for the same type is an error (queries) or a silent
// overwrite (not used today, kept for symmetry).
func (r *router) on(typeName string, h Handler, allowDuplicates bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if typeName == "*" {
		r.wildcard = h
		return nil
	}
	if _, exists := r.handlers[typeName]; exists && !allowDuplicates {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, typeName)
	}
	r.handlers[typeName] = h
	return nil
}

func (r *router) dispatch(ctx context.Context, typeName string, msg any) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[typeName]
	wildcard := r.wildcard
	r.mu.RUnlock()

	if ok {
		return h.Handle(ctx, msg)
	}
	if wildcard != nil {
		return wildcard.Handle(ctx, msg)
	}
	if r.strict {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, typeName)
	}
	return nil, nil
}

func typeNameOf(msg any) string { return reflector.TypeInfoOf(msg).Name }
