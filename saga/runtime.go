package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nordlight-io/cqres/cqrs"
	"github.com/nordlight-io/cqres/es"
	"github.com/nordlight-io/cqres/metrics"
)

// Metrics is the abstract metrics surface for a saga Runtime, decoupling it
// from any concrete metrics backend.
type Metrics interface {
	StepDuration(sagaType, step string) metrics.Timer
	StepResult(sagaType, step string, success bool)
	StepSkipped(sagaType, step string)
}

type nopMetrics struct{}

func (nopMetrics) StepDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) StepResult(string, string, bool)           {}
func (nopMetrics) StepSkipped(string, string)                {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }

// StepFunc runs one saga step against the saga's current state and the
// triggering event, dispatching compensating or follow-on commands through
// bus as needed. Returning a nil *State marks a terminal step: the saga
// instance's persisted state is deleted.
type StepFunc[E any] func(ctx context.Context, state *State, event E, bus *cqrs.CommandBus) (*State, error)

type registeredStep struct {
	name        string
	initial     bool
	idFromEvent func(ev any) (string, bool)
	handle      func(ctx context.Context, state *State, ev any, bus *cqrs.CommandBus) (*State, error)
}

// Runtime dispatches events to saga steps, grounded in the checkpoint
// middleware's own load-check-run-persist shape: each event that matches a
// registered step loads the saga's State, skips the step if it already ran
// (at-most-once), runs it, and persists the result.
type Runtime struct {
	sagaType string
	store    StateStore
	bus      *cqrs.CommandBus
	log      *slog.Logger
	metrics  Metrics
	steps    map[string]registeredStep
}

type RuntimeOption func(*Runtime)

func WithRuntimeLog(log *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.log = log }
}

func WithRuntimeMetrics(m Metrics) RuntimeOption {
	return func(r *Runtime) { r.metrics = m }
}

func NewRuntime(sagaType string, store StateStore, bus *cqrs.CommandBus, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		sagaType: sagaType,
		store:    store,
		bus:      bus,
		log:      slog.Default(),
		metrics:  NopMetrics(),
		steps:    map[string]registeredStep{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(slog.String("saga", sagaType))
	return r
}

// RegisterStep wires a continuing step to the event type E: when an event of
// that type arrives, idFromEvent picks out the saga instance it belongs to,
// and fn runs if that step hasn't already completed for the instance. A
// continuing step requires an existing saga instance; if none is found
// (never started, or already Terminated) the event is ignored.
func RegisterStep[E any](r *Runtime, name string, idFromEvent func(e E) string, fn StepFunc[E]) {
	registerStep(r, name, false, idFromEvent, fn)
}

// RegisterInitialStep wires the step that starts a new saga instance: when
// an event of type E arrives and no instance exists yet for the id
// idFromEvent extracts, fn runs against a freshly created State instead of
// being ignored.
func RegisterInitialStep[E any](r *Runtime, name string, idFromEvent func(e E) string, fn StepFunc[E]) {
	registerStep(r, name, true, idFromEvent, fn)
}

func registerStep[E any](r *Runtime, name string, initial bool, idFromEvent func(e E) string, fn StepFunc[E]) {
	r.steps[eventTypeKey[E]()] = registeredStep{
		name:    name,
		initial: initial,
		idFromEvent: func(ev any) (string, bool) {
			e, ok := ev.(E)
			if !ok {
				return "", false
			}
			return idFromEvent(e), true
		},
		handle: func(ctx context.Context, state *State, ev any, bus *cqrs.CommandBus) (*State, error) {
			e, ok := ev.(E)
			if !ok {
				return nil, fmt.Errorf("saga: event %T does not match registered step %q", ev, name)
			}
			return fn(ctx, state, e, bus)
		},
	}
}

func eventTypeKey[E any]() string {
	var zero E
	return fmt.Sprintf("%T", zero)
}

func (r *Runtime) Handle(msgCtx es.MsgCtx) error {
	step, ok := r.steps[fmt.Sprintf("%T", msgCtx.Event())]
	if !ok {
		return nil
	}

	sagaID, ok := step.idFromEvent(msgCtx.Event())
	if !ok {
		return fmt.Errorf("saga: step %q could not extract a saga id from %T", step.name, msgCtx.Event())
	}

	log := r.log.With(slog.String("saga_id", sagaID), slog.String("step", step.name))

	state, err := r.store.Load(r.sagaType, sagaID)
	if err != nil {
		if err != ErrSagaNotFound {
			return err
		}
		if !step.initial {
			log.Debug("no saga instance for a non-initial step, ignoring")
			return nil
		}
		state = &State{SagaID: sagaID, Type: r.sagaType, CompletedSteps: []string{}}
	}

	if state.HasCompleted(step.name) {
		log.Debug("step already completed, skipping")
		r.metrics.StepSkipped(r.sagaType, step.name)
		return nil
	}

	defer r.metrics.StepDuration(r.sagaType, step.name).ObserveDuration()

	next, stepErr := step.handle(msgCtx.Context(), state, msgCtx.Event(), r.bus)

	if next == nil {
		// Terminal step: the saga instance is done regardless of stepErr —
		// a compensating step that ran successfully still ends the saga,
		// even though it reports the triggering failure back to the caller.
		r.metrics.StepResult(r.sagaType, step.name, stepErr == nil)
		if stepErr != nil {
			log.Error("step failed (terminal)", slog.Any("error", stepErr))
		}
		if err := r.store.Delete(r.sagaType, sagaID); err != nil {
			return err
		}
		log.Debug("step completed, saga terminated")
		return stepErr
	}

	if stepErr != nil {
		log.Error("step failed", slog.Any("error", stepErr))
		r.metrics.StepResult(r.sagaType, step.name, false)
		return stepErr
	}
	r.metrics.StepResult(r.sagaType, step.name, true)

	next.SagaID = sagaID
	next.Type = r.sagaType
	next.CompletedSteps = append(append([]string(nil), state.CompletedSteps...), step.name)
	next.Version = state.Version + 1

	if err := r.store.Save(next); err != nil {
		return err
	}

	log.Debug("step completed")
	return nil
}

var _ es.Handler = (*Runtime)(nil)
