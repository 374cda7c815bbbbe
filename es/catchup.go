package es

import "time"

// CatchupCondition decides, given how many events a consumer has processed
// since the last check and the age of the oldest event still behind the
// stream's live point, whether it's time to report lag metrics again.
type CatchupCondition func(eventsSinceCheck int, oldestUnprocessedAge time.Duration) bool

// Never never triggers: lag metrics are not reported through it and no
// catchup Func runs.
func Never() CatchupCondition {
	return func(int, time.Duration) bool { return false }
}

// AfterNEvents reports lag metrics once at least n events have been
// processed since the last report.
func AfterNEvents(n int) CatchupCondition {
	return func(eventsSinceCheck int, _ time.Duration) bool { return eventsSinceCheck >= n }
}

// AfterNAge reports lag metrics once the oldest unprocessed event is older
// than d.
func AfterNAge(d time.Duration) CatchupCondition {
	return func(_ int, age time.Duration) bool { return age >= d }
}

// AnyOf reports as soon as any of conds would report.
func AnyOf(conds ...CatchupCondition) CatchupCondition {
	return func(n int, age time.Duration) bool {
		for _, c := range conds {
			if c(n, age) {
				return true
			}
		}
		return false
	}
}

// AllOf reports only once every one of conds would report.
func AllOf(conds ...CatchupCondition) CatchupCondition {
	return func(n int, age time.Duration) bool {
		for _, c := range conds {
			if !c(n, age) {
				return false
			}
		}
		return true
	}
}

// CatchupFunc loads whatever historical state a processor needs (typically a
// projection snapshot or saga summary) and returns a skip_before watermark:
// events whose timestamp is at or before it are already reflected in that
// state and the consumer discards them instead of handing them to the
// handler. ok is false when the processor has nothing to catch up from yet.
type CatchupFunc func(processor any) (skipBefore time.Time, ok bool)

// CatchupStrategy controls both how often a Consumer reports unprocessed-
// event lag metrics and, when Func is set, how often it re-evaluates the
// catchup skip-before watermark while it works through a backlog.
type CatchupStrategy struct {
	Condition CatchupCondition
	Func      CatchupFunc
}

// NoCatchup is the default strategy: it never loads historical state, so the
// consumer never skips an event on watermark grounds. Condition still gates
// lag-metric reporting.
func NoCatchup() CatchupStrategy {
	return CatchupStrategy{Condition: AfterNEvents(1)}
}

// DefaultCatchupStrategy reports lag metrics on every processed event and
// runs no catchup function. Kept as an alias of NoCatchup for callers that
// only care about metrics cadence.
func DefaultCatchupStrategy() CatchupStrategy {
	return NoCatchup()
}

// WithCatchupFunc returns strategy with fn installed as its catchup function,
// invoked whenever Condition triggers.
func WithCatchupFunc(strategy CatchupStrategy, fn CatchupFunc) CatchupStrategy {
	strategy.Func = fn
	return strategy
}
