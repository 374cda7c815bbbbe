package es

import (
	"context"
	"time"
)

// SnapshotStrategy decides, after a Save has appended new events, whether
// the repository should also write a fresh snapshot. It is consulted only
// when a Save call doesn't explicitly pass WithSnapshot, the same "explicit
// call-site option wins over ambient policy" rule CatchupStrategy's
// Condition/Func pair follows for consumers.
type SnapshotStrategy func(ctx context.Context, snapshotter Snapshotter, agg Aggregate, eventsAppended int) bool

// NeverSnapshot takes a snapshot only when a Save call explicitly asks for
// one via WithSnapshot(true). This is the zero value's behavior and the
// repository's default.
func NeverSnapshot() SnapshotStrategy {
	return func(context.Context, Snapshotter, Aggregate, int) bool { return false }
}

// SnapshotAfterNEvents snapshots whenever the aggregate's version has
// advanced to a multiple of n since creation.
func SnapshotAfterNEvents(n int) SnapshotStrategy {
	return func(_ context.Context, _ Snapshotter, agg Aggregate, _ int) bool {
		return n > 0 && uint64(agg.GetVersion())%uint64(n) == 0
	}
}

// SnapshotAfterAge snapshots when no snapshot exists yet, or the existing
// one is older than d. It costs one Snapshotter read per Save it's
// consulted for.
func SnapshotAfterAge(d time.Duration) SnapshotStrategy {
	return func(ctx context.Context, snapshotter Snapshotter, agg Aggregate, _ int) bool {
		if snapshotter == nil {
			return false
		}
		snap, err := snapshotter.LoadSnapshot(ctx, agg.GetAggType(), agg.GetID())
		if err != nil {
			return true
		}
		return time.Since(snap.CreatedAt) >= d
	}
}

// CachePolicy decides whether a freshly loaded or saved aggregate is worth
// writing into the repository's advisory cache. Reads already validate a
// cache hit against the store before trusting it (Load always applies
// events newer than what the cache held), so a policy only controls write
// volume, never correctness.
type CachePolicy func(agg Aggregate) bool

// NeverCache disables cache writes regardless of WithUseCache; reads still
// consult whatever the cache already holds from before the policy was set.
func NeverCache() CachePolicy {
	return func(Aggregate) bool { return false }
}

// AlwaysCache writes every aggregate that WithUseCache allows through. This
// is the repository's default, matching the cache's historical behavior.
func AlwaysCache() CachePolicy {
	return func(Aggregate) bool { return true }
}
