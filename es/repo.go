package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/nordlight-io/cqres/cache"
	"github.com/nordlight-io/cqres/ectx"
	"github.com/nordlight-io/cqres/perkey"
	"github.com/nordlight-io/cqres/sf"
)

// Repository rehydrates aggregates and persists new events with optimistic
// concurrency control.
type Repository interface {
	Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
	Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
	CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
}

type repository struct {
	log              *slog.Logger
	store            EventStore
	decoder          Decoder
	snapshotter      Snapshotter
	cache            cache.Cache
	idGenerator      IDGenerator
	metrics          ESMetrics
	loadGroup        *sf.Singleflight[[]Envelope]
	snapshotStrategy SnapshotStrategy
	cachePolicy      CachePolicy
	postCommitHooks  []PostCommitHook
}

// NewRepository builds a Repository over store, decoding persisted envelopes
// with decoder. decoder is usually an *EventRegistry, but can be an
// upcast.Pipeline wrapping one to migrate older event schemas on read.
func NewRepository(
	log *slog.Logger,
	store EventStore,
	decoder Decoder,
	opts ...RepositoryOption,
) Repository {
	options := newRepoOpts(opts...)

	metrics := options.metrics
	if metrics == nil {
		metrics = NopESMetrics()
	}

	return &repository{
		log:              log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:            store,
		decoder:          decoder,
		snapshotter:      options.snapshotter,
		cache:            options.cache,
		idGenerator:      options.idGenerator,
		metrics:          metrics,
		loadGroup:        sf.New[[]Envelope](),
		snapshotStrategy: options.snapshotStrategy,
		cachePolicy:      options.cachePolicy,
		postCommitHooks:  options.postCommitHooks,
	}
}

func cacheKey(aggType, aggID string) string { return aggType + "-" + aggID }

// Load rehydrates agg from the store and sets its ID/version/seq.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) (err error) {
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events (dirty=true)")
	}

	loadOptions := newLoadOptions(nil, opts...)

	log := r.log.With(slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)))
	defer r.metrics.RepoLoadDuration(aggType).ObserveDuration()

	// Advisory cache: a hit gives us a cheaper starting point, but events
	// loaded afterward always win, so a stale entry can never produce a
	// stale result, only a slower one.
	if loadOptions.useCache && r.cache != nil {
		if v, ok := r.cache.Get(cacheKey(aggType, aggID)); ok {
			if snap, ok := v.(*Snapshot); ok {
				if err := restoreAggregateSnapshot(agg, snap); err == nil {
					r.metrics.CacheHit(aggType)
					log.Debug("cache hit", agg.GetVersion().SlogAttr())
				}
			}
		} else {
			r.metrics.CacheMiss(aggType)
		}
	}

	if loadOptions.snapshot && agg.GetVersion() == 0 {
		if r.snapshotter == nil {
			return ErrSnapshotterUnconfigured
		}
		defer r.metrics.SnapshotLoadDuration(aggType).ObserveDuration()
		if err = ApplySnapshot(ctx, r.snapshotter, agg); err != nil {
			if !errors.Is(err, ErrSnapshotNotFound) {
				return fmt.Errorf("failed to apply snapshot: %w", err)
			}
		} else {
			log.Debug("snapshot applied", slog.Uint64("seq", agg.GetSeq()), agg.GetVersion().SlogAttr())
		}
	}

	var (
		curVersion = agg.GetVersion()
		minVersion = curVersion + 1
		minSeq     = agg.GetSeq() + 1
	)

	log.Debug(
		"load",
		slog.Group("opts",
			slog.Uint64("min_seq", minSeq),
			minVersion.SlogAttrWithKey("min_version"),
			slog.Bool("snapshot", loadOptions.snapshot),
		),
	)

	dedupKey := fmt.Sprintf("%s/%s/%d", aggType, aggID, minVersion)
	loaded, err := r.loadGroup.Do(dedupKey, func() (*[]Envelope, error) {
		defer r.metrics.StoreLoadDuration(aggType).ObserveDuration()
		evs, err := r.store.Load(ctx, aggType, aggID, WithStartAtVersion(minVersion), WithStartAtSeq(minSeq))
		if err != nil {
			return nil, err
		}
		return &evs, nil
	})
	if err != nil {
		return err
	}

	for _, e := range *loaded {
		expectVersion := agg.GetVersion() + 1
		if e.Version != expectVersion {
			return fmt.Errorf("expect version %d, got %d", expectVersion, e.Version)
		}

		evt, err := r.decoder.Decode(e)
		if err != nil {
			return err
		}
		if err := agg.Apply(evt); err != nil {
			return err
		}

		agg.setVersion(e.Version)
		agg.setSeq(e.Seq)
		curVersion = e.Version
	}

	if curVersion == 0 {
		return ErrAggregateNotFound
	}

	if loadOptions.useCache && r.cache != nil && r.cachePolicy(agg) {
		r.cacheSnapshot(agg)
	}

	return nil
}

func (r *repository) Save(ctx context.Context, agg Aggregate, saveOpts ...SaveOption) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}

	saveOptions := newSaveOptions(nil, saveOpts...)
	defer r.metrics.RepoSaveDuration(aggType).ObserveDuration()

	var evCtxs []ectx.Context
	if carrier, ok := agg.(ExecutionContextCarrier); ok {
		evCtxs = carrier.UncommittedContexts()
	}

	expectVersion := agg.GetVersion()
	newEnvs := make([]Envelope, 0, len(uncommitted))
	v := expectVersion

	for i, ev := range uncommitted {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		v++

		env := Envelope{
			ID:            r.idGenerator(),
			Type:          getEventTypeOf(ev),
			AggregateID:   aggID,
			AggregateType: aggType,
			Version:       v,
			OccurredAt:    time.Now(),
			Data:          data,
		}
		if i < len(evCtxs) {
			env.CorrelationID = evCtxs[i].CorrelationID
			env.CausationID = evCtxs[i].CausationID
		}
		if err := env.Validate(); err != nil {
			return err
		}
		newEnvs = append(newEnvs, env)
	}

	res, err := func() (*StoreAppendResult, error) {
		defer r.metrics.StoreAppendDuration(aggType).ObserveDuration()
		return r.store.Append(ctx, aggType, aggID, expectVersion, newEnvs)
	}()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(aggType)
		}
		return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	}
	if res == nil {
		return errors.New("append returned nil result")
	}

	agg.setSeq(res.LastSeq)
	agg.setVersion(v)
	agg.ClearUncommitted()
	r.metrics.EventsAppended(aggType, len(newEnvs))

	if saveOptions.useCache && r.cache != nil && r.cachePolicy(agg) {
		r.cacheSnapshot(agg)
	}

	takeSnapshot := saveOptions.snapshot
	if !saveOptions.snapshotSet && r.snapshotStrategy != nil {
		takeSnapshot = r.snapshotStrategy(ctx, r.snapshotter, agg, len(newEnvs))
	}
	if takeSnapshot {
		if _, err := r.CreateSnapshot(ctx, agg); err != nil {
			return err
		}
	}

	// Post-commit hooks run synchronously, inline with Save, so a failure
	// here is the command dispatch's own failure: the events are already
	// durably appended (this is not a rollback), but the caller learns the
	// side effect it was waiting on did not happen and can decide to retry
	// or compensate. This is how WithEventBus wires a SyncBus in, since a
	// synchronous bus's whole point is a caller that can observe delivery
	// failure; an AsyncBus instead rides the asynchronous Consumer pipeline
	// and never reaches this loop.
	for _, hook := range r.postCommitHooks {
		for _, env := range newEnvs {
			if err := hook(ctx, env); err != nil {
				return fmt.Errorf("post-commit hook failed agg_type=%s agg_id=%s: %w", aggType, aggID, err)
			}
		}
	}

	r.log.Debug(
		"saved",
		slog.Group("agg", slog.String("id", aggID), slog.String("type", aggType), slog.Uint64("seq", agg.GetSeq()), agg.GetVersion().SlogAttr()),
		slog.Int("num_events", len(newEnvs)),
	)

	return nil
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (ss *Snapshot, err error) {
	if r.snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	defer r.metrics.SnapshotSaveDuration(agg.GetAggType()).ObserveDuration()
	ss, err = CreateSnapshot(agg)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err = r.snapshotter.SaveSnapshot(ctx, ss); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	r.log.Debug("snapshot saved", ss.logAttrs())
	return ss, nil
}

// cacheSnapshot is a best-effort advisory cache write; failures are not
// propagated since the cache is never the source of truth.
func (r *repository) cacheSnapshot(agg Aggregate) {
	ss, err := CreateSnapshot(agg)
	if err != nil {
		return
	}
	r.cache.Put(cacheKey(agg.GetAggType(), agg.GetID()), ss)
}

func restoreAggregateSnapshot(agg Aggregate, ss *Snapshot) error {
	var err error
	if sss, ok := any(agg).(Snapshottable); ok {
		err = sss.RestoreSnapshot(ss.Data)
	} else {
		err = json.Unmarshal(ss.Data, agg)
	}
	if err != nil {
		return err
	}
	agg.setVersion(ss.ObjVersion)
	agg.setSeq(ss.StreamSeq)
	return nil
}

var _ Repository = &repository{}

// === TypedRepository ===

type TypedRepository[T Aggregate] interface {
	GetAggType() string
	New() T
	NewWithID(id string) T
	Load(ctx context.Context, a T, opts ...LoadOption) error
	GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	Save(ctx context.Context, agg T, opts ...SaveOption) error
	// WithTransaction loads, then mutates, then saves an aggregate, with all
	// calls for the same aggregate ID serialized against one another so
	// exactly one command is ever in flight per instance.
	WithTransaction(ctx context.Context, aggID string, fn func(a T) error, opts ...WithTransactionOption) error
}

type typedRepo[T Aggregate] struct {
	r          Repository
	log        *slog.Logger
	aggType    string
	scheduler  *perkey.Scheduler[string]
}

func (t *typedRepo[T]) New() T { return t.NewWithID("") }

func (t *typedRepo[T]) NewWithID(id string) T {
	var a T
	if c, ok := any(a).(interface{ Create() T }); ok {
		a = c.Create()
	} else {
		rt := reflect.TypeOf((*T)(nil)).Elem()
		if rt.Kind() == reflect.Pointer {
			a = reflect.New(rt.Elem()).Interface().(T)
		} else {
			a = *new(T)
		}
	}
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) Load(ctx context.Context, a T, opts ...LoadOption) error {
	return t.r.Load(ctx, a, opts...)
}

func (t *typedRepo[T]) GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	err = t.r.Load(ctx, a, opts...)
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) {
			if err = a.Create(aggID); err != nil {
				return a, err
			}
			if err = t.Save(ctx, a, WithSnapshot(true)); err != nil {
				return a, err
			}
			t.log.Debug("created", slog.String("id", aggID))
			return a, nil
		}
		return a, err
	}
	return a, nil
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	if err = t.r.Load(ctx, a, opts...); err != nil {
		return a, err
	}
	return a, nil
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) GetAggType() string { return t.aggType }

func (t *typedRepo[T]) WithTransaction(
	ctx context.Context,
	aggID string,
	fn func(a T) error,
	opts ...WithTransactionOption,
) error {
	options := newWithTransactionOptions(opts...)

	return t.scheduler.DoContext(ctx, aggID, func() error {
		var (
			a   T
			err error
		)
		if options.create {
			a, err = t.GetOrCreate(ctx, aggID, options.loadOpts...)
		} else {
			a, err = t.GetByID(ctx, aggID, options.loadOpts...)
		}
		if err != nil {
			return err
		}

		if err := fn(a); err != nil {
			return err
		}

		return t.Save(ctx, a, options.saveOpts...)
	})
}

func NewTypedRepository[T Aggregate](log *slog.Logger, s EventStore, reg *EventRegistry, opts ...RepositoryOption) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](log, NewRepository(log, s, reg, opts...))
}

func NewTypedRepositoryFrom[T Aggregate](log *slog.Logger, r Repository) TypedRepository[T] {
	t := &typedRepo[T]{r: r, scheduler: perkey.New[string]()}
	sample := t.New()
	t.aggType = sample.GetAggType()
	t.log = log.With(slog.String("repo", fmt.Sprintf("%T", sample)))
	return t
}
