package es

import (
	"context"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/nordlight-io/cqres/cache"
)

// PostCommitHook runs synchronously inside Save, immediately after events
// are durably appended and before Save returns. Returning an error fails
// the Save call itself, unlike a Consumer handler's error which is only
// logged. Use this for an EventBus whose delivery contract genuinely needs
// to be in the caller's critical path (see bus.SyncBus); anything that
// should not be able to fail a command belongs on es.WithConsumer instead.
type PostCommitHook func(ctx context.Context, env Envelope) error

// IDGenerator is a function that generates unique IDs for event envelopes.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator, backed by nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type (
	repoOpts struct {
		snapshotter      Snapshotter
		cache            cache.Cache
		saveOpts         []SaveOption
		loadOpts         []LoadOption
		idGenerator      IDGenerator
		metrics          ESMetrics
		snapshotStrategy SnapshotStrategy
		cachePolicy      CachePolicy
		postCommitHooks  []PostCommitHook
	}

	repoSaveOptions struct {
		snapshot     bool
		snapshotSet  bool
		snapshotTTL  time.Duration
		useCache     bool
	}

	repoLoadOptions struct {
		snapshot bool
		useCache bool
	}

	repoLoadAndSaveOpts struct {
		loadOpts []LoadOption
		saveOpts []SaveOption
	}

	repoWithTransactionOpts struct {
		create bool
		repoLoadAndSaveOpts
	}
)

type (
	RepositoryOption     interface{ applyToRepository(*repoOpts) }
	SnapshotterOption    valueOption[Snapshotter]
	RepoCacheOption      valueOption[cache.Cache]
	RepoCreateOption     valueOption[bool]
	RepoUseCacheOption   valueOption[bool]
	SnapshotOption       valueOption[bool]
	SnapshotTTLOption    valueOption[time.Duration]
	SaveOptsOption       MultiOption[SaveOption]
	LoadOptsOption       MultiOption[LoadOption]
	RepoIDGeneratorOption valueOption[IDGenerator]
	RepoSnapshotStrategyOption valueOption[SnapshotStrategy]
	RepoCachePolicyOption      valueOption[CachePolicy]
	RepoPostCommitHookOption   MultiOption[PostCommitHook]
)

type (
	SaveOption            interface{ applyToSaveOptions(*repoSaveOptions) }
	LoadOption            interface{ applyToLoadOptions(*repoLoadOptions) }
	LoadAndSaveOption     interface{ applyToLoadAndSaveOptions(*repoLoadAndSaveOpts) }
	WithTransactionOption interface {
		applyToWithTransactionOptions(*repoWithTransactionOpts)
	}
)

func WithCreate() RepoCreateOption                     { return RepoCreateOption{v: true} }
func WithSnapshotter(s Snapshotter) SnapshotterOption  { return SnapshotterOption{v: s} }
func WithSnapshot(enabled bool) SnapshotOption         { return SnapshotOption{v: enabled} }
func WithSnapshotTTL(ttl time.Duration) SnapshotTTLOption {
	return SnapshotTTLOption{v: ttl}
}
func WithRepoCache(c cache.Cache) RepoCacheOption { return RepoCacheOption{v: c} }
func WithRepoCacheLRU(size int) RepoCacheOption {
	return WithRepoCache(cache.NewLRU(cache.LRUOpts{Size: size}))
}

// WithIDGenerator sets a custom ID generator for event envelope IDs.
func WithIDGenerator(gen IDGenerator) RepoIDGeneratorOption {
	return RepoIDGeneratorOption{v: gen}
}

// WithSnapshotStrategy sets the policy Save consults to decide whether to
// snapshot when a call site doesn't pass WithSnapshot explicitly.
func WithSnapshotStrategy(s SnapshotStrategy) RepoSnapshotStrategyOption {
	return RepoSnapshotStrategyOption{v: s}
}

// WithCachePolicy sets the policy that gates cache writes on Load/Save.
func WithCachePolicy(p CachePolicy) RepoCachePolicyOption {
	return RepoCachePolicyOption{v: p}
}

// WithPostCommitHook registers one or more PostCommitHooks, run in order
// for every event a Save appends. Works as both a RepositoryOption (passed
// to NewRepository directly) and an EnvOption (passed to NewEnv, which
// forwards it to the repository it builds) — the same dual-applicability
// SnapshotterOption already has.
func WithPostCommitHook(hooks ...PostCommitHook) RepoPostCommitHookOption {
	return RepoPostCommitHookOption{opts: hooks}
}

// === repo ==

func (o SnapshotterOption) applyToRepository(options *repoOpts)     { options.snapshotter = o.v }
func (o SnapshotterOption) applyToEnv(options *envOptions)          { options.snapshotter = o.v }
func (o RepoCacheOption) applyToRepository(options *repoOpts)       { options.cache = o.v }
func (o RepoIDGeneratorOption) applyToRepository(options *repoOpts) { options.idGenerator = o.v }
func (o RepoSnapshotStrategyOption) applyToRepository(options *repoOpts) {
	options.snapshotStrategy = o.v
}
func (o RepoCachePolicyOption) applyToRepository(options *repoOpts) { options.cachePolicy = o.v }
func (o RepoPostCommitHookOption) applyToRepository(options *repoOpts) {
	options.postCommitHooks = append(options.postCommitHooks, o.opts...)
}
func (o RepoPostCommitHookOption) applyToEnv(options *envOptions) {
	options.postCommitHooks = append(options.postCommitHooks, o.opts...)
}
func (o SaveOptsOption) applyToRepository(options *repoOpts) {
	options.saveOpts = append(options.saveOpts, o.opts...)
}
func (o LoadOptsOption) applyToRepository(options *repoOpts) {
	options.loadOpts = append(options.loadOpts, o.opts...)
}

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		cache:            cache.NewNop(),
		snapshotter:      NewInMemorySnapshotter(),
		idGenerator:      DefaultIDGenerator(),
		snapshotStrategy: NeverSnapshot(),
		cachePolicy:      AlwaysCache(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

// === save ==

func (o SnapshotOption) applyToSaveOptions(options *repoSaveOptions) {
	options.snapshot = o.v
	options.snapshotSet = true
}
func (o SnapshotTTLOption) applyToSaveOptions(options *repoSaveOptions) { options.snapshotTTL = o.v }
func (o RepoUseCacheOption) applyToSaveOptions(options *repoSaveOptions) {
	options.useCache = o.v
}
func (o SaveOptsOption) applyToSaveOptions(options *repoSaveOptions) {
	for _, opt := range o.opts {
		opt.applyToSaveOptions(options)
	}
}
func WithSaveOpts(opts ...SaveOption) SaveOptsOption { return SaveOptsOption{opts: opts} }
func WithUseCache(useCache bool) RepoUseCacheOption  { return RepoUseCacheOption{v: useCache} }

func newSaveOptions(defaults []SaveOption, opts ...SaveOption) repoSaveOptions {
	options := repoSaveOptions{useCache: true}
	for _, opt := range defaults {
		opt.applyToSaveOptions(&options)
	}
	for _, opt := range opts {
		opt.applyToSaveOptions(&options)
	}
	return options
}

// === load ==

func (o SnapshotOption) applyToLoadOptions(options *repoLoadOptions) { options.snapshot = o.v }
func (o RepoUseCacheOption) applyToLoadOptions(options *repoLoadOptions) {
	options.useCache = o.v
}
func (o LoadOptsOption) applyToLoadOptions(options *repoLoadOptions) {
	for _, opt := range o.opts {
		opt.applyToLoadOptions(options)
	}
}
func WithLoadOpts(opts ...LoadOption) LoadOptsOption { return LoadOptsOption{opts: opts} }

func newLoadOptions(defaults []LoadOption, opts ...LoadOption) repoLoadOptions {
	options := repoLoadOptions{useCache: true}
	for _, opt := range defaults {
		opt.applyToLoadOptions(&options)
	}
	for _, opt := range opts {
		opt.applyToLoadOptions(&options)
	}
	return options
}

// === getOrCreate ==

func (o SnapshotOption) applyToLoadAndSaveOptions(options *repoLoadAndSaveOpts) {
	options.loadOpts = append(options.loadOpts, o)
	options.saveOpts = append(options.saveOpts, o)
}

func (o RepoUseCacheOption) applyToLoadAndSaveOptions(options *repoLoadAndSaveOpts) {
	options.loadOpts = append(options.loadOpts, o)
	options.saveOpts = append(options.saveOpts, o)
}

func (o LoadOptsOption) applyToLoadAndSaveOptions(options *repoLoadAndSaveOpts) {
	options.loadOpts = append(options.loadOpts, o.opts...)
}

func (o SaveOptsOption) applyToLoadAndSaveOptions(options *repoLoadAndSaveOpts) {
	options.saveOpts = append(options.saveOpts, o.opts...)
}

func newGetOrCreateOptions(opts ...LoadAndSaveOption) repoLoadAndSaveOpts {
	options := repoLoadAndSaveOpts{}
	for _, opt := range opts {
		opt.applyToLoadAndSaveOptions(&options)
	}
	return options
}

// === withTransaction ==

func (o SaveOptsOption) applyToWithTransactionOptions(options *repoWithTransactionOpts) {
	options.saveOpts = append(options.saveOpts, o.opts...)
}
func (o LoadOptsOption) applyToWithTransactionOptions(options *repoWithTransactionOpts) {
	options.loadOpts = append(options.loadOpts, o.opts...)
}
func (o SnapshotOption) applyToWithTransactionOptions(options *repoWithTransactionOpts) {
	options.saveOpts = append(options.saveOpts, WithSnapshot(o.v))
	options.loadOpts = append(options.loadOpts, WithSnapshot(o.v))
}
func (o SnapshotTTLOption) applyToWithTransactionOptions(options *repoWithTransactionOpts) {
	options.saveOpts = append(options.saveOpts, WithSnapshotTTL(o.v))
}
func (o RepoUseCacheOption) applyToWithTransactionOptions(options *repoWithTransactionOpts) {
	options.saveOpts = append(options.saveOpts, WithUseCache(o.v))
	options.loadOpts = append(options.loadOpts, WithUseCache(o.v))
}
func (o RepoCreateOption) applyToWithTransactionOptions(options *repoWithTransactionOpts) {
	options.create = o.v
}

func newWithTransactionOptions(opts ...WithTransactionOption) repoWithTransactionOpts {
	options := repoWithTransactionOpts{}
	for _, opt := range opts {
		opt.applyToWithTransactionOptions(&options)
	}
	return options
}
