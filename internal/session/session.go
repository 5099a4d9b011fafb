// Package session owns the analysis caches and the persistent store of one
// open project.
//
// A [Session] ties together:
//   - an [entitystore.Store] for the project (nil when running in memory),
//   - a [writebehind.Pool] draining asynchronous writes into it,
//   - the checksum and source maps persisted on the project entity,
//   - the Source cache (keyed by canonical path) and the Member cache
//     (keyed by FQCN), both loaded through checksum-gated loaders.
//
// Evicted and replaced values are written back through the pool; explicit
// invalidations delete the persisted copy. [Session.Shutdown] flushes every
// resident value synchronously before closing the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mopemope/meghanada-server-sub002/internal/analysis"
	"github.com/mopemope/meghanada-server-sub002/internal/cache"
	"github.com/mopemope/meghanada-server-sub002/internal/checksum"
	"github.com/mopemope/meghanada-server-sub002/internal/config"
	"github.com/mopemope/meghanada-server-sub002/internal/logging"
	"github.com/mopemope/meghanada-server-sub002/internal/projectmap"
	"github.com/mopemope/meghanada-server-sub002/internal/version"
	"github.com/mopemope/meghanada-server-sub002/internal/watch"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
	"github.com/mopemope/meghanada-server-sub002/pkg/writebehind"
)

// ErrClosed is returned by operations on a session that has been shut down.
var ErrClosed = errors.New("session: closed")

// SourceParser parses Java source files.
type SourceParser interface {
	ParseFile(ctx context.Context, path string) (*analysis.Source, error)
}

// MemberReflector reflects the members of compiled classes.
type MemberReflector interface {
	Reflect(ctx context.Context, fqcn string) ([]analysis.Member, error)

	// ClassFile returns the class file or archive the class is read from.
	// It returns an error matching fs.ErrNotExist for unknown classes.
	ClassFile(fqcn string) (string, error)
}

// Options configures [Open].
type Options struct {
	// ProjectRoot is the project directory. Required.
	ProjectRoot string

	// ProjectName defaults to the base name of ProjectRoot.
	ProjectName string

	Config config.Config

	Parser    SourceParser
	Reflector MemberReflector

	// Hasher computes content hashes of source and class files.
	// Defaults to [checksum.FileHasher].
	Hasher cache.Hasher

	// Writer overrides pool settings beyond what Config exposes.
	Writer writebehind.Options

	Logger *zap.Logger

	// Now overrides the cache clock.
	Now func() time.Time
}

// Session is one open project. Create with [Open].
type Session struct {
	id     uuid.UUID
	root   string
	name   string
	cfg    config.Config
	log    *zap.Logger
	hasher cache.Hasher

	parser    SourceParser
	reflector MemberReflector

	store *entitystore.Store
	pool  *writebehind.Pool

	checksums *projectmap.Map
	sourceMap *projectmap.Map
	callers   *projectmap.SetMap
	now       func() time.Time

	sources      *cache.Cache[*analysis.Source]
	sourceLoader *cache.GatedLoader[*analysis.Source]
	members      *cache.Cache[[]analysis.Member]
	memberLoader *cache.GatedLoader[[]analysis.Member]

	watcher *watch.Watcher

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Open opens the project store and builds the caches. If the cache root
// cannot be created, or another process holds the store, the session runs
// in memory only.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.ProjectRoot == "" {
		return nil, errors.New("session: project root is required")
	}

	if opts.Parser == nil || opts.Reflector == nil {
		return nil, errors.New("session: parser and reflector are required")
	}

	log := logging.OrNop(opts.Logger)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}

	root := Canonical(opts.ProjectRoot)
	cfg := opts.Config

	s := &Session{
		id:        id,
		root:      root,
		name:      opts.ProjectName,
		cfg:       cfg,
		log:       log.With(zap.String("session", id.String()), zap.String("project", root)),
		hasher:    opts.Hasher,
		parser:    opts.Parser,
		reflector: opts.Reflector,
		now:       opts.Now,
	}

	if s.now == nil {
		s.now = time.Now
	}

	if s.hasher == nil {
		s.hasher = checksum.FileHasher{}
	}

	err = s.openStore(ctx, opts)
	if err != nil {
		return nil, err
	}

	s.openMaps(ctx)
	s.buildCaches(opts.Now)

	if cfg.Watch {
		w, err := watch.New(root, cfg.WatchPatterns, s.onFileEvent, s.log)
		if err != nil {
			s.log.Warn("file watching disabled", zap.Error(err))
		} else {
			s.watcher = w
		}
	}

	s.log.Info("session opened",
		zap.Bool("persistent", s.store != nil),
		zap.Int("checksums", s.checksums.Len()),
		zap.Int("source_map", s.sourceMap.Len()),
		zap.Int("callers", s.callers.Len()))

	return s, nil
}

func (s *Session) openStore(ctx context.Context, opts Options) error {
	cfg := s.cfg

	storeRoot := cfg.StoreRoot()
	if storeRoot == "" {
		s.log.Warn("no cache root configured, running in memory")

		return nil
	}

	store, err := entitystore.Open(ctx, entitystore.Options{
		CacheRoot: storeRoot,
		Identity:  s.identity(),
		Purge:     cfg.ClearCacheOnStart,
		Logger:    s.log.Named("store"),
	})

	switch {
	case errors.Is(err, entitystore.ErrCacheRoot):
		s.log.Error("cache root unusable, running in memory", zap.String("cache_root", storeRoot), zap.Error(err))

		return nil
	case errors.Is(err, entitystore.ErrLocked):
		s.log.Warn("store held by another process, running in memory", zap.Error(err))

		return nil
	case err != nil:
		return fmt.Errorf("open store: %w", err)
	}

	w := opts.Writer
	if cfg.Writer.MergeSize > 0 {
		w.MergeSize = cfg.Writer.MergeSize
	}

	if cfg.Writer.BurstLimit > 0 {
		w.BurstLimit = cfg.Writer.BurstLimit
	}

	if cfg.Writer.MaxWorkers > 0 {
		w.MaxWorkers = cfg.Writer.MaxWorkers
	}

	if w.Logger == nil {
		w.Logger = s.log.Named("writer")
	}

	pool, err := writebehind.New(store, w)
	if err != nil {
		return errors.Join(fmt.Errorf("start writer: %w", err), store.Close())
	}

	s.store = store
	s.pool = pool

	return nil
}

func (s *Session) openMaps(ctx context.Context) {
	s.checksums = s.loadMap(ctx, projectmap.BlobChecksum)
	s.sourceMap = s.loadMap(ctx, projectmap.BlobSourceMap)
	s.callers = s.loadCallers(ctx)

	pruned := s.checksums.Prune(func(key, _ string) bool {
		return !isPath(key) || checksum.Exists(key)
	})
	if pruned > 0 {
		s.log.Debug("pruned checksums of missing files", zap.Int("count", pruned))
	}

	persist := func(m *projectmap.Map) { s.enqueueStore(m) }
	s.checksums.OnChange(persist)
	s.sourceMap.OnChange(persist)
	s.callers.OnChange(func(m *projectmap.SetMap) { s.enqueueStore(m) })

	// Pruning ran before the hook was set.
	if pruned > 0 {
		s.enqueueStore(s.checksums)
	}
}

func (s *Session) loadMap(ctx context.Context, blob string) *projectmap.Map {
	if s.store == nil {
		return projectmap.New(s.root, blob, nil)
	}

	m, err := projectmap.Load(ctx, s.store, s.root, blob)
	if err != nil {
		s.log.Warn("discarding unreadable project map", zap.String("blob", blob), zap.Error(err))
		s.enqueue("delete-blob", func(p *writebehind.Pool) error {
			return p.AsyncDeleteBlob(projectmap.EntityType, s.root, blob)
		})
	}

	return m
}

func (s *Session) loadCallers(ctx context.Context) *projectmap.SetMap {
	if s.store == nil {
		return projectmap.NewSetMap(s.root, projectmap.BlobCallers, nil)
	}

	m, err := projectmap.LoadSetMap(ctx, s.store, s.root, projectmap.BlobCallers)
	if err != nil {
		s.log.Warn("discarding unreadable project map", zap.String("blob", projectmap.BlobCallers), zap.Error(err))
		s.enqueue("delete-blob", func(p *writebehind.Pool) error {
			return p.AsyncDeleteBlob(projectmap.EntityType, s.root, projectmap.BlobCallers)
		})
	}

	return m
}

func (s *Session) buildCaches(now func() time.Time) {
	persistent := s.store != nil

	s.sourceLoader = &cache.GatedLoader[*analysis.Source]{
		Enabled:   persistent && s.cfg.SourceCache,
		Hasher:    s.hasher,
		Checksums: s.checksums,
		Restorer:  sourceRestorer{s},
		Computer:  cache.ComputeFunc[*analysis.Source](s.parseSource),
		Logger:    s.log.Named("source-loader"),
	}

	s.sources = cache.New(cache.Options[*analysis.Source]{
		MaxSize:           s.cfg.SourceCacheSize,
		ExpireAfterAccess: s.cfg.SourceCacheTTL,
		Loader:            s.sourceLoader,
		Listener:          cache.EvictionFunc[*analysis.Source](s.sourceEvicted),
		Now:               now,
	})

	s.memberLoader = &cache.GatedLoader[[]analysis.Member]{
		Enabled:   persistent,
		Hasher:    memberHasher{s},
		Checksums: s.checksums,
		Restorer:  memberRestorer{s},
		Computer:  cache.ComputeFunc[[]analysis.Member](s.reflectMembers),
		Logger:    s.log.Named("member-loader"),
	}

	s.members = cache.New(cache.Options[[]analysis.Member]{
		MaxSize:           s.cfg.MemberCacheSize,
		ExpireAfterAccess: s.cfg.MemberCacheTTL,
		Loader:            s.memberLoader,
		Listener:          cache.EvictionFunc[[]analysis.Member](s.membersEvicted),
		Now:               now,
	})
}

// Identity returns the store identity of the project at root (canonical)
// under cfg. Tools that open the store directly use it to find the same
// directory as the session.
func Identity(root, name string, cfg config.Config) entitystore.Identity {
	return entitystore.Identity{
		Root:        root,
		Name:        name,
		ToolVersion: version.Tool(),
		JavaVersion: cfg.JavaVersion,
		JavaHome:    cfg.JavaHome,
		SettingDir:  cfg.SettingDir,
	}
}

func (s *Session) identity() entitystore.Identity {
	return Identity(s.root, s.name, s.cfg)
}

// ID returns the session id used in log lines.
func (s *Session) ID() uuid.UUID { return s.id }

// Root returns the canonical project root.
func (s *Session) Root() string { return s.root }

// Store returns the project store, or nil when running in memory.
func (s *Session) Store() *entitystore.Store { return s.store }

// Persistent reports whether the session has a store.
func (s *Session) Persistent() bool { return s.store != nil }

// WriterStats returns write-behind counters. Zero when running in memory.
func (s *Session) WriterStats() writebehind.Stats {
	if s.pool == nil {
		return writebehind.Stats{}
	}

	return s.pool.Stats()
}

// Wait blocks until all queued writes have been applied.
func (s *Session) Wait(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}

	return s.pool.Wait(ctx)
}

// Flush synchronously stores every resident cache value and the project
// maps in one transaction.
func (s *Session) Flush(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	var objs []entitystore.Storable

	if s.cfg.SourceCache {
		for _, e := range s.sources.Entries() {
			if e.Value != nil && !e.Value.IsEmpty() {
				objs = append(objs, analysis.SourceRecord{Source: e.Value})
			}
		}
	}

	for _, e := range s.members.Entries() {
		objs = append(objs, analysis.MemberRecord{FQCN: e.Key, Members: e.Value})
	}

	objs = append(objs, s.checksums, s.sourceMap, s.callers)

	n, err := s.store.StoreAll(ctx, objs, true)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	s.log.Debug("flushed caches", zap.Int("objects", n))

	return nil
}

// Shutdown stops the watcher, drains pending writes, flushes resident
// values, clears the caches and closes the store. It is idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})

	return s.shutdownErr
}

func (s *Session) shutdown(ctx context.Context) error {
	s.closed.Store(true)

	var errs []error

	if s.watcher != nil {
		err := s.watcher.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
	}

	// Expired entries are written back by the listener; Flush skips them.
	s.sources.Cleanup()
	s.members.Cleanup()

	// Older async writes must land before the flush overwrites them.
	err := s.Wait(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	err = s.Flush(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	s.sources.Drain()
	s.members.Drain()

	if s.pool != nil {
		err = s.pool.Shutdown()
		if err != nil {
			errs = append(errs, fmt.Errorf("stop writer: %w", err))
		}
	}

	s.log.Info("session closed", zap.Int64("writes", s.WriterStats().Processed))

	return errors.Join(errs...)
}

func (s *Session) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}

	return nil
}

// enqueue submits an async write. Rejections after shutdown are expected
// and only logged at debug level.
func (s *Session) enqueue(op string, fn func(p *writebehind.Pool) error) {
	if s.pool == nil {
		return
	}

	err := fn(s.pool)
	if err == nil {
		return
	}

	if errors.Is(err, writebehind.ErrShutdown) {
		s.log.Debug("write dropped after shutdown", zap.String("op", op))

		return
	}

	s.log.Warn("queueing write failed", zap.String("op", op), zap.Error(err))
}

func (s *Session) enqueueStore(obj entitystore.Storable) {
	s.enqueue("store", func(p *writebehind.Pool) error { return p.AsyncStore(obj, true) })
}

func (s *Session) onFileEvent(path string, removed bool) {
	key := Canonical(path)

	s.sources.Invalidate(key)

	if removed {
		s.checksums.Delete(key)
	}

	s.log.Debug("source changed", zap.String("path", key), zap.Bool("removed", removed))
}
