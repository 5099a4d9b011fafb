package entitystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Options configures [Open].
type Options struct {
	// CacheRoot holds the store directories of all projects. Required.
	CacheRoot string

	// Identity selects the store directory inside CacheRoot. Identity.Root
	// is required.
	Identity Identity

	// Purge deletes the project data before opening.
	Purge bool

	// Logger receives store lifecycle events. Nil disables logging.
	Logger *zap.Logger

	// Now overrides the clock used for the manifest. Defaults to time.Now.
	Now func() time.Time
}

// Store is an open entity store. Create with [Open]; release with
// [Store.Close].
type Store struct {
	loc     Location
	sql     *sql.DB
	lock    *dirLock
	log     *zap.Logger
	created bool

	// mu coordinates transactions within the process:
	//   - read transactions hold mu.RLock until commit/rollback
	//   - write transactions hold mu.Lock until their blob files are applied
	mu     sync.RWMutex
	active atomic.Int64
	closed atomic.Bool
}

// Open opens (or creates) the store for opts.Identity under opts.CacheRoot.
//
// Sibling directories left by other version combinations of the same
// project are deleted. If the index cannot be opened or fails its integrity
// check, the project data is deleted and recreated once; a second failure is
// returned.
//
// Returns an error wrapping [ErrCacheRoot] if CacheRoot cannot be created,
// and [ErrLocked] if another process has the store open.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	if opts.CacheRoot == "" {
		return nil, errors.New("Options.CacheRoot is required")
	}

	if opts.Identity.Root == "" {
		return nil, errors.New("Options.Identity.Root is required")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	err := os.MkdirAll(opts.CacheRoot, 0o750)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheRoot, err)
	}

	loc := Locate(opts.CacheRoot, opts.Identity)

	stale, err := loc.staleSiblings()
	if err != nil {
		log.Warn("listing stale store directories failed", zap.Error(err))
	}

	for _, dir := range stale {
		removeStale(dir, log)
	}

	err = os.MkdirAll(loc.Dir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	lock, err := acquireDirLock(filepath.Join(loc.Dir, lockFileName))
	if err != nil {
		return nil, err
	}

	if opts.Purge {
		err = os.RemoveAll(loc.ProjectDir)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("purge store: %w", err), lock.release())
		}

		log.Info("purged store", zap.String("dir", loc.ProjectDir))
	}

	db, created, err := openProject(ctx, loc.ProjectDir)
	if err != nil {
		log.Warn("store unusable, recreating", zap.String("dir", loc.ProjectDir), zap.Error(err))

		rmErr := os.RemoveAll(loc.ProjectDir)
		if rmErr != nil {
			return nil, errors.Join(fmt.Errorf("remove corrupt store: %w", rmErr), lock.release())
		}

		db, created, err = openProject(ctx, loc.ProjectDir)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open store %s: %w", loc.ProjectDir, err), lock.release())
		}
	}

	if created {
		id := opts.Identity

		err = writeManifest(loc.Dir, Manifest{
			ToolVersion: id.ToolVersion,
			JavaVersion: id.JavaVersion,
			JavaHome:    id.JavaHome,
			SettingDir:  id.SettingDir,
			ProjectRoot: id.Root,
			ProjectName: filepath.Base(loc.Dir),
			Schema:      schemaVersion,
			CreatedAt:   now().UTC(),
		})
		if err != nil {
			log.Warn("writing manifest failed", zap.Error(err))
		}
	}

	log.Debug("store opened", zap.String("dir", loc.ProjectDir), zap.Bool("created", created))

	return &Store{
		loc:     loc,
		sql:     db,
		lock:    lock,
		log:     log,
		created: created,
	}, nil
}

// removeStale deletes a store directory left by another identity unless a
// process still holds its lock.
func removeStale(dir string, log *zap.Logger) {
	lock, err := acquireDirLock(filepath.Join(dir, lockFileName))
	if err != nil {
		if errors.Is(err, ErrLocked) {
			log.Info("keeping stale store directory in use", zap.String("dir", dir))
		} else {
			log.Warn("locking stale store directory failed", zap.String("dir", dir), zap.Error(err))
		}

		return
	}

	err = os.RemoveAll(dir)
	_ = lock.release()

	if err != nil {
		log.Warn("removing stale store directory failed", zap.String("dir", dir), zap.Error(err))

		return
	}

	log.Info("removed stale store directory", zap.String("dir", dir))
}

func openProject(ctx context.Context, dir string) (*sql.DB, bool, error) {
	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		return nil, false, fmt.Errorf("create project dir: %w", err)
	}

	return openIndex(ctx, filepath.Join(dir, indexFileName))
}

// Location returns the on-disk layout of the store.
func (s *Store) Location() Location {
	return s.loc
}

// Created reports whether Open created a fresh index.
func (s *Store) Created() bool {
	return s.created
}

// Close checkpoints the index and releases the store.
//
// Returns [ErrTxActive] without closing while any transaction is open;
// callers may retry or use [Store.ForceClose]. Close on a closed store
// returns nil.
func (s *Store) Close() error {
	if s == nil || s.closed.Load() {
		return nil
	}

	if !s.mu.TryLock() {
		return ErrTxActive
	}
	defer s.mu.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var checkpointErr error

	_, err := s.sql.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		checkpointErr = fmt.Errorf("checkpoint: %w", err)
	}

	return errors.Join(checkpointErr, s.closeResources())
}

// ForceClose closes the store even if transactions are open. Those
// transactions fail on their next operation.
func (s *Store) ForceClose() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.log.Warn("force closing store", zap.Int64("active_tx", s.active.Load()))

	return s.closeResources()
}

func (s *Store) closeResources() error {
	var sqlErr error

	err := s.sql.Close()
	if err != nil {
		sqlErr = fmt.Errorf("close sqlite: %w", err)
	}

	return errors.Join(sqlErr, s.lock.release())
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, true, fn)
}

// Update runs fn in a write transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) run(ctx context.Context, readonly bool, fn func(tx *Tx) error) error {
	tx, err := s.begin(ctx, readonly)
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		rbErr := tx.Rollback()
		if rbErr != nil {
			rbErr = fmt.Errorf("rollback: %w", rbErr)
		}

		return errors.Join(err, rbErr)
	}

	return tx.Commit()
}

func (s *Store) begin(ctx context.Context, readonly bool) (*Tx, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	if s == nil || s.closed.Load() {
		return nil, ErrClosed
	}

	if readonly {
		s.mu.RLock()
	} else {
		s.mu.Lock()
	}

	tx := &Tx{
		store:    s,
		ctx:      ctx,
		readonly: readonly,
		staged:   make(map[string]stagedBlob),
	}

	s.active.Add(1)

	if s.closed.Load() {
		tx.release()

		return nil, ErrClosed
	}

	sqlTx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		tx.release()

		return nil, fmt.Errorf("begin: %w", err)
	}

	tx.sql = sqlTx

	return tx, nil
}
