package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mopemope/meghanada-server-sub002/internal/analysis"
	"github.com/mopemope/meghanada-server-sub002/internal/cache"
	"github.com/mopemope/meghanada-server-sub002/internal/checksum"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
	"github.com/mopemope/meghanada-server-sub002/pkg/writebehind"
)

// Source returns the parse result for the file at path. A missing file
// yields an empty source.
func (s *Session) Source(ctx context.Context, path string) (*analysis.Source, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	src, err := s.sources.Get(ctx, Canonical(path))
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", path, err)
	}

	return src, nil
}

// ReplaceSource installs src as the current parse result of its file, for
// callers that parsed it themselves. The previous value is written back and
// the checksum is refreshed.
func (s *Session) ReplaceSource(src *analysis.Source) error {
	err := s.checkOpen()
	if err != nil {
		return err
	}

	if src == nil || src.Path == "" {
		return errors.New("replace source: path is empty")
	}

	key := Canonical(src.Path)
	src.Path = key

	s.sources.Put(key, src)
	s.recordClasses(src)

	if !s.sourceLoader.Enabled {
		return nil
	}

	sum, err := s.hasher.ContentHash(key)
	if err != nil {
		s.checksums.Delete(key)

		return nil
	}

	s.checksums.Set(key, sum)

	if !src.IsEmpty() {
		s.enqueueStore(analysis.SourceRecord{Source: src})
	}

	return nil
}

// InvalidateSource drops the cached and persisted parse result for path.
func (s *Session) InvalidateSource(path string) bool {
	return s.sources.Invalidate(Canonical(path))
}

// SourceStats returns Source cache counters.
func (s *Session) SourceStats() cache.Stats { return s.sources.Stats() }

// SourceFor returns the source file declaring fqcn.
func (s *Session) SourceFor(fqcn string) (string, bool) {
	return s.sourceMap.Get(fqcn)
}

// SourceMap returns a copy of the class to source file map.
func (s *Session) SourceMap() map[string]string {
	return s.sourceMap.Snapshot()
}

// ReplaceSourceMap swaps the whole class to source file map.
func (s *Session) ReplaceSourceMap(entries map[string]string) {
	s.sourceMap.Replace(entries)
}

// SaveSourceMap stores the source map synchronously.
func (s *Session) SaveSourceMap(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	_, err := s.store.Store(ctx, s.sourceMap, true)
	if err != nil {
		return fmt.Errorf("save source map: %w", err)
	}

	return nil
}

// PruneMissingSources deletes persisted sources, checksums and source map
// entries whose files no longer exist. It returns the number of source
// entities removed.
func (s *Session) PruneMissingSources(ctx context.Context) (int, error) {
	err := s.checkOpen()
	if err != nil {
		return 0, err
	}

	s.checksums.Prune(func(key, _ string) bool {
		return !isPath(key) || checksum.Exists(key)
	})
	s.sourceMap.Prune(func(_, path string) bool {
		return checksum.Exists(path)
	})

	if s.store == nil {
		return 0, nil
	}

	var missing []string

	err = entitystore.ForEach(ctx, s.store, analysis.EntityTypeSource, func(e *entitystore.Entity) error {
		if !checksum.Exists(e.StoreID()) {
			missing = append(missing, e.StoreID())
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan sources: %w", err)
	}

	removed := 0

	for _, path := range missing {
		s.sources.Invalidate(path)

		ok, err := s.store.Delete(ctx, analysis.EntityTypeSource, path)
		if err != nil {
			return removed, fmt.Errorf("delete source %s: %w", path, err)
		}

		if ok {
			removed++
		}
	}

	if removed > 0 {
		s.log.Info("pruned missing sources", zap.Int("count", removed))
	}

	return removed, nil
}

func (s *Session) parseSource(ctx context.Context, path string) (*analysis.Source, error) {
	if !checksum.Exists(path) {
		return analysis.EmptySource(path), nil
	}

	src, err := s.parser.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}

	if src == nil {
		return analysis.EmptySource(path), nil
	}

	src.Path = path
	s.recordClasses(src)

	return src, nil
}

func (s *Session) recordClasses(src *analysis.Source) {
	for _, fqcn := range src.ClassNames() {
		s.sourceMap.Set(fqcn, src.Path)
	}
}

func (s *Session) sourceEvicted(ev cache.Eviction[*analysis.Source]) {
	if !s.sourceLoader.Enabled {
		return
	}

	if ev.Cause == cache.CauseExplicit {
		s.enqueue("delete-source", func(p *writebehind.Pool) error {
			return p.AsyncDelete(analysis.EntityTypeSource, ev.Key)
		})

		return
	}

	if ev.Value == nil || ev.Value.IsEmpty() {
		return
	}

	s.enqueueStore(analysis.SourceRecord{Source: ev.Value})
}

type sourceRestorer struct{ s *Session }

func (r sourceRestorer) Restore(ctx context.Context, key string) (*analysis.Source, error) {
	data, err := r.s.store.Load(ctx, analysis.EntityTypeSource, key, entitystore.SerializeKey)
	if err != nil {
		return nil, restoreError(err)
	}

	src, err := analysis.DecodeSource(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cache.ErrCorrupt, err)
	}

	src.Path = key

	return src, nil
}

func (r sourceRestorer) Discard(key string) {
	r.s.enqueue("delete-source", func(p *writebehind.Pool) error {
		return p.AsyncDelete(analysis.EntityTypeSource, key)
	})
}

// restoreError maps store errors onto the loader's miss and corrupt cases.
func restoreError(err error) error {
	switch {
	case errors.Is(err, entitystore.ErrNotFound):
		return cache.ErrMiss
	case errors.Is(err, entitystore.ErrCorruptBlob):
		return fmt.Errorf("%w: %w", cache.ErrCorrupt, err)
	default:
		return err
	}
}
