package session

import (
	"context"
	"fmt"
	"time"

	"github.com/mopemope/meghanada-server-sub002/internal/analysis"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

// MarkIndexed records that path has just been indexed. Without a store it
// does nothing.
func (s *Session) MarkIndexed(ctx context.Context, path string) error {
	err := s.checkOpen()
	if err != nil {
		return err
	}

	if s.store == nil {
		return nil
	}

	_, err = s.store.Store(ctx, analysis.IndexedFile{Path: path, LastUpdate: s.now()}, true)
	if err != nil {
		return fmt.Errorf("mark indexed %s: %w", path, err)
	}

	return nil
}

// IsIndexed reports whether path was marked indexed within the configured
// IndexTTL. Without a store nothing is indexed.
func (s *Session) IsIndexed(ctx context.Context, path string) (bool, error) {
	err := s.checkOpen()
	if err != nil {
		return false, err
	}

	if s.store == nil {
		return false, nil
	}

	last, found, err := entitystore.FindOne(ctx, s.store, analysis.EntityTypeIndexedFile, entitystore.IDProperty, path,
		func(e *entitystore.Entity) (int64, error) {
			v, ok, err := e.Property(analysis.PropLastUpdate)
			if err != nil || !ok {
				return 0, err
			}

			secs, _ := v.(int64)

			return secs, nil
		})
	if err != nil {
		return false, fmt.Errorf("indexed %s: %w", path, err)
	}

	if !found || last == 0 {
		return false, nil
	}

	return s.now().Sub(time.Unix(last, 0)) <= s.cfg.IndexTTL, nil
}

// MarkJarLoaded records that the classes of the jar at path are indexed.
// An existing marker is kept.
func (s *Session) MarkJarLoaded(ctx context.Context, path string) error {
	err := s.checkOpen()
	if err != nil {
		return err
	}

	if s.store == nil {
		return nil
	}

	_, err = s.store.Store(ctx, analysis.JarFile{Path: path}, false)
	if err != nil {
		return fmt.Errorf("mark jar %s: %w", path, err)
	}

	return nil
}

// JarLoaded reports whether [Session.MarkJarLoaded] was called for path.
func (s *Session) JarLoaded(ctx context.Context, path string) (bool, error) {
	err := s.checkOpen()
	if err != nil {
		return false, err
	}

	if s.store == nil {
		return false, nil
	}

	_, found, err := entitystore.FindOne(ctx, s.store, analysis.EntityTypeJarFile, analysis.PropFilePath, path,
		func(e *entitystore.Entity) (string, error) { return e.StoreID(), nil })
	if err != nil {
		return false, fmt.Errorf("jar loaded %s: %w", path, err)
	}

	return found, nil
}
