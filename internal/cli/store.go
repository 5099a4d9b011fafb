package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/mopemope/meghanada-server-sub002/internal/session"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

var errNoStore = errors.New("no cache store for project")

// location returns where the project's store lives.
func (p *project) location() entitystore.Location {
	return entitystore.Locate(p.cfg.StoreRoot(), session.Identity(p.root, "", p.cfg))
}

// hasStore reports whether the store was ever created.
func (p *project) hasStore() bool {
	_, err := os.Stat(p.location().ProjectDir)

	return !errors.Is(err, fs.ErrNotExist)
}

// openStore opens the existing project store. It never creates one.
func (p *project) openStore(ctx context.Context) (*entitystore.Store, error) {
	if !p.hasStore() {
		return nil, fmt.Errorf("%w (%s)", errNoStore, p.location().Dir)
	}

	s, err := entitystore.Open(ctx, entitystore.Options{
		CacheRoot: p.cfg.StoreRoot(),
		Identity:  session.Identity(p.root, "", p.cfg),
		Logger:    p.log.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return s, nil
}

// withStore runs fn against the opened store and closes it afterwards.
func (p *project) withStore(ctx context.Context, fn func(s *entitystore.Store) error) (err error) {
	s, err := p.openStore(ctx)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := s.Close()
		if closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", closeErr))
		}
	}()

	return fn(s)
}
