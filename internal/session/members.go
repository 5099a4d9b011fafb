package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mopemope/meghanada-server-sub002/internal/analysis"
	"github.com/mopemope/meghanada-server-sub002/internal/cache"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
	"github.com/mopemope/meghanada-server-sub002/pkg/writebehind"
)

// Members returns the reflected members of class fqcn.
func (s *Session) Members(ctx context.Context, fqcn string) ([]analysis.Member, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	members, err := s.members.Get(ctx, fqcn)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", fqcn, err)
	}

	return members, nil
}

// LoadMembers reflects fqcn again, bypassing cached and persisted values,
// and replaces the cache entry with the result.
func (s *Session) LoadMembers(ctx context.Context, fqcn string) ([]analysis.Member, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	members, err := s.reflectMembers(ctx, fqcn)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", fqcn, err)
	}

	s.members.Put(fqcn, members)

	if s.memberLoader.Enabled {
		sum, err := memberHasher{s}.ContentHash(fqcn)
		if err == nil {
			s.checksums.Set(fqcn, sum)
		}
	}

	return members, nil
}

// InvalidateMembers drops the cached members of fqcn and their persisted
// blob. The member entity itself is kept.
func (s *Session) InvalidateMembers(fqcn string) bool {
	return s.members.Invalidate(fqcn)
}

// MemberStats returns Member cache counters.
func (s *Session) MemberStats() cache.Stats { return s.members.Stats() }

// LoaderStats returns how Source and Member loads were served.
func (s *Session) LoaderStats() (sources, members cache.LoaderStats) {
	return s.sourceLoader.Stats(), s.memberLoader.Stats()
}

func (s *Session) reflectMembers(ctx context.Context, fqcn string) ([]analysis.Member, error) {
	return s.reflector.Reflect(ctx, fqcn)
}

func (s *Session) membersEvicted(ev cache.Eviction[[]analysis.Member]) {
	if ev.Cause == cache.CauseExplicit {
		s.enqueue("delete-members", func(p *writebehind.Pool) error {
			return p.AsyncDeleteBlob(analysis.EntityTypeMember, ev.Key, entitystore.SerializeKey)
		})

		return
	}

	s.enqueueStore(analysis.MemberRecord{FQCN: ev.Key, Members: ev.Value})
}

// memberHasher hashes the class file a class is reflected from.
type memberHasher struct{ s *Session }

func (h memberHasher) ContentHash(fqcn string) (string, error) {
	path, err := h.s.reflector.ClassFile(fqcn)
	if err != nil {
		return "", err
	}

	return h.s.hasher.ContentHash(path)
}

type memberRestorer struct{ s *Session }

func (r memberRestorer) Restore(ctx context.Context, fqcn string) ([]analysis.Member, error) {
	data, err := r.s.store.Load(ctx, analysis.EntityTypeMember, fqcn, entitystore.SerializeKey)
	if err != nil {
		return nil, restoreError(err)
	}

	members, err := analysis.DecodeMembers(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cache.ErrCorrupt, err)
	}

	return members, nil
}

func (r memberRestorer) Discard(fqcn string) {
	r.s.enqueue("delete-members", func(p *writebehind.Pool) error {
		return p.AsyncDeleteBlob(analysis.EntityTypeMember, fqcn, entitystore.SerializeKey)
	})
}

// isPath reports whether a checksum key is a file path rather than a FQCN.
func isPath(key string) bool {
	return filepath.IsAbs(key)
}
