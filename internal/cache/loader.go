package cache

import (
	"context"
	"errors"
	"io/fs"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrMiss is returned by a [Restorer] when nothing is persisted for a key.
	ErrMiss = errors.New("cache: not persisted")

	// ErrCorrupt is returned by a [Restorer] when the persisted value cannot
	// be used. The loader discards it and recomputes.
	ErrCorrupt = errors.New("cache: corrupt persisted value")
)

// Hasher returns the content hash of the resource behind a key. It returns
// an error matching [fs.ErrNotExist] when the resource is absent.
type Hasher interface {
	ContentHash(key string) (string, error)
}

// Computer produces a fresh value. For an absent resource it must return a
// well-defined empty value rather than an error.
type Computer[V any] interface {
	Compute(ctx context.Context, key string) (V, error)
}

// ComputeFunc adapts a function to [Computer].
type ComputeFunc[V any] func(ctx context.Context, key string) (V, error)

// Compute calls f.
func (f ComputeFunc[V]) Compute(ctx context.Context, key string) (V, error) { return f(ctx, key) }

// Restorer reads persisted values.
type Restorer[V any] interface {
	// Restore returns the persisted value for key, [ErrMiss] or [ErrCorrupt].
	Restore(ctx context.Context, key string) (V, error)

	// Discard drops the persisted value for key. Fire-and-forget.
	Discard(key string)
}

// Checksums is the persisted key -> content hash map.
type Checksums interface {
	Get(key string) (string, bool)
	Set(key, sum string)
	Delete(key string)
}

// GatedLoader is a [Loader] that reuses a persisted value while the
// content hash recorded for its key still matches the resource.
type GatedLoader[V any] struct {
	// Enabled turns the persisted path on. When false every load computes
	// and nothing is read or recorded.
	Enabled bool

	Hasher    Hasher
	Checksums Checksums
	Restorer  Restorer[V]
	Computer  Computer[V]
	Logger    *zap.Logger

	restored atomic.Int64
	computed atomic.Int64
}

// Load implements [Loader].
func (l *GatedLoader[V]) Load(ctx context.Context, key string) (V, error) {
	if !l.Enabled || l.Hasher == nil || l.Checksums == nil || l.Restorer == nil {
		return l.compute(ctx, key)
	}

	log := l.logger()

	sum, err := l.Hasher.ContentHash(key)
	if errors.Is(err, fs.ErrNotExist) {
		// Never record a checksum for a missing resource.
		l.Checksums.Delete(key)

		return l.compute(ctx, key)
	}

	if err != nil {
		log.Debug("content hash failed", zap.String("key", key), zap.Error(err))

		return l.compute(ctx, key)
	}

	if prev, ok := l.Checksums.Get(key); ok && prev == sum {
		v, err := l.Restorer.Restore(ctx, key)

		switch {
		case err == nil:
			l.restored.Add(1)

			return v, nil
		case errors.Is(err, ErrMiss):
		case errors.Is(err, ErrCorrupt):
			log.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
			l.Restorer.Discard(key)
		default:
			log.Warn("restoring cache entry failed", zap.String("key", key), zap.Error(err))
		}
	}

	v, err := l.compute(ctx, key)
	if err != nil {
		return v, err
	}

	l.Checksums.Set(key, sum)

	return v, nil
}

func (l *GatedLoader[V]) compute(ctx context.Context, key string) (V, error) {
	l.computed.Add(1)

	return l.Computer.Compute(ctx, key)
}

func (l *GatedLoader[V]) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}

	return l.Logger
}

// LoaderStats counts how loads were served.
type LoaderStats struct {
	Restored int64
	Computed int64
}

// Stats returns current counters.
func (l *GatedLoader[V]) Stats() LoaderStats {
	return LoaderStats{Restored: l.restored.Load(), Computed: l.computed.Load()}
}
