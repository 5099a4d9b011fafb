package entitystore

import (
	"context"
	"errors"
	"fmt"
)

// ErrStop may be returned by a [ForEach] callback to end iteration early
// without error.
var ErrStop = errors.New("stop iteration")

// Compute runs fn in a write transaction and returns its result. The
// transaction commits when fn returns nil.
func Compute[R any](ctx context.Context, s *Store, fn func(tx *Tx) (R, error)) (R, error) {
	var out R

	err := s.Update(ctx, func(tx *Tx) error {
		r, err := fn(tx)
		if err != nil {
			return err
		}

		out = r

		return nil
	})
	if err != nil {
		var zero R

		return zero, err
	}

	return out, nil
}

// ComputeReadonly runs fn in a read-only transaction and returns its result.
func ComputeReadonly[R any](ctx context.Context, s *Store, fn func(tx *Tx) (R, error)) (R, error) {
	var out R

	err := s.View(ctx, func(tx *Tx) error {
		r, err := fn(tx)
		if err != nil {
			return err
		}

		out = r

		return nil
	})
	if err != nil {
		var zero R

		return zero, err
	}

	return out, nil
}

// Find returns mapper applied to every entity of entityType whose property
// prop equals value.
func Find[U any](ctx context.Context, s *Store, entityType, prop string, value any, mapper func(e *Entity) (U, error)) ([]U, error) {
	return ComputeReadonly(ctx, s, func(tx *Tx) ([]U, error) {
		found, err := tx.Find(entityType, prop, value)
		if err != nil {
			return nil, err
		}

		return mapEntities(found, mapper)
	})
}

// FindOne is [Find] limited to the first match. Reports false if nothing
// matched.
func FindOne[U any](ctx context.Context, s *Store, entityType, prop string, value any, mapper func(e *Entity) (U, error)) (U, bool, error) {
	type result struct {
		value U
		ok    bool
	}

	r, err := ComputeReadonly(ctx, s, func(tx *Tx) (result, error) {
		e, ok, err := tx.FindFirst(entityType, prop, value)
		if err != nil || !ok {
			return result{}, err
		}

		v, err := mapper(e)
		if err != nil {
			return result{}, err
		}

		return result{value: v, ok: true}, nil
	})

	return r.value, r.ok, err
}

// FindRange returns mapper applied to entities whose property prop lies in
// [minValue, maxValue].
func FindRange[U any](ctx context.Context, s *Store, entityType, prop string, minValue, maxValue any, mapper func(e *Entity) (U, error)) ([]U, error) {
	return ComputeReadonly(ctx, s, func(tx *Tx) ([]U, error) {
		found, err := tx.FindRange(entityType, prop, minValue, maxValue)
		if err != nil {
			return nil, err
		}

		return mapEntities(found, mapper)
	})
}

// FindStartingWith returns mapper applied to entities whose string property
// prop starts with prefix.
func FindStartingWith[U any](ctx context.Context, s *Store, entityType, prop, prefix string, mapper func(e *Entity) (U, error)) ([]U, error) {
	return ComputeReadonly(ctx, s, func(tx *Tx) ([]U, error) {
		found, err := tx.FindStartingWith(entityType, prop, prefix)
		if err != nil {
			return nil, err
		}

		return mapEntities(found, mapper)
	})
}

// ForEach calls fn for every entity of entityType in a read-only
// transaction. Returning [ErrStop] ends iteration without error.
func ForEach(ctx context.Context, s *Store, entityType string, fn func(e *Entity) error) error {
	return s.View(ctx, func(tx *Tx) error {
		all, err := tx.All(entityType)
		if err != nil {
			return err
		}

		for _, e := range all {
			err = fn(e)
			if errors.Is(err, ErrStop) {
				return nil
			}

			if err != nil {
				return err
			}
		}

		return nil
	})
}

func mapEntities[U any](found []*Entity, mapper func(e *Entity) (U, error)) ([]U, error) {
	out := make([]U, 0, len(found))

	for _, e := range found {
		v, err := mapper(e)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}

// Count returns the number of entities of entityType.
func (s *Store) Count(ctx context.Context, entityType string) (int64, error) {
	return ComputeReadonly(ctx, s, func(tx *Tx) (int64, error) {
		return tx.Count(entityType)
	})
}

// Store persists obj in its own transaction and returns its local id.
// See [Tx.Put] for the allowUpdate semantics.
func (s *Store) Store(ctx context.Context, obj Storable, allowUpdate bool) (int64, error) {
	return Compute(ctx, s, func(tx *Tx) (int64, error) {
		return tx.Put(obj, allowUpdate)
	})
}

// StoreAll persists objs in one transaction and returns how many were
// written or found.
//
// Objects whose Marshal fails are skipped and reported in the returned
// error; the rest still commit. Any other failure aborts the transaction
// and nothing is written.
func (s *Store) StoreAll(ctx context.Context, objs []Storable, allowUpdate bool) (int, error) {
	if len(objs) == 0 {
		return 0, nil
	}

	var skipped []error

	n, err := Compute(ctx, s, func(tx *Tx) (int, error) {
		skipped = skipped[:0]
		count := 0

		for _, obj := range objs {
			_, err := tx.Put(obj, allowUpdate)
			if errors.Is(err, errMarshal) {
				skipped = append(skipped, err)

				continue
			}

			if err != nil {
				return 0, err
			}

			count++
		}

		return count, nil
	})
	if err != nil {
		return 0, err
	}

	return n, errors.Join(skipped...)
}

// Load returns blob of entity (entityType, storeID).
// Returns [ErrNotFound] if the entity or blob does not exist.
func (s *Store) Load(ctx context.Context, entityType, storeID, blob string) ([]byte, error) {
	return ComputeReadonly(ctx, s, func(tx *Tx) ([]byte, error) {
		e, err := tx.Entity(entityType, storeID)
		if err != nil {
			return nil, err
		}

		return e.Blob(blob)
	})
}

// Delete removes entity (entityType, storeID). Reports whether it existed.
func (s *Store) Delete(ctx context.Context, entityType, storeID string) (bool, error) {
	return Compute(ctx, s, func(tx *Tx) (bool, error) {
		e, ok, err := tx.lookup(entityType, storeID)
		if err != nil || !ok {
			return false, err
		}

		err = e.Delete()
		if err != nil {
			return false, fmt.Errorf("delete: %w", err)
		}

		return true, nil
	})
}

// DeleteBlob detaches blob from entity (entityType, storeID), keeping the
// entity and its properties. Reports whether the blob existed.
func (s *Store) DeleteBlob(ctx context.Context, entityType, storeID, blob string) (bool, error) {
	return Compute(ctx, s, func(tx *Tx) (bool, error) {
		e, ok, err := tx.lookup(entityType, storeID)
		if err != nil || !ok {
			return false, err
		}

		return e.DeleteBlob(blob)
	})
}
