package entitystore

import (
	"errors"
	"fmt"
)

const (
	// IDProperty addresses an entity's store id in finders.
	IDProperty = "_id"

	// SerializeKey is the blob a [Storable] is marshaled into unless it
	// implements [BlobNamer].
	SerializeKey = "_serialize"
)

// Storable is an object that can be persisted as an entity.
//
// Export writes scalar properties (used for lookups) onto the entity.
// Marshal returns the full serialization stored in the object's blob; a nil
// slice with nil error leaves the blob untouched.
type Storable interface {
	EntityType() string
	StoreID() string
	Export(e *Entity) error
	Marshal() ([]byte, error)
}

// BlobNamer overrides the blob a [Storable] is marshaled into.
type BlobNamer interface {
	BlobName() string
}

// BlobName returns the blob s is stored in.
func BlobName(s Storable) string {
	if n, ok := s.(BlobNamer); ok {
		if name := n.BlobName(); name != "" {
			return name
		}
	}

	return SerializeKey
}

// Put stores s: find-or-create by (EntityType, StoreID). An existing
// entity is left untouched unless allowUpdate is set. Returns the local id.
//
// Marshal runs before anything is written; its failure leaves the
// transaction unchanged. Both Marshal and Export failures wrap
// [ErrSerialize].
func (tx *Tx) Put(s Storable, allowUpdate bool) (int64, error) {
	err := tx.checkWritable()
	if err != nil {
		return 0, err
	}

	entityType, storeID := s.EntityType(), s.StoreID()

	e, found, err := tx.lookup(entityType, storeID)
	if err != nil {
		return 0, err
	}

	if found && !allowUpdate {
		return e.id, nil
	}

	data, err := s.Marshal()
	if err != nil {
		return 0, withEntity(fmt.Errorf("%w: %w: %w", ErrSerialize, errMarshal, err), entityType, storeID)
	}

	if !found {
		e, err = tx.NewEntity(entityType, storeID)
		if err != nil {
			return 0, err
		}
	}

	err = s.Export(e)
	if err != nil {
		return 0, withEntity(fmt.Errorf("%w: export: %w", ErrSerialize, err), entityType, storeID)
	}

	if data != nil {
		err = e.SetBlob(BlobName(s), data)
		if err != nil {
			return 0, err
		}
	}

	return e.id, nil
}

// errMarshal marks [ErrSerialize] failures raised before any write, which
// [Store.StoreAll] may skip without aborting the batch.
var errMarshal = errors.New("marshal")
