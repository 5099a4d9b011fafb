package writebehind

import (
	"github.com/google/uuid"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

type requestKind int

const (
	kindStore requestKind = iota + 1
	kindDelete
	kindDeleteBlob
	kindShutdown
)

func (k requestKind) String() string {
	switch k {
	case kindStore:
		return "store"
	case kindDelete:
		return "delete"
	case kindDeleteBlob:
		return "delete-blob"
	case kindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// request is one unit of queued work. It is consumed exactly once.
type request struct {
	id          uuid.UUID
	kind        requestKind
	objects     []entitystore.Storable
	single      bool
	allowUpdate bool

	entityType string
	storeID    string
	blob       string
}

func newRequest(kind requestKind) *request {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return &request{id: id, kind: kind}
}

// mergeable requests carry one object that may overwrite what is stored.
// Their relative order may change when batched.
func (r *request) mergeable() bool {
	return r.kind == kindStore && r.single && r.allowUpdate
}

type entityKey struct {
	entityType string
	storeID    string
	blob       string
}

// batch collects mergeable requests. Objects are deduplicated by entity and
// blob; the last request wins but keeps the first one's position.
type batch struct {
	requests int
	index    map[entityKey]int
	objects  []entitystore.Storable
}

func newBatch(first *request) *batch {
	b := &batch{index: make(map[entityKey]int)}
	b.add(first)

	return b
}

func (b *batch) add(r *request) {
	b.requests++

	for _, obj := range r.objects {
		key := entityKey{obj.EntityType(), obj.StoreID(), entitystore.BlobName(obj)}
		if i, ok := b.index[key]; ok {
			b.objects[i] = obj

			continue
		}

		b.index[key] = len(b.objects)
		b.objects = append(b.objects, obj)
	}
}

// supersede removes the objects that r, applied after the batch was
// collected, would overwrite or delete.
func (b *batch) supersede(r *request) {
	var drop func(entityKey) bool

	switch r.kind {
	case kindDelete:
		drop = func(k entityKey) bool { return k.entityType == r.entityType && k.storeID == r.storeID }
	case kindDeleteBlob:
		drop = func(k entityKey) bool {
			return k.entityType == r.entityType && k.storeID == r.storeID && k.blob == r.blob
		}
	case kindStore:
		if !r.allowUpdate {
			return
		}

		keys := make(map[entityKey]struct{}, len(r.objects))
		for _, obj := range r.objects {
			keys[entityKey{obj.EntityType(), obj.StoreID(), entitystore.BlobName(obj)}] = struct{}{}
		}

		drop = func(k entityKey) bool {
			_, ok := keys[k]

			return ok
		}
	default:
		return
	}

	kept := b.objects[:0]
	index := make(map[entityKey]int, len(b.index))

	for _, obj := range b.objects {
		key := entityKey{obj.EntityType(), obj.StoreID(), entitystore.BlobName(obj)}
		if drop(key) {
			continue
		}

		index[key] = len(kept)
		kept = append(kept, obj)
	}

	clear(b.objects[len(kept):])
	b.objects = kept
	b.index = index
}
