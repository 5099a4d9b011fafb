// Package projectmap holds per-project string maps persisted as blobs on
// the project entity: the checksum map and the class-to-source map.
package projectmap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mopemope/meghanada-server-sub002/internal/wire"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

const (
	// EntityType is the entity both maps are attached to; its store id is
	// the project root.
	EntityType = "Project"

	// PropRoot records the project root on the entity.
	PropRoot = "root"

	// BlobChecksum holds key -> content hash.
	BlobChecksum = "checksum"

	// BlobSourceMap holds FQCN -> source path.
	BlobSourceMap = "sourcemap"
)

const (
	mapMagic   = "MGPM"
	mapVersion = 1
)

// Map is a concurrent string map persisted as one blob. Mutations that
// change the content invoke the OnChange hook outside the lock.
type Map struct {
	root string
	blob string

	mu       sync.RWMutex
	entries  map[string]string
	onChange func(*Map)
}

// New creates a map for project root stored in blob. entries is copied.
func New(root, blob string, entries map[string]string) *Map {
	m := &Map{root: root, blob: blob, entries: make(map[string]string, len(entries))}
	for k, v := range entries {
		m.entries[k] = v
	}

	return m
}

// OnChange registers fn to run after each content change.
func (m *Map) OnChange(fn func(*Map)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Get returns the value for key.
func (m *Map) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.entries[key]

	return v, ok
}

// Set stores value under key.
func (m *Map) Set(key, value string) {
	m.mu.Lock()

	prev, ok := m.entries[key]
	if ok && prev == value {
		m.mu.Unlock()

		return
	}

	m.entries[key] = value
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(m)
	}
}

// Delete removes key.
func (m *Map) Delete(key string) {
	m.mu.Lock()

	_, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()

		return
	}

	delete(m.entries, key)
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(m)
	}
}

// Prune removes entries for which keep returns false and returns how many
// were removed. The hook runs at most once.
func (m *Map) Prune(keep func(key, value string) bool) int {
	m.mu.Lock()

	removed := 0

	for k, v := range m.entries {
		if !keep(k, v) {
			delete(m.entries, k)
			removed++
		}
	}

	fn := m.onChange
	m.mu.Unlock()

	if removed > 0 && fn != nil {
		fn(m)
	}

	return removed
}

// Replace swaps in a copy of entries. The hook runs once.
func (m *Map) Replace(entries map[string]string) {
	fresh := make(map[string]string, len(entries))
	for k, v := range entries {
		fresh[k] = v
	}

	m.mu.Lock()
	m.entries = fresh
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(m)
	}
}

// Len returns the number of entries.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Keys returns the keys in sorted order.
func (m *Map) Keys() []string {
	m.mu.RLock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}

	m.mu.RUnlock()
	slices.Sort(keys)

	return keys
}

// Snapshot returns a copy of the entries.
func (m *Map) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}

	return out
}

func (m *Map) EntityType() string { return EntityType }
func (m *Map) StoreID() string    { return m.root }
func (m *Map) BlobName() string   { return m.blob }

func (m *Map) Export(e *entitystore.Entity) error {
	return e.SetProperty(PropRoot, m.root)
}

// Marshal encodes a consistent snapshot of the entries.
func (m *Map) Marshal() ([]byte, error) {
	enc := wire.NewEncoder(mapMagic, mapVersion)

	m.mu.RLock()
	enc.StringMap(m.entries)
	m.mu.RUnlock()

	return enc.Bytes(), nil
}

// Decode parses a map blob.
func Decode(data []byte) (map[string]string, error) {
	d, err := wire.NewDecoder(data, mapMagic, mapVersion)
	if err != nil {
		return nil, err
	}

	entries := d.StringMap()

	err = d.Finish()
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Load reads the map for root from blob. A missing blob yields an empty
// map. An unreadable blob also yields an empty map, together with an error
// the caller may log.
func Load(ctx context.Context, s *entitystore.Store, root, blob string) (*Map, error) {
	data, err := s.Load(ctx, EntityType, root, blob)
	if errors.Is(err, entitystore.ErrNotFound) {
		return New(root, blob, nil), nil
	}

	if err != nil {
		return New(root, blob, nil), fmt.Errorf("load %s map: %w", blob, err)
	}

	entries, err := Decode(data)
	if err != nil {
		return New(root, blob, nil), fmt.Errorf("decode %s map: %w", blob, err)
	}

	return New(root, blob, entries), nil
}
