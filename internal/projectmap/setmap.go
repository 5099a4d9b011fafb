package projectmap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/mopemope/meghanada-server-sub002/internal/wire"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

// BlobCallers holds FQCN -> FQCNs of the classes that reference it.
const BlobCallers = "caller"

const (
	setMapMagic   = "MGPS"
	setMapVersion = 1
)

// SetMap is a concurrent map from a key to a set of strings, persisted as
// one blob on the project entity. Sets are kept sorted.
type SetMap struct {
	root string
	blob string

	mu       sync.RWMutex
	entries  map[string][]string
	onChange func(*SetMap)
}

// NewSetMap creates a set map for project root stored in blob. entries is
// copied; duplicate values collapse.
func NewSetMap(root, blob string, entries map[string][]string) *SetMap {
	return &SetMap{root: root, blob: blob, entries: normalizeSets(entries)}
}

func normalizeSets(entries map[string][]string) map[string][]string {
	out := make(map[string][]string, len(entries))

	for k, vs := range entries {
		if len(vs) == 0 {
			continue
		}

		set := slices.Clone(vs)
		slices.Sort(set)
		out[k] = slices.Compact(set)
	}

	return out
}

// OnChange registers fn to run after each content change.
func (m *SetMap) OnChange(fn func(*SetMap)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Get returns a copy of the set for key.
func (m *SetMap) Get(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.entries[key])
}

// Add inserts values into the set for key.
func (m *SetMap) Add(key string, values ...string) {
	m.mu.Lock()

	set := m.entries[key]
	changed := false

	for _, v := range values {
		i, found := slices.BinarySearch(set, v)
		if found {
			continue
		}

		set = slices.Insert(set, i, v)
		changed = true
	}

	if !changed {
		m.mu.Unlock()

		return
	}

	m.entries[key] = set
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(m)
	}
}

// Delete removes the set for key.
func (m *SetMap) Delete(key string) {
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

// Replace swaps in a copy of entries. The hook runs once.
func (m *SetMap) Replace(entries map[string][]string) {
	fresh := normalizeSets(entries)

	m.mu.Lock()
	m.entries = fresh
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(m)
	}
}

// Len returns the number of keys.
func (m *SetMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Snapshot returns a deep copy of the entries.
func (m *SetMap) Snapshot() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]string, len(m.entries))
	for k, vs := range m.entries {
		out[k] = slices.Clone(vs)
	}

	return out
}

func (m *SetMap) EntityType() string { return EntityType }
func (m *SetMap) StoreID() string    { return m.root }
func (m *SetMap) BlobName() string   { return m.blob }

func (m *SetMap) Export(e *entitystore.Entity) error {
	return e.SetProperty(PropRoot, m.root)
}

// Marshal encodes a consistent snapshot with keys in sorted order.
func (m *SetMap) Marshal() ([]byte, error) {
	enc := wire.NewEncoder(setMapMagic, setMapVersion)

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(m.entries))
	enc.Uvarint(uint64(len(keys)))

	for _, k := range keys {
		enc.String(k)
		enc.Strings(m.entries[k])
	}

	return enc.Bytes(), nil
}

// DecodeSetMap parses a set map blob.
func DecodeSetMap(data []byte) (map[string][]string, error) {
	d, err := wire.NewDecoder(data, setMapMagic, setMapVersion)
	if err != nil {
		return nil, err
	}

	n := d.Len()
	entries := make(map[string][]string, n)

	for range n {
		k := d.String()
		entries[k] = d.Strings()
	}

	err = d.Finish()
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// LoadSetMap reads the set map for root from blob, with the same missing
// and unreadable handling as [Load].
func LoadSetMap(ctx context.Context, s *entitystore.Store, root, blob string) (*SetMap, error) {
	data, err := s.Load(ctx, EntityType, root, blob)
	if errors.Is(err, entitystore.ErrNotFound) {
		return NewSetMap(root, blob, nil), nil
	}

	if err != nil {
		return NewSetMap(root, blob, nil), fmt.Errorf("load %s map: %w", blob, err)
	}

	entries, err := DecodeSetMap(data)
	if err != nil {
		return NewSetMap(root, blob, nil), fmt.Errorf("decode %s map: %w", blob, err)
	}

	return NewSetMap(root, blob, entries), nil
}
