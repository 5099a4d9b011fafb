package analysis

import (
	"time"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

// Marker entities carry no blob; their presence (and timestamp) is the
// whole record.
const (
	EntityTypeIndexedFile = "IndexedFile"
	EntityTypeJarFile     = "ClassIndexFile"

	PropPath       = "path"
	PropLastUpdate = "lastUpdate"
)

// IndexedFile records when a class file or jar was last indexed. The store
// id is the path.
type IndexedFile struct {
	Path       string
	LastUpdate time.Time
}

func (f IndexedFile) EntityType() string { return EntityTypeIndexedFile }
func (f IndexedFile) StoreID() string    { return f.Path }

// Export stores lastUpdate as unix seconds.
func (f IndexedFile) Export(e *entitystore.Entity) error {
	err := e.SetProperty(PropPath, f.Path)
	if err != nil {
		return err
	}

	return e.SetProperty(PropLastUpdate, f.LastUpdate.Unix())
}

func (f IndexedFile) Marshal() ([]byte, error) { return nil, nil }

// JarFile marks a jar whose classes have been loaded into the index.
type JarFile struct {
	Path string
}

func (j JarFile) EntityType() string { return EntityTypeJarFile }
func (j JarFile) StoreID() string    { return j.Path }

func (j JarFile) Export(e *entitystore.Entity) error {
	return e.SetProperty(PropFilePath, j.Path)
}

func (j JarFile) Marshal() ([]byte, error) { return nil, nil }
