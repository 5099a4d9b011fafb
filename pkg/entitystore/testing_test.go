package entitystore_test

import (
	"errors"
	"testing"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

const docType = "Doc"

// testDoc is a minimal Storable used across the store tests.
type testDoc struct {
	id          string
	kind        string
	size        int64
	body        []byte
	failMarshal bool
	failExport  bool
}

func (d *testDoc) EntityType() string { return docType }
func (d *testDoc) StoreID() string    { return d.id }

func (d *testDoc) Export(e *entitystore.Entity) error {
	if d.failExport {
		return errors.New("export failed")
	}

	err := e.SetProperty("kind", d.kind)
	if err != nil {
		return err
	}

	return e.SetProperty("size", d.size)
}

func (d *testDoc) Marshal() ([]byte, error) {
	if d.failMarshal {
		return nil, errors.New("marshal failed")
	}

	return d.body, nil
}

func testIdentity(root string) entitystore.Identity {
	return entitystore.Identity{
		Root:        root,
		Name:        "demo",
		ToolVersion: "1.0.0",
		JavaVersion: "21",
	}
}

func openTestStore(t *testing.T, cacheRoot string) *entitystore.Store {
	t.Helper()

	s, err := entitystore.Open(t.Context(), entitystore.Options{
		CacheRoot: cacheRoot,
		Identity:  testIdentity("/work/demo"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = s.ForceClose() })

	return s
}

func entityStoreID(e *entitystore.Entity) (string, error) {
	return e.StoreID(), nil
}
