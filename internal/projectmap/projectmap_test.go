package projectmap_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mopemope/meghanada-server-sub002/internal/projectmap"
	"github.com/mopemope/meghanada-server-sub002/internal/wire"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

func openStore(t *testing.T) *entitystore.Store {
	t.Helper()

	s, err := entitystore.Open(t.Context(), entitystore.Options{
		CacheRoot: t.TempDir(),
		Identity:  entitystore.Identity{Root: "/work/demo"},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = s.ForceClose() })

	return s
}

func Test_Map_Calls_OnChange_Only_When_Content_Changes(t *testing.T) {
	t.Parallel()

	m := projectmap.New("/work/demo", projectmap.BlobChecksum, nil)

	changes := 0
	m.OnChange(func(*projectmap.Map) { changes++ })

	m.Set("A.java", "h1")
	m.Set("A.java", "h1")
	m.Set("A.java", "h2")
	m.Delete("missing")
	m.Delete("A.java")

	if changes != 3 {
		t.Fatalf("changes = %d, want 3", changes)
	}
}

func Test_Map_Prune_Removes_Rejected_Entries(t *testing.T) {
	t.Parallel()

	m := projectmap.New("/r", projectmap.BlobChecksum, map[string]string{"a": "1", "b": "2", "c": "3"})

	changes := 0
	m.OnChange(func(*projectmap.Map) { changes++ })

	removed := m.Prune(func(k, _ string) bool { return k != "b" })

	if removed != 1 || changes != 1 {
		t.Fatalf("removed = %d, changes = %d", removed, changes)
	}

	if diff := cmp.Diff([]string{"a", "c"}, m.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Roundtrips_Both_Maps_On_One_Entity(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := t.Context()

	sums := projectmap.New("/work/demo", projectmap.BlobChecksum, map[string]string{"/work/demo/A.java": "h1"})
	srcs := projectmap.New("/work/demo", projectmap.BlobSourceMap, map[string]string{"demo.A": "/work/demo/A.java"})

	_, err := s.StoreAll(ctx, []entitystore.Storable{sums, srcs}, true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	gotSums, err := projectmap.Load(ctx, s, "/work/demo", projectmap.BlobChecksum)
	if err != nil {
		t.Fatalf("load sums: %v", err)
	}

	gotSrcs, err := projectmap.Load(ctx, s, "/work/demo", projectmap.BlobSourceMap)
	if err != nil {
		t.Fatalf("load sources: %v", err)
	}

	if diff := cmp.Diff(sums.Snapshot(), gotSums.Snapshot()); diff != "" {
		t.Fatalf("checksum map mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(srcs.Snapshot(), gotSrcs.Snapshot()); diff != "" {
		t.Fatalf("source map mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Returns_Empty_Map_When_Nothing_Stored(t *testing.T) {
	t.Parallel()

	m, err := projectmap.Load(t.Context(), openStore(t), "/work/demo", projectmap.BlobChecksum)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if m.Len() != 0 {
		t.Fatalf("len = %d", m.Len())
	}
}

func Test_Load_Returns_Empty_Map_And_Error_When_Blob_Corrupt(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := t.Context()

	_, err := s.Store(ctx, projectmap.New("/work/demo", projectmap.BlobChecksum, map[string]string{"k": "v"}), true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(s.Location().ProjectDir, "project", "*.dat"))
	if len(files) != 1 {
		t.Fatalf("blob files = %v", files)
	}

	err = os.WriteFile(files[0], []byte("garbage"), 0o600)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	m, err := projectmap.Load(ctx, s, "/work/demo", projectmap.BlobChecksum)
	if !errors.Is(err, entitystore.ErrCorruptBlob) {
		t.Fatalf("err = %v, want ErrCorruptBlob", err)
	}

	if m == nil || m.Len() != 0 {
		t.Fatalf("map = %v, want empty", m)
	}
}

func Test_Load_Rejects_Payload_When_Version_Differs(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := t.Context()

	err := s.Update(ctx, func(tx *entitystore.Tx) error {
		e, err := tx.NewEntity(projectmap.EntityType, "/work/demo")
		if err != nil {
			return err
		}

		enc := wire.NewEncoder("MGPM", 99)
		enc.StringMap(map[string]string{"k": "v"})

		return e.SetBlob(projectmap.BlobChecksum, enc.Bytes())
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	_, err = projectmap.Load(ctx, s, "/work/demo", projectmap.BlobChecksum)
	if !errors.Is(err, wire.ErrVersion) {
		t.Fatalf("err = %v, want ErrVersion", err)
	}
}

func Test_Map_Replace_Swaps_Entries_And_Notifies_Once(t *testing.T) {
	t.Parallel()

	src := map[string]string{"a.A": "/p/A.java", "b.B": "/p/B.java"}
	m := projectmap.New("/work/demo", projectmap.BlobSourceMap, map[string]string{"old.O": "/p/O.java"})

	changes := 0
	m.OnChange(func(*projectmap.Map) { changes++ })

	m.Replace(src)
	src["c.C"] = "/p/C.java"

	if changes != 1 {
		t.Fatalf("changes=%d, want 1", changes)
	}

	if diff := cmp.Diff([]string{"a.A", "b.B"}, m.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}
