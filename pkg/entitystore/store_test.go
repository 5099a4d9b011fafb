package entitystore_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

func Test_Store_Keeps_First_Blob_When_Update_Not_Allowed(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	ctx := t.Context()

	first, err := s.Store(ctx, &testDoc{id: "a", body: []byte("v1")}, false)
	if err != nil {
		t.Fatalf("store v1: %v", err)
	}

	second, err := s.Store(ctx, &testDoc{id: "a", body: []byte("v2")}, false)
	if err != nil {
		t.Fatalf("store v2: %v", err)
	}

	if first != second {
		t.Fatalf("ids differ: %d vs %d", first, second)
	}

	got, err := s.Load(ctx, docType, "a", entitystore.SerializeKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if string(got) != "v1" {
		t.Fatalf("blob = %q, want v1", got)
	}
}

func Test_Store_Replaces_Blob_When_Update_Allowed(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	ctx := t.Context()

	_, err := s.Store(ctx, &testDoc{id: "a", kind: "old", body: []byte("v1")}, true)
	if err != nil {
		t.Fatalf("store v1: %v", err)
	}

	_, err = s.Store(ctx, &testDoc{id: "a", kind: "new", body: []byte("v2")}, true)
	if err != nil {
		t.Fatalf("store v2: %v", err)
	}

	got, err := s.Load(ctx, docType, "a", entitystore.SerializeKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if string(got) != "v2" {
		t.Fatalf("blob = %q, want v2", got)
	}

	n, err := s.Count(ctx, docType)
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func Test_Load_Returns_ErrNotFound_When_Entity_Missing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())

	_, err := s.Load(t.Context(), docType, "missing", entitystore.SerializeKey)
	if !errors.Is(err, entitystore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	var sErr *entitystore.Error
	if !errors.As(err, &sErr) || sErr.StoreID != "missing" {
		t.Fatalf("err = %#v, want *Error with store id", err)
	}
}

func Test_Load_Returns_ErrCorruptBlob_When_File_Tampered(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	ctx := t.Context()

	_, err := s.Store(ctx, &testDoc{id: "a", body: []byte("payload")}, true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(s.Location().ProjectDir, "doc", "*.dat"))
	if err != nil || len(files) != 1 {
		t.Fatalf("blob files = %v (err %v), want exactly one", files, err)
	}

	err = os.WriteFile(files[0], []byte("PAYLOAD"), 0o600)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err = s.Load(ctx, docType, "a", entitystore.SerializeKey)
	if !errors.Is(err, entitystore.ErrCorruptBlob) {
		t.Fatalf("err = %v, want ErrCorruptBlob", err)
	}

	err = os.Remove(files[0])
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, err = s.Load(ctx, docType, "a", entitystore.SerializeKey)
	if !errors.Is(err, entitystore.ErrCorruptBlob) {
		t.Fatalf("err after remove = %v, want ErrCorruptBlob", err)
	}
}

func Test_DeleteBlob_Keeps_Entity_When_Blob_Removed(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	ctx := t.Context()

	_, err := s.Store(ctx, &testDoc{id: "a", kind: "class", body: []byte("x")}, true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	removed, err := s.DeleteBlob(ctx, docType, "a", entitystore.SerializeKey)
	if err != nil || !removed {
		t.Fatalf("delete blob = %v, %v; want true, nil", removed, err)
	}

	_, err = s.Load(ctx, docType, "a", entitystore.SerializeKey)
	if !errors.Is(err, entitystore.ErrNotFound) {
		t.Fatalf("load err = %v, want ErrNotFound", err)
	}

	ids, err := entitystore.Find(ctx, s, docType, "kind", "class", entityStoreID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("find = %v, want [a]", ids)
	}

	files, _ := filepath.Glob(filepath.Join(s.Location().ProjectDir, "doc", "*.dat"))
	if len(files) != 0 {
		t.Fatalf("blob files left behind: %v", files)
	}
}

func Test_Delete_Removes_Entity_And_Blob_Files(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	ctx := t.Context()

	_, err := s.Store(ctx, &testDoc{id: "a", body: []byte("x")}, true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	existed, err := s.Delete(ctx, docType, "a")
	if err != nil || !existed {
		t.Fatalf("delete = %v, %v; want true, nil", existed, err)
	}

	existed, err = s.Delete(ctx, docType, "a")
	if err != nil || existed {
		t.Fatalf("second delete = %v, %v; want false, nil", existed, err)
	}

	files, _ := filepath.Glob(filepath.Join(s.Location().ProjectDir, "doc", "*.dat"))
	if len(files) != 0 {
		t.Fatalf("blob files left behind: %v", files)
	}
}

func Test_StoreAll_Skips_Object_When_Marshal_Fails(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	ctx := t.Context()

	n, err := s.StoreAll(ctx, []entitystore.Storable{
		&testDoc{id: "a", body: []byte("a")},
		&testDoc{id: "b", failMarshal: true},
		&testDoc{id: "c", body: []byte("c")},
	}, true)
	if !errors.Is(err, entitystore.ErrSerialize) {
		t.Fatalf("err = %v, want ErrSerialize", err)
	}

	if n != 2 {
		t.Fatalf("stored = %d, want 2", n)
	}

	count, err := s.Count(ctx, docType)
	if err != nil || count != 2 {
		t.Fatalf("count = %d, %v; want 2", count, err)
	}
}

func Test_StoreAll_Writes_Nothing_When_Export_Fails(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	ctx := t.Context()

	_, err := s.StoreAll(ctx, []entitystore.Storable{
		&testDoc{id: "a", body: []byte("a")},
		&testDoc{id: "b", body: []byte("b"), failExport: true},
	}, true)
	if !errors.Is(err, entitystore.ErrSerialize) {
		t.Fatalf("err = %v, want ErrSerialize", err)
	}

	count, err := s.Count(ctx, docType)
	if err != nil || count != 0 {
		t.Fatalf("count = %d, %v; want 0", count, err)
	}

	files, _ := filepath.Glob(filepath.Join(s.Location().ProjectDir, "doc", "*.dat"))
	if len(files) != 0 {
		t.Fatalf("blob files written for aborted tx: %v", files)
	}
}

func Test_Store_Persists_Across_Reopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	s, err := entitystore.Open(t.Context(), entitystore.Options{CacheRoot: root, Identity: testIdentity("/work/demo")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !s.Created() {
		t.Fatal("first open should create the index")
	}

	_, err = s.Store(t.Context(), &testDoc{id: "a", body: []byte("kept")}, true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	err = s.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	s = openTestStore(t, root)

	if s.Created() {
		t.Fatal("reopen should not recreate the index")
	}

	got, err := s.Load(t.Context(), docType, "a", entitystore.SerializeKey)
	if err != nil || string(got) != "kept" {
		t.Fatalf("load = %q, %v; want kept", got, err)
	}

	m, err := entitystore.ReadManifest(s.Location().Dir)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}

	if m.ToolVersion != "1.0.0" || m.ProjectRoot != "/work/demo" {
		t.Fatalf("manifest = %+v", m)
	}
}

func Test_Open_Recreates_Store_When_Index_Is_Corrupt(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	loc := entitystore.Locate(root, testIdentity("/work/demo"))

	err := os.MkdirAll(loc.ProjectDir, 0o750)
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}

	err = os.WriteFile(filepath.Join(loc.ProjectDir, "index.sqlite"), garbage, 0o600)
	if err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	s := openTestStore(t, root)

	if !s.Created() {
		t.Fatal("corrupt index should be recreated")
	}

	_, err = s.Store(t.Context(), &testDoc{id: "a", body: []byte("ok")}, true)
	if err != nil {
		t.Fatalf("store after recreate: %v", err)
	}
}

func Test_Open_Removes_Stale_Siblings_When_Version_Changes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	oldID := testIdentity("/work/demo")
	oldID.ToolVersion = "0.9.0"

	old, err := entitystore.Open(t.Context(), entitystore.Options{CacheRoot: root, Identity: oldID})
	if err != nil {
		t.Fatalf("open old: %v", err)
	}

	oldDir := old.Location().Dir

	err = old.Close()
	if err != nil {
		t.Fatalf("close old: %v", err)
	}

	otherProject := entitystore.Locate(root, testIdentity("/work/other"))

	err = os.MkdirAll(otherProject.Dir, 0o750)
	if err != nil {
		t.Fatalf("mkdir other: %v", err)
	}

	s := openTestStore(t, root)

	if s.Location().Dir == oldDir {
		t.Fatal("version change must select a new directory")
	}

	_, err = os.Stat(oldDir)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale dir still present: %v", err)
	}

	_, err = os.Stat(otherProject.Dir)
	if err != nil {
		t.Fatalf("unrelated project dir removed: %v", err)
	}
}

func Test_Open_Keeps_Stale_Sibling_When_Another_Store_Holds_It(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	oldID := testIdentity("/work/demo")
	oldID.ToolVersion = "0.9.0"

	old, err := entitystore.Open(t.Context(), entitystore.Options{CacheRoot: root, Identity: oldID})
	if err != nil {
		t.Fatalf("open old: %v", err)
	}
	defer func() { _ = old.Close() }()

	_, err = old.Store(t.Context(), &testDoc{id: "a", body: []byte("old")}, true)
	if err != nil {
		t.Fatalf("store old: %v", err)
	}

	_ = openTestStore(t, root)

	got, err := old.Load(t.Context(), docType, "a", entitystore.SerializeKey)
	if err != nil || string(got) != "old" {
		t.Fatalf("old store load = %q, %v; want old", got, err)
	}

	_, err = os.Stat(old.Location().Dir)
	if err != nil {
		t.Fatalf("held stale dir removed: %v", err)
	}
}

func Test_Open_Returns_ErrLocked_When_Store_Already_Open(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	_ = openTestStore(t, root)

	_, err := entitystore.Open(t.Context(), entitystore.Options{CacheRoot: root, Identity: testIdentity("/work/demo")})
	if !errors.Is(err, entitystore.ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
}

func Test_Open_Returns_ErrCacheRoot_When_Root_Cannot_Be_Created(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "file")

	err := os.WriteFile(file, nil, 0o600)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = entitystore.Open(t.Context(), entitystore.Options{
		CacheRoot: filepath.Join(file, "cache"),
		Identity:  testIdentity("/work/demo"),
	})
	if !errors.Is(err, entitystore.ErrCacheRoot) {
		t.Fatalf("err = %v, want ErrCacheRoot", err)
	}
}

func Test_Open_Purges_Data_When_Requested(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	s, err := entitystore.Open(t.Context(), entitystore.Options{CacheRoot: root, Identity: testIdentity("/work/demo")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = s.Store(t.Context(), &testDoc{id: "a", body: []byte("x")}, true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	err = s.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = entitystore.Open(t.Context(), entitystore.Options{CacheRoot: root, Identity: testIdentity("/work/demo"), Purge: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	n, err := s.Count(t.Context(), docType)
	if err != nil || n != 0 {
		t.Fatalf("count = %d, %v; want 0", n, err)
	}
}

func Test_Close_Returns_ErrTxActive_When_Transaction_Open(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.View(t.Context(), func(_ *entitystore.Tx) error {
			close(entered)
			<-release

			return nil
		})
	}()

	<-entered

	err := s.Close()
	if !errors.Is(err, entitystore.ErrTxActive) {
		t.Fatalf("close err = %v, want ErrTxActive", err)
	}

	close(release)

	select {
	case err = <-done:
		if err != nil {
			t.Fatalf("view: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("view did not finish")
	}

	err = s.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	err = s.View(t.Context(), func(_ *entitystore.Tx) error { return nil })
	if !errors.Is(err, entitystore.ErrClosed) {
		t.Fatalf("view after close = %v, want ErrClosed", err)
	}
}

func Test_Error_Formats_Entity_Context(t *testing.T) {
	t.Parallel()

	err := &entitystore.Error{EntityType: "Source", StoreID: "/src/A.java", Err: entitystore.ErrCorruptBlob}

	want := "corrupt blob (entity_type=Source store_id=/src/A.java)"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
