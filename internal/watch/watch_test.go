package watch_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mopemope/meghanada-server-sub002/internal/watch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type event struct {
	path    string
	removed bool
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) handle(path string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event{path, removed})
}

func (r *recorder) waitFor(t *testing.T, want event) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.events {
			if ev == want {
				r.mu.Unlock()

				return
			}
		}
		r.mu.Unlock()

		time.Sleep(10 * time.Millisecond)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t.Fatalf("event %+v not observed; got %+v", want, r.events)
}

func (r *recorder) has(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range r.events {
		if ev.path == path {
			return true
		}
	}

	return false
}

func Test_Watcher_Reports_Changes_When_Matching_File_Written_And_Removed(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "src", "main")

	if err := os.MkdirAll(src, 0o750); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}

	w, err := watch.New(root, []string{"**/*.java"}, rec.handle, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = w.Close() }()

	java := filepath.Join(src, "A.java")
	if err := os.WriteFile(java, []byte("class A {}"), 0o600); err != nil {
		t.Fatal(err)
	}

	rec.waitFor(t, event{java, false})

	if err := os.Remove(java); err != nil {
		t.Fatal(err)
	}

	rec.waitFor(t, event{java, true})
}

func Test_Watcher_Watches_Directories_When_Created_After_Start(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rec := &recorder{}

	w, err := watch.New(root, []string{"**/*.java"}, rec.handle, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Join(root, "pkg")
	if err := os.Mkdir(dir, 0o750); err != nil {
		t.Fatal(err)
	}

	// The new directory's watch is added asynchronously; retry writes.
	java := filepath.Join(dir, "B.java")
	deadline := time.Now().Add(5 * time.Second)

	for !rec.has(java) && time.Now().Before(deadline) {
		if err := os.WriteFile(java, []byte("class B {}"), 0o600); err != nil {
			t.Fatal(err)
		}

		time.Sleep(50 * time.Millisecond)
	}

	rec.waitFor(t, event{java, false})
}

func Test_Watcher_Ignores_Files_When_Pattern_Does_Not_Match(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rec := &recorder{}

	w, err := watch.New(root, []string{"**/*.java"}, rec.handle, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	txt := filepath.Join(root, "notes.txt")
	java := filepath.Join(root, "C.java")

	if err := os.WriteFile(txt, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(java, []byte("class C {}"), 0o600); err != nil {
		t.Fatal(err)
	}

	rec.waitFor(t, event{java, false})

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if rec.has(txt) {
		t.Fatalf("unexpected event for %s", txt)
	}

	// Second close is a no-op.
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func Test_New_Returns_Error_When_Pattern_Invalid(t *testing.T) {
	t.Parallel()

	_, err := watch.New(t.TempDir(), []string{"[broken"}, func(string, bool) {}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}
