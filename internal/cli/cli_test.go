package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mopemope/meghanada-server-sub002/internal/analysis"
	"github.com/mopemope/meghanada-server-sub002/internal/cli"
	"github.com/mopemope/meghanada-server-sub002/internal/config"
	"github.com/mopemope/meghanada-server-sub002/internal/projectmap"
	"github.com/mopemope/meghanada-server-sub002/internal/session"
	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
)

// CLI runs cachectl against a temp project with its own cache root.
type CLI struct {
	t         *testing.T
	Dir       string
	CacheRoot string
	Env       map[string]string
}

func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{
		t:         t,
		Dir:       session.Canonical(t.TempDir()),
		CacheRoot: t.TempDir(),
		Env:       map[string]string{"HOME": t.TempDir()},
	}
}

// RunWithInput executes cachectl with stdin and returns stdout, stderr and
// the exit code.
func (c *CLI) RunWithInput(stdin string, args ...string) (string, string, int) {
	var outBuf, errBuf bytes.Buffer

	full := append([]string{"cachectl", "-C", c.Dir, "--cache-root", c.CacheRoot}, args...)
	code := cli.Run(strings.NewReader(stdin), &outBuf, &errBuf, full, c.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

func (c *CLI) Run(args ...string) (string, string, int) {
	return c.RunWithInput("", args...)
}

// MustRun fails the test if the command exits non-zero. Returns stdout.
func (c *CLI) MustRun(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code != 0 {
		c.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return stdout
}

// MustFail fails the test if the command succeeds. Returns stderr.
func (c *CLI) MustFail(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code == 0 {
		c.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	return stderr
}

// WriteSource creates a project file and returns its path.
func (c *CLI) WriteSource(name string) string {
	c.t.Helper()

	path := filepath.Join(c.Dir, name)

	err := os.WriteFile(path, []byte("class X {}"), 0o600)
	if err != nil {
		c.t.Fatal(err)
	}

	return path
}

// Open opens the project store the way cachectl resolves it.
func (c *CLI) Open() *entitystore.Store {
	c.t.Helper()

	cfg, err := config.Load(config.LoadInput{ProjectRoot: c.Dir, CacheRootOverride: c.CacheRoot, Env: c.Env})
	if err != nil {
		c.t.Fatalf("config: %v", err)
	}

	s, err := entitystore.Open(c.t.Context(), entitystore.Options{
		CacheRoot: cfg.StoreRoot(),
		Identity:  session.Identity(c.Dir, "", cfg),
	})
	if err != nil {
		c.t.Fatalf("open store: %v", err)
	}

	return s
}

// Seed stores a source entity per path, one member entity, a checksum map
// covering the paths and a caller map.
func (c *CLI) Seed(paths ...string) {
	c.t.Helper()

	s := c.Open()
	defer func() { _ = s.Close() }()

	sums := projectmap.New(c.Dir, projectmap.BlobChecksum, nil)
	objs := []entitystore.Storable{
		analysis.MemberRecord{FQCN: "demo.A", Members: []analysis.Member{
			{DeclaringClass: "demo.A", Name: "run", Kind: analysis.KindMethod, Parameters: []string{"int"}},
		}},
	}

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".java")
		objs = append(objs, analysis.SourceRecord{Source: &analysis.Source{
			Path:    path,
			Package: "demo",
			Classes: []analysis.ClassScope{{FQCN: "demo." + name, Kind: "class"}},
		}})
		sums.Set(path, "0123456789abcdef")
	}

	callers := projectmap.NewSetMap(c.Dir, projectmap.BlobCallers, map[string][]string{"demo.A": {"demo.B", "demo.C"}})
	objs = append(objs, sums, callers)

	_, err := s.StoreAll(c.t.Context(), objs, true)
	if err != nil {
		c.t.Fatalf("seed: %v", err)
	}
}

func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
