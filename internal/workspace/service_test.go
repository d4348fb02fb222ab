package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kvit-s/kvit-workspace/internal/config"
	"github.com/kvit-s/kvit-workspace/internal/logging"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	svc := NewService(config.Default(), logging.Nop())
	if _, err := svc.Open(root); err != nil {
		t.Fatalf("failed to open workspace: %v", err)
	}
	canonical, err := svc.Root()
	if err != nil {
		t.Fatalf("failed to get root: %v", err)
	}
	return svc, canonical
}

func TestOperationsRequireOpenWorkspace(t *testing.T) {
	svc := NewService(config.Default(), logging.Nop())

	if _, err := svc.ReadFile("a.txt"); !IsKind(err, KindWorkspaceNotOpen) {
		t.Errorf("ReadFile error = %v, want workspace-not-open", err)
	}
	if _, err := svc.ListTree(".", 1); !IsKind(err, KindWorkspaceNotOpen) {
		t.Errorf("ListTree error = %v, want workspace-not-open", err)
	}
	if err := svc.WriteFile("a.txt", "x", ""); !IsKind(err, KindWorkspaceNotOpen) {
		t.Errorf("WriteFile error = %v, want workspace-not-open", err)
	}
}

func TestOpenReplacesPreviousRoot(t *testing.T) {
	svc, _ := newTestService(t)

	second := t.TempDir()
	meta, err := svc.Open(second)
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}

	root, err := svc.Root()
	if err != nil {
		t.Fatalf("failed to get root: %v", err)
	}
	if root != meta.Root {
		t.Errorf("root = %q, want %q", root, meta.Root)
	}
	if meta.OpenedAt.IsZero() {
		t.Error("opened-at timestamp not set")
	}
}

func TestOpenRejectsFileAndMissingPath(t *testing.T) {
	svc := NewService(config.Default(), logging.Nop())
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := svc.Open(file); !IsKind(err, KindInvalidInput) {
		t.Errorf("Open(file) error = %v, want invalid-input", err)
	}
	if _, err := svc.Open(filepath.Join(dir, "missing")); !IsKind(err, KindInvalidInput) {
		t.Errorf("Open(missing) error = %v, want invalid-input", err)
	}
}

func TestReadWriteFingerprintRoundTrip(t *testing.T) {
	svc, root := newTestService(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("old"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	first, err := svc.ReadFile("a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Content != "old" {
		t.Errorf("content = %q, want old", first.Content)
	}
	if first.Fingerprint != FingerprintString("old") {
		t.Errorf("fingerprint mismatch on read")
	}

	if err := svc.WriteFile("a.txt", "new", first.Fingerprint); err != nil {
		t.Fatalf("write with matching precondition failed: %v", err)
	}

	second, err := svc.ReadFile("a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if second.Content != "new" {
		t.Errorf("content = %q, want new", second.Content)
	}
	if second.Fingerprint == first.Fingerprint {
		t.Error("fingerprint did not change after write")
	}
}

func TestWriteStaleFingerprintRejected(t *testing.T) {
	svc, root := newTestService(t)
	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("current"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	stale := FingerprintString("some older content")
	err := svc.WriteFile("a.txt", "clobber", stale)
	if !IsKind(err, KindHashMismatch) {
		t.Fatalf("error = %v, want hash-mismatch", err)
	}

	var we *Error
	if !asWorkspaceError(err, &we) {
		t.Fatal("error is not a workspace error")
	}
	if we.Details["expected"] != stale {
		t.Errorf("details expected = %v, want %v", we.Details["expected"], stale)
	}
	if we.Details["actual"] != FingerprintString("current") {
		t.Errorf("details actual = %v", we.Details["actual"])
	}

	// On-disk content must be untouched.
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "current" {
		t.Errorf("on-disk content = %q, want current", data)
	}
}

func TestWriteNewFileIgnoresPreconditionAndCreatesParents(t *testing.T) {
	svc, root := newTestService(t)

	if err := svc.WriteFile("deep/nested/new.txt", "content", ""); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "deep", "nested", "new.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "content" {
		t.Errorf("content = %q", data)
	}
}

func TestOverwriteCreatesOneBackupGeneration(t *testing.T) {
	svc, root := newTestService(t)
	cfg := config.Default()
	if err := os.WriteFile(filepath.Join(root, "src.go"), []byte("v1"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := svc.WriteFile("src.go", "v2", ""); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	backupRoot := filepath.Join(root, cfg.Workspace.BackupDirName)
	generations, err := os.ReadDir(backupRoot)
	if err != nil {
		t.Fatalf("backup root missing: %v", err)
	}
	if len(generations) != 1 {
		t.Fatalf("backup generations = %d, want 1", len(generations))
	}

	backed, err := os.ReadFile(filepath.Join(backupRoot, generations[0].Name(), "src.go"))
	if err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if string(backed) != "v1" {
		t.Errorf("backup content = %q, want v1", backed)
	}

	// A second overwrite produces a second generation, not a rewrite.
	if err := svc.WriteFile("src.go", "v3", ""); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	generations, err = os.ReadDir(backupRoot)
	if err != nil {
		t.Fatalf("backup root: %v", err)
	}
	if len(generations) != 2 {
		t.Errorf("backup generations = %d, want 2", len(generations))
	}
}

func TestWriteLeavesNoTempFilesBehind(t *testing.T) {
	svc, root := newTestService(t)
	if err := svc.WriteFile("a.txt", "data", ""); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".write-") {
			t.Errorf("leftover temp file %q", e.Name())
		}
	}
}

func TestListTreeFiltersAndSorts(t *testing.T) {
	svc, root := newTestService(t)

	mustWrite := func(rel, content string) {
		t.Helper()
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	mustWrite("zebra.txt", "z")
	mustWrite("apple.txt", "a")
	mustWrite("src/main.go", "package main")
	mustWrite(".git/HEAD", "ref")
	mustWrite("node_modules/pkg/index.js", "x")

	nodes, err := svc.ListTree(".", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	var names []string
	for _, n := range nodes {
		names = append(names, n.Name)
	}

	want := []string{"src", "apple.txt", "zebra.txt"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}

	// src expands at depth 3 and carries the relative path form.
	if len(nodes[0].Children) != 1 || nodes[0].Children[0].Path != "./src/main.go" {
		t.Errorf("src children = %+v", nodes[0].Children)
	}
	if nodes[0].Children[0].Size != int64(len("package main")) {
		t.Errorf("child size = %d", nodes[0].Children[0].Size)
	}
}

func TestListTreeDepthOneDoesNotExpand(t *testing.T) {
	svc, root := newTestService(t)
	if err := os.MkdirAll(filepath.Join(root, "dir", "inner"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	nodes, err := svc.ListTree(".", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Type != NodeDirectory {
		t.Fatalf("nodes = %+v", nodes)
	}
	if nodes[0].Children != nil {
		t.Errorf("depth 1 expanded children: %+v", nodes[0].Children)
	}
}

func TestListTreeExcludesEscapingSymlinks(t *testing.T) {
	svc, root := newTestService(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "x.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(filepath.Join(outside, "x.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "real.txt"), []byte("r"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	nodes, err := svc.ListTree(".", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "real.txt" {
		t.Errorf("nodes = %+v, want only real.txt", nodes)
	}
}

func TestListTreeRejectsFile(t *testing.T) {
	svc, root := newTestService(t)
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := svc.ListTree("f.txt", 1); !IsKind(err, KindInvalidInput) {
		t.Errorf("error = %v, want invalid-input", err)
	}
}

func TestReadFilesForContextBestEffort(t *testing.T) {
	svc, root := newTestService(t)
	if err := os.WriteFile(filepath.Join(root, "good.txt"), []byte("ok"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	results := svc.ReadFilesForContext([]string{"good.txt", "missing.txt", "../escape.txt"}, 10)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Content != "ok" {
		t.Errorf("content = %q", results[0].Content)
	}
}

func TestReadFilesForContextHonorsMax(t *testing.T) {
	svc, root := newTestService(t)
	var rels []string
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(name), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
		rels = append(rels, name)
	}

	results := svc.ReadFilesForContext(rels, 2)
	if len(results) != 2 {
		t.Errorf("results = %d, want 2", len(results))
	}
}

// asWorkspaceError is a tiny local wrapper to keep test call sites short.
func asWorkspaceError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
