package snapshot

import (
	"errors"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/wipd/wipd/cmd/wipd/cli/gitstore"
	"github.com/wipd/wipd/cmd/wipd/cli/testutil"
)

func setupRepo(t *testing.T) (string, *gitstore.RepoHandle) {
	t.Helper()

	dir := t.TempDir()
	testutil.InitRepo(t, dir)
	testutil.CommitAll(t, dir, "README.md", "hello\n", "initial commit")

	h, err := gitstore.Open(dir)
	if err != nil {
		t.Fatalf("failed to open repo: %v", err)
	}
	return dir, h
}

func buildSnapshot(t *testing.T, h *gitstore.RepoHandle, extraIgnore []string) *Snapshot {
	t.Helper()

	matcher, err := h.IgnoreMatcher(extraIgnore)
	if err != nil {
		t.Fatalf("failed to build ignore matcher: %v", err)
	}

	snap, err := NewBuilder(h, matcher).Build("master")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return snap
}

func treePaths(t *testing.T, h *gitstore.RepoHandle, snap *Snapshot) map[string]object.TreeEntry {
	t.Helper()

	tree, err := h.TreeObject(snap.TreeID)
	if err != nil {
		t.Fatalf("failed to get snapshot tree: %v", err)
	}
	entries := make(map[string]object.TreeEntry)
	if err := h.FlattenTree(tree, "", entries); err != nil {
		t.Fatalf("failed to flatten tree: %v", err)
	}
	return entries
}

func TestBuildDeterministic(t *testing.T) {
	dir, h := setupRepo(t)
	testutil.WriteFile(t, dir, "src/main.go", "package main\n")
	testutil.WriteFile(t, dir, "docs/notes.txt", "notes\n")

	first := buildSnapshot(t, h, nil)
	second := buildSnapshot(t, h, nil)

	if first.TreeID != second.TreeID {
		t.Errorf("tree ids differ for unchanged content: %s vs %s", first.TreeID, second.TreeID)
	}
}

func TestBuildIncludesUntracked(t *testing.T) {
	dir, h := setupRepo(t)

	// Never staged or committed
	testutil.WriteFile(t, dir, "scratch.txt", "untracked\n")

	snap := buildSnapshot(t, h, nil)
	entries := treePaths(t, h, snap)

	if _, ok := entries["scratch.txt"]; !ok {
		t.Error("untracked file missing from snapshot")
	}
	if _, ok := entries["README.md"]; !ok {
		t.Error("tracked file missing from snapshot")
	}
}

func TestBuildExcludesIgnoredAndInfrastructure(t *testing.T) {
	dir, h := setupRepo(t)

	testutil.WriteFile(t, dir, ".gitignore", "*.log\nvendor/\n")
	testutil.WriteFile(t, dir, "debug.log", "noise\n")
	testutil.WriteFile(t, dir, "vendor/dep/dep.go", "package dep\n")
	testutil.WriteFile(t, dir, ".wipd/logs/run.log", "daemon log\n")
	testutil.WriteFile(t, dir, "kept.txt", "kept\n")

	snap := buildSnapshot(t, h, nil)
	entries := treePaths(t, h, snap)

	if _, ok := entries["debug.log"]; ok {
		t.Error("ignored file captured in snapshot")
	}
	if _, ok := entries["vendor/dep/dep.go"]; ok {
		t.Error("ignored directory captured in snapshot")
	}
	for path := range entries {
		if path == ".wipd/logs/run.log" || path == ".git/HEAD" {
			t.Errorf("infrastructure path %q captured in snapshot", path)
		}
	}
	if _, ok := entries["kept.txt"]; !ok {
		t.Error("regular file missing from snapshot")
	}
	// The .gitignore file itself is content, not infrastructure
	if _, ok := entries[".gitignore"]; !ok {
		t.Error(".gitignore missing from snapshot")
	}
}

func TestBuildExtraIgnorePatterns(t *testing.T) {
	dir, h := setupRepo(t)

	testutil.WriteFile(t, dir, "tmp/cache.bin", "cache\n")

	snap := buildSnapshot(t, h, []string{"tmp/"})
	entries := treePaths(t, h, snap)

	if _, ok := entries["tmp/cache.bin"]; ok {
		t.Error("extra ignore pattern not applied")
	}
}

func TestBuildReflectsDeletion(t *testing.T) {
	dir, h := setupRepo(t)

	testutil.WriteFile(t, dir, "doomed.txt", "bye\n")
	before := buildSnapshot(t, h, nil)
	if _, ok := treePaths(t, h, before)["doomed.txt"]; !ok {
		t.Fatal("file missing before deletion")
	}

	testutil.RemoveFile(t, dir, "doomed.txt")
	after := buildSnapshot(t, h, nil)

	if _, ok := treePaths(t, h, after)["doomed.txt"]; ok {
		t.Error("deleted file still present in snapshot")
	}
	if before.TreeID == after.TreeID {
		t.Error("tree id unchanged after deletion")
	}
}

func TestBuildRoundTripContent(t *testing.T) {
	dir, h := setupRepo(t)

	content := "package main\n\nfunc main() {}\n"
	testutil.WriteFile(t, dir, "main.go", content)

	snap := buildSnapshot(t, h, nil)
	tree, err := h.TreeObject(snap.TreeID)
	if err != nil {
		t.Fatalf("failed to get tree: %v", err)
	}

	file, err := tree.File("main.go")
	if err != nil {
		t.Fatalf("main.go not in snapshot tree: %v", err)
	}
	got, err := file.Contents()
	if err != nil {
		t.Fatalf("failed to read blob contents: %v", err)
	}
	if got != content {
		t.Errorf("content round trip mismatch:\ngot  %q\nwant %q", got, content)
	}
}

func TestBuildNothingToSnapshot(t *testing.T) {
	dir := t.TempDir()
	testutil.InitRepo(t, dir)

	h, err := gitstore.Open(dir)
	if err != nil {
		t.Fatalf("failed to open repo: %v", err)
	}

	_, err = NewBuilder(h, nil).Build("master")
	if !errors.Is(err, ErrNothingToSnapshot) {
		t.Errorf("Build on empty worktree: err = %v, want ErrNothingToSnapshot", err)
	}
}
