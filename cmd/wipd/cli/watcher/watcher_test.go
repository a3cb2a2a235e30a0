package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func newDetector(t *testing.T, ignore IgnoreFunc) (string, *ChangeDetector) {
	t.Helper()

	dir := t.TempDir()
	d, err := New(dir, ignore)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return dir, d
}

func writeFile(t *testing.T, dir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// waitForEvent waits for an event whose path matches, draining others.
func waitForEvent(t *testing.T, d *ChangeDetector, path string) Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-d.Events():
			if ev.Path == path {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event on %s", path)
		}
	}
}

// expectSilence asserts no event arrives for paths under prefix.
func expectSilence(t *testing.T, d *ChangeDetector, prefix string, window time.Duration) {
	t.Helper()

	deadline := time.After(window)
	for {
		select {
		case ev := <-d.Events():
			if ev.Path == prefix || strings.HasPrefix(ev.Path, prefix+"/") {
				t.Fatalf("unexpected event for %s: %+v", prefix, ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestDetectsFileCreation(t *testing.T) {
	dir, d := newDetector(t, nil)

	writeFile(t, dir, "hello.txt", "hi\n")

	ev := waitForEvent(t, d, "hello.txt")
	if ev.Kind != KindCreated && ev.Kind != KindModified {
		t.Errorf("kind = %s, want created or modified", ev.Kind)
	}
	if ev.At.IsZero() {
		t.Error("event timestamp not set")
	}
}

func TestDetectsModification(t *testing.T) {
	dir, d := newDetector(t, nil)

	writeFile(t, dir, "file.txt", "v1\n")
	waitForEvent(t, d, "file.txt")

	writeFile(t, dir, "file.txt", "v2\n")
	waitForEvent(t, d, "file.txt")
}

func TestDetectsRemoval(t *testing.T) {
	dir, d := newDetector(t, nil)

	writeFile(t, dir, "doomed.txt", "bye\n")
	waitForEvent(t, d, "doomed.txt")

	if err := os.Remove(filepath.Join(dir, "doomed.txt")); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}

	ev := waitForEvent(t, d, "doomed.txt")
	if ev.Kind != KindRemoved && ev.Kind != KindRenamed {
		t.Errorf("kind = %s, want removed or renamed", ev.Kind)
	}
}

func TestWatchesNewSubdirectories(t *testing.T) {
	dir, d := newDetector(t, nil)

	if err := os.MkdirAll(filepath.Join(dir, "sub/deep"), 0o755); err != nil {
		t.Fatalf("failed to create subdirectory: %v", err)
	}
	waitForEvent(t, d, "sub")

	// Give the new watch a moment to register before writing into it.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "sub/deep/file.txt", "nested\n")

	waitForEvent(t, d, "sub/deep/file.txt")
}

func TestInfrastructurePathsSilent(t *testing.T) {
	dir, d := newDetector(t, nil)

	writeFile(t, dir, ".git/objects/tmp", "obj\n")
	writeFile(t, dir, ".wipd/logs/run.log", "log line\n")
	writeFile(t, dir, "visible.txt", "seen\n")

	// The visible event proves the pipeline is flowing before we assert
	// silence for the infrastructure paths.
	waitForEvent(t, d, "visible.txt")
	expectSilence(t, d, ".git", 200*time.Millisecond)
	expectSilence(t, d, ".wipd", 200*time.Millisecond)
}

func TestIgnoreFuncFilters(t *testing.T) {
	ignore := func(rel string, _ bool) bool {
		return strings.HasSuffix(rel, ".log") || rel == "build" || strings.HasPrefix(rel, "build/")
	}
	dir, d := newDetector(t, ignore)

	writeFile(t, dir, "noise.log", "noise\n")
	writeFile(t, dir, "kept.txt", "kept\n")

	waitForEvent(t, d, "kept.txt")
	expectSilence(t, d, "noise.log", 200*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	_, d := newDetector(t, nil)

	if err := d.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	// Channels are closed after shutdown.
	if _, ok := <-d.Events(); ok {
		t.Error("events channel still open after Close")
	}
}

func TestConvertOp(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want Kind
	}{
		{fsnotify.Create, KindCreated},
		{fsnotify.Write, KindModified},
		{fsnotify.Remove, KindRemoved},
		{fsnotify.Rename, KindRenamed},
		{fsnotify.Chmod, 0},
		{fsnotify.Create | fsnotify.Write, KindCreated},
	}

	for _, tt := range tests {
		if got := convertOp(tt.op); got != tt.want {
			t.Errorf("convertOp(%v) = %v, want %v", tt.op, got, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindCreated, "created"},
		{KindModified, "modified"},
		{KindRemoved, "removed"},
		{KindRenamed, "renamed"},
		{Kind(0), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
