package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wipd/wipd/cmd/wipd/cli/paths"
)

func setupLogDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(LogLevelEnvVar, "")
	paths.ClearRepoRootCache()
	t.Cleanup(func() {
		resetLogger()
		paths.ClearRepoRootCache()
	})
	return dir
}

func readLogLines(t *testing.T, dir, runID string) []map[string]any {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, paths.WipdLogsDir, runID+".log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var lines []map[string]any
	for _, raw := range splitLines(data) {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("malformed log line %q: %v", raw, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

func TestInitWritesJSONToRunFile(t *testing.T) {
	dir := setupLogDir(t)

	if err := Init("test-run"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	ctx := WithComponent(context.Background(), "pipeline")
	ctx = WithBranch(ctx, "master")
	ctx = WithGeneration(ctx, 3)
	Info(ctx, "snapshot captured", slog.Int("files", 7))
	Close()

	lines := readLogLines(t, dir, "test-run")
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(lines))
	}

	line := lines[0]
	if line["msg"] != "snapshot captured" {
		t.Errorf("msg = %v, want snapshot captured", line["msg"])
	}
	if line["run_id"] != "test-run" {
		t.Errorf("run_id = %v, want test-run", line["run_id"])
	}
	if line["component"] != "pipeline" {
		t.Errorf("component = %v, want pipeline", line["component"])
	}
	if line["branch"] != "master" {
		t.Errorf("branch = %v, want master", line["branch"])
	}
	if line["generation"] != float64(3) {
		t.Errorf("generation = %v, want 3", line["generation"])
	}
	if line["files"] != float64(7) {
		t.Errorf("files = %v, want 7", line["files"])
	}
}

func TestInitRejectsPathTraversal(t *testing.T) {
	setupLogDir(t)

	if err := Init("../../escape"); err == nil {
		t.Error("Init accepted a run ID with path separators")
	}
}

func TestFlushMakesLinesVisible(t *testing.T) {
	dir := setupLogDir(t)

	if err := Init("flush-run"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Info(context.Background(), "buffered line")
	Flush()

	// Readable without Close.
	lines := readLogLines(t, dir, "flush-run")
	if len(lines) != 1 {
		t.Errorf("log lines after Flush = %d, want 1", len(lines))
	}
	Close()
}

func TestDebugSuppressedAtDefaultLevel(t *testing.T) {
	dir := setupLogDir(t)

	if err := Init("level-run"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Debug(context.Background(), "noise")
	Info(context.Background(), "signal")
	Close()

	lines := readLogLines(t, dir, "level-run")
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(lines))
	}
	if lines[0]["msg"] != "signal" {
		t.Errorf("msg = %v, want signal", lines[0]["msg"])
	}
}

func TestLogDurationAddsDuration(t *testing.T) {
	dir := setupLogDir(t)

	if err := Init("duration-run"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	LogDuration(context.Background(), slog.LevelInfo, "cycle completed", time.Now().Add(-50*time.Millisecond))
	Close()

	lines := readLogLines(t, dir, "duration-run")
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(lines))
	}
	ms, ok := lines[0]["duration_ms"].(float64)
	if !ok {
		t.Fatal("duration_ms missing")
	}
	if ms < 50 {
		t.Errorf("duration_ms = %v, want >= 50", ms)
	}
}
