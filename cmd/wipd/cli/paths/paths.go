// Package paths centralizes repository path discovery and the directory
// layout used by wipd inside a repository.
package paths

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Directory constants
const (
	WipdDir     = ".wipd"
	WipdLogsDir = ".wipd/logs"
	GitDir      = ".git"
)

// ShadowBranchPrefix is the prefix for shadow branches.
// A real branch "feature" gets its commits recorded on "wip/feature".
const ShadowBranchPrefix = "wip/"

// repoRootCache caches the repository root to avoid repeated git commands.
// The cache is keyed by the current working directory to handle directory changes.
var (
	repoRootMu       sync.RWMutex
	repoRootCache    string
	repoRootCacheDir string
)

// RepoRoot returns the git repository root directory.
// Uses 'git rev-parse --show-toplevel' which works from any subdirectory.
// The result is cached per working directory.
// Returns an error if not inside a git repository.
func RepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	// Check cache with read lock first
	repoRootMu.RLock()
	if repoRootCache != "" && repoRootCacheDir == cwd {
		cached := repoRootCache
		repoRootMu.RUnlock()
		return cached, nil
	}
	repoRootMu.RUnlock()

	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get git repository root: %w", err)
	}

	root := strings.TrimSpace(string(output))

	repoRootMu.Lock()
	repoRootCache = root
	repoRootCacheDir = cwd
	repoRootMu.Unlock()

	return root, nil
}

// ClearRepoRootCache clears the cached repository root.
// This is primarily useful for testing when changing directories.
func ClearRepoRootCache() {
	repoRootMu.Lock()
	repoRootCache = ""
	repoRootCacheDir = ""
	repoRootMu.Unlock()
}

// RepoRootOr returns the git repository root directory, or the fallback
// if not inside a git repository.
func RepoRootOr(fallback string) string {
	root, err := RepoRoot()
	if err != nil {
		return fallback
	}
	return root
}

// AbsPath returns the absolute path for a relative path within the repository.
// If the path is already absolute, it is returned as-is.
func AbsPath(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return relPath, nil
	}

	root, err := RepoRoot()
	if err != nil {
		return "", err
	}

	return filepath.Join(root, relPath), nil
}

// ShadowBranchName returns the shadow branch name for a real branch.
func ShadowBranchName(branch string) string {
	return ShadowBranchPrefix + branch
}

// IsShadowBranch reports whether a branch name is a wipd shadow branch.
func IsShadowBranch(branch string) bool {
	return strings.HasPrefix(branch, ShadowBranchPrefix)
}

// RealBranchName returns the real branch name for a shadow branch name.
// Returns the input unchanged if it is not a shadow branch.
func RealBranchName(shadowBranch string) string {
	return strings.TrimPrefix(shadowBranch, ShadowBranchPrefix)
}

// IsInfrastructurePath returns true if the repo-relative path is part of
// wipd or git infrastructure and must never be snapshotted or watched.
func IsInfrastructurePath(path string) bool {
	return path == WipdDir || path == GitDir ||
		strings.HasPrefix(path, WipdDir+"/") || strings.HasPrefix(path, GitDir+"/")
}

// ValidateRunID validates that a run ID is non-empty and doesn't contain
// path separators, since it names the log file.
func ValidateRunID(id string) error {
	if id == "" {
		return errors.New("run ID cannot be empty")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid run ID %q: contains path separators", id)
	}
	return nil
}
