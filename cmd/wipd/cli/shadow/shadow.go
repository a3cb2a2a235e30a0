// Package shadow owns the wip/<branch> references. It is the only writer
// of those refs: commits are appended with compare-and-swap updates so a
// concurrent move of the ref is detected and retried with a fresh parent.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/wipd/wipd/cmd/wipd/cli/gitstore"
	"github.com/wipd/wipd/cmd/wipd/cli/logging"
	"github.com/wipd/wipd/cmd/wipd/cli/paths"
	"github.com/wipd/wipd/cmd/wipd/cli/snapshot"
)

// ErrCommitFailed is returned when a shadow commit could not be recorded
// after exhausting reference update retries.
var ErrCommitFailed = errors.New("shadow commit failed")

// maxCASRetries bounds reference compare-and-swap attempts per commit.
const maxCASRetries = 3

// Result describes the outcome of recording one snapshot.
type Result struct {
	// CommitHash is the shadow commit written, or the existing tip when
	// Skipped.
	CommitHash plumbing.Hash

	// Branch is the shadow branch the commit landed on.
	Branch string

	// Skipped means the snapshot tree matched the current tip and no
	// commit was written.
	Skipped bool

	// Created means the shadow branch did not exist before this commit.
	Created bool

	// Merged means the real branch head was recorded as a second parent
	// because it was no longer an ancestor of the shadow tip.
	Merged bool
}

// Manager appends snapshots to shadow branches.
type Manager struct {
	store *gitstore.RepoHandle

	// mu serializes the read-commit-swap sequence within this process.
	// Cross-process ordering comes from the CAS ref update alone.
	mu sync.Mutex

	// beforeSwap, when set, runs between the tip read and the ref update.
	// Tests use it to move the ref mid-attempt.
	beforeSwap func()
}

// NewManager creates a shadow branch manager.
func NewManager(store *gitstore.RepoHandle) *Manager {
	return &Manager{store: store}
}

// Commit records a snapshot on the shadow branch for snap.Branch.
//
// The binding is re-derived from the snapshot's branch name each call, so
// a checkout between cycles implicitly retargets to the new wip/<branch>
// and leaves the previous shadow branch frozen.
//
// The parent is the current shadow tip. When the real branch head is no
// longer an ancestor of that tip (commit, amend, rebase on the real
// branch), the head is recorded as a second parent. When the snapshot tree
// equals the tip's tree the commit is skipped.
func (m *Manager) Commit(ctx context.Context, snap *snapshot.Snapshot, message string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	shadowBranch := paths.ShadowBranchName(snap.Branch)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		result, retry, err := m.tryCommit(ctx, snap, shadowBranch, message)
		if err != nil {
			return Result{}, err
		}
		if !retry {
			return result, nil
		}
		logging.Warn(ctx, "shadow ref moved concurrently, retrying with fresh tip",
			slog.String("shadow_branch", shadowBranch),
			slog.Int("attempt", attempt+1),
		)
	}

	return Result{}, fmt.Errorf("%w: reference update retries exhausted for %s", ErrCommitFailed, shadowBranch)
}

// tryCommit performs one read-commit-swap attempt.
// retry=true means the CAS lost and the caller should re-read and retry.
func (m *Manager) tryCommit(ctx context.Context, snap *snapshot.Snapshot, shadowBranch, message string) (Result, bool, error) {
	tip, tipFound, err := m.store.BranchTip(shadowBranch)
	if err != nil {
		return Result{}, false, err
	}

	head, headFound, err := m.store.BranchTip(snap.Branch)
	if err != nil {
		return Result{}, false, err
	}

	var parents []plumbing.Hash
	result := Result{Branch: shadowBranch}

	if tipFound {
		tipCommit, err := m.store.CommitObject(tip)
		if err != nil {
			return Result{}, false, err
		}

		// Identical content, nothing to record
		if tipCommit.TreeHash == snap.TreeID {
			result.CommitHash = tip
			result.Skipped = true
			return result, false, nil
		}

		parents = append(parents, tip)

		// The real branch advanced past the shadow tip: record its head as
		// a merge parent so history stays connected without rewriting
		// existing shadow commits.
		if headFound && head != tip {
			isAncestor, err := m.store.IsAncestor(head, tip)
			if err != nil {
				return Result{}, false, err
			}
			if !isAncestor {
				parents = append(parents, head)
				result.Merged = true
			}
		}
	} else {
		result.Created = true

		if headFound {
			headCommit, err := m.store.CommitObject(head)
			if err != nil {
				return Result{}, false, err
			}

			// No shadow branch yet and the worktree matches the real head:
			// nothing worth recording.
			if headCommit.TreeHash == snap.TreeID {
				result.CommitHash = head
				result.Skipped = true
				result.Created = false
				return result, false, nil
			}

			parents = append(parents, head)
		}
	}

	commitHash, err := m.store.CreateCommit(snap.TreeID, parents, message)
	if err != nil {
		return Result{}, false, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	oldHash := plumbing.ZeroHash
	if tipFound {
		oldHash = tip
	}
	if m.beforeSwap != nil {
		m.beforeSwap()
	}
	if err := m.store.CompareAndSwapBranchRef(shadowBranch, commitHash, oldHash); err != nil {
		if errors.Is(err, gitstore.ErrReferenceChanged) {
			return Result{}, true, nil
		}
		return Result{}, false, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	result.CommitHash = commitHash
	return result, false, nil
}
