// Package gitstore wraps go-git plumbing for wipd.
//
// All object creation goes through the repository's object store directly
// (blobs, trees, commits encoded by hand) so the user's index and working
// tree are never touched. Reference updates use compare-and-swap so
// concurrent writers are detected instead of clobbered.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
)

// ErrReferenceChanged is returned by CompareAndSwapBranchRef when another
// writer moved the reference between read and update.
var ErrReferenceChanged = storage.ErrReferenceHasChanged

// ErrDetachedHead is returned when the repository HEAD does not point at
// a branch.
var ErrDetachedHead = errors.New("HEAD is detached, not on a branch")

// Author represents the git user configuration used for shadow commits.
type Author struct {
	Name  string
	Email string
}

// RepoHandle provides read access to a repository plus direct object-store
// writes. It never mutates the index or the working tree.
type RepoHandle struct {
	repo *git.Repository
	root string
}

// Open opens the repository containing dir (searching upward for .git).
func Open(dir string) (*RepoHandle, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	return &RepoHandle{
		repo: repo,
		root: wt.Filesystem.Root(),
	}, nil
}

// Root returns the working tree root directory.
func (h *RepoHandle) Root() string {
	return h.root
}

// Repo exposes the underlying go-git repository.
func (h *RepoHandle) Repo() *git.Repository {
	return h.repo
}

// CurrentBranch returns the short name of the branch HEAD points at.
// Returns ErrDetachedHead if HEAD is detached.
func (h *RepoHandle) CurrentBranch() (string, error) {
	head, err := h.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Name().Short(), nil
}

// HeadHash returns the commit hash HEAD resolves to.
func (h *RepoHandle) HeadHash() (plumbing.Hash, error) {
	head, err := h.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to get HEAD: %w", err)
	}
	return head.Hash(), nil
}

// BranchTip returns the hash a local branch points at, or ZeroHash with
// found=false if the branch does not exist.
func (h *RepoHandle) BranchTip(branch string) (plumbing.Hash, bool, error) {
	refName := plumbing.NewBranchReferenceName(branch)
	ref, err := h.repo.Reference(refName, true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, false, nil
		}
		return plumbing.ZeroHash, false, fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}
	return ref.Hash(), true, nil
}

// CommitObject returns the commit object for a hash.
func (h *RepoHandle) CommitObject(hash plumbing.Hash) (*object.Commit, error) {
	commit, err := h.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit object: %w", err)
	}
	return commit, nil
}

// TreeObject returns the tree object for a hash.
func (h *RepoHandle) TreeObject(hash plumbing.Hash) (*object.Tree, error) {
	tree, err := h.repo.TreeObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree object: %w", err)
	}
	return tree, nil
}

// SetBranchRef unconditionally points a local branch at a commit.
func (h *RepoHandle) SetBranchRef(branch string, hash plumbing.Hash) error {
	refName := plumbing.NewBranchReferenceName(branch)
	ref := plumbing.NewHashReference(refName, hash)
	if err := h.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("failed to update branch reference %s: %w", branch, err)
	}
	return nil
}

// CompareAndSwapBranchRef points a local branch at newHash only if it still
// points at oldHash. Pass ZeroHash as oldHash when creating the branch.
// Returns an error satisfying errors.Is(err, ErrReferenceChanged) when the
// reference moved concurrently.
func (h *RepoHandle) CompareAndSwapBranchRef(branch string, newHash, oldHash plumbing.Hash) error {
	refName := plumbing.NewBranchReferenceName(branch)
	newRef := plumbing.NewHashReference(refName, newHash)

	if oldHash == plumbing.ZeroHash {
		// Creation has no old value to hand to CheckAndSetReference, so
		// verify after the write: if the ref does not point at newHash,
		// another writer created the branch in between and this write
		// must not stand.
		if current, err := h.repo.Storer.Reference(refName); err == nil && current.Hash() != newHash {
			return fmt.Errorf("branch %s created concurrently: %w", branch, ErrReferenceChanged)
		}
		if err := h.repo.Storer.SetReference(newRef); err != nil {
			return fmt.Errorf("failed to create branch reference %s: %w", branch, err)
		}
		current, err := h.repo.Storer.Reference(refName)
		if err != nil {
			return fmt.Errorf("failed to read back branch reference %s: %w", branch, err)
		}
		if current.Hash() != newHash {
			return fmt.Errorf("branch %s created concurrently: %w", branch, ErrReferenceChanged)
		}
		return nil
	}

	oldRef := plumbing.NewHashReference(refName, oldHash)
	if err := h.repo.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return fmt.Errorf("branch %s moved concurrently: %w", branch, err)
		}
		return fmt.Errorf("failed to update branch reference %s: %w", branch, err)
	}
	return nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (h *RepoHandle) IsAncestor(ancestor, descendant plumbing.Hash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	ancestorCommit, err := h.repo.CommitObject(ancestor)
	if err != nil {
		return false, fmt.Errorf("failed to get ancestor commit: %w", err)
	}
	descendantCommit, err := h.repo.CommitObject(descendant)
	if err != nil {
		return false, fmt.Errorf("failed to get descendant commit: %w", err)
	}
	ok, err := ancestorCommit.IsAncestor(descendantCommit)
	if err != nil {
		return false, fmt.Errorf("failed to check ancestry: %w", err)
	}
	return ok, nil
}

// CreateCommit writes a commit object pointing at treeHash with the given
// parents. Parents may be empty for a root commit.
func (h *RepoHandle) CreateCommit(treeHash plumbing.Hash, parents []plumbing.Hash, message string) (plumbing.Hash, error) {
	author := h.ResolveAuthor()
	now := time.Now()
	sig := object.Signature{
		Name:  author.Name,
		Email: author.Email,
		When:  now,
	}

	commit := &object.Commit{
		TreeHash:  treeHash,
		Author:    sig,
		Committer: sig,
		Message:   message,
	}
	if len(parents) > 0 {
		commit.ParentHashes = parents
	}

	obj := h.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode commit: %w", err)
	}

	hash, err := h.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store commit: %w", err)
	}

	return hash, nil
}

// ResolveAuthor retrieves the git user.name and user.email for shadow
// commits. It checks the merged go-git config first, then falls back to the
// git command, then to fixed defaults.
func (h *RepoHandle) ResolveAuthor() Author {
	name, email := "", ""

	if cfg, err := h.repo.ConfigScoped(gitconfig.SystemScope); err == nil {
		name = cfg.User.Name
		email = cfg.User.Email
	}

	// go-git can miss config in non-standard locations; try the git command
	if name == "" {
		name = gitConfigValue("user.name")
	}
	if email == "" {
		email = gitConfigValue("user.email")
	}

	if name == "" {
		name = "wipd"
	}
	if email == "" {
		email = "wipd@local"
	}

	return Author{Name: name, Email: email}
}

// gitConfigValue retrieves a git config value using the git command.
// Returns empty string if the value is not set or on error.
func gitConfigValue(key string) string {
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "git", "config", "--get", key)
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// CreateBlobFromFile creates a blob object from a file on disk, detecting
// the git file mode from the file's permissions.
func (h *RepoHandle) CreateBlobFromFile(filePath string) (plumbing.Hash, filemode.FileMode, error) {
	info, err := os.Lstat(filePath)
	if err != nil {
		return plumbing.ZeroHash, 0, fmt.Errorf("failed to stat file: %w", err)
	}

	mode := filemode.Regular
	if info.Mode()&0o111 != 0 {
		mode = filemode.Executable
	}

	var content []byte
	if info.Mode()&os.ModeSymlink != 0 {
		mode = filemode.Symlink
		target, err := os.Readlink(filePath)
		if err != nil {
			return plumbing.ZeroHash, 0, fmt.Errorf("failed to read symlink: %w", err)
		}
		content = []byte(target)
	} else {
		content, err = os.ReadFile(filePath) //nolint:gosec // filePath comes from walking the repository
		if err != nil {
			return plumbing.ZeroHash, 0, fmt.Errorf("failed to read file: %w", err)
		}
	}

	hash, err := h.CreateBlobFromContent(content)
	if err != nil {
		return plumbing.ZeroHash, 0, err
	}

	return hash, mode, nil
}

// CreateBlobFromContent creates a blob object from raw content.
func (h *RepoHandle) CreateBlobFromContent(content []byte) (plumbing.Hash, error) {
	obj := h.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	writer, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to get object writer: %w", err)
	}

	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		return plumbing.ZeroHash, fmt.Errorf("failed to write blob content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to close blob writer: %w", err)
	}

	hash, err := h.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store blob object: %w", err)
	}

	return hash, nil
}

// FlattenTree recursively flattens a tree into a map of full paths to entries.
func (h *RepoHandle) FlattenTree(tree *object.Tree, prefix string, entries map[string]object.TreeEntry) error {
	for _, entry := range tree.Entries {
		fullPath := entry.Name
		if prefix != "" {
			fullPath = prefix + "/" + entry.Name
		}

		if entry.Mode == filemode.Dir {
			subtree, err := h.repo.TreeObject(entry.Hash)
			if err != nil {
				return fmt.Errorf("failed to get subtree %s: %w", fullPath, err)
			}
			if err := h.FlattenTree(subtree, fullPath, entries); err != nil {
				return err
			}
		} else {
			entries[fullPath] = object.TreeEntry{
				Name: fullPath,
				Mode: entry.Mode,
				Hash: entry.Hash,
			}
		}
	}
	return nil
}

// treeNode represents a node in the tree structure being built.
type treeNode struct {
	entries map[string]*treeNode // subdirectories
	files   []object.TreeEntry   // files in this directory
}

// BuildTreeFromEntries builds a proper git tree structure from flattened
// file entries. The resulting tree id is deterministic for a given set of
// entries because git requires canonically sorted trees.
func (h *RepoHandle) BuildTreeFromEntries(entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	root := &treeNode{
		entries: make(map[string]*treeNode),
		files:   []object.TreeEntry{},
	}

	for fullPath, entry := range entries {
		parts := strings.Split(fullPath, "/")
		insertIntoTree(root, parts, entry)
	}

	return h.buildTreeObject(root)
}

// insertIntoTree inserts a file entry into the tree structure.
func insertIntoTree(node *treeNode, pathParts []string, entry object.TreeEntry) {
	if len(pathParts) == 1 {
		node.files = append(node.files, object.TreeEntry{
			Name: pathParts[0],
			Mode: entry.Mode,
			Hash: entry.Hash,
		})
		return
	}

	dirName := pathParts[0]
	if node.entries[dirName] == nil {
		node.entries[dirName] = &treeNode{
			entries: make(map[string]*treeNode),
			files:   []object.TreeEntry{},
		}
	}
	insertIntoTree(node.entries[dirName], pathParts[1:], entry)
}

// buildTreeObject recursively builds tree objects from a treeNode.
func (h *RepoHandle) buildTreeObject(node *treeNode) (plumbing.Hash, error) {
	var treeEntries []object.TreeEntry

	treeEntries = append(treeEntries, node.files...)

	for name, subnode := range node.entries {
		subHash, err := h.buildTreeObject(subnode)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		treeEntries = append(treeEntries, object.TreeEntry{
			Name: name,
			Mode: filemode.Dir,
			Hash: subHash,
		})
	}

	sortTreeEntries(treeEntries)

	tree := &object.Tree{Entries: treeEntries}

	obj := h.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}

	hash, err := h.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store tree: %w", err)
	}

	return hash, nil
}

// sortTreeEntries sorts tree entries in git's required order.
// Git sorts tree entries by name, with directories having a trailing /
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		nameI := entries[i].Name
		nameJ := entries[j].Name
		if entries[i].Mode == filemode.Dir {
			nameI += "/"
		}
		if entries[j].Mode == filemode.Dir {
			nameJ += "/"
		}
		return nameI < nameJ
	})
}

// PatchText renders the unified diff between two trees. Pass nil for
// prevTree to diff against the empty tree (initial snapshot).
func (h *RepoHandle) PatchText(prevTree, nextTree *plumbing.Hash) (string, error) {
	var a, b *object.Tree
	var err error

	if prevTree != nil {
		a, err = h.repo.TreeObject(*prevTree)
		if err != nil {
			return "", fmt.Errorf("failed to get previous tree: %w", err)
		}
	}
	if nextTree != nil {
		b, err = h.repo.TreeObject(*nextTree)
		if err != nil {
			return "", fmt.Errorf("failed to get next tree: %w", err)
		}
	}

	changes, err := object.DiffTree(a, b)
	if err != nil {
		return "", fmt.Errorf("failed to diff trees: %w", err)
	}

	patch, err := changes.Patch()
	if err != nil {
		return "", fmt.Errorf("failed to build patch: %w", err)
	}

	return patch.String(), nil
}

// IgnoreMatcher builds a gitignore matcher from the repository's .gitignore
// files plus any extra patterns (gitignore syntax, repo-root relative).
func (h *RepoHandle) IgnoreMatcher(extraPatterns []string) (gitignore.Matcher, error) {
	fs := osfs.New(h.root)
	patterns, err := gitignore.ReadPatterns(fs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read gitignore patterns: %w", err)
	}

	for _, p := range extraPatterns {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}

	return gitignore.NewMatcher(patterns), nil
}
