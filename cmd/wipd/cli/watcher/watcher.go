// Package watcher provides recursive filesystem change detection for a
// repository working tree, built on fsnotify.
//
// fsnotify watches single directories only, so the watcher walks the tree
// at start and registers every directory, then registers new directories
// as they appear. Paths under .git and .wipd, and paths matched by the
// ignore filter, produce no events.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wipd/wipd/cmd/wipd/cli/paths"
)

// ErrWatchUnavailable indicates the platform watch facility could not be
// established for the working tree.
var ErrWatchUnavailable = errors.New("filesystem watch unavailable")

// ErrWatcherClosed is returned when operating on a closed watcher.
var ErrWatcherClosed = errors.New("watcher is closed")

// Kind classifies a filesystem change.
type Kind int

const (
	KindCreated Kind = iota + 1
	KindModified
	KindRemoved
	KindRenamed
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindRemoved:
		return "removed"
	case KindRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event is a single filesystem change, with the path relative to the
// repository root.
type Event struct {
	Path string
	Kind Kind
	At   time.Time
}

// IgnoreFunc reports whether a repo-relative path should produce no events.
type IgnoreFunc func(relPath string, isDir bool) bool

// ChangeDetector watches a working tree recursively and emits typed events.
// One detector per process; Close releases the underlying watch handles.
type ChangeDetector struct {
	root    string
	ignore  IgnoreFunc
	watcher *fsnotify.Watcher

	events chan Event
	errors chan error

	mu       sync.Mutex
	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// New creates a detector for the working tree rooted at root and registers
// watches for every non-ignored directory. Returns ErrWatchUnavailable if
// the platform watcher cannot be created or the root cannot be registered.
func New(root string, ignore IgnoreFunc) (*ChangeDetector, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Join(ErrWatchUnavailable, err)
	}

	if ignore == nil {
		ignore = func(string, bool) bool { return false }
	}

	d := &ChangeDetector{
		root:    root,
		ignore:  ignore,
		watcher: fsw,
		events:  make(chan Event, 256),
		errors:  make(chan error, 1),
		closeCh: make(chan struct{}),
	}

	if err := d.watchTree(root); err != nil {
		_ = fsw.Close()
		return nil, errors.Join(ErrWatchUnavailable, err)
	}

	d.closedWg.Add(1)
	go d.processLoop()

	return d, nil
}

// Events returns the change event channel.
func (d *ChangeDetector) Events() <-chan Event {
	return d.events
}

// Errors returns the error channel. A delivered error means the watch is
// degraded and should be re-established.
func (d *ChangeDetector) Errors() <-chan error {
	return d.errors
}

// Close stops the detector and releases watch handles.
// Safe to call multiple times.
func (d *ChangeDetector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeCh)
	d.mu.Unlock()

	err := d.watcher.Close()
	d.closedWg.Wait()

	close(d.events)
	close(d.errors)
	return err
}

// watchTree registers a watch on dir and every non-ignored subdirectory.
func (d *ChangeDetector) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil // Skip unreadable subtrees, keep walking
		}
		if !entry.IsDir() {
			return nil
		}

		rel := d.relPath(p)
		if rel != "." && d.shouldIgnore(rel, true) {
			return filepath.SkipDir
		}

		if watchErr := d.watcher.Add(p); watchErr != nil {
			if p == dir {
				return watchErr
			}
			return nil
		}
		return nil
	})
}

// processLoop converts fsnotify events into typed events.
func (d *ChangeDetector) processLoop() {
	defer d.closedWg.Done()

	for {
		select {
		case <-d.closeCh:
			return

		case fsEvent, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleFSEvent(fsEvent)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.sendError(err)
		}
	}
}

// handleFSEvent filters, converts and dispatches one fsnotify event.
func (d *ChangeDetector) handleFSEvent(fsEvent fsnotify.Event) {
	rel := d.relPath(fsEvent.Name)
	if rel == "" || rel == "." {
		return
	}

	isDir := false
	if info, err := os.Stat(fsEvent.Name); err == nil {
		isDir = info.IsDir()
	}

	if d.shouldIgnore(rel, isDir) {
		return
	}

	kind := convertOp(fsEvent.Op)
	if kind == 0 {
		return
	}

	// New directories must be registered so changes inside them are seen.
	if kind == KindCreated && isDir {
		_ = d.watchTree(fsEvent.Name)
	}

	d.sendEvent(Event{
		Path: rel,
		Kind: kind,
		At:   time.Now(),
	})
}

// relPath converts an absolute event path to a repo-relative one.
// Returns empty string for paths outside the root.
func (d *ChangeDetector) relPath(absPath string) string {
	rel, err := filepath.Rel(d.root, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// shouldIgnore reports whether a repo-relative path is infrastructure or
// matched by the ignore filter.
func (d *ChangeDetector) shouldIgnore(rel string, isDir bool) bool {
	if paths.IsInfrastructurePath(rel) {
		return true
	}
	return d.ignore(rel, isDir)
}

// sendEvent delivers an event without blocking; drops when the consumer is
// behind. Snapshots capture the whole tree, so a dropped event never loses
// data, only a debounce trigger that a later event restores.
func (d *ChangeDetector) sendEvent(ev Event) {
	select {
	case d.events <- ev:
	default:
	}
}

func (d *ChangeDetector) sendError(err error) {
	select {
	case d.errors <- err:
	default:
	}
}

// convertOp converts fsnotify.Op to a Kind. Chmod-only events map to 0 and
// are dropped.
func convertOp(op fsnotify.Op) Kind {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreated
	case op.Has(fsnotify.Write):
		return KindModified
	case op.Has(fsnotify.Remove):
		return KindRemoved
	case op.Has(fsnotify.Rename):
		return KindRenamed
	default:
		return 0
	}
}
