// Package pipeline wires the watch, debounce, snapshot, describe and
// shadow stages into the daemon loop.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/wipd/wipd/cmd/wipd/cli/debounce"
	"github.com/wipd/wipd/cmd/wipd/cli/describe"
	"github.com/wipd/wipd/cmd/wipd/cli/gitstore"
	"github.com/wipd/wipd/cmd/wipd/cli/logging"
	"github.com/wipd/wipd/cmd/wipd/cli/paths"
	"github.com/wipd/wipd/cmd/wipd/cli/shadow"
	"github.com/wipd/wipd/cmd/wipd/cli/snapshot"
	"github.com/wipd/wipd/cmd/wipd/cli/watcher"
)

// Watch re-establishment backoff bounds.
const (
	rewatchBaseDelay = time.Second
	rewatchMaxDelay  = 30 * time.Second
)

// Config assembles the stages for an Orchestrator.
type Config struct {
	Store      *gitstore.RepoHandle
	Builder    *snapshot.Builder
	Summarizer *describe.Summarizer
	Shadow     *shadow.Manager

	// Settle is the quiescence window.
	Settle time.Duration

	// Ignore filters watch events; snapshot filtering is the Builder's own.
	Ignore watcher.IgnoreFunc
}

// Orchestrator runs the watch-debounce-snapshot-describe-commit loop.
type Orchestrator struct {
	store      *gitstore.RepoHandle
	builder    *snapshot.Builder
	summarizer *describe.Summarizer
	shadow     *shadow.Manager
	settle     time.Duration
	ignore     watcher.IgnoreFunc

	// generation increments per snapshot; in-flight describe calls from
	// older generations are detectable but still committed.
	generation atomic.Uint64

	// cycles tracks in-flight cycle goroutines for clean shutdown.
	cycles sync.WaitGroup
}

// New creates an orchestrator from a config.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      cfg.Store,
		builder:    cfg.Builder,
		summarizer: cfg.Summarizer,
		shadow:     cfg.Shadow,
		settle:     cfg.Settle,
		ignore:     cfg.Ignore,
	}
}

// Run executes the daemon loop until ctx is cancelled.
//
// The watch is established first and its failure is fatal
// (watcher.ErrWatchUnavailable); mid-run watch errors are retried with
// exponential backoff instead. One cycle runs unconditionally at startup
// so work done before the daemon started is captured immediately.
// Per-cycle failures are logged and the loop continues.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx = logging.WithComponent(ctx, "pipeline")

	w, err := watcher.New(o.store.Root(), o.ignore)
	if err != nil {
		return err
	}

	logging.Info(ctx, "watch established",
		slog.String("root", o.store.Root()),
		slog.Duration("settle", o.settle),
	)

	notifier := debounce.New(o.settle)

	// Startup cycle: capture whatever already differs from the shadow tip.
	o.cycles.Add(1)
	go o.runCycle(ctx)

	defer func() {
		_ = w.Close()
		o.cycles.Wait()
		logging.Flush()
	}()

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "shutting down")
			return nil

		case ev, ok := <-w.Events():
			if !ok {
				w = o.reestablishWatch(ctx, w)
				if w == nil {
					// Cancelled while re-establishing: a clean shutdown.
					logging.Info(ctx, "shutting down")
					return nil
				}
				notifier.Observe()
				continue
			}
			logging.Debug(ctx, "change observed",
				slog.String("path", ev.Path),
				slog.String("kind", ev.Kind.String()),
			)
			notifier.Observe()

		case werr, ok := <-w.Errors():
			if ok && werr != nil {
				logging.Warn(ctx, "watch error, re-establishing",
					slog.String("error", werr.Error()),
				)
			}
			w = o.reestablishWatch(ctx, w)
			if w == nil {
				logging.Info(ctx, "shutting down")
				return nil
			}
			// Changes may have been missed while the watch was down.
			notifier.Observe()

		case <-notifier.C():
			o.cycles.Add(1)
			go o.runCycle(ctx)
		}
	}
}

// reestablishWatch replaces a broken watcher, backing off exponentially.
// Returns nil only when ctx is cancelled.
func (o *Orchestrator) reestablishWatch(ctx context.Context, old *watcher.ChangeDetector) *watcher.ChangeDetector {
	_ = old.Close()

	delay := rewatchBaseDelay
	for {
		w, err := watcher.New(o.store.Root(), o.ignore)
		if err == nil {
			logging.Info(ctx, "watch re-established")
			return w
		}

		logging.Warn(ctx, "watch re-establishment failed, backing off",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > rewatchMaxDelay {
			delay = rewatchMaxDelay
		}
	}
}

// runCycle executes one snapshot-describe-commit cycle. Cycles may overlap
// when describe is slow; ordering is fixed by arrival at shadow.Commit and
// stale descriptions are committed rather than dropped.
func (o *Orchestrator) runCycle(ctx context.Context) {
	defer o.cycles.Done()
	defer logging.Flush()

	gen := o.generation.Add(1)
	ctx = logging.WithGeneration(ctx, gen)
	start := time.Now()

	branch, err := o.store.CurrentBranch()
	if err != nil {
		if errors.Is(err, gitstore.ErrDetachedHead) {
			logging.Warn(ctx, "HEAD is detached, skipping cycle")
		} else {
			logging.Error(ctx, "failed to resolve current branch",
				slog.String("error", err.Error()),
			)
		}
		return
	}
	ctx = logging.WithBranch(ctx, branch)

	snap, err := o.builder.Build(branch)
	if err != nil {
		if errors.Is(err, snapshot.ErrNothingToSnapshot) {
			logging.Warn(ctx, "working tree yielded no snapshot entries")
		} else {
			logging.Error(ctx, "snapshot failed, will retry on next quiescence",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	logging.Debug(ctx, "snapshot captured",
		slog.String("tree", snap.TreeID.String()),
		slog.Int("files", snap.Files),
		slog.Int("skipped", snap.Skipped),
	)

	prevTree := o.shadowTipTree(snap.Branch)
	if prevTree != nil && *prevTree == snap.TreeID {
		logging.Debug(ctx, "tree unchanged since shadow tip, skipping cycle")
		return
	}

	message := o.summarizer.Summarize(ctx, prevTree, snap.TreeID)

	if latest := o.generation.Load(); latest != gen {
		logging.Info(ctx, "committing result of superseded cycle",
			slog.Uint64("latest_generation", latest),
		)
	}

	result, err := o.shadow.Commit(ctx, snap, message)
	if err != nil {
		logging.Error(ctx, "shadow commit failed for this cycle",
			slog.String("error", err.Error()),
		)
		return
	}

	if result.Skipped {
		logging.Debug(ctx, "shadow commit skipped, tree unchanged",
			slog.String("shadow_branch", result.Branch),
		)
		return
	}

	logging.LogDuration(ctx, slog.LevelInfo, "shadow commit recorded", start,
		slog.String("shadow_branch", result.Branch),
		slog.String("commit", result.CommitHash.String()),
		slog.String("message", message),
		slog.Bool("created", result.Created),
		slog.Bool("merged", result.Merged),
	)
}

// shadowTipTree returns the tree hash of the shadow tip for a real branch,
// or nil when the shadow branch does not exist yet.
func (o *Orchestrator) shadowTipTree(branch string) *plumbing.Hash {
	tip, found, err := o.store.BranchTip(paths.ShadowBranchName(branch))
	if err != nil || !found {
		return nil
	}
	commit, err := o.store.CommitObject(tip)
	if err != nil {
		return nil
	}
	tree := commit.TreeHash
	return &tree
}
