// Package describe turns the diff between two snapshot trees into a
// one-line commit message via an external text-generation service.
//
// Generation is best-effort: on any failure (service down, timeout, empty
// answer) the summarizer returns a fixed fallback message so the commit is
// never dropped.
package describe

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/wipd/wipd/cmd/wipd/cli/gitstore"
	"github.com/wipd/wipd/cmd/wipd/cli/logging"
	"github.com/wipd/wipd/redact"
)

// MessagePrefix marks every shadow commit subject.
const MessagePrefix = "wip: "

// FallbackMessage is used when generation fails or no generator is
// configured.
const FallbackMessage = MessagePrefix + "work in progress"

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 30 * time.Second

// maxPromptBytes caps the diff portion of the prompt. Larger diffs are
// truncated, not rejected.
const maxPromptBytes = 16384

const promptTemplate = `Write a one-line git commit message in the imperative mood for the
following diff. Respond with the message only: no quotes, no prefix, no
trailing period, no explanation.

%s
<diff>
%s
</diff>`

// issueRefPattern strips issue references like "fixes #12" or "(closes #3)"
// and merge-PR subject lines so generated messages never close issues or
// claim merges when pushed.
var issueRefPattern = regexp.MustCompile(`(\(?(([Ff]ix(es)?)|([Cc]loses?))?\s*#\d+\)?)|([Mm]erge [Pp].*\n)`)

// Generator produces a commit message candidate for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Stats summarizes the size of a change between two trees.
type Stats struct {
	Files   int
	Added   int
	Removed int
}

// String renders the stats in git shortstat style.
func (s Stats) String() string {
	return fmt.Sprintf("%d files changed, %d insertions(+), %d deletions(-)", s.Files, s.Added, s.Removed)
}

// Summarizer builds diff prompts and calls a Generator with a timeout.
type Summarizer struct {
	store   *gitstore.RepoHandle
	gen     Generator
	timeout time.Duration
}

// NewSummarizer creates a summarizer. gen may be nil, in which case every
// call returns FallbackMessage.
func NewSummarizer(store *gitstore.RepoHandle, gen Generator, timeout time.Duration) *Summarizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Summarizer{store: store, gen: gen, timeout: timeout}
}

// Summarize produces the commit message for the transition from prevTree
// (nil for the initial snapshot) to nextTree. It never returns an error:
// any failure falls back to FallbackMessage.
func (s *Summarizer) Summarize(ctx context.Context, prevTree *plumbing.Hash, nextTree plumbing.Hash) string {
	if s.gen == nil {
		return FallbackMessage
	}

	patch, err := s.store.PatchText(prevTree, &nextTree)
	if err != nil {
		logging.Warn(ctx, "failed to build diff for message generation",
			slog.String("error", err.Error()),
		)
		return FallbackMessage
	}
	if strings.TrimSpace(patch) == "" {
		return FallbackMessage
	}

	header := ""
	if stats, statsErr := s.DiffStats(prevTree, &nextTree); statsErr == nil {
		header = stats.String() + "\n"
	}

	// Secrets must not leave the machine inside a prompt.
	patch = redact.Patch(patch)

	patch = truncatePatch(patch)
	prompt := fmt.Sprintf(promptTemplate, header, patch)

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	raw, err := s.gen.Generate(genCtx, prompt)
	if err != nil {
		logging.Warn(ctx, "message generation failed, using fallback",
			slog.String("error", err.Error()),
			slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		)
		return FallbackMessage
	}

	msg := Sanitize(raw)
	if msg == "" {
		return FallbackMessage
	}
	return msg
}

// DiffStats computes line-level change statistics between two trees using
// a line-based diff of each changed file pair.
func (s *Summarizer) DiffStats(prevTree, nextTree *plumbing.Hash) (Stats, error) {
	var a, b *object.Tree
	var err error

	if prevTree != nil {
		a, err = s.store.TreeObject(*prevTree)
		if err != nil {
			return Stats{}, err
		}
	}
	if nextTree != nil {
		b, err = s.store.TreeObject(*nextTree)
		if err != nil {
			return Stats{}, err
		}
	}

	changes, err := object.DiffTree(a, b)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to diff trees: %w", err)
	}

	stats := Stats{Files: len(changes)}
	for _, change := range changes {
		from, to, filesErr := change.Files()
		if filesErr != nil {
			continue
		}

		var fromContent, toContent string
		if from != nil {
			if c, cErr := from.Contents(); cErr == nil {
				fromContent = c
			}
		}
		if to != nil {
			if c, cErr := to.Contents(); cErr == nil {
				toContent = c
			}
		}

		added, removed := diffLines(fromContent, toContent)
		stats.Added += added
		stats.Removed += removed
	}

	return stats, nil
}

// truncatePatch caps the patch at maxPromptBytes. The cut lands on the
// preceding line break when one is close, otherwise on a rune boundary, so
// multi-byte characters are never split.
func truncatePatch(patch string) string {
	if len(patch) <= maxPromptBytes {
		return patch
	}

	cut := maxPromptBytes
	if nl := strings.LastIndexByte(patch[:cut], '\n'); nl > cut-256 {
		cut = nl
	} else {
		for cut > 0 && !utf8.RuneStart(patch[cut]) {
			cut--
		}
	}
	return patch[:cut] + "\n... (diff truncated)"
}

// diffLines returns (added, removed) line counts between two contents.
func diffLines(before, after string) (added, removed int) {
	if before == after {
		return 0, 0
	}
	if before == "" {
		return countLines(after), 0
	}
	if after == "" {
		return 0, countLines(before)
	}

	dmp := diffmatchpatch.New()

	// Line-based diff using the DiffLinesToChars/DiffCharsToLines pattern
	text1, text2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(text1, text2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	for _, d := range diffs {
		lines := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			removed += lines
		case diffmatchpatch.DiffEqual:
		}
	}

	return added, removed
}

// countLines returns the number of lines in a string.
// An empty string has 0 lines. A string without newlines has 1 line.
func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

// Sanitize reduces a generated candidate to a single safe subject line:
// first non-empty line, issue references stripped, wrapping quotes removed,
// prefixed with "wip: ". Returns empty string if nothing usable remains.
func Sanitize(raw string) string {
	line := ""
	for l := range strings.SplitSeq(raw, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			line = l
			break
		}
	}
	if line == "" {
		return ""
	}

	line = issueRefPattern.ReplaceAllString(line, "")
	line = strings.Trim(line, `"'`)
	line = strings.TrimSpace(line)

	// Models sometimes echo the prefix back
	for _, p := range []string{MessagePrefix, "wip:", "WIP:", "Wip:"} {
		if strings.HasPrefix(line, p) {
			line = strings.TrimSpace(strings.TrimPrefix(line, p))
			break
		}
	}

	if line == "" {
		return ""
	}
	return MessagePrefix + line
}
