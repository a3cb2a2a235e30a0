package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wipd/wipd/cmd/wipd/cli/describe"
	"github.com/wipd/wipd/cmd/wipd/cli/gitstore"
	"github.com/wipd/wipd/cmd/wipd/cli/logging"
	"github.com/wipd/wipd/cmd/wipd/cli/pipeline"
	"github.com/wipd/wipd/cmd/wipd/cli/settings"
	"github.com/wipd/wipd/cmd/wipd/cli/shadow"
	"github.com/wipd/wipd/cmd/wipd/cli/snapshot"
)

func newWatchCmd() *cobra.Command {
	var (
		settleFlag   time.Duration
		ignoreFlags  []string
		providerFlag string
		modelFlag    string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the working tree and commit WIP snapshots to wip/<branch>",
		Long: `Watch the repository working tree for changes. After each quiet period,
the full tree (untracked files included, ignored files excluded) is
committed on the wip/<branch> shadow branch with a generated one-line
message. The current branch, index and working tree are never modified.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, settleFlag, ignoreFlags, providerFlag, modelFlag)
		},
	}

	cmd.Flags().DurationVar(&settleFlag, "settle", 0, "quiescence window before snapshotting (default from settings, 1s)")
	cmd.Flags().StringArrayVar(&ignoreFlags, "ignore", nil, "extra ignore pattern (gitignore syntax, repeatable)")
	cmd.Flags().StringVar(&providerFlag, "provider", "", "message generator: openai, ollama or none (default from settings)")
	cmd.Flags().StringVar(&modelFlag, "model", "", "generator model name")

	return cmd
}

func runWatch(cmd *cobra.Command, settleFlag time.Duration, ignoreFlags []string, providerFlag, modelFlag string) error {
	cfg, err := settings.Load()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if !cfg.Enabled {
		fmt.Fprintln(os.Stderr, "wipd is disabled in .wipd/settings.json")
		return nil
	}

	// Flags override settings
	settle := cfg.SettleWindow()
	if settleFlag > 0 {
		settle = settleFlag
	}
	provider := cfg.Generator.Provider
	if providerFlag != "" {
		provider = providerFlag
	}
	model := cfg.Generator.Model
	if modelFlag != "" {
		model = modelFlag
	}
	ignorePatterns := append(cfg.Ignore, ignoreFlags...)

	store, err := gitstore.Open(".")
	if err != nil {
		return fmt.Errorf("not a git repository: %w", err)
	}

	logging.SetLogLevelGetter(func() string { return cfg.LogLevel })
	runID := time.Now().Format("2006-01-02") + "-" + uuid.NewString()[:8]
	if err := logging.Init(runID); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Close()

	gen, err := newGenerator(provider, model)
	if err != nil {
		return err
	}
	if gen == nil {
		fmt.Fprintln(os.Stderr, "No message generator configured; using fallback messages.")
	}

	matcher, err := store.IgnoreMatcher(ignorePatterns)
	if err != nil {
		return fmt.Errorf("failed to build ignore matcher: %w", err)
	}

	timeout := time.Duration(cfg.Generator.TimeoutMs) * time.Millisecond

	orch := pipeline.New(pipeline.Config{
		Store:      store,
		Builder:    snapshot.NewBuilder(store, matcher),
		Summarizer: describe.NewSummarizer(store, gen, timeout),
		Shadow:     shadow.NewManager(store),
		Settle:     settle,
		Ignore: func(rel string, isDir bool) bool {
			return matcher.Match(strings.Split(rel, "/"), isDir)
		},
	})

	fmt.Fprintf(os.Stderr, "wipd watching %s (settle %s, log %s)\n",
		store.Root(), settle, runID)

	ctx := cmd.Context()
	if err := orch.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "wipd stopped: %v\n", err)
		return NewSilentError(err)
	}
	return nil
}

// newGenerator constructs the configured message generator.
// Returns nil for provider "none".
func newGenerator(provider, model string) (describe.Generator, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		gen, err := describe.NewOpenAIGenerator(model)
		if err != nil {
			return nil, fmt.Errorf("openai generator unavailable: %w", err)
		}
		return gen, nil
	case "ollama":
		gen, err := describe.NewOllamaGenerator(model)
		if err != nil {
			return nil, fmt.Errorf("ollama generator unavailable: %w", err)
		}
		return gen, nil
	case "none", "":
		return nil, nil
	default:
		return nil, errors.New("unknown generator provider: " + provider)
	}
}
