package logging

import (
	"context"
)

// Context keys for logging values.
// Using private types to avoid key collisions.
type contextKey int

const (
	componentKey contextKey = iota
	branchKey
	generationKey
)

// WithComponent adds a component name to the context.
// Component names identify the subsystem generating logs
// (e.g., "watcher", "pipeline", "shadow").
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// WithBranch adds the real branch being tracked to the context.
func WithBranch(ctx context.Context, branch string) context.Context {
	return context.WithValue(ctx, branchKey, branch)
}

// WithGeneration adds a pipeline generation token to the context.
func WithGeneration(ctx context.Context, generation uint64) context.Context {
	return context.WithValue(ctx, generationKey, generation)
}

// ComponentFromContext extracts the component name from the context.
// Returns empty string if not set.
func ComponentFromContext(ctx context.Context) string {
	if v := ctx.Value(componentKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// BranchFromContext extracts the branch name from the context.
// Returns empty string if not set.
func BranchFromContext(ctx context.Context) string {
	if v := ctx.Value(branchKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GenerationFromContext extracts the generation token from the context.
// Returns 0 and false if not set.
func GenerationFromContext(ctx context.Context) (uint64, bool) {
	if v := ctx.Value(generationKey); v != nil {
		if g, ok := v.(uint64); ok {
			return g, true
		}
	}
	return 0, false
}
