package describe

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaModel is the model used when none is configured.
const DefaultOllamaModel = "llama3.2"

// OllamaGenerator generates commit messages via a local Ollama server.
// The endpoint is taken from OLLAMA_HOST or defaults to localhost:11434.
type OllamaGenerator struct {
	client *api.Client
	model  string
}

// NewOllamaGenerator creates a generator from the environment.
func NewOllamaGenerator(model string) (*OllamaGenerator, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	if model == "" {
		model = DefaultOllamaModel
	}

	return &OllamaGenerator{
		client: client,
		model:  model,
	}, nil
}

// Generate implements Generator.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  g.model,
		Prompt: prompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.7,
			"num_predict": 120,
		},
	}

	var out strings.Builder
	err := g.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate failed: %w", err)
	}

	return out.String(), nil
}
