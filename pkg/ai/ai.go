package ai

import (
	"context"

	"github.com/openai/openai-go"
)

// Completion is the chat surface the pipeline stages depend on. Params
// are passed through untouched so callers control temperature, token
// budget and response format per stage.
type Completion interface {
	ParamsCompletions(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletionMessage, error)
}

// Embedding is the embedding surface. Embeddings batches all inputs
// into a single API call; Embedding is the single-input convenience.
type Embedding interface {
	Embedding(ctx context.Context, input string, model string) ([]float64, error)
	Embeddings(ctx context.Context, inputs []string, model string) ([][]float64, error)
}
