package ai

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

type Config struct {
	APIKey  string
	BaseUrl string
}

var (
	_ Completion = (*Service)(nil)
	_ Embedding  = (*Service)(nil)
)

// Service wraps the OpenAI-compatible HTTP API. One instance serves
// both completions and embeddings; point two instances at different
// base URLs when the models live on separate backends.
type Service struct {
	client  *openai.Client
	logger  *log.Logger
	opts    []option.RequestOption
	limiter *RateLimiter
}

func NewOpenAIService(logger *log.Logger, apiKey string, baseUrl string) *Service {
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseUrl),
	)
	return &Service{
		client: &client,
		logger: logger,
	}
}

// WithRateLimiter caps outbound request rate. Returns the service for
// chaining at construction time.
func (s *Service) WithRateLimiter(limiter *RateLimiter) *Service {
	s.limiter = limiter
	return s
}

func (s *Service) ParamsCompletions(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletionMessage, error) {
	if err := s.acquire(ctx); err != nil {
		return openai.ChatCompletionMessage{}, err
	}

	completion, err := s.client.Chat.Completions.New(ctx, params, s.opts...)
	if err != nil {
		return openai.ChatCompletionMessage{}, err
	}

	if len(completion.Choices) == 0 {
		return openai.ChatCompletionMessage{}, fmt.Errorf("OpenAI returned no completion choices")
	}

	return completion.Choices[0].Message, nil
}

func (s *Service) Embeddings(ctx context.Context, inputs []string, model string) ([][]float64, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	embedding, err := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	}, s.opts...)
	if err != nil {
		return nil, err
	}
	if len(embedding.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(embedding.Data), len(inputs))
	}
	embeddings := make([][]float64, 0, len(embedding.Data))
	for _, item := range embedding.Data {
		embeddings = append(embeddings, item.Embedding)
	}
	return embeddings, nil
}

func (s *Service) Embedding(ctx context.Context, input string, model string) ([]float64, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	embedding, err := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: param.Opt[string]{
				Value: input,
			},
		},
	}, s.opts...)
	if err != nil {
		return nil, err
	}
	if len(embedding.Data) == 0 {
		return nil, fmt.Errorf("embeddings API returned no data")
	}
	return embedding.Data[0].Embedding, nil
}

func (s *Service) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}
