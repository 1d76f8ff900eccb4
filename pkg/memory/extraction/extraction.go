// Package extraction distills raw memory content into atomic facts
// and pulls the entity graph out of each fact. Both calls degrade
// instead of failing: ingestion must survive a flaky or absent model.
package extraction

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/memory"
)

// extractionTemperature keeps the model close to the text; extraction
// is transcription, not creativity.
const extractionTemperature = 0.1

type Dependencies struct {
	Logger      *log.Logger
	Completions ai.Completion
	Model       string
	Timeout     time.Duration
}

// Extractor is the fact and entity extraction stage.
type Extractor struct {
	logger      *log.Logger
	completions ai.Completion
	model       string
	timeout     time.Duration
}

func New(deps Dependencies) (*Extractor, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Completions == nil {
		return nil, fmt.Errorf("completions service cannot be nil")
	}
	if deps.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 120 * time.Second
	}
	return &Extractor{
		logger:      deps.Logger,
		completions: deps.Completions,
		model:       deps.Model,
		timeout:     deps.Timeout,
	}, nil
}

// Facts extracts atomic facts from content. It never fails: when the
// model is unreachable or returns garbage, the raw content comes back
// as a single medium-importance fact so the memory still lands.
func (e *Extractor) Facts(ctx context.Context, ownerID, content string) []memory.ExtractedFact {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	message, err := e.completions.ParamsCompletions(ctx, openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(factExtractionSystemPrompt),
			openai.UserMessage(content),
		},
		Temperature: param.Opt[float64]{Value: extractionTemperature},
	})
	if err != nil {
		e.logger.Warn("fact extraction call failed, storing raw content", "user_id", ownerID, "error", err)
		return fallbackFacts(content)
	}

	facts, ok := parseFacts(message.Content)
	if !ok {
		e.logger.Warn("fact extraction returned unusable response, storing raw content",
			"user_id", ownerID, "response_length", len(message.Content))
		return fallbackFacts(content)
	}

	e.logger.Debug("facts extracted", "user_id", ownerID, "count", len(facts))
	return facts
}

// Graph extracts entities and relations from one fact. Failures
// degrade to an empty graph: the fact still gets stored and searched,
// it just contributes nothing to the entity graph.
func (e *Extractor) Graph(ctx context.Context, ownerID, content string) ([]memory.Entity, []memory.Relation) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	message, err := e.completions.ParamsCompletions(ctx, openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(entityExtractionSystemPrompt),
			openai.UserMessage(content),
		},
		Temperature: param.Opt[float64]{Value: extractionTemperature},
	})
	if err != nil {
		e.logger.Warn("entity extraction call failed, continuing without graph", "user_id", ownerID, "error", err)
		return nil, nil
	}

	entities, relations, ok := parseGraph(message.Content, ownerID)
	if !ok {
		e.logger.Warn("entity extraction returned unusable response, continuing without graph",
			"user_id", ownerID, "response_length", len(message.Content))
		return nil, nil
	}

	e.logger.Debug("graph extracted", "user_id", ownerID, "entities", len(entities), "relations", len(relations))
	return entities, relations
}
