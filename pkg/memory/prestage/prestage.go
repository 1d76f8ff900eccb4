// Package prestage prepares flushed conversations for ingestion. Two
// model passes run before anything persists: summarization compresses
// the transcript, then a privacy filter redacts credentials. Each pass
// degrades to its input on failure, so a flaky model never blocks a
// flush, it only makes the stored memory more verbose.
package prestage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/engramlabs/engram/pkg/ai"
)

const (
	summarizeTemperature = 0.3
	filterTemperature    = 0.1
	summaryMaxTokens     = 2000
)

type Dependencies struct {
	Logger           *log.Logger
	Completions      ai.Completion
	Model            string
	SummarizeTimeout time.Duration
	FilterTimeout    time.Duration
}

// Stage is the conversation pre-processing step.
type Stage struct {
	logger           *log.Logger
	completions      ai.Completion
	model            string
	summarizeTimeout time.Duration
	filterTimeout    time.Duration
}

func New(deps Dependencies) (*Stage, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Completions == nil {
		return nil, fmt.Errorf("completions service cannot be nil")
	}
	if deps.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if deps.SummarizeTimeout <= 0 {
		deps.SummarizeTimeout = 120 * time.Second
	}
	if deps.FilterTimeout <= 0 {
		deps.FilterTimeout = 60 * time.Second
	}
	return &Stage{
		logger:           deps.Logger,
		completions:      deps.Completions,
		model:            deps.Model,
		summarizeTimeout: deps.SummarizeTimeout,
		filterTimeout:    deps.FilterTimeout,
	}, nil
}

// Result is what Prepare hands back to the pipeline.
type Result struct {
	Content        string
	Summarized     bool
	OriginalLength int
	SummaryLength  int
	SensitiveCount int
}

// Prepare runs summarization then redaction over flushed conversation
// content. It never fails: the worst case is the original text passing
// through untouched.
func (s *Stage) Prepare(ctx context.Context, ownerID, content string) Result {
	result := Result{
		Content:        content,
		OriginalLength: len(content),
	}

	if summary, ok := s.summarize(ctx, ownerID, content); ok {
		result.Content = summary
		result.Summarized = true
	}
	result.SummaryLength = len(result.Content)

	filtered, count := s.filterSensitive(ctx, ownerID, result.Content)
	result.Content = filtered
	result.SensitiveCount = count
	return result
}

func (s *Stage) summarize(ctx context.Context, ownerID, content string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.summarizeTimeout)
	defer cancel()

	message, err := s.completions.ParamsCompletions(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarizeSystemPrompt),
			openai.UserMessage(content),
		},
		Temperature: param.Opt[float64]{Value: summarizeTemperature},
		MaxTokens:   param.Opt[int64]{Value: summaryMaxTokens},
	})
	if err != nil {
		s.logger.Warn("conversation summarization failed, keeping original content", "user_id", ownerID, "error", err)
		return "", false
	}
	summary := strings.TrimSpace(message.Content)
	if summary == "" {
		s.logger.Warn("conversation summarization returned empty text, keeping original content", "user_id", ownerID)
		return "", false
	}
	return summary, true
}

type filterEnvelope struct {
	HasSensitive    bool   `json:"has_sensitive"`
	FilteredContent string `json:"filtered_content"`
	SensitiveCount  int    `json:"sensitive_count"`
}

func (s *Stage) filterSensitive(ctx context.Context, ownerID, content string) (string, int) {
	ctx, cancel := context.WithTimeout(ctx, s.filterTimeout)
	defer cancel()

	message, err := s.completions.ParamsCompletions(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(sensitiveFilterSystemPrompt),
			openai.UserMessage(content),
		},
		Temperature: param.Opt[float64]{Value: filterTemperature},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		s.logger.Warn("sensitive filter call failed, keeping unfiltered content", "user_id", ownerID, "error", err)
		return content, 0
	}

	envelope, ok := parseFilter(message.Content)
	if !ok {
		s.logger.Warn("sensitive filter returned unusable response, keeping unfiltered content",
			"user_id", ownerID, "response_length", len(message.Content))
		return content, 0
	}
	if !envelope.HasSensitive {
		return content, 0
	}
	if strings.TrimSpace(envelope.FilteredContent) == "" {
		s.logger.Warn("sensitive filter flagged content but returned no filtered text, keeping unfiltered content", "user_id", ownerID)
		return content, 0
	}
	s.logger.Info("sensitive content redacted", "user_id", ownerID, "redactions", envelope.SensitiveCount)
	return envelope.FilteredContent, envelope.SensitiveCount
}

// parseFilter decodes the redaction response, tolerating prose or
// fences around the JSON body.
func parseFilter(raw string) (filterEnvelope, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return filterEnvelope{}, false
	}
	var envelope filterEnvelope
	if err := json.Unmarshal([]byte(raw[start:end+1]), &envelope); err != nil {
		return filterEnvelope{}, false
	}
	return envelope, true
}
