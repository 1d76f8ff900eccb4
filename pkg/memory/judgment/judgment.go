// Package judgment decides how new facts reconcile with existing
// memories: the model weighs each fact against its nearest neighbors
// and emits ADD/UPDATE/DELETE/NONE operations. Every pass is traced;
// the caller persists the audit before executing anything.
package judgment

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/taskerr"
)

// judgmentTemperature keeps decisions stable across retries.
const judgmentTemperature = 0.1

type Dependencies struct {
	Logger      *log.Logger
	Completions ai.Completion
	Model       string
	Timeout     time.Duration
}

// Judge is the reconciliation decision stage.
type Judge struct {
	logger      *log.Logger
	completions ai.Completion
	model       string
	timeout     time.Duration
}

func New(deps Dependencies) (*Judge, error) {
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
		deps.Timeout = 60 * time.Second
	}
	return &Judge{
		logger:      deps.Logger,
		completions: deps.Completions,
		model:       deps.Model,
		timeout:     deps.Timeout,
	}, nil
}

// Decision is one traced judgment pass, ready for audit and execution.
type Decision struct {
	TraceID     uuid.UUID
	Records     []memory.OperationRecord
	Operations  []memory.Operation
	RawResponse string
	Reasoning   string
	ParseFailed bool
	ModelName   string
	Latency     time.Duration
}

// Decide runs one judgment pass over the extracted facts and their
// candidate neighbors. A transport failure returns a transient error
// (the task retries); an unparseable response degrades to adding every
// fact and flags the decision, so ingestion still makes progress.
func (j *Judge) Decide(ctx context.Context, ownerID string, traceID uuid.UUID, facts []string, candidates []memory.Candidate) (*Decision, error) {
	j.logger.Infof("[MEMORY_JUDGMENT] START | trace_id=%s | user_id=%s | facts=%d | candidates=%d",
		traceID, ownerID, len(facts), len(candidates))

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	started := time.Now()
	message, err := j.completions.ParamsCompletions(ctx, openai.ChatCompletionNewParams{
		Model: j.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(memoryJudgmentSystemPrompt),
			openai.UserMessage(BuildUserPrompt(candidates, facts)),
		},
		Temperature: param.Opt[float64]{Value: judgmentTemperature},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	latency := time.Since(started)
	if err != nil {
		j.logger.Errorf("[MEMORY_JUDGMENT] ERROR | trace_id=%s | user_id=%s | error=%v", traceID, ownerID, err)
		return nil, taskerr.Wrap(taskerr.Transient, err, "judgment completion")
	}

	result := Parse(message.Content, facts, candidates)
	if result.Failed {
		j.logger.Warnf("[MEMORY_JUDGMENT] JSON_PARSE_ERROR | trace_id=%s | user_id=%s | response_length=%d | fallback=ADD_ALL",
			traceID, ownerID, len(message.Content))
	} else {
		adds, updates, deletes, nones := countEvents(result.Records)
		j.logger.Infof("[MEMORY_JUDGMENT] PARSED | trace_id=%s | user_id=%s | add=%d | update=%d | delete=%d | none=%d",
			traceID, ownerID, adds, updates, deletes, nones)
	}

	return &Decision{
		TraceID:     traceID,
		Records:     result.Records,
		Operations:  result.Operations(),
		RawResponse: message.Content,
		Reasoning:   result.Reasoning,
		ParseFailed: result.Failed,
		ModelName:   j.model,
		Latency:     latency,
	}, nil
}

func countEvents(records []memory.OperationRecord) (adds, updates, deletes, nones int) {
	for _, rec := range records {
		switch memory.Event(rec.Event) {
		case memory.EventAdd:
			adds++
		case memory.EventUpdate:
			updates++
		case memory.EventDelete:
			deletes++
		default:
			nones++
		}
	}
	return adds, updates, deletes, nones
}
