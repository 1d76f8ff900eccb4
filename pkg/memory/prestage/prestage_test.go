package prestage

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/ai/aitest"
)

const transcript = `user: hey
assistant: hello! how can I help?
user: I moved to Lisbon last month and my card number is 4111 1111 1111 1111
assistant: noted!`

func newStage(t *testing.T, completions *aitest.ScriptedCompletion) *Stage {
	t.Helper()
	stage, err := New(Dependencies{
		Logger:      log.New(io.Discard),
		Completions: completions,
		Model:       "gpt-4.1-mini",
	})
	require.NoError(t, err)
	return stage
}

func TestPrepareSummarizesThenFilters(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		"The user moved to Lisbon last month.",
		`{"has_sensitive": false, "filtered_content": "", "sensitive_count": 0}`,
	)
	stage := newStage(t, completions)

	result := stage.Prepare(context.Background(), "owner-1", transcript)

	assert.Equal(t, "The user moved to Lisbon last month.", result.Content)
	assert.True(t, result.Summarized)
	assert.Equal(t, len(transcript), result.OriginalLength)
	assert.Equal(t, len(result.Content), result.SummaryLength)
	assert.Zero(t, result.SensitiveCount)
	require.Equal(t, 2, completions.CallCount())
}

func TestPrepareRedactsCredentials(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		"The user moved to Lisbon; their card number is 4111 1111 1111 1111.",
		`{"has_sensitive": true, "filtered_content": "The user moved to Lisbon; their card number is [REDACTED].", "sensitive_count": 1}`,
	)
	stage := newStage(t, completions)

	result := stage.Prepare(context.Background(), "owner-1", transcript)

	assert.Equal(t, "The user moved to Lisbon; their card number is [REDACTED].", result.Content)
	assert.Equal(t, 1, result.SensitiveCount)
}

func TestPrepareDegradesWhenSummarizationFails(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).
		ScriptError(errors.New("model down")).
		Script(`{"has_sensitive": false, "filtered_content": "", "sensitive_count": 0}`)
	stage := newStage(t, completions)

	result := stage.Prepare(context.Background(), "owner-1", transcript)

	assert.Equal(t, transcript, result.Content, "original text must pass through when summarization fails")
	assert.False(t, result.Summarized)
	assert.Equal(t, len(transcript), result.SummaryLength)
}

func TestPrepareDegradesWhenSummaryIsEmpty(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		"   ",
		`{"has_sensitive": false, "filtered_content": "", "sensitive_count": 0}`,
	)
	stage := newStage(t, completions)

	result := stage.Prepare(context.Background(), "owner-1", transcript)
	assert.Equal(t, transcript, result.Content)
	assert.False(t, result.Summarized)
}

func TestPrepareDegradesWhenFilterFails(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).
		Script("The user moved to Lisbon.").
		ScriptError(errors.New("model down"))
	stage := newStage(t, completions)

	result := stage.Prepare(context.Background(), "owner-1", transcript)

	assert.Equal(t, "The user moved to Lisbon.", result.Content, "summary survives a filter outage")
	assert.True(t, result.Summarized)
	assert.Zero(t, result.SensitiveCount)
}

func TestPrepareDegradesWhenFilterReturnsGarbage(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		"The user moved to Lisbon.",
		"I cannot help with that.",
	)
	stage := newStage(t, completions)

	result := stage.Prepare(context.Background(), "owner-1", transcript)
	assert.Equal(t, "The user moved to Lisbon.", result.Content)
}

func TestPrepareKeepsContentWhenFilteredTextMissing(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		"The user's card is 4111.",
		`{"has_sensitive": true, "filtered_content": "", "sensitive_count": 1}`,
	)
	stage := newStage(t, completions)

	result := stage.Prepare(context.Background(), "owner-1", transcript)
	assert.Equal(t, "The user's card is 4111.", result.Content,
		"a flagged response without replacement text must not wipe the memory")
	assert.Zero(t, result.SensitiveCount)
}

func TestPrepareRequestShapes(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		"summary",
		`{"has_sensitive": false, "filtered_content": "", "sensitive_count": 0}`,
	)
	stage := newStage(t, completions)

	stage.Prepare(context.Background(), "owner-1", transcript)

	require.Len(t, completions.Requests, 2)
	summarizeReq := completions.Requests[0]
	assert.InDelta(t, 0.3, summarizeReq.Temperature.Value, 0.001)
	assert.EqualValues(t, 2000, summarizeReq.MaxTokens.Value)
	assert.Nil(t, summarizeReq.ResponseFormat.OfJSONObject, "summaries are plain text")

	filterReq := completions.Requests[1]
	assert.InDelta(t, 0.1, filterReq.Temperature.Value, 0.001)
	assert.NotNil(t, filterReq.ResponseFormat.OfJSONObject, "filter demands JSON mode")
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Dependencies{Completions: &aitest.ScriptedCompletion{}, Model: "m"})
	require.Error(t, err)

	_, err = New(Dependencies{Logger: log.New(io.Discard), Model: "m"})
	require.Error(t, err)

	_, err = New(Dependencies{Logger: log.New(io.Discard), Completions: &aitest.ScriptedCompletion{}})
	require.Error(t, err)
}
