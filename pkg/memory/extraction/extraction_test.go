package extraction

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/ai/aitest"
	"github.com/engramlabs/engram/pkg/memory"
)

func newExtractor(t *testing.T, completions *aitest.ScriptedCompletion) *Extractor {
	t.Helper()
	e, err := New(Dependencies{
		Logger:      log.New(io.Discard),
		Completions: completions,
		Model:       "test-model",
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	return e
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Dependencies{Completions: &aitest.ScriptedCompletion{}, Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger")

	_, err = New(Dependencies{Logger: log.New(io.Discard), Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completions")

	_, err = New(Dependencies{Logger: log.New(io.Discard), Completions: &aitest.ScriptedCompletion{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}

func TestFactsParsesWellFormedResponse(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		`{"facts": [
			{"content": "user works at Acme Corp", "category": "fact", "importance": "high"},
			{"content": "user prefers espresso", "category": "preference", "importance": "medium"}
		]}`)
	e := newExtractor(t, completions)

	facts := e.Facts(context.Background(), "owner-1", "I started at Acme last month, and by the way I only drink espresso")

	require.Len(t, facts, 2)
	assert.Equal(t, "user works at Acme Corp", facts[0].Content)
	assert.Equal(t, memory.CategoryFact, facts[0].Category)
	assert.Equal(t, memory.ImportanceHigh, facts[0].Importance)
	assert.Equal(t, memory.CategoryPreference, facts[1].Category)
}

func TestFactsToleratesProseAroundJSON(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		"Sure! Here is the extraction:\n```json\n{\"facts\": [{\"content\": \"user lives in Lyon\", \"category\": \"fact\", \"importance\": \"medium\"}]}\n```\nLet me know if you need more.")
	e := newExtractor(t, completions)

	facts := e.Facts(context.Background(), "owner-1", "moved to Lyon")

	require.Len(t, facts, 1)
	assert.Equal(t, "user lives in Lyon", facts[0].Content)
}

func TestFactsEmptyListMeansNothingWorthRemembering(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(`{"facts": []}`)
	e := newExtractor(t, completions)

	facts := e.Facts(context.Background(), "owner-1", "hi! how are you today?")
	assert.Empty(t, facts)
}

func TestFactsDegradesToRawContentOnGarbage(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script("I could not process that, sorry.")
	e := newExtractor(t, completions)

	content := "my sister Ana moved to Porto"
	facts := e.Facts(context.Background(), "owner-1", content)

	require.Len(t, facts, 1)
	assert.Equal(t, content, facts[0].Content)
	assert.Equal(t, memory.CategoryFact, facts[0].Category)
	assert.Equal(t, memory.ImportanceMedium, facts[0].Importance)
}

func TestFactsDegradesToRawContentOnTransportError(t *testing.T) {
	completions := &aitest.ScriptedCompletion{Err: errors.New("connection refused")}
	e := newExtractor(t, completions)

	facts := e.Facts(context.Background(), "owner-1", "remember this anyway")

	require.Len(t, facts, 1)
	assert.Equal(t, "remember this anyway", facts[0].Content)
}

func TestGraphSubstitutesOwnerForSpeakerPlaceholder(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		`{"entities": [
			{"name": "OWNER_ID", "type": "person"},
			{"name": "Acme Corp", "type": "organization"}
		], "relations": [
			{"source": "OWNER_ID", "relation": "works at", "target": "Acme Corp"}
		]}`)
	e := newExtractor(t, completions)

	entities, relations := e.Graph(context.Background(), "owner-1", "user works at Acme Corp")

	require.Len(t, entities, 2)
	assert.Equal(t, memory.Entity{Name: "owner-1", Type: "person"}, entities[0])
	assert.Equal(t, memory.Entity{Name: "Acme Corp", Type: "organization"}, entities[1])

	require.Len(t, relations, 1)
	assert.Equal(t, memory.Relation{Source: "owner-1", Relation: "works at", Target: "Acme Corp"}, relations[0])
}

func TestGraphDropsIncompleteRows(t *testing.T) {
	completions := (&aitest.ScriptedCompletion{}).Script(
		`{"entities": [
			{"name": "", "type": "person"},
			{"name": "Lyon", "type": "location"},
			{"name": "Lyon", "type": "location"}
		], "relations": [
			{"source": "USER", "relation": "", "target": "Lyon"},
			{"source": "", "relation": "lives in", "target": "Lyon"},
			{"source": "USER", "relation": "lives in", "target": "Lyon"}
		]}`)
	e := newExtractor(t, completions)

	entities, relations := e.Graph(context.Background(), "owner-1", "user lives in Lyon")

	require.Len(t, entities, 1)
	assert.Equal(t, "Lyon", entities[0].Name)
	require.Len(t, relations, 1)
	assert.Equal(t, "owner-1", relations[0].Source)
}

func TestGraphDegradesToEmptyOnFailure(t *testing.T) {
	completions := &aitest.ScriptedCompletion{Err: errors.New("model down")}
	e := newExtractor(t, completions)

	entities, relations := e.Graph(context.Background(), "owner-1", "anything")
	assert.Empty(t, entities)
	assert.Empty(t, relations)
}
