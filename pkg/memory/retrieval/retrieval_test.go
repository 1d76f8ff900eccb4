package retrieval

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/ai/aitest"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/store/storetest"
	"github.com/engramlabs/engram/pkg/store/vectorstore"
)

type fixtures struct {
	composer *Composer
	vectors  *storetest.FakeVectorStore
	graph    *storetest.FakeGraphStore
	records  *storetest.FakeRecordStore
	embedder *aitest.StubEmbedding
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	f := &fixtures{
		vectors:  storetest.NewFakeVectorStore(),
		graph:    storetest.NewFakeGraphStore(),
		records:  storetest.NewFakeRecordStore(),
		embedder: &aitest.StubEmbedding{},
	}
	composer, err := New(Dependencies{
		Logger:     log.New(io.Discard),
		Embedder:   f.embedder,
		EmbedModel: "text-embedding-3-small",
		Vectors:    f.vectors,
		Graph:      f.graph,
		Records:    f.records,
	})
	require.NoError(t, err)
	f.composer = composer
	return f
}

// seedFact installs a fact row and, when direct is true, scripts it as
// a vector hit with the given score.
func (f *fixtures) seedFact(t *testing.T, ownerID, content string, entities []memory.Entity, direct bool, score float32) *memory.Fact {
	t.Helper()
	fact := &memory.Fact{
		OwnerID:    ownerID,
		Content:    content,
		Category:   memory.CategoryFact,
		Importance: memory.ImportanceMedium,
		Entities:   entities,
		VectorID:   memory.NewVectorID(),
	}
	require.NoError(t, f.records.InsertFact(context.Background(), fact))
	if direct {
		f.vectors.ScriptedSearch[ownerID] = append(f.vectors.ScriptedSearch[ownerID], vectorstore.ScoredPoint{
			ID:      fact.VectorID,
			Score:   score,
			Payload: vectorstore.PayloadForFact(fact, nil),
		})
	}
	return fact
}

func (f *fixtures) seedEdge(t *testing.T, ownerID string, source, relation, target string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.graph.UpsertEntities(ctx, ownerID, []memory.Entity{
		{Name: source, Type: "person"}, {Name: target, Type: "location"},
	}))
	require.NoError(t, f.graph.UpsertEdges(ctx, ownerID, []memory.Relation{
		{Source: source, Relation: relation, Target: target},
	}))
}

func TestComposeDirectHits(t *testing.T) {
	f := newFixtures(t)
	first := f.seedFact(t, "owner-1", "Rae works at Acme",
		[]memory.Entity{{Name: "Rae", Type: "person"}, {Name: "Acme", Type: "organization"}}, true, 0.92)
	second := f.seedFact(t, "owner-1", "Rae drinks oat milk",
		[]memory.Entity{{Name: "Rae", Type: "person"}}, true, 0.81)

	result, err := f.composer.Compose(context.Background(), "owner-1", "where does Rae work", 10)
	require.NoError(t, err)

	require.Len(t, result.VectorMemories, 2)
	assert.Equal(t, first.VectorID, result.VectorMemories[0].VectorID)
	assert.InDelta(t, 0.92, result.VectorMemories[0].Score, 0.001)
	assert.Equal(t, "Rae works at Acme", result.VectorMemories[0].Content)
	assert.ElementsMatch(t, []string{"Rae", "Acme"}, result.VectorMemories[0].EntityNames)
	assert.Equal(t, second.VectorID, result.VectorMemories[1].VectorID)

	assert.Empty(t, result.RelatedMemories, "direct hits must not be re-reported as related")
	names := entityNames(result)
	assert.Equal(t, []string{"Rae", "Acme"}, names)
}

func TestComposeRelatedThroughGraph(t *testing.T) {
	f := newFixtures(t)
	// Direct hit mentions Rae and Acme.
	f.seedFact(t, "owner-1", "Rae works at Acme",
		[]memory.Entity{{Name: "Rae", Type: "person"}, {Name: "Acme", Type: "organization"}}, true, 0.9)
	// Shares Acme with the direct hit: related through the focus set.
	viaEntity := f.seedFact(t, "owner-1", "Acme is headquartered in Lisbon",
		[]memory.Entity{{Name: "Acme", Type: "organization"}, {Name: "Lisbon", Type: "location"}}, false, 0)
	// Touches Lisbon only, which enters the set through graph expansion.
	viaGraph := f.seedFact(t, "owner-1", "Lisbon has mild winters",
		[]memory.Entity{{Name: "Lisbon", Type: "location"}}, false, 0)
	// Disconnected.
	f.seedFact(t, "owner-1", "Bob likes sushi",
		[]memory.Entity{{Name: "Bob", Type: "person"}}, false, 0)

	f.seedEdge(t, "owner-1", "Acme", "headquartered in", "Lisbon")

	result, err := f.composer.Compose(context.Background(), "owner-1", "tell me about Acme", 10)
	require.NoError(t, err)

	require.Len(t, result.RelatedMemories, 2)
	got := map[memory.VectorID]memory.RelatedMemory{}
	for _, r := range result.RelatedMemories {
		got[r.VectorID] = r
		assert.Zero(t, r.Score, "related memories carry no similarity score")
	}
	assert.Contains(t, got, viaEntity.VectorID)
	assert.Contains(t, got, viaGraph.VectorID)

	names := entityNames(result)
	assert.Contains(t, names, "Lisbon", "expanded neighbor must be reported")
}

func TestComposeExpandsAtMostTenEntities(t *testing.T) {
	f := newFixtures(t)
	var ents []memory.Entity
	for i := 1; i <= 12; i++ {
		ents = append(ents, memory.Entity{Name: fmt.Sprintf("E%02d", i), Type: "item"})
	}
	f.seedFact(t, "owner-1", "a fact touching a dozen entities", ents, true, 0.9)

	// E12 is beyond the expansion window; its neighbor must stay out.
	f.seedEdge(t, "owner-1", "E12", "linked to", "Unreached")
	unreached := f.seedFact(t, "owner-1", "about the unreached place",
		[]memory.Entity{{Name: "Unreached", Type: "location"}}, false, 0)
	// E11 is past the window too, but focus membership still counts.
	viaFocus := f.seedFact(t, "owner-1", "about E11",
		[]memory.Entity{{Name: "E11", Type: "item"}}, false, 0)

	result, err := f.composer.Compose(context.Background(), "owner-1", "everything", 10)
	require.NoError(t, err)

	ids := map[memory.VectorID]bool{}
	for _, r := range result.RelatedMemories {
		ids[r.VectorID] = true
	}
	assert.True(t, ids[viaFocus.VectorID], "focus entities beyond the expansion window still match related facts")
	assert.False(t, ids[unreached.VectorID], "neighbors of unexpanded entities must not leak in")
}

func TestComposeCapsExtractedEntities(t *testing.T) {
	f := newFixtures(t)
	var ents []memory.Entity
	for i := 1; i <= 25; i++ {
		ents = append(ents, memory.Entity{Name: fmt.Sprintf("N%02d", i), Type: "item"})
	}
	f.seedFact(t, "owner-1", "a very entangled fact", ents, true, 0.9)

	result, err := f.composer.Compose(context.Background(), "owner-1", "everything", 10)
	require.NoError(t, err)
	assert.Len(t, result.ExtractedEntities, 20)
}

func TestComposeSearchParameters(t *testing.T) {
	f := newFixtures(t)

	_, err := f.composer.Compose(context.Background(), "owner-1", "anything", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, f.vectors.LastSearchLimit, "zero limit falls back to the default")
	assert.Zero(t, f.vectors.LastSearchFloor, "retrieval searches without a score floor")

	_, err = f.composer.Compose(context.Background(), "owner-1", "anything", 500)
	require.NoError(t, err)
	assert.Equal(t, 50, f.vectors.LastSearchLimit, "limit is clamped")
}

func TestComposeEmptyQuery(t *testing.T) {
	f := newFixtures(t)
	_, err := f.composer.Compose(context.Background(), "owner-1", "", 10)
	require.Error(t, err)
}

func TestComposeEmbeddingFailure(t *testing.T) {
	f := newFixtures(t)
	f.embedder.Err = errors.New("embeddings down")
	_, err := f.composer.Compose(context.Background(), "owner-1", "anything", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding query")
}

func TestComposeSearchFailure(t *testing.T) {
	f := newFixtures(t)
	f.vectors.FailSearch = errors.New("qdrant down")
	_, err := f.composer.Compose(context.Background(), "owner-1", "anything", 10)
	require.Error(t, err)
}

func TestComposeDegradesWithoutGraph(t *testing.T) {
	f := newFixtures(t)
	f.seedFact(t, "owner-1", "Rae works at Acme",
		[]memory.Entity{{Name: "Rae", Type: "person"}}, true, 0.9)
	f.graph.FailNeighbors = errors.New("neo4j down")

	result, err := f.composer.Compose(context.Background(), "owner-1", "anything", 10)
	require.NoError(t, err)
	assert.Len(t, result.VectorMemories, 1, "direct hits survive a graph outage")
}

func TestComposeDegradesWithoutRecords(t *testing.T) {
	f := newFixtures(t)
	f.seedFact(t, "owner-1", "Rae works at Acme",
		[]memory.Entity{{Name: "Rae", Type: "person"}}, true, 0.9)
	f.records.FailFactsByOwner = errors.New("postgres down")

	result, err := f.composer.Compose(context.Background(), "owner-1", "anything", 10)
	require.NoError(t, err)
	assert.Len(t, result.VectorMemories, 1)
	assert.Empty(t, result.RelatedMemories)
}

func TestComposeResolvesRowFields(t *testing.T) {
	f := newFixtures(t)
	fact := f.seedFact(t, "owner-1", "Rae works at Acme",
		[]memory.Entity{{Name: "Rae", Type: "person"}, {Name: "Acme", Type: "organization"}}, true, 0.9)

	// The row moves on while the scripted point keeps its old payload,
	// like a point whose payload write trailed an update.
	fact.Content = "Rae works at Globex"
	fact.Entities = []memory.Entity{{Name: "Rae", Type: "person"}, {Name: "Globex", Type: "organization"}}
	require.NoError(t, f.records.UpdateFact(context.Background(), fact))

	result, err := f.composer.Compose(context.Background(), "owner-1", "where does Rae work", 10)
	require.NoError(t, err)

	require.Len(t, result.VectorMemories, 1)
	hit := result.VectorMemories[0]
	assert.Equal(t, "Rae works at Globex", hit.Content, "the fact row wins over the point payload")
	assert.ElementsMatch(t, []string{"Rae", "Globex"}, hit.EntityNames)
	assert.Equal(t, fact.ID, hit.FactID)
	assert.Contains(t, entityNames(result), "Globex", "entity expansion starts from the row's subgraph")
}

func TestComposeDegradesWhenRowLookupFails(t *testing.T) {
	f := newFixtures(t)
	f.seedFact(t, "owner-1", "Rae works at Acme",
		[]memory.Entity{{Name: "Rae", Type: "person"}}, true, 0.9)
	f.records.FailFactsByVectorIDs = errors.New("postgres down")

	result, err := f.composer.Compose(context.Background(), "owner-1", "anything", 10)
	require.NoError(t, err)
	require.Len(t, result.VectorMemories, 1)
	assert.Equal(t, "Rae works at Acme", result.VectorMemories[0].Content, "payload copy survives a row outage")
}

type deadlineEmbedder struct {
	aitest.StubEmbedding
	sawDeadline bool
}

func (d *deadlineEmbedder) Embedding(ctx context.Context, input, model string) ([]float64, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.StubEmbedding.Embedding(ctx, input, model)
}

type deadlineVectors struct {
	*storetest.FakeVectorStore
	sawDeadline bool
}

func (d *deadlineVectors) Search(ctx context.Context, ownerID string, vector []float32, limit int, scoreFloor float32) ([]vectorstore.ScoredPoint, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.FakeVectorStore.Search(ctx, ownerID, vector, limit, scoreFloor)
}

func TestComposeBoundsRemoteCalls(t *testing.T) {
	embedder := &deadlineEmbedder{}
	vectors := &deadlineVectors{FakeVectorStore: storetest.NewFakeVectorStore()}
	composer, err := New(Dependencies{
		Logger:       log.New(io.Discard),
		Embedder:     embedder,
		EmbedModel:   "text-embedding-3-small",
		Vectors:      vectors,
		Graph:        storetest.NewFakeGraphStore(),
		Records:      storetest.NewFakeRecordStore(),
		EmbedTimeout: 5 * time.Second,
		StoreTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	_, err = composer.Compose(context.Background(), "owner-1", "anything", 10)
	require.NoError(t, err)
	assert.True(t, embedder.sawDeadline, "query embedding must run under a deadline")
	assert.True(t, vectors.sawDeadline, "vector search must run under a deadline")
}

func entityNames(result *memory.QueryContext) []string {
	names := make([]string, 0, len(result.ExtractedEntities))
	for _, e := range result.ExtractedEntities {
		names = append(names, e.Name)
	}
	return names
}
