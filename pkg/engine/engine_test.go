package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/ai/aitest"
	"github.com/engramlabs/engram/pkg/broker"
	"github.com/engramlabs/engram/pkg/broker/brokertest"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/memory/executor"
	"github.com/engramlabs/engram/pkg/memory/extraction"
	"github.com/engramlabs/engram/pkg/memory/judgment"
	"github.com/engramlabs/engram/pkg/memory/prestage"
	"github.com/engramlabs/engram/pkg/memory/retrieval"
	"github.com/engramlabs/engram/pkg/store/recordstore"
	"github.com/engramlabs/engram/pkg/store/storetest"
	"github.com/engramlabs/engram/pkg/store/vectorstore"
	"github.com/engramlabs/engram/pkg/taskerr"
)

const testEmbedModel = "text-embedding-3-small"

type fixtures struct {
	engine   *Engine
	vectors  *storetest.FakeVectorStore
	graph    *storetest.FakeGraphStore
	records  *storetest.FakeRecordStore
	broker   *brokertest.MemoryBroker
	embedder *aitest.StubEmbedding

	extractLLM *aitest.ScriptedCompletion
	judgeLLM   *aitest.ScriptedCompletion
	stageLLM   *aitest.ScriptedCompletion
}

func baseFixtures() *fixtures {
	return &fixtures{
		vectors:    storetest.NewFakeVectorStore(),
		graph:      storetest.NewFakeGraphStore(),
		records:    storetest.NewFakeRecordStore(),
		broker:     brokertest.New(),
		embedder:   &aitest.StubEmbedding{},
		extractLLM: &aitest.ScriptedCompletion{},
		judgeLLM:   &aitest.ScriptedCompletion{},
		stageLLM:   &aitest.ScriptedCompletion{},
	}
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	f := baseFixtures()
	f.engine = f.build(t, f.extractLLM)
	return f
}

// newKeyedFixtures routes extraction responses by content instead of
// call order, for handlers that extract concurrently.
func newKeyedFixtures(t *testing.T) (*fixtures, *aitest.KeyedCompletion) {
	t.Helper()
	f := baseFixtures()
	keyed := &aitest.KeyedCompletion{}
	f.engine = f.build(t, keyed)
	return f, keyed
}

func (f *fixtures) build(t *testing.T, extractLLM ai.Completion) *Engine {
	t.Helper()
	logger := log.New(io.Discard)

	extractor, err := extraction.New(extraction.Dependencies{
		Logger: logger, Completions: extractLLM, Model: "gpt-4o-mini",
	})
	require.NoError(t, err)
	judge, err := judgment.New(judgment.Dependencies{
		Logger: logger, Completions: f.judgeLLM, Model: "gpt-4o",
	})
	require.NoError(t, err)
	stage, err := prestage.New(prestage.Dependencies{
		Logger: logger, Completions: f.stageLLM, Model: "gpt-4o-mini",
	})
	require.NoError(t, err)
	exec, err := executor.New(executor.Dependencies{
		Logger: logger, Graphs: extractor, Embedder: f.embedder, EmbedModel: testEmbedModel,
		Vectors: f.vectors, Graph: f.graph, Records: f.records,
	})
	require.NoError(t, err)
	composer, err := retrieval.New(retrieval.Dependencies{
		Logger: logger, Embedder: f.embedder, EmbedModel: testEmbedModel,
		Vectors: f.vectors, Graph: f.graph, Records: f.records,
	})
	require.NoError(t, err)

	eng, err := New(Services{
		Logger:    logger,
		Embedder:  f.embedder,
		Extractor: extractor,
		Judge:     judge,
		Executor:  exec,
		Composer:  composer,
		Prestage:  stage,
		Vectors:   f.vectors,
		Graph:     f.graph,
		Records:   f.records,
		Broker:    f.broker,
	}, Options{EmbedModel: testEmbedModel})
	require.NoError(t, err)
	return eng
}

// seedFact installs a fact across all three fakes and returns it.
func (f *fixtures) seedFact(t *testing.T, ownerID, content string, entities []memory.Entity, relations []memory.Relation) *memory.Fact {
	t.Helper()
	ctx := context.Background()
	fact := &memory.Fact{
		OwnerID:    ownerID,
		Content:    content,
		Category:   memory.CategoryFact,
		Importance: memory.ImportanceMedium,
		Entities:   entities,
		Relations:  relations,
		VectorID:   memory.NewVectorID(),
	}
	require.NoError(t, f.records.InsertFact(ctx, fact))
	require.NoError(t, f.vectors.Upsert(ctx, ownerID, []vectorstore.Point{{
		ID:      fact.VectorID,
		Vector:  []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8},
		Payload: vectorstore.PayloadForFact(fact, nil),
	}}))
	require.NoError(t, f.graph.UpsertEntities(ctx, ownerID, entities))
	require.NoError(t, f.graph.UpsertEdges(ctx, ownerID, relations))
	return fact
}

// scriptCandidates makes every vector search for the owner return the
// given facts as scored hits.
func (f *fixtures) scriptCandidates(ownerID string, score float32, facts ...*memory.Fact) {
	hits := make([]vectorstore.ScoredPoint, 0, len(facts))
	for _, fact := range facts {
		hits = append(hits, vectorstore.ScoredPoint{
			ID:      fact.VectorID,
			Score:   score,
			Payload: vectorstore.PayloadForFact(fact, nil),
		})
	}
	f.vectors.ScriptedSearch[ownerID] = hits
}

func ent(name, typ string) memory.Entity {
	return memory.Entity{Name: name, Type: typ}
}

func rel(source, relation, target string) memory.Relation {
	return memory.Relation{Source: source, Relation: relation, Target: target}
}

func factsResponse(contents ...string) string {
	type fact struct {
		Content    string `json:"content"`
		Category   string `json:"category"`
		Importance string `json:"importance"`
	}
	var payload struct {
		Facts []fact `json:"facts"`
	}
	for _, c := range contents {
		payload.Facts = append(payload.Facts, fact{Content: c, Category: "fact", Importance: "medium"})
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func graphResponse(entities []memory.Entity, relations []memory.Relation) string {
	raw, _ := json.Marshal(map[string]any{"entities": entities, "relations": relations})
	return string(raw)
}

func judgeResponse(records ...memory.OperationRecord) string {
	raw, _ := json.Marshal(map[string]any{"memory": records})
	return string(raw)
}

func addTask(t *testing.T, ownerID string, payload AddPayload) *broker.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &broker.Task{
		ID:         uuid.New(),
		Kind:       TaskMemoryAdd,
		Queue:      broker.QueueFree,
		OwnerID:    ownerID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
}

func batchTask(t *testing.T, ownerID string, payload BatchPayload) *broker.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &broker.Task{
		ID:         uuid.New(),
		Kind:       TaskMemoryBatchAdd,
		Queue:      broker.QueueFree,
		OwnerID:    ownerID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestEnqueueMemoryQueuesTask(t *testing.T) {
	f := newFixtures(t)

	taskID, err := f.engine.EnqueueMemory(context.Background(), EnqueueMemoryRequest{
		OwnerID: "owner-1",
		Content: "Rae moved to Lisbon",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, taskID)

	assert.Equal(t, 1, f.broker.QueueLen(broker.QueueFree))
	assert.Equal(t, 0, f.broker.QueueLen(broker.QueuePro))

	record, err := f.engine.TaskStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, recordstore.TaskPending, record.Status)
	assert.Equal(t, TaskMemoryAdd, record.Kind)
	assert.Equal(t, broker.QueueFree, record.Queue)
	assert.Equal(t, "owner-1", record.OwnerID)
}

func TestEnqueueMemoryProTierUsesProQueue(t *testing.T) {
	f := newFixtures(t)

	_, err := f.engine.EnqueueMemory(context.Background(), EnqueueMemoryRequest{
		OwnerID: "owner-1",
		Content: "priority memory",
		Tier:    "Pro",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.broker.QueueLen(broker.QueuePro))
	assert.Equal(t, 0, f.broker.QueueLen(broker.QueueFree))
}

func TestEnqueueMemoryRejectsEmptyContent(t *testing.T) {
	f := newFixtures(t)

	_, err := f.engine.EnqueueMemory(context.Background(), EnqueueMemoryRequest{
		OwnerID: "owner-1",
		Content: "   \n\t ",
	})
	require.Error(t, err)
	assert.Equal(t, taskerr.PermanentReject, taskerr.KindOf(err))
	assert.Equal(t, 0, f.broker.QueueLen(broker.QueueFree), "rejected input must never reach a queue")
}

func TestEnqueueMemoryRejectsEmptyOwner(t *testing.T) {
	f := newFixtures(t)

	_, err := f.engine.EnqueueMemory(context.Background(), EnqueueMemoryRequest{Content: "something"})
	require.Error(t, err)
	assert.Equal(t, taskerr.PermanentReject, taskerr.KindOf(err))
}

func TestEnqueueMemorySettlesRecordWhenBrokerFails(t *testing.T) {
	f := newFixtures(t)
	f.broker.FailEnqueue = errors.New("nats unavailable")

	_, err := f.engine.EnqueueMemory(context.Background(), EnqueueMemoryRequest{
		OwnerID: "owner-1",
		Content: "will not queue",
	})
	require.Error(t, err)

	tasks := f.records.TasksByOwner("owner-1")
	require.Len(t, tasks, 1, "record must exist even when the broker refused the task")
	assert.Equal(t, recordstore.TaskFailure, tasks[0].Status)
	assert.Contains(t, tasks[0].Error, "enqueue failed")
}

func TestEnqueueBatchValidates(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	_, _, err := f.engine.EnqueueBatch(ctx, EnqueueBatchRequest{OwnerID: "owner-1"})
	require.Error(t, err)
	assert.Equal(t, taskerr.PermanentReject, taskerr.KindOf(err))

	oversized := make([]string, MaxBatchItems+1)
	for i := range oversized {
		oversized[i] = fmt.Sprintf("item %d", i)
	}
	_, _, err = f.engine.EnqueueBatch(ctx, EnqueueBatchRequest{OwnerID: "owner-1", Items: oversized})
	require.Error(t, err)
	assert.Equal(t, taskerr.PermanentReject, taskerr.KindOf(err))
	assert.Contains(t, err.Error(), "201")

	_, _, err = f.engine.EnqueueBatch(ctx, EnqueueBatchRequest{OwnerID: "owner-1", Items: []string{"fine", "  "}})
	require.Error(t, err)
	assert.Equal(t, taskerr.PermanentReject, taskerr.KindOf(err))
	assert.Contains(t, err.Error(), "item 1")

	assert.Equal(t, 0, f.broker.QueueLen(broker.QueueFree))
}

func TestEnqueueBatchReportsQueuedCount(t *testing.T) {
	f := newFixtures(t)

	taskID, queued, err := f.engine.EnqueueBatch(context.Background(), EnqueueBatchRequest{
		OwnerID: "owner-1",
		Items:   []string{"one", "two", "three"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, queued)
	assert.NotEqual(t, uuid.Nil, taskID)
	assert.Equal(t, 1, f.broker.QueueLen(broker.QueueFree), "a batch is one task")

	record, err := f.engine.TaskStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskMemoryBatchAdd, record.Kind)
}

func TestEnqueueConversationBuildsStagedPayload(t *testing.T) {
	f := newFixtures(t)

	taskID, count, err := f.engine.EnqueueConversation(context.Background(), EnqueueConversationRequest{
		OwnerID:        "owner-1",
		ConversationID: "conv-42",
		Messages: []ConversationMessage{
			{Role: "user", Content: "I just moved to Lisbon"},
			{Role: "assistant", Content: "Congratulations on the move!"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NotEqual(t, uuid.Nil, taskID)

	delivery, err := f.broker.Dequeue(context.Background(), broker.QueueFree, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	defer func() { _ = delivery.Ack() }()

	assert.Equal(t, TaskMemoryAdd, delivery.Task().Kind)
	var payload AddPayload
	require.NoError(t, json.Unmarshal(delivery.Task().Payload, &payload))
	assert.Equal(t, "user: I just moved to Lisbon\nassistant: Congratulations on the move!", payload.Content)
	assert.Equal(t, true, payload.Metadata[metaNeedsSummary])
	assert.Equal(t, sourceConversationFlush, payload.Metadata[metaSource])
	assert.Equal(t, "conv-42", payload.Metadata[metaConversationID])
	assert.EqualValues(t, 2, payload.Metadata[metaMessageCount])
}

func TestEnqueueConversationValidates(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	_, _, err := f.engine.EnqueueConversation(ctx, EnqueueConversationRequest{OwnerID: "owner-1"})
	require.Error(t, err)
	assert.Equal(t, taskerr.PermanentReject, taskerr.KindOf(err))

	_, _, err = f.engine.EnqueueConversation(ctx, EnqueueConversationRequest{
		OwnerID:  "owner-1",
		Messages: []ConversationMessage{{Role: "system", Content: "nope"}},
	})
	require.Error(t, err)
	assert.Equal(t, taskerr.PermanentReject, taskerr.KindOf(err))
	assert.Contains(t, err.Error(), "role")

	_, _, err = f.engine.EnqueueConversation(ctx, EnqueueConversationRequest{
		OwnerID:  "owner-1",
		Messages: []ConversationMessage{{Role: "user", Content: "  "}},
	})
	require.Error(t, err)
	assert.Equal(t, taskerr.PermanentReject, taskerr.KindOf(err))
}

func TestDeleteMemoryRemovesFromAllStores(t *testing.T) {
	f := newFixtures(t)
	fact := f.seedFact(t, "owner-1", "Rae plays chess",
		[]memory.Entity{ent("Rae", "person"), ent("chess", "hobby")},
		[]memory.Relation{rel("Rae", "plays", "chess")},
	)

	receipt, err := f.engine.DeleteMemory(context.Background(), "owner-1", fact.VectorID.String())
	require.NoError(t, err)
	assert.True(t, receipt.Qdrant)
	assert.True(t, receipt.Neo4j)
	assert.True(t, receipt.Postgres)

	assert.Equal(t, 0, f.records.FactCount("owner-1"))
	assert.Equal(t, 0, f.vectors.PointCount("owner-1"))
	assert.False(t, f.graph.HasNode("owner-1", "chess"))
}

func TestDeleteMemoryRejectsMalformedID(t *testing.T) {
	f := newFixtures(t)

	_, err := f.engine.DeleteMemory(context.Background(), "owner-1", "not-a-uuid")
	require.Error(t, err)
	assert.Equal(t, taskerr.PermanentReject, taskerr.KindOf(err))
}

func TestTaskStatusUnknownTask(t *testing.T) {
	f := newFixtures(t)

	_, err := f.engine.TaskStatus(context.Background(), uuid.New())
	require.ErrorIs(t, err, recordstore.ErrNotFound)
}

func TestComposeContextScopesToOwner(t *testing.T) {
	f := newFixtures(t)
	f.seedFact(t, "owner-a", "Rae likes espresso",
		[]memory.Entity{ent("Rae", "person"), ent("espresso", "item")},
		[]memory.Relation{rel("Rae", "likes", "espresso")},
	)

	mine, err := f.engine.ComposeContext(context.Background(), "owner-a", "coffee preferences", 10)
	require.NoError(t, err)
	require.Len(t, mine.VectorMemories, 1)
	assert.Equal(t, "Rae likes espresso", mine.VectorMemories[0].Content)

	theirs, err := f.engine.ComposeContext(context.Background(), "owner-b", "coffee preferences", 10)
	require.NoError(t, err)
	assert.Empty(t, theirs.VectorMemories)
	assert.Empty(t, theirs.RelatedMemories)
	assert.Empty(t, theirs.ExtractedEntities)
}

func TestCheckHealthReportsPerStore(t *testing.T) {
	f := newFixtures(t)

	health := f.engine.CheckHealth(context.Background())
	assert.True(t, health.Healthy)
	assert.Equal(t, "ok", health.Stores["postgres"])
	assert.Equal(t, "ok", health.Stores["qdrant"])
	assert.Equal(t, "ok", health.Stores["neo4j"])

	f.vectors.FailPing = errors.New("connection refused")
	health = f.engine.CheckHealth(context.Background())
	assert.False(t, health.Healthy)
	assert.Contains(t, health.Stores["qdrant"], "connection refused")
	assert.Equal(t, "ok", health.Stores["postgres"])
}

type deadlineBatchEmbedder struct {
	aitest.StubEmbedding
	sawDeadline bool
}

func (d *deadlineBatchEmbedder) Embeddings(ctx context.Context, inputs []string, model string) ([][]float64, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.StubEmbedding.Embeddings(ctx, inputs, model)
}

func TestEmbedAllBoundsCall(t *testing.T) {
	f := newFixtures(t)
	require.Equal(t, defaultEmbedBatchTimeout, f.engine.embedBatchTimeout, "zero option falls back to the default")

	embedder := &deadlineBatchEmbedder{}
	f.engine.embedder = embedder
	_, err := f.engine.embedAll(context.Background(), []string{"Rae rows on Sundays"})
	require.NoError(t, err)
	assert.True(t, embedder.sawDeadline, "batched embedding must run under a deadline")
}

func TestNewValidatesDependencies(t *testing.T) {
	f := newFixtures(t)
	logger := log.New(io.Discard)

	valid := func() (Services, Options) {
		extractor, err := extraction.New(extraction.Dependencies{Logger: logger, Completions: f.extractLLM, Model: "m"})
		require.NoError(t, err)
		judge, err := judgment.New(judgment.Dependencies{Logger: logger, Completions: f.judgeLLM, Model: "m"})
		require.NoError(t, err)
		stage, err := prestage.New(prestage.Dependencies{Logger: logger, Completions: f.stageLLM, Model: "m"})
		require.NoError(t, err)
		exec, err := executor.New(executor.Dependencies{
			Logger: logger, Graphs: extractor, Embedder: f.embedder, EmbedModel: "m",
			Vectors: f.vectors, Graph: f.graph, Records: f.records,
		})
		require.NoError(t, err)
		composer, err := retrieval.New(retrieval.Dependencies{
			Logger: logger, Embedder: f.embedder, EmbedModel: "m",
			Vectors: f.vectors, Graph: f.graph, Records: f.records,
		})
		require.NoError(t, err)
		return Services{
			Logger: logger, Embedder: f.embedder, Extractor: extractor, Judge: judge,
			Executor: exec, Composer: composer, Prestage: stage,
			Vectors: f.vectors, Graph: f.graph, Records: f.records, Broker: f.broker,
		}, Options{EmbedModel: "m"}
	}

	svc, opts := valid()
	eng, err := New(svc, opts)
	require.NoError(t, err)
	assert.Equal(t, DefaultCandidateLimit, eng.candidateLimit)
	assert.InDelta(t, DefaultCandidateFloor, eng.candidateFloor, 1e-9)

	cases := []struct {
		name    string
		corrupt func(*Services, *Options)
	}{
		{"logger", func(s *Services, _ *Options) { s.Logger = nil }},
		{"embedder", func(s *Services, _ *Options) { s.Embedder = nil }},
		{"extractor", func(s *Services, _ *Options) { s.Extractor = nil }},
		{"judge", func(s *Services, _ *Options) { s.Judge = nil }},
		{"executor", func(s *Services, _ *Options) { s.Executor = nil }},
		{"composer", func(s *Services, _ *Options) { s.Composer = nil }},
		{"prestage", func(s *Services, _ *Options) { s.Prestage = nil }},
		{"vectors", func(s *Services, _ *Options) { s.Vectors = nil }},
		{"graph", func(s *Services, _ *Options) { s.Graph = nil }},
		{"records", func(s *Services, _ *Options) { s.Records = nil }},
		{"broker", func(s *Services, _ *Options) { s.Broker = nil }},
		{"embed model", func(_ *Services, o *Options) { o.EmbedModel = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, opts := valid()
			tc.corrupt(&svc, &opts)
			_, err := New(svc, opts)
			require.Error(t, err)
		})
	}
}
