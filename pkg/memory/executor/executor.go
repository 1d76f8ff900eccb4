// Package executor applies parsed judgment operations to the vector,
// graph and relational stores. Each verb has a fixed write order chosen
// so that a crash mid-operation leaves the stores explainable: fact
// rows are written before the point they anchor on ADD, and removed
// last on UPDATE and DELETE so a row always describes what the other
// two stores hold.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/store/graphstore"
	"github.com/engramlabs/engram/pkg/store/recordstore"
	"github.com/engramlabs/engram/pkg/store/vectorstore"
	"github.com/engramlabs/engram/pkg/taskerr"
)

// GraphSource supplies the entity graph for new or rewritten text. The
// extraction stage satisfies it; tests substitute a stub.
type GraphSource interface {
	Graph(ctx context.Context, ownerID, content string) ([]memory.Entity, []memory.Relation)
}

const (
	defaultEmbedTimeout = 30 * time.Second
	defaultStoreTimeout = 30 * time.Second
)

type Dependencies struct {
	Logger     *log.Logger
	Graphs     GraphSource
	Embedder   ai.Embedding
	EmbedModel string
	Vectors    vectorstore.Store
	Graph      graphstore.Store
	Records    recordstore.Store

	// EmbedTimeout bounds each embedding call; StoreTimeout bounds each
	// vector and record store call and each subgraph write. Zero means
	// the package default.
	EmbedTimeout time.Duration
	StoreTimeout time.Duration
}

// Executor is the write stage of the pipeline.
type Executor struct {
	logger       *log.Logger
	graphs       GraphSource
	embedder     ai.Embedding
	embedModel   string
	vectors      vectorstore.Store
	graph        graphstore.Store
	records      recordstore.Store
	embedTimeout time.Duration
	storeTimeout time.Duration
}

func New(deps Dependencies) (*Executor, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Graphs == nil {
		return nil, fmt.Errorf("graph source cannot be nil")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if deps.EmbedModel == "" {
		return nil, fmt.Errorf("embedding model cannot be empty")
	}
	if deps.Vectors == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}
	if deps.Graph == nil {
		return nil, fmt.Errorf("graph store cannot be nil")
	}
	if deps.Records == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if deps.EmbedTimeout <= 0 {
		deps.EmbedTimeout = defaultEmbedTimeout
	}
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = defaultStoreTimeout
	}
	return &Executor{
		logger:       deps.Logger,
		graphs:       deps.Graphs,
		embedder:     deps.Embedder,
		embedModel:   deps.EmbedModel,
		vectors:      deps.Vectors,
		graph:        deps.Graph,
		records:      deps.Records,
		embedTimeout: deps.EmbedTimeout,
		storeTimeout: deps.StoreTimeout,
	}, nil
}

// embed bounds one embedding call by the configured timeout.
func (e *Executor) embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()
	return e.embedder.Embedding(ctx, text, e.embedModel)
}

// storeCtx derives the per-call deadline every store access runs under.
func (e *Executor) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storeTimeout)
}

func (e *Executor) factByVectorID(ctx context.Context, ownerID string, id memory.VectorID) (*memory.Fact, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.records.FactByVectorID(ctx, ownerID, id)
}

func (e *Executor) deletePoints(ctx context.Context, ownerID string, ids []memory.VectorID) error {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.vectors.Delete(ctx, ownerID, ids)
}

func (e *Executor) deleteFactRow(ctx context.Context, id memory.FactID) (bool, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.records.DeleteFact(ctx, id)
}

// Apply runs every operation in order and reports what actually
// happened. Individual operations fail soft: a failure lands in
// Failures and the remaining operations still run, because the audit
// row is the recovery mechanism here, not a blind retry of writes that
// may have partially landed.
func (e *Executor) Apply(ctx context.Context, ownerID string, memoryID *uuid.UUID, ops []memory.Operation, candidates []memory.Candidate, facts []memory.ExtractedFact, metadata map[string]any) *memory.ExecutionSummary {
	start := time.Now()
	e.logger.Infof("[MEMORY_EXECUTOR] START | user_id=%s | operations=%d | candidates=%d", ownerID, len(ops), len(candidates))

	summary := &memory.ExecutionSummary{}
	for _, op := range ops {
		switch o := op.(type) {
		case memory.AddOp:
			result, err := e.applyAdd(ctx, ownerID, memoryID, o, facts, metadata)
			if err != nil {
				e.failOp(summary, memory.EventAdd, o.Text, err)
				continue
			}
			summary.Added = append(summary.Added, result)
		case memory.UpdateOp:
			result, err := e.applyUpdate(ctx, ownerID, o, candidates, metadata)
			if err != nil {
				e.failOp(summary, memory.EventUpdate, o.Text, err)
				continue
			}
			summary.Updated = append(summary.Updated, result)
		case memory.DeleteOp:
			result, err := e.applyDelete(ctx, ownerID, o, candidates)
			if err != nil {
				e.failOp(summary, memory.EventDelete, o.Text, err)
				continue
			}
			summary.Deleted = append(summary.Deleted, result)
		case memory.NoneOp:
			summary.NoneOps++
		default:
			e.failOp(summary, op.Event(), "", fmt.Errorf("unknown operation type %T", op))
		}
	}

	added, updated, deleted, none := summary.Counts()
	e.logger.Infof("[MEMORY_EXECUTOR] DONE | user_id=%s | added=%d | updated=%d | deleted=%d | none=%d | failures=%d | duration=%dms",
		ownerID, added, updated, deleted, none, len(summary.Failures), time.Since(start).Milliseconds())
	return summary
}

func (e *Executor) failOp(summary *memory.ExecutionSummary, event memory.Event, text string, err error) {
	msg := fmt.Sprintf("%s %q: %v", event, truncate(text, 80), err)
	summary.Failures = append(summary.Failures, msg)
	e.logger.Warnf("[MEMORY_EXECUTOR] OP_FAILED | event=%s | error=%v", event, err)
}

// applyAdd writes a brand-new memory. Order: graph extraction first
// (read only), then the fact row, then the vector point, then the
// graph. When the point or graph write fails the fact row stays put:
// the relational store is the source of truth and a re-drive can
// rebuild the rest from it.
func (e *Executor) applyAdd(ctx context.Context, ownerID string, memoryID *uuid.UUID, op memory.AddOp, extracted []memory.ExtractedFact, metadata map[string]any) (memory.OperationResult, error) {
	entities, relations := e.graphs.Graph(ctx, ownerID, op.Text)

	vector, err := e.embed(ctx, op.Text)
	if err != nil {
		return memory.OperationResult{}, errors.Wrap(err, "embedding new memory")
	}

	category, importance := classify(op.Text, extracted)
	fact := &memory.Fact{
		OwnerID:    ownerID,
		MemoryID:   memoryID,
		Content:    op.Text,
		Category:   category,
		Importance: importance,
		Entities:   entities,
		Relations:  relations,
		VectorID:   memory.NewVectorID(),
	}
	insCtx, cancelIns := e.storeCtx(ctx)
	err = e.records.InsertFact(insCtx, fact)
	cancelIns()
	if err != nil {
		if recordstore.IsUniqueViolation(err) {
			e.logger.Warnf("[MEMORY_EXECUTOR] DUPLICATE_VECTOR_ID | user_id=%s | vector_id=%s", ownerID, fact.VectorID)
			return memory.OperationResult{
				VectorID: fact.VectorID.String(),
				Content:  op.Text,
				Detail:   "duplicate vector id, already stored",
			}, nil
		}
		return memory.OperationResult{}, errors.Wrap(err, "inserting fact row")
	}

	point := vectorstore.Point{
		ID:      fact.VectorID,
		Vector:  vectorstore.Vector32(vector),
		Payload: vectorstore.PayloadForFact(fact, metadata),
	}
	upCtx, cancelUp := e.storeCtx(ctx)
	err = e.vectors.Upsert(upCtx, ownerID, []vectorstore.Point{point})
	cancelUp()
	if err != nil {
		// Fact row intentionally left in place for re-drive.
		return memory.OperationResult{}, errors.Wrapf(err, "upserting vector point (fact row %d retained)", fact.ID)
	}

	e.saveGraph(ctx, ownerID, entities, relations)

	return memory.OperationResult{
		VectorID: fact.VectorID.String(),
		FactID:   fact.ID,
		Content:  op.Text,
	}, nil
}

// applyUpdate rewrites an existing memory in place. Order: vector
// point first (same id, new payload), then the graph set-diff, then
// the fact row last so the row only claims the new content once the
// other stores hold it.
func (e *Executor) applyUpdate(ctx context.Context, ownerID string, op memory.UpdateOp, candidates []memory.Candidate, metadata map[string]any) (memory.OperationResult, error) {
	cand, ok := resolveCandidate(op.ID, candidates)
	if !ok {
		return memory.OperationResult{}, fmt.Errorf("target %q is not among the candidates", op.ID)
	}

	fact, err := e.factByVectorID(ctx, ownerID, cand.VectorID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return memory.OperationResult{}, fmt.Errorf("target %q has no fact row", op.ID)
		}
		return memory.OperationResult{}, errors.Wrap(err, "loading fact row")
	}
	oldContent := fact.Content
	oldEntities := fact.Entities
	oldRelations := fact.Relations

	newEntities, newRelations := e.graphs.Graph(ctx, ownerID, op.Text)

	vector, err := e.embed(ctx, op.Text)
	if err != nil {
		return memory.OperationResult{}, errors.Wrap(err, "embedding updated memory")
	}

	fact.Content = op.Text
	fact.Entities = newEntities
	fact.Relations = newRelations

	point := vectorstore.Point{
		ID:      fact.VectorID,
		Vector:  vectorstore.Vector32(vector),
		Payload: vectorstore.PayloadForFact(fact, metadata),
	}
	upCtx, cancelUp := e.storeCtx(ctx)
	err = e.vectors.Upsert(upCtx, ownerID, []vectorstore.Point{point})
	cancelUp()
	if err != nil {
		return memory.OperationResult{}, errors.Wrap(err, "upserting vector point")
	}

	e.diffGraph(ctx, ownerID, oldEntities, oldRelations, newEntities, newRelations)

	rowCtx, cancelRow := e.storeCtx(ctx)
	err = e.records.UpdateFact(rowCtx, fact)
	cancelRow()
	if err != nil {
		return memory.OperationResult{}, errors.Wrap(err, "updating fact row")
	}

	return memory.OperationResult{
		VectorID: fact.VectorID.String(),
		FactID:   fact.ID,
		Content:  op.Text,
		Detail:   "replaced: " + truncate(oldContent, 200),
	}, nil
}

// applyDelete removes a memory from all three stores. Order: vector
// point first, then the graph, then the fact row last, so an
// interrupted delete leaves a row describing what still needs cleanup
// rather than an untraceable orphan point.
func (e *Executor) applyDelete(ctx context.Context, ownerID string, op memory.DeleteOp, candidates []memory.Candidate) (memory.OperationResult, error) {
	cand, ok := resolveCandidate(op.ID, candidates)
	if !ok {
		return memory.OperationResult{}, fmt.Errorf("target %q is not among the candidates", op.ID)
	}

	entities := cand.Entities
	relations := cand.Relations
	factID := cand.FactID
	content := cand.Text

	fact, err := e.factByVectorID(ctx, ownerID, cand.VectorID)
	switch {
	case err == nil:
		entities = fact.Entities
		relations = fact.Relations
		factID = fact.ID
		content = fact.Content
	case errors.Is(err, recordstore.ErrNotFound):
		// Row already gone; fall back to the candidate's projection so
		// the point and subgraph still get cleaned up.
	default:
		return memory.OperationResult{}, errors.Wrap(err, "loading fact row")
	}

	if err := e.deletePoints(ctx, ownerID, []memory.VectorID{cand.VectorID}); err != nil {
		return memory.OperationResult{}, errors.Wrap(err, "deleting vector point")
	}

	e.removeGraph(ctx, ownerID, entities, relations)

	if factID != 0 {
		if _, err := e.deleteFactRow(ctx, factID); err != nil {
			return memory.OperationResult{}, errors.Wrap(err, "deleting fact row")
		}
	}

	return memory.OperationResult{
		VectorID: cand.VectorID.String(),
		FactID:   factID,
		Content:  content,
	}, nil
}

// InsertBatch writes pre-embedded facts through all three stores as
// one unit. Order: vector points first, fact rows in a single
// transaction second, graph last. When the transaction fails the
// points are deleted again so a retry starts clean; deterministic
// vector ids make the retry idempotent, and a unique violation on the
// rows therefore means a redelivered batch that already landed.
func (e *Executor) InsertBatch(ctx context.Context, ownerID string, facts []*memory.Fact, embeddings [][]float64, metadata map[string]any) (*memory.ExecutionSummary, error) {
	if len(facts) != len(embeddings) {
		return nil, fmt.Errorf("got %d facts but %d embeddings", len(facts), len(embeddings))
	}
	start := time.Now()
	e.logger.Infof("[MEMORY_EXECUTOR] BATCH_START | user_id=%s | facts=%d", ownerID, len(facts))

	points := make([]vectorstore.Point, len(facts))
	ids := make([]memory.VectorID, len(facts))
	for i, fact := range facts {
		points[i] = vectorstore.Point{
			ID:      fact.VectorID,
			Vector:  vectorstore.Vector32(embeddings[i]),
			Payload: vectorstore.PayloadForFact(fact, metadata),
		}
		ids[i] = fact.VectorID
	}
	upCtx, cancelUp := e.storeCtx(ctx)
	err := e.vectors.Upsert(upCtx, ownerID, points)
	cancelUp()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Transient, err, "upserting batch points")
	}

	insCtx, cancelIns := e.storeCtx(ctx)
	err = e.records.InsertFacts(insCtx, facts)
	cancelIns()
	if err != nil {
		if !recordstore.IsUniqueViolation(err) {
			if delErr := e.deletePoints(ctx, ownerID, ids); delErr != nil {
				e.logger.Errorf("[MEMORY_EXECUTOR] COMPENSATION_FAILED | user_id=%s | points=%d | error=%v", ownerID, len(ids), delErr)
			} else {
				e.logger.Warnf("[MEMORY_EXECUTOR] COMPENSATED | user_id=%s | deleted_points=%d", ownerID, len(ids))
			}
			return nil, taskerr.Wrap(taskerr.Transient, err, "inserting batch fact rows")
		}
		// Rows from a previous delivery. Resolve their ids so the
		// summary still reports real fact ids.
		lookCtx, cancelLook := e.storeCtx(ctx)
		existing, lookErr := e.records.FactsByVectorIDs(lookCtx, ownerID, ids)
		cancelLook()
		if lookErr != nil {
			return nil, taskerr.Wrap(taskerr.Transient, lookErr, "resolving already-ingested batch rows")
		}
		byVector := make(map[memory.VectorID]*memory.Fact, len(existing))
		for _, f := range existing {
			byVector[f.VectorID] = f
		}
		for _, f := range facts {
			if row, ok := byVector[f.VectorID]; ok {
				f.ID = row.ID
			}
		}
		e.logger.Infof("[MEMORY_EXECUTOR] BATCH_DUPLICATE | user_id=%s | facts=%d", ownerID, len(facts))
	}

	var allEntities []memory.Entity
	var allRelations []memory.Relation
	seenEntity := make(map[string]struct{})
	for _, fact := range facts {
		for _, ent := range fact.Entities {
			if _, ok := seenEntity[ent.Name]; ok {
				continue
			}
			seenEntity[ent.Name] = struct{}{}
			allEntities = append(allEntities, ent)
		}
		allRelations = append(allRelations, fact.Relations...)
	}
	e.saveGraph(ctx, ownerID, allEntities, allRelations)

	summary := &memory.ExecutionSummary{}
	for _, fact := range facts {
		summary.Added = append(summary.Added, memory.OperationResult{
			VectorID: fact.VectorID.String(),
			FactID:   fact.ID,
			Content:  fact.Content,
		})
	}
	e.logger.Infof("[MEMORY_EXECUTOR] BATCH_DONE | user_id=%s | added=%d | duration=%dms",
		ownerID, len(summary.Added), time.Since(start).Milliseconds())
	return summary, nil
}

// DeleteByVectorID removes one memory addressed directly by its point
// id, reporting per store what was actually removed.
func (e *Executor) DeleteByVectorID(ctx context.Context, ownerID string, vectorID memory.VectorID) (memory.DeleteReceipt, error) {
	receipt := memory.DeleteReceipt{}

	fact, err := e.factByVectorID(ctx, ownerID, vectorID)
	if err != nil && !errors.Is(err, recordstore.ErrNotFound) {
		return receipt, errors.Wrap(err, "loading fact row")
	}

	// The point delete runs even without a row so orphaned points get
	// cleaned up, but the receipt only claims a removal the row anchors:
	// Qdrant treats deleting an absent point as success.
	if vecErr := e.deletePoints(ctx, ownerID, []memory.VectorID{vectorID}); vecErr != nil {
		e.logger.Warnf("[MEMORY_EXECUTOR] DELETE_POINT_FAILED | user_id=%s | vector_id=%s | error=%v", ownerID, vectorID, vecErr)
	} else if fact != nil {
		receipt.Qdrant = true
	}

	if fact != nil {
		if len(fact.Entities) > 0 || len(fact.Relations) > 0 {
			receipt.Neo4j = e.removeGraph(ctx, ownerID, fact.Entities, fact.Relations)
		}
		existed, rowErr := e.deleteFactRow(ctx, fact.ID)
		if rowErr != nil {
			e.logger.Warnf("[MEMORY_EXECUTOR] DELETE_ROW_FAILED | user_id=%s | fact_id=%d | error=%v", ownerID, fact.ID, rowErr)
		} else {
			receipt.Postgres = existed
		}
	}

	return receipt, nil
}

// saveGraph is the best-effort graph write shared by ADD and the batch
// path: the memory is already searchable when this runs, so a graph
// failure degrades to a warning instead of failing the operation.
func (e *Executor) saveGraph(ctx context.Context, ownerID string, entities []memory.Entity, relations []memory.Relation) {
	if len(entities) == 0 && len(relations) == 0 {
		return
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.graph.UpsertEntities(ctx, ownerID, entities); err != nil {
		e.logger.Warnf("[MEMORY_EXECUTOR] GRAPH_WRITE_FAILED | user_id=%s | error=%v", ownerID, err)
		return
	}
	if err := e.graph.UpsertEdges(ctx, ownerID, relations); err != nil {
		e.logger.Warnf("[MEMORY_EXECUTOR] GRAPH_WRITE_FAILED | user_id=%s | error=%v", ownerID, err)
	}
}

// diffGraph reconciles the subgraph of an updated fact: edges the new
// text no longer supports are removed, entities it no longer mentions
// are removed if nothing else references them, then the new subgraph
// is merged in.
func (e *Executor) diffGraph(ctx context.Context, ownerID string, oldEntities []memory.Entity, oldRelations []memory.Relation, newEntities []memory.Entity, newRelations []memory.Relation) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	keep := make(map[string]struct{}, len(newRelations))
	for _, r := range newRelations {
		keep[edgeKey(r)] = struct{}{}
	}
	for _, r := range oldRelations {
		if _, ok := keep[edgeKey(r)]; ok {
			continue
		}
		if err := e.graph.DeleteEdge(ctx, ownerID, r); err != nil {
			e.logger.Warnf("[MEMORY_EXECUTOR] GRAPH_DIFF_FAILED | user_id=%s | edge=%s | error=%v", ownerID, r.String(), err)
		}
	}

	keepEntity := make(map[string]struct{}, len(newEntities))
	for _, ent := range newEntities {
		keepEntity[ent.Name] = struct{}{}
	}
	for _, ent := range oldEntities {
		if _, ok := keepEntity[ent.Name]; ok {
			continue
		}
		if _, err := e.graph.DeleteEntityIfOrphan(ctx, ownerID, ent.Name); err != nil {
			e.logger.Warnf("[MEMORY_EXECUTOR] GRAPH_DIFF_FAILED | user_id=%s | entity=%s | error=%v", ownerID, ent.Name, err)
		}
	}

	e.saveGraph(ctx, ownerID, newEntities, newRelations)
}

// removeGraph deletes a fact's whole subgraph: every edge, then every
// entity node. Reports whether all deletes succeeded.
func (e *Executor) removeGraph(ctx context.Context, ownerID string, entities []memory.Entity, relations []memory.Relation) bool {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	clean := true
	for _, r := range relations {
		if err := e.graph.DeleteEdge(ctx, ownerID, r); err != nil {
			e.logger.Warnf("[MEMORY_EXECUTOR] GRAPH_DELETE_FAILED | user_id=%s | edge=%s | error=%v", ownerID, r.String(), err)
			clean = false
		}
	}
	for _, ent := range entities {
		if err := e.graph.DeleteEntity(ctx, ownerID, ent.Name); err != nil {
			e.logger.Warnf("[MEMORY_EXECUTOR] GRAPH_DELETE_FAILED | user_id=%s | entity=%s | error=%v", ownerID, ent.Name, err)
			clean = false
		}
	}
	return clean
}

// classify inherits category and importance from the extracted fact
// the judged text came from. The judgment model echoes fact text back
// mostly verbatim; when it rephrases, the defaults apply.
func classify(text string, extracted []memory.ExtractedFact) (memory.Category, memory.Importance) {
	needle := strings.ToLower(strings.TrimSpace(text))
	for _, f := range extracted {
		if strings.ToLower(strings.TrimSpace(f.Content)) == needle {
			return f.Category, f.Importance
		}
	}
	return memory.CategoryFact, memory.ImportanceMedium
}

func resolveCandidate(id string, candidates []memory.Candidate) (memory.Candidate, bool) {
	id = strings.TrimSpace(id)
	for _, c := range candidates {
		if c.ID == id {
			return c, true
		}
	}
	return memory.Candidate{}, false
}

// edgeKey identifies an edge the way the graph stores it: endpoints
// plus the sanitized relationship type.
func edgeKey(r memory.Relation) string {
	return r.Source + "\x00" + graphstore.SanitizeRelation(r.Relation) + "\x00" + r.Target
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
