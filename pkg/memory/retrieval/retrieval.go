// Package retrieval composes the query context an agent injects into
// its prompt: direct vector hits, facts pulled in through one hop of
// the entity graph, and the entity names that connected them.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/store/graphstore"
	"github.com/engramlabs/engram/pkg/store/recordstore"
	"github.com/engramlabs/engram/pkg/store/vectorstore"
)

const (
	defaultLimit = 10
	maxLimit     = 50

	// maxExpandedEntities bounds how many direct-hit entities get a
	// neighbor lookup; maxExtractedEntities bounds the names reported
	// back to the caller.
	maxExpandedEntities  = 10
	maxExtractedEntities = 20
	neighborLimit        = 5

	defaultEmbedTimeout = 30 * time.Second
	defaultStoreTimeout = 30 * time.Second
)

type Dependencies struct {
	Logger     *log.Logger
	Embedder   ai.Embedding
	EmbedModel string
	Vectors    vectorstore.Store
	Graph      graphstore.Store
	Records    recordstore.Store

	// EmbedTimeout bounds the query embedding call; StoreTimeout bounds
	// each individual store call. Zero means the package default.
	EmbedTimeout time.Duration
	StoreTimeout time.Duration
}

// Composer is the read side of the engine.
type Composer struct {
	logger       *log.Logger
	embedder     ai.Embedding
	embedModel   string
	vectors      vectorstore.Store
	graph        graphstore.Store
	records      recordstore.Store
	embedTimeout time.Duration
	storeTimeout time.Duration
}

func New(deps Dependencies) (*Composer, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
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
	return &Composer{
		logger:       deps.Logger,
		embedder:     deps.Embedder,
		embedModel:   deps.EmbedModel,
		vectors:      deps.Vectors,
		graph:        deps.Graph,
		records:      deps.Records,
		embedTimeout: deps.EmbedTimeout,
		storeTimeout: deps.StoreTimeout,
	}, nil
}

// storeCtx derives the per-call deadline every store access runs under.
func (c *Composer) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.storeTimeout)
}

// Compose answers one retrieval query. The vector search runs without
// a score floor so a sparse memory still returns its best matches, and
// each hit is re-read from its fact row so the response carries the
// authoritative content. Row resolution, graph expansion and the
// related-memory sweep degrade to partial results when their stores are
// unavailable, because direct hits alone are still worth returning.
func (c *Composer) Compose(ctx context.Context, ownerID, query string, limit int) (*memory.QueryContext, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	start := time.Now()

	embedCtx, cancelEmbed := context.WithTimeout(ctx, c.embedTimeout)
	vector, err := c.embedder.Embedding(embedCtx, query, c.embedModel)
	cancelEmbed()
	if err != nil {
		return nil, errors.Wrap(err, "embedding query")
	}

	searchCtx, cancelSearch := c.storeCtx(ctx)
	points, err := c.vectors.Search(searchCtx, ownerID, vectorstore.Vector32(vector), limit, 0)
	cancelSearch()
	if err != nil {
		return nil, errors.Wrap(err, "searching vector index")
	}

	hits := lo.Map(points, func(p vectorstore.ScoredPoint, _ int) memory.SearchHit {
		return memory.SearchHit{
			VectorID:    p.ID,
			Score:       float64(p.Score),
			Content:     p.Payload.Content,
			Category:    p.Payload.Category,
			Importance:  p.Payload.Importance,
			EntityNames: p.Payload.EntityNames,
			Relations:   p.Payload.Relations,
			FactID:      p.Payload.FactID,
			Metadata:    p.Payload.Metadata,
		}
	})
	c.resolveRows(ctx, ownerID, hits)

	focus := directEntityNames(hits)
	entityNames, entitySet := c.expandEntities(ctx, ownerID, focus)
	related := c.relatedMemories(ctx, ownerID, hits, entitySet)

	result := &memory.QueryContext{
		VectorMemories:  hits,
		RelatedMemories: related,
		ExtractedEntities: lo.Map(entityNames, func(name string, _ int) memory.EntityRef {
			return memory.EntityRef{Name: name}
		}),
	}
	c.logger.Infof("[MEMORY_RETRIEVAL] DONE | user_id=%s | direct=%d | related=%d | entities=%d | duration=%dms",
		ownerID, len(result.VectorMemories), len(result.RelatedMemories), len(result.ExtractedEntities), time.Since(start).Milliseconds())
	return result, nil
}

// resolveRows overlays each direct hit with its authoritative fact row.
// The point payload is a projection that can trail the row after an
// update, so the row wins wherever one exists; a failed lookup degrades
// to the payload copy.
func (c *Composer) resolveRows(ctx context.Context, ownerID string, hits []memory.SearchHit) {
	if len(hits) == 0 {
		return
	}
	ids := lo.Map(hits, func(h memory.SearchHit, _ int) memory.VectorID { return h.VectorID })

	rowCtx, cancel := c.storeCtx(ctx)
	rows, err := c.records.FactsByVectorIDs(rowCtx, ownerID, ids)
	cancel()
	if err != nil {
		c.logger.Warnf("[MEMORY_RETRIEVAL] ROW_RESOLVE_FAILED | user_id=%s | error=%v", ownerID, err)
		return
	}

	byVector := make(map[memory.VectorID]*memory.Fact, len(rows))
	for _, row := range rows {
		byVector[row.VectorID] = row
	}
	for i := range hits {
		row, ok := byVector[hits[i].VectorID]
		if !ok {
			continue
		}
		hits[i].Content = row.Content
		hits[i].Category = row.Category
		hits[i].Importance = row.Importance
		hits[i].EntityNames = row.EntityNames()
		hits[i].Relations = row.RelationStrings()
		hits[i].FactID = row.ID
	}
}

// directEntityNames collects the distinct entity names of the direct
// hits in result order.
func directEntityNames(hits []memory.SearchHit) []string {
	var names []string
	for _, h := range hits {
		names = append(names, h.EntityNames...)
	}
	return lo.Uniq(names)
}

// expandEntities walks one hop out from the strongest direct-hit
// entities. Returns the reportable name list (capped) and the full
// membership set used for the related-memory sweep.
func (c *Composer) expandEntities(ctx context.Context, ownerID string, focus []string) ([]string, map[string]struct{}) {
	names := append([]string(nil), focus...)
	set := make(map[string]struct{}, len(focus))
	for _, name := range focus {
		set[name] = struct{}{}
	}

	expand := focus
	if len(expand) > maxExpandedEntities {
		expand = expand[:maxExpandedEntities]
	}
	for _, name := range expand {
		hoodCtx, cancel := c.storeCtx(ctx)
		hood, err := c.graph.Neighbors(hoodCtx, ownerID, name, neighborLimit)
		cancel()
		if err != nil {
			c.logger.Warnf("[MEMORY_RETRIEVAL] GRAPH_EXPAND_FAILED | user_id=%s | entity=%s | error=%v", ownerID, name, err)
			continue
		}
		for _, neighbor := range hood.Names() {
			if _, ok := set[neighbor]; ok {
				continue
			}
			set[neighbor] = struct{}{}
			names = append(names, neighbor)
		}
	}

	if len(names) > maxExtractedEntities {
		names = names[:maxExtractedEntities]
	}
	return names, set
}

// relatedMemories sweeps the owner's facts for ones that touch the
// expanded entity set without already being direct hits. Their score
// is zero: adjacency is membership, not similarity.
func (c *Composer) relatedMemories(ctx context.Context, ownerID string, hits []memory.SearchHit, entitySet map[string]struct{}) []memory.RelatedMemory {
	if len(entitySet) == 0 {
		return nil
	}
	sweepCtx, cancel := c.storeCtx(ctx)
	facts, err := c.records.FactsByOwner(sweepCtx, ownerID)
	cancel()
	if err != nil {
		c.logger.Warnf("[MEMORY_RETRIEVAL] RELATED_SWEEP_FAILED | user_id=%s | error=%v", ownerID, err)
		return nil
	}

	direct := make(map[memory.VectorID]struct{}, len(hits))
	for _, h := range hits {
		direct[h.VectorID] = struct{}{}
	}

	var related []memory.RelatedMemory
	for _, fact := range facts {
		if _, ok := direct[fact.VectorID]; ok {
			continue
		}
		if !touchesSet(fact.EntityNames(), entitySet) {
			continue
		}
		related = append(related, memory.RelatedMemory{
			VectorID:    fact.VectorID,
			Content:     fact.Content,
			Category:    fact.Category,
			EntityNames: fact.EntityNames(),
			Score:       0,
		})
	}
	return related
}

func touchesSet(names []string, set map[string]struct{}) bool {
	for _, name := range names {
		if _, ok := set[name]; ok {
			return true
		}
	}
	return false
}
