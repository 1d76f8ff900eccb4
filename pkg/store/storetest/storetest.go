// Package storetest provides in-memory implementations of the three
// store contracts for pipeline tests: same visible semantics, no
// servers, plus failure switches for exercising error paths.
package storetest

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/store/graphstore"
	"github.com/engramlabs/engram/pkg/store/recordstore"
	"github.com/engramlabs/engram/pkg/store/vectorstore"
)

// ---------------------------------------------------------------------------
// Vector store
// ---------------------------------------------------------------------------

var _ vectorstore.Store = (*FakeVectorStore)(nil)

// FakeVectorStore keeps points per owner and scores searches by cosine
// similarity. Scripted results can override scoring for deterministic
// candidate sets.
type FakeVectorStore struct {
	mu sync.Mutex

	points      map[string]map[memory.VectorID]vectorstore.Point
	collections map[string]int

	// ScriptedSearch, when set for an owner, is returned instead of
	// computed scores (limit and floor still apply).
	ScriptedSearch map[string][]vectorstore.ScoredPoint

	// LastSearchLimit and LastSearchFloor record the most recent Search
	// arguments for assertions.
	LastSearchLimit int
	LastSearchFloor float32

	FailUpsert error
	FailDelete error
	FailSearch error
	FailPing   error
}

func NewFakeVectorStore() *FakeVectorStore {
	return &FakeVectorStore{
		points:         make(map[string]map[memory.VectorID]vectorstore.Point),
		collections:    make(map[string]int),
		ScriptedSearch: make(map[string][]vectorstore.ScoredPoint),
	}
}

func (s *FakeVectorStore) EnsureCollection(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[ownerID]++
	if _, ok := s.points[ownerID]; !ok {
		s.points[ownerID] = make(map[memory.VectorID]vectorstore.Point)
	}
	return nil
}

func (s *FakeVectorStore) Upsert(ctx context.Context, ownerID string, points []vectorstore.Point) error {
	if s.FailUpsert != nil {
		return s.FailUpsert
	}
	if err := s.EnsureCollection(ctx, ownerID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		s.points[ownerID][p.ID] = p
	}
	return nil
}

func (s *FakeVectorStore) Delete(_ context.Context, ownerID string, ids []memory.VectorID) error {
	if s.FailDelete != nil {
		return s.FailDelete
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.points[ownerID], id)
	}
	return nil
}

func (s *FakeVectorStore) Search(_ context.Context, ownerID string, vector []float32, limit int, scoreFloor float32) ([]vectorstore.ScoredPoint, error) {
	if s.FailSearch != nil {
		return nil, s.FailSearch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSearchLimit = limit
	s.LastSearchFloor = scoreFloor

	var hits []vectorstore.ScoredPoint
	if scripted, ok := s.ScriptedSearch[ownerID]; ok {
		hits = append(hits, scripted...)
	} else {
		for _, p := range s.points[ownerID] {
			hits = append(hits, vectorstore.ScoredPoint{
				ID:      p.ID,
				Score:   cosine(vector, p.Vector),
				Payload: p.Payload,
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	filtered := make([]vectorstore.ScoredPoint, 0, len(hits))
	for _, h := range hits {
		if scoreFloor > 0 && h.Score < scoreFloor {
			continue
		}
		filtered = append(filtered, h)
		if len(filtered) == limit {
			break
		}
	}
	return filtered, nil
}

func (s *FakeVectorStore) Ping(context.Context) error { return s.FailPing }

func (s *FakeVectorStore) Close() error { return nil }

// HasPoint reports whether the owner's collection holds the id.
func (s *FakeVectorStore) HasPoint(ownerID string, id memory.VectorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.points[ownerID][id]
	return ok
}

// PointCount reports how many points the owner's collection holds.
func (s *FakeVectorStore) PointCount(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points[ownerID])
}

// Point returns a stored point by id.
func (s *FakeVectorStore) Point(ownerID string, id memory.VectorID) (vectorstore.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.points[ownerID][id]
	return p, ok
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// ---------------------------------------------------------------------------
// Graph store
// ---------------------------------------------------------------------------

var _ graphstore.Store = (*FakeGraphStore)(nil)

type fakeEdge struct {
	Source   string
	Relation string
	Target   string
}

// FakeGraphStore keeps nodes and directed edges per owner with the
// same merge and delete semantics as the Neo4j adapter.
type FakeGraphStore struct {
	mu sync.Mutex

	nodes map[string]map[string]memory.Entity
	edges map[string][]fakeEdge

	FailUpsert    error
	FailDelete    error
	FailNeighbors error
	FailPing      error
}

func NewFakeGraphStore() *FakeGraphStore {
	return &FakeGraphStore{
		nodes: make(map[string]map[string]memory.Entity),
		edges: make(map[string][]fakeEdge),
	}
}

func (s *FakeGraphStore) UpsertEntities(_ context.Context, ownerID string, entities []memory.Entity) error {
	if s.FailUpsert != nil {
		return s.FailUpsert
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[ownerID]; !ok {
		s.nodes[ownerID] = make(map[string]memory.Entity)
	}
	for _, e := range entities {
		if e.Name == "" {
			continue
		}
		s.nodes[ownerID][e.Name] = e
	}
	return nil
}

func (s *FakeGraphStore) UpsertEdges(_ context.Context, ownerID string, relations []memory.Relation) error {
	if s.FailUpsert != nil {
		return s.FailUpsert
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range relations {
		// Like the adapter: both endpoints must exist, merges are
		// idempotent.
		if _, ok := s.nodes[ownerID][r.Source]; !ok {
			continue
		}
		if _, ok := s.nodes[ownerID][r.Target]; !ok {
			continue
		}
		edge := fakeEdge{Source: r.Source, Relation: graphstore.SanitizeRelation(r.Relation), Target: r.Target}
		if s.hasEdgeLocked(ownerID, edge) {
			continue
		}
		s.edges[ownerID] = append(s.edges[ownerID], edge)
	}
	return nil
}

func (s *FakeGraphStore) hasEdgeLocked(ownerID string, edge fakeEdge) bool {
	for _, e := range s.edges[ownerID] {
		if e == edge {
			return true
		}
	}
	return false
}

func (s *FakeGraphStore) DeleteEdge(_ context.Context, ownerID string, rel memory.Relation) error {
	if s.FailDelete != nil {
		return s.FailDelete
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sanitized := graphstore.SanitizeRelation(rel.Relation)
	kept := s.edges[ownerID][:0]
	for _, e := range s.edges[ownerID] {
		undirectedMatch := e.Relation == sanitized &&
			((e.Source == rel.Source && e.Target == rel.Target) ||
				(e.Source == rel.Target && e.Target == rel.Source))
		if !undirectedMatch {
			kept = append(kept, e)
		}
	}
	s.edges[ownerID] = kept
	return nil
}

func (s *FakeGraphStore) DeleteEntity(_ context.Context, ownerID, name string) error {
	if s.FailDelete != nil {
		return s.FailDelete
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes[ownerID], name)
	kept := s.edges[ownerID][:0]
	for _, e := range s.edges[ownerID] {
		if e.Source != name && e.Target != name {
			kept = append(kept, e)
		}
	}
	s.edges[ownerID] = kept
	return nil
}

func (s *FakeGraphStore) DeleteEntityIfOrphan(ctx context.Context, ownerID, name string) (bool, error) {
	count, err := s.CountIncident(ctx, ownerID, name)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if count > 0 {
		return false, nil
	}
	if _, ok := s.nodes[ownerID][name]; !ok {
		return false, nil
	}
	delete(s.nodes[ownerID], name)
	return true, nil
}

func (s *FakeGraphStore) CountIncident(_ context.Context, ownerID, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, e := range s.edges[ownerID] {
		if e.Source == name || e.Target == name {
			count++
		}
	}
	return count, nil
}

func (s *FakeGraphStore) Neighbors(_ context.Context, ownerID, name string, limit int) (*graphstore.Neighborhood, error) {
	if s.FailNeighbors != nil {
		return nil, s.FailNeighbors
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hood := &graphstore.Neighborhood{}
	for _, e := range s.edges[ownerID] {
		if e.Source == name && len(hood.Outgoing) < limit {
			hood.Outgoing = append(hood.Outgoing, graphstore.Edge{Relation: e.Relation, Name: e.Target})
		}
		if e.Target == name && len(hood.Incoming) < limit {
			hood.Incoming = append(hood.Incoming, graphstore.Edge{Relation: e.Relation, Name: e.Source})
		}
	}
	return hood, nil
}

func (s *FakeGraphStore) Ping(context.Context) error { return s.FailPing }

func (s *FakeGraphStore) Close(context.Context) error { return nil }

// HasNode reports whether the entity exists for the owner.
func (s *FakeGraphStore) HasNode(ownerID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[ownerID][name]
	return ok
}

// HasEdge reports whether the directed edge exists (sanitized verb).
func (s *FakeGraphStore) HasEdge(ownerID string, rel memory.Relation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasEdgeLocked(ownerID, fakeEdge{
		Source:   rel.Source,
		Relation: graphstore.SanitizeRelation(rel.Relation),
		Target:   rel.Target,
	})
}

// NodeCount reports the owner's node count.
func (s *FakeGraphStore) NodeCount(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes[ownerID])
}

// ---------------------------------------------------------------------------
// Record store
// ---------------------------------------------------------------------------

var _ recordstore.Store = (*FakeRecordStore)(nil)

// FakeRecordStore keeps rows in maps, assigning serial fact ids.
type FakeRecordStore struct {
	mu sync.Mutex

	memories   map[uuid.UUID]*memory.Memory
	facts      map[memory.FactID]*memory.Fact
	audits     map[uuid.UUID]*memory.JudgmentAudit
	tasks      map[uuid.UUID]*recordstore.TaskRecord
	nextFactID memory.FactID

	FailCreateMemory     error
	FailInsertFact       error
	FailInsertFacts      error
	FailInsertAudit      error
	FailUpdateFact       error
	FailFactsByOwner     error
	FailFactsByVectorIDs error
	FailPing             error
}

func NewFakeRecordStore() *FakeRecordStore {
	return &FakeRecordStore{
		memories: make(map[uuid.UUID]*memory.Memory),
		facts:    make(map[memory.FactID]*memory.Fact),
		audits:   make(map[uuid.UUID]*memory.JudgmentAudit),
		tasks:    make(map[uuid.UUID]*recordstore.TaskRecord),
	}
}

func (s *FakeRecordStore) CreateMemory(_ context.Context, m *memory.Memory) error {
	if s.FailCreateMemory != nil {
		return s.FailCreateMemory
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	// Re-creating an existing id only bumps the timestamp, mirroring the
	// relational upsert.
	if existing, ok := s.memories[m.ID]; ok {
		existing.UpdatedAt = time.Now().UTC()
		m.CreatedAt = existing.CreatedAt
		m.UpdatedAt = existing.UpdatedAt
		return nil
	}
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	clone := *m
	s.memories[m.ID] = &clone
	return nil
}

func (s *FakeRecordStore) InsertFact(_ context.Context, f *memory.Fact) error {
	if s.FailInsertFact != nil {
		return s.FailInsertFact
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertFactLocked(f)
}

func (s *FakeRecordStore) insertFactLocked(f *memory.Fact) error {
	for _, existing := range s.facts {
		if existing.VectorID == f.VectorID {
			return errors.Wrap(&pgconn.PgError{Code: "23505"}, "inserting fact")
		}
	}
	s.nextFactID++
	f.ID = s.nextFactID
	f.CreatedAt = time.Now().UTC()
	f.UpdatedAt = f.CreatedAt
	clone := cloneFact(f)
	s.facts[f.ID] = clone
	return nil
}

func (s *FakeRecordStore) InsertFacts(_ context.Context, facts []*memory.Fact) error {
	if s.FailInsertFacts != nil {
		return s.FailInsertFacts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := make([]memory.FactID, 0, len(facts))
	for _, f := range facts {
		if err := s.insertFactLocked(f); err != nil {
			// Transactional: roll back what this call inserted.
			for _, id := range inserted {
				delete(s.facts, id)
			}
			return err
		}
		inserted = append(inserted, f.ID)
	}
	return nil
}

func (s *FakeRecordStore) FactByVectorID(_ context.Context, ownerID string, vectorID memory.VectorID) (*memory.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.facts {
		if f.OwnerID == ownerID && f.VectorID == vectorID {
			return cloneFact(f), nil
		}
	}
	return nil, recordstore.ErrNotFound
}

func (s *FakeRecordStore) FactsByVectorIDs(_ context.Context, ownerID string, vectorIDs []memory.VectorID) ([]*memory.Fact, error) {
	if s.FailFactsByVectorIDs != nil {
		return nil, s.FailFactsByVectorIDs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[memory.VectorID]struct{}, len(vectorIDs))
	for _, id := range vectorIDs {
		wanted[id] = struct{}{}
	}
	var out []*memory.Fact
	for _, f := range s.facts {
		if f.OwnerID != ownerID {
			continue
		}
		if _, ok := wanted[f.VectorID]; ok {
			out = append(out, cloneFact(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeRecordStore) FactsByOwner(_ context.Context, ownerID string) ([]*memory.Fact, error) {
	if s.FailFactsByOwner != nil {
		return nil, s.FailFactsByOwner
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*memory.Fact
	for _, f := range s.facts {
		if f.OwnerID == ownerID {
			out = append(out, cloneFact(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeRecordStore) UpdateFact(_ context.Context, f *memory.Fact) error {
	if s.FailUpdateFact != nil {
		return s.FailUpdateFact
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.facts[f.ID]
	if !ok {
		return recordstore.ErrNotFound
	}
	existing.Content = f.Content
	existing.Category = f.Category
	existing.Importance = f.Importance
	existing.Entities = append([]memory.Entity(nil), f.Entities...)
	existing.Relations = append([]memory.Relation(nil), f.Relations...)
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *FakeRecordStore) DeleteFact(_ context.Context, id memory.FactID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[id]; !ok {
		return false, nil
	}
	delete(s.facts, id)
	return true, nil
}

func (s *FakeRecordStore) InsertAudit(_ context.Context, a *memory.JudgmentAudit) error {
	if s.FailInsertAudit != nil {
		return s.FailInsertAudit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits[a.TraceID] = cloneAudit(a)
	return nil
}

func (s *FakeRecordStore) UpdateAuditExecution(_ context.Context, traceID uuid.UUID, executed *memory.ExecutionSummary, success bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	audit, ok := s.audits[traceID]
	if !ok {
		return recordstore.ErrNotFound
	}
	audit.ExecutedOperations = executed
	audit.Success = success
	audit.Error = errMsg
	return nil
}

func (s *FakeRecordStore) AuditByTraceID(_ context.Context, traceID uuid.UUID) (*memory.JudgmentAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	audit, ok := s.audits[traceID]
	if !ok {
		return nil, recordstore.ErrNotFound
	}
	return cloneAudit(audit), nil
}

func (s *FakeRecordStore) CreateTaskRecord(_ context.Context, t *recordstore.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = recordstore.TaskPending
	}
	t.EnqueuedAt = time.Now().UTC()
	clone := *t
	s.tasks[t.TaskID] = &clone
	return nil
}

func (s *FakeRecordStore) MarkTaskStarted(_ context.Context, taskID uuid.UUID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return recordstore.ErrNotFound
	}
	t.Status = recordstore.TaskStarted
	t.Attempts = attempt
	if t.StartedAt == nil {
		now := time.Now().UTC()
		t.StartedAt = &now
	}
	return nil
}

func (s *FakeRecordStore) MarkTaskRetry(_ context.Context, taskID uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return recordstore.ErrNotFound
	}
	t.Status = recordstore.TaskRetry
	t.Error = errMsg
	return nil
}

func (s *FakeRecordStore) MarkTaskFinished(_ context.Context, taskID uuid.UUID, status string, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return recordstore.ErrNotFound
	}
	t.Status = status
	t.Result = append(json.RawMessage(nil), result...)
	t.Error = errMsg
	now := time.Now().UTC()
	t.FinishedAt = &now
	return nil
}

func (s *FakeRecordStore) TaskByID(_ context.Context, taskID uuid.UUID) (*recordstore.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, recordstore.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *FakeRecordStore) Ping(context.Context) error { return s.FailPing }
func (s *FakeRecordStore) Close()                     {}

// FactCount reports how many fact rows the owner has.
func (s *FakeRecordStore) FactCount(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, f := range s.facts {
		if f.OwnerID == ownerID {
			count++
		}
	}
	return count
}

// MemoryCount reports how many memory rows the owner has.
func (s *FakeRecordStore) MemoryCount(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.memories {
		if m.OwnerID == ownerID {
			count++
		}
	}
	return count
}

// MemoryByID returns the stored memory row, or nil.
func (s *FakeRecordStore) MemoryByID(id uuid.UUID) *memory.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil
	}
	clone := *m
	return &clone
}

// TasksByOwner returns every task record for the owner, unordered.
func (s *FakeRecordStore) TasksByOwner(ownerID string) []*recordstore.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*recordstore.TaskRecord
	for _, t := range s.tasks {
		if t.OwnerID == ownerID {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out
}

// Audits returns every audit row for the owner, unordered.
func (s *FakeRecordStore) Audits(ownerID string) []*memory.JudgmentAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*memory.JudgmentAudit
	for _, a := range s.audits {
		if a.OwnerID == ownerID {
			out = append(out, cloneAudit(a))
		}
	}
	return out
}

func cloneFact(f *memory.Fact) *memory.Fact {
	clone := *f
	clone.Entities = append([]memory.Entity(nil), f.Entities...)
	clone.Relations = append([]memory.Relation(nil), f.Relations...)
	return &clone
}

func cloneAudit(a *memory.JudgmentAudit) *memory.JudgmentAudit {
	clone := *a
	clone.ExtractedFacts = append([]memory.ExtractedFact(nil), a.ExtractedFacts...)
	clone.CandidateMemories = append([]memory.Candidate(nil), a.CandidateMemories...)
	clone.ParsedOperations = append([]memory.OperationRecord(nil), a.ParsedOperations...)
	return &clone
}
