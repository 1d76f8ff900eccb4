// Package memory defines the domain model shared by the extraction,
// judgment, executor and retrieval stages: facts, entities, relations,
// candidate memories and the judgment audit record.
//
// The model is deliberately store-agnostic. Adapter packages under
// pkg/store translate these types into Qdrant points, Neo4j nodes and
// Postgres rows; nothing here imports a driver.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VectorID identifies a point in the vector index. It is a UUID in
// string form because it travels through LLM prompts and JSON payloads
// where a typed UUID would be lost anyway.
type VectorID string

// NewVectorID returns a fresh random VectorID.
func NewVectorID() VectorID {
	return VectorID(uuid.NewString())
}

// DeterministicVectorID derives a stable VectorID from owner and
// content so that batch re-ingestion of identical items lands on the
// same point instead of duplicating it.
func DeterministicVectorID(ownerID, content string) VectorID {
	return VectorID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(ownerID+":"+content)).String())
}

func (v VectorID) String() string { return string(v) }

// IsZero reports whether the id is unset.
func (v VectorID) IsZero() bool { return v == "" }

// FactID is the primary key of a fact row in the relational store.
type FactID int64

func (f FactID) String() string { return fmt.Sprintf("%d", f) }

// EntityKey uniquely addresses a graph node: entity names are only
// unique per owner.
type EntityKey struct {
	OwnerID string
	Name    string
}

// Category classifies what kind of statement a fact is.
type Category string

const (
	CategoryPreference Category = "preference"
	CategoryFact       Category = "fact"
	CategoryPlan       Category = "plan"
	CategoryExperience Category = "experience"
	CategoryOpinion    Category = "opinion"
)

// NormalizeCategory lowercases the input and falls back to
// CategoryFact for anything outside the known set.
func NormalizeCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryPreference, CategoryFact, CategoryPlan, CategoryExperience, CategoryOpinion:
		return c
	default:
		return CategoryFact
	}
}

// Importance grades how much a fact should influence recall.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

// NormalizeImportance lowercases the input and falls back to
// ImportanceMedium for anything outside the known set.
func NormalizeImportance(s string) Importance {
	switch i := Importance(strings.ToLower(strings.TrimSpace(s))); i {
	case ImportanceLow, ImportanceMedium, ImportanceHigh:
		return i
	default:
		return ImportanceMedium
	}
}

// Entity is a typed node extracted from a fact. Type is a free-form
// lowercase word (person, location, organization, skill, item,
// concept, event, time); the graph adapter maps it onto a label.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relation is a directed edge between two entity names. The Relation
// verb is free-form text from the extractor; the graph adapter
// sanitizes it into a relationship type.
type Relation struct {
	Source   string `json:"source"`
	Relation string `json:"relation"`
	Target   string `json:"target"`
}

// String renders the edge in the compact "source-relation-target" form
// stored in vector payloads.
func (r Relation) String() string {
	return r.Source + "-" + r.Relation + "-" + r.Target
}

// ParseRelation is the inverse of Relation.String. Source and target
// never contain '-' in extractor output, so the first and last dash
// delimit the verb. Returns false when the form is not splittable.
func ParseRelation(s string) (Relation, bool) {
	first := strings.Index(s, "-")
	last := strings.LastIndex(s, "-")
	if first < 0 || first == last {
		return Relation{}, false
	}
	return Relation{
		Source:   s[:first],
		Relation: s[first+1 : last],
		Target:   s[last+1:],
	}, true
}

// Memory is the raw ingested payload before fact extraction. One
// memory fans out into zero or more facts.
type Memory struct {
	ID        uuid.UUID
	OwnerID   string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fact is one atomic, self-contained statement distilled from a
// memory. It is the unit all three stores agree on: the row holds the
// authoritative copy, VectorID points at the Qdrant point, and
// Entities/Relations mirror the Neo4j subgraph it contributed.
type Fact struct {
	ID         FactID
	OwnerID    string
	MemoryID   *uuid.UUID
	Content    string
	Category   Category
	Importance Importance
	Entities   []Entity
	Relations  []Relation
	VectorID   VectorID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EntityNames returns the distinct entity names of the fact, in
// extraction order.
func (f *Fact) EntityNames() []string {
	seen := make(map[string]struct{}, len(f.Entities))
	names := make([]string, 0, len(f.Entities))
	for _, e := range f.Entities {
		if _, ok := seen[e.Name]; ok {
			continue
		}
		seen[e.Name] = struct{}{}
		names = append(names, e.Name)
	}
	return names
}

// RelationStrings renders all edges in compact form.
func (f *Fact) RelationStrings() []string {
	out := make([]string, 0, len(f.Relations))
	for _, r := range f.Relations {
		out = append(out, r.String())
	}
	return out
}

// ExtractedFact is the extractor's output before any row exists.
type ExtractedFact struct {
	Content    string     `json:"content"`
	Category   Category   `json:"category"`
	Importance Importance `json:"importance"`
}

// Candidate is a similar existing memory handed to the judgment model.
// ID is the vector id in string form: the model echoes it back in
// UPDATE and DELETE operations, and the executor resolves it against
// this slice.
type Candidate struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Score      float64    `json:"score"`
	Category   Category   `json:"category"`
	Importance Importance `json:"importance"`
	FactID     FactID     `json:"fact_id"`
	VectorID   VectorID   `json:"vector_id"`
	Entities   []Entity   `json:"entities"`
	Relations  []Relation `json:"relations"`
}

// JudgmentAudit is the persistent trace of one judgment pass. A row is
// written before execution starts and updated with the executed
// operations afterwards, so a crash mid-execution leaves evidence.
type JudgmentAudit struct {
	ID                 int64
	TraceID            uuid.UUID
	OwnerID            string
	APIKeyID           string
	OperationType      string
	InputContent       string
	ExtractedFacts     []ExtractedFact
	CandidateMemories  []Candidate
	RawResponse        string
	ParsedOperations   []OperationRecord
	Reasoning          string
	ExecutedOperations *ExecutionSummary
	Success            bool
	Error              string
	ModelName          string
	LatencyMs          int64
	CreatedAt          time.Time
}

// SearchHit is one scored vector match enriched with its fact row.
type SearchHit struct {
	VectorID    VectorID       `json:"vector_id"`
	Score       float64        `json:"score"`
	Content     string         `json:"content"`
	Category    Category       `json:"category"`
	Importance  Importance     `json:"importance"`
	EntityNames []string       `json:"entity_names"`
	Relations   []string       `json:"relations"`
	FactID      FactID         `json:"fact_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RelatedMemory is a fact pulled in through graph adjacency rather
// than vector similarity; its score is always zero.
type RelatedMemory struct {
	VectorID    VectorID `json:"vector_id"`
	Content     string   `json:"content"`
	Category    Category `json:"category"`
	EntityNames []string `json:"entity_names"`
	Score       float64  `json:"score"`
}

// EntityRef names one entity surfaced while composing context.
type EntityRef struct {
	Name string `json:"name"`
}

// QueryContext is the composed retrieval answer: direct vector hits,
// graph-adjacent facts, and the entities that connected them.
type QueryContext struct {
	VectorMemories    []SearchHit     `json:"vector_memories"`
	RelatedMemories   []RelatedMemory `json:"related_memories"`
	ExtractedEntities []EntityRef     `json:"extracted_entities"`
}

// DeleteReceipt reports which stores actually removed something when a
// single memory is deleted by vector id.
type DeleteReceipt struct {
	Qdrant   bool `json:"qdrant"`
	Neo4j    bool `json:"neo4j"`
	Postgres bool `json:"postgres"`
}

// Deleted reports whether any store was touched.
func (d DeleteReceipt) Deleted() bool { return d.Qdrant || d.Neo4j || d.Postgres }
