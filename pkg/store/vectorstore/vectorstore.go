// Package vectorstore holds the semantic index adapter. Memories live
// in one collection per owner; points carry the fact payload so a
// search hit is usable without a relational round trip.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/engramlabs/engram/pkg/memory"
)

// Store is the vector index surface the pipeline depends on.
type Store interface {
	// EnsureCollection creates the owner's collection if missing. Safe
	// to call concurrently; creation is checked once per process.
	EnsureCollection(ctx context.Context, ownerID string) error
	// Upsert writes points into the owner's collection, creating it on
	// first use. Existing point ids are overwritten in place.
	Upsert(ctx context.Context, ownerID string, points []Point) error
	// Delete removes points by id. Missing ids are not an error.
	Delete(ctx context.Context, ownerID string, ids []memory.VectorID) error
	// Search returns up to limit points ordered by similarity. A
	// positive scoreFloor drops weaker matches; zero disables it.
	// Results are always filtered to the owner.
	Search(ctx context.Context, ownerID string, vector []float32, limit int, scoreFloor float32) ([]ScoredPoint, error)
	// Ping reports whether the index is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Point is one memory vector plus its payload.
type Point struct {
	ID      memory.VectorID
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a search result.
type ScoredPoint struct {
	ID      memory.VectorID
	Score   float32
	Payload Payload
}

// Payload is the fact projection stored next to the vector. Relations
// use the compact "source-relation-target" string form.
type Payload struct {
	Content     string
	OwnerID     string
	Category    memory.Category
	Importance  memory.Importance
	EntityNames []string
	Relations   []string
	FactID      memory.FactID
	Metadata    map[string]any
}

// PayloadForFact projects a fact row into its vector payload.
func PayloadForFact(f *memory.Fact, metadata map[string]any) Payload {
	return Payload{
		Content:     f.Content,
		OwnerID:     f.OwnerID,
		Category:    f.Category,
		Importance:  f.Importance,
		EntityNames: f.EntityNames(),
		Relations:   f.RelationStrings(),
		FactID:      f.ID,
		Metadata:    metadata,
	}
}

// CollectionName derives the owner's collection from the full SHA-256
// of the owner id. Truncating the digest would make cross-owner
// collisions possible, so the whole thing goes in.
func CollectionName(prefix, ownerID string) string {
	sum := sha256.Sum256([]byte(ownerID))
	return prefix + "_" + hex.EncodeToString(sum[:])
}

// Vector32 narrows an embedding to the float32 precision the index
// stores.
func Vector32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
