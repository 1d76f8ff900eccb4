// Package graphstore holds the entity graph adapter. Nodes are keyed
// by (name, user_id) so owners never share entities; labels and
// relationship types are derived from extractor output through a
// whitelist and a sanitizer, never interpolated raw.
package graphstore

import (
	"context"
	"strings"

	"github.com/engramlabs/engram/pkg/memory"
)

// FallbackLabel is used for entity types outside the whitelist.
const FallbackLabel = "Entity"

// FallbackRelation is used when sanitizing leaves nothing usable.
const FallbackRelation = "RELATED_TO"

// Store is the graph surface the pipeline depends on.
type Store interface {
	// UpsertEntities merges nodes by (name, owner), stamping type and
	// updated_at. Existing nodes keep their label.
	UpsertEntities(ctx context.Context, ownerID string, entities []memory.Entity) error
	// UpsertEdges merges directed edges between existing nodes. Edges
	// whose endpoints are missing are skipped silently.
	UpsertEdges(ctx context.Context, ownerID string, relations []memory.Relation) error
	// DeleteEdge removes the relation in either direction.
	DeleteEdge(ctx context.Context, ownerID string, rel memory.Relation) error
	// DeleteEntity removes the node and every incident edge.
	DeleteEntity(ctx context.Context, ownerID, name string) error
	// DeleteEntityIfOrphan removes the node only when no edges remain.
	// Reports whether a node was deleted.
	DeleteEntityIfOrphan(ctx context.Context, ownerID, name string) (bool, error)
	// CountIncident returns the number of edges touching the node.
	CountIncident(ctx context.Context, ownerID, name string) (int64, error)
	// Neighbors returns up to limit adjacent nodes in each direction.
	Neighbors(ctx context.Context, ownerID, name string, limit int) (*Neighborhood, error)
	// Ping reports whether the graph is reachable.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Edge is one adjacency seen from a focus node.
type Edge struct {
	Relation string
	Name     string
}

// Neighborhood is the one-hop view around an entity.
type Neighborhood struct {
	Outgoing []Edge
	Incoming []Edge
}

// Names returns the focus-adjacent node names, outgoing first.
func (n *Neighborhood) Names() []string {
	names := make([]string, 0, len(n.Outgoing)+len(n.Incoming))
	for _, e := range n.Outgoing {
		names = append(names, e.Name)
	}
	for _, e := range n.Incoming {
		names = append(names, e.Name)
	}
	return names
}

var labelWhitelist = map[string]string{
	"person":       "Person",
	"location":     "Location",
	"organization": "Organization",
	"skill":        "Skill",
	"hobby":        "Hobby",
	"item":         "Item",
	"event":        "Event",
	"time":         "Time",
}

// NodeLabel maps an extractor entity type onto a node label. Unknown
// types get the generic fallback rather than minting labels at
// runtime.
func NodeLabel(entityType string) string {
	if label, ok := labelWhitelist[strings.ToLower(strings.TrimSpace(entityType))]; ok {
		return label
	}
	return FallbackLabel
}

// SanitizeRelation turns free-form extractor verbs into a legal
// relationship type: uppercased, spaces to underscores, everything
// outside [A-Z0-9_] dropped. An empty result falls back to RELATED_TO.
func SanitizeRelation(relation string) string {
	upper := strings.ToUpper(strings.TrimSpace(relation))
	upper = strings.ReplaceAll(upper, " ", "_")

	var b strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return FallbackRelation
	}
	return out
}
