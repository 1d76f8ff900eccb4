package graphstore

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/pkg/errors"

	"github.com/engramlabs/engram/pkg/memory"
)

// Neo4jStore implements Store over the bolt driver.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	logger   *log.Logger
	database string
}

type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

func NewNeo4jStore(ctx context.Context, logger *log.Logger, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, errors.Wrap(err, "creating neo4j driver")
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, errors.Wrap(err, "verifying neo4j connectivity")
	}
	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jStore{driver: driver, logger: logger, database: database}, nil
}

func (s *Neo4jStore) run(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, s.driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database))
}

func (s *Neo4jStore) UpsertEntities(ctx context.Context, ownerID string, entities []memory.Entity) error {
	for _, entity := range entities {
		if entity.Name == "" {
			continue
		}
		// Labels cannot be parameterized; NodeLabel guarantees a safe
		// identifier from the whitelist.
		cypher := fmt.Sprintf(`
			MERGE (e:%s {name: $name, user_id: $user_id})
			SET e.entity_type = $entity_type, e.updated_at = datetime()
		`, NodeLabel(entity.Type))
		_, err := s.run(ctx, cypher, map[string]any{
			"name":        entity.Name,
			"user_id":     ownerID,
			"entity_type": entity.Type,
		})
		if err != nil {
			return errors.Wrapf(err, "upserting entity %q", entity.Name)
		}
	}
	return nil
}

func (s *Neo4jStore) UpsertEdges(ctx context.Context, ownerID string, relations []memory.Relation) error {
	for _, rel := range relations {
		if rel.Source == "" || rel.Target == "" {
			continue
		}
		// Endpoints are matched without labels: nodes keep whatever
		// label they were created with. A missing endpoint matches
		// nothing and the edge is skipped.
		cypher := fmt.Sprintf(`
			MATCH (a {name: $source, user_id: $user_id})
			MATCH (b {name: $target, user_id: $user_id})
			MERGE (a)-[r:%s]->(b)
			SET r.updated_at = datetime()
		`, SanitizeRelation(rel.Relation))
		_, err := s.run(ctx, cypher, map[string]any{
			"source":  rel.Source,
			"target":  rel.Target,
			"user_id": ownerID,
		})
		if err != nil {
			return errors.Wrapf(err, "upserting edge %s", rel.String())
		}
	}
	return nil
}

func (s *Neo4jStore) DeleteEdge(ctx context.Context, ownerID string, rel memory.Relation) error {
	cypher := fmt.Sprintf(`
		MATCH (a {name: $source, user_id: $user_id})-[r:%s]-(b {name: $target, user_id: $user_id})
		DELETE r
	`, SanitizeRelation(rel.Relation))
	_, err := s.run(ctx, cypher, map[string]any{
		"source":  rel.Source,
		"target":  rel.Target,
		"user_id": ownerID,
	})
	return errors.Wrapf(err, "deleting edge %s", rel.String())
}

func (s *Neo4jStore) DeleteEntity(ctx context.Context, ownerID, name string) error {
	_, err := s.run(ctx, `
		MATCH (e {name: $name, user_id: $user_id})
		OPTIONAL MATCH (e)-[r]-()
		DELETE r, e
	`, map[string]any{
		"name":    name,
		"user_id": ownerID,
	})
	return errors.Wrapf(err, "deleting entity %q", name)
}

func (s *Neo4jStore) DeleteEntityIfOrphan(ctx context.Context, ownerID, name string) (bool, error) {
	result, err := s.run(ctx, `
		MATCH (e {name: $name, user_id: $user_id})
		OPTIONAL MATCH (e)-[r]-()
		WITH e, count(r) AS rel_count
		WHERE rel_count = 0
		DELETE e
		RETURN count(e) AS deleted
	`, map[string]any{
		"name":    name,
		"user_id": ownerID,
	})
	if err != nil {
		return false, errors.Wrapf(err, "deleting orphan entity %q", name)
	}
	if len(result.Records) == 0 {
		return false, nil
	}
	deleted, _, err := neo4j.GetRecordValue[int64](result.Records[0], "deleted")
	if err != nil {
		return false, errors.Wrap(err, "reading orphan delete count")
	}
	return deleted > 0, nil
}

func (s *Neo4jStore) CountIncident(ctx context.Context, ownerID, name string) (int64, error) {
	result, err := s.run(ctx, `
		MATCH (e {name: $name, user_id: $user_id})
		OPTIONAL MATCH (e)-[r]-()
		RETURN count(r) AS rel_count
	`, map[string]any{
		"name":    name,
		"user_id": ownerID,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "counting edges of %q", name)
	}
	if len(result.Records) == 0 {
		return 0, nil
	}
	count, _, err := neo4j.GetRecordValue[int64](result.Records[0], "rel_count")
	if err != nil {
		return 0, errors.Wrap(err, "reading edge count")
	}
	return count, nil
}

func (s *Neo4jStore) Neighbors(ctx context.Context, ownerID, name string, limit int) (*Neighborhood, error) {
	hood := &Neighborhood{}

	outgoing, err := s.run(ctx, `
		MATCH (e {name: $name, user_id: $user_id})-[r]->(t {user_id: $user_id})
		RETURN type(r) AS relation, t.name AS name
		LIMIT $limit
	`, map[string]any{
		"name":    name,
		"user_id": ownerID,
		"limit":   limit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "expanding outgoing edges of %q", name)
	}
	for _, record := range outgoing.Records {
		relation, _, _ := neo4j.GetRecordValue[string](record, "relation")
		target, _, _ := neo4j.GetRecordValue[string](record, "name")
		if target != "" {
			hood.Outgoing = append(hood.Outgoing, Edge{Relation: relation, Name: target})
		}
	}

	incoming, err := s.run(ctx, `
		MATCH (sub {user_id: $user_id})-[r]->(e {name: $name, user_id: $user_id})
		RETURN sub.name AS name, type(r) AS relation
		LIMIT $limit
	`, map[string]any{
		"name":    name,
		"user_id": ownerID,
		"limit":   limit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "expanding incoming edges of %q", name)
	}
	for _, record := range incoming.Records {
		relation, _, _ := neo4j.GetRecordValue[string](record, "relation")
		source, _, _ := neo4j.GetRecordValue[string](record, "name")
		if source != "" {
			hood.Incoming = append(hood.Incoming, Edge{Relation: relation, Name: source})
		}
	}

	return hood, nil
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.driver.VerifyConnectivity(ctx), "neo4j connectivity")
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
