package vectorstore

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/qdrant/go-client/qdrant"

	"github.com/engramlabs/engram/pkg/memory"
)

const (
	payloadKeyContent     = "content"
	payloadKeyOwner       = "user_id"
	payloadKeyCategory    = "category"
	payloadKeyImportance  = "importance"
	payloadKeyEntityNames = "entity_names"
	payloadKeyRelations   = "relations"
	payloadKeyFactID      = "fact_id"
	payloadKeyMetadata    = "metadata"
)

// QdrantStore implements Store over the Qdrant gRPC client.
type QdrantStore struct {
	client     *qdrant.Client
	logger     *log.Logger
	prefix     string
	dimensions uint64

	mu      sync.Mutex
	created map[string]struct{}
}

type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Prefix     string
	Dimensions int
}

func NewQdrantStore(logger *log.Logger, cfg QdrantConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to qdrant")
	}
	return &QdrantStore{
		client:     client,
		logger:     logger,
		prefix:     cfg.Prefix,
		dimensions: uint64(cfg.Dimensions),
		created:    make(map[string]struct{}),
	}, nil
}

func (s *QdrantStore) collection(ownerID string) string {
	return CollectionName(s.prefix, ownerID)
}

// EnsureCollection lazily creates the owner's collection. The created
// set short-circuits the existence check after first success; the
// check repeats inside the lock so two goroutines racing on a new
// owner issue a single create.
func (s *QdrantStore) EnsureCollection(ctx context.Context, ownerID string) error {
	name := s.collection(ownerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.created[name]; ok {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "checking collection %s", name)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.dimensions,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return errors.Wrapf(err, "creating collection %s", name)
		}
		s.logger.Info("created vector collection", "collection", name, "dimensions", s.dimensions)
	}

	s.created[name] = struct{}{}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, ownerID string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx, ownerID); err != nil {
		return err
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		qdrantPoints = append(qdrantPoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payloadToValueMap(p.Payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection(ownerID),
		Points:         qdrantPoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return errors.Wrapf(err, "upserting %d points", len(points))
	}
	s.logger.Debug("upserted vectors", "owner", ownerID, "count", len(points))
	return nil
}

func (s *QdrantStore) Delete(ctx context.Context, ownerID string, ids []memory.VectorID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id.String()))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection(ownerID),
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return errors.Wrapf(err, "deleting %d points", len(ids))
	}
	s.logger.Debug("deleted vectors", "owner", ownerID, "count", len(ids))
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, ownerID string, vector []float32, limit int, scoreFloor float32) ([]ScoredPoint, error) {
	if err := s.EnsureCollection(ctx, ownerID); err != nil {
		return nil, err
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.collection(ownerID),
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(payloadKeyOwner, ownerID),
			},
		},
		WithPayload: qdrant.NewWithPayload(true),
	}
	if scoreFloor > 0 {
		query.ScoreThreshold = qdrant.PtrOf(scoreFloor)
	}

	results, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "querying vectors")
	}

	hits := make([]ScoredPoint, 0, len(results))
	for _, r := range results {
		hits = append(hits, ScoredPoint{
			ID:      memory.VectorID(r.GetId().GetUuid()),
			Score:   r.GetScore(),
			Payload: payloadFromValueMap(r.GetPayload()),
		})
	}
	return hits, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return errors.Wrap(err, "qdrant health check")
	}
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func payloadToValueMap(p Payload) map[string]*qdrant.Value {
	entityNames := make([]any, 0, len(p.EntityNames))
	for _, n := range p.EntityNames {
		entityNames = append(entityNames, n)
	}
	relations := make([]any, 0, len(p.Relations))
	for _, r := range p.Relations {
		relations = append(relations, r)
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return qdrant.NewValueMap(map[string]any{
		payloadKeyContent:     p.Content,
		payloadKeyOwner:       p.OwnerID,
		payloadKeyCategory:    string(p.Category),
		payloadKeyImportance:  string(p.Importance),
		payloadKeyEntityNames: entityNames,
		payloadKeyRelations:   relations,
		payloadKeyFactID:      int64(p.FactID),
		payloadKeyMetadata:    metadata,
	})
}

func payloadFromValueMap(values map[string]*qdrant.Value) Payload {
	p := Payload{
		Content:    values[payloadKeyContent].GetStringValue(),
		OwnerID:    values[payloadKeyOwner].GetStringValue(),
		Category:   memory.Category(values[payloadKeyCategory].GetStringValue()),
		Importance: memory.Importance(values[payloadKeyImportance].GetStringValue()),
		FactID:     memory.FactID(values[payloadKeyFactID].GetIntegerValue()),
	}
	if list := values[payloadKeyEntityNames].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			p.EntityNames = append(p.EntityNames, v.GetStringValue())
		}
	}
	if list := values[payloadKeyRelations].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			p.Relations = append(p.Relations, v.GetStringValue())
		}
	}
	if meta := values[payloadKeyMetadata].GetStructValue(); meta != nil {
		p.Metadata = make(map[string]any, len(meta.GetFields()))
		for key, value := range meta.GetFields() {
			p.Metadata[key] = valueToAny(value)
		}
	}
	return p
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := make([]any, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			items = append(items, valueToAny(item))
		}
		return items
	case *qdrant.Value_StructValue:
		fields := make(map[string]any, len(kind.StructValue.GetFields()))
		for key, item := range kind.StructValue.GetFields() {
			fields[key] = valueToAny(item)
		}
		return fields
	default:
		return nil
	}
}
