package recordstore

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/engramlabs/engram/pkg/memory"
)

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func NewPostgresStore(ctx context.Context, logger *log.Logger, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "creating postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for migrations.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// IsUniqueViolation reports whether err is a Postgres duplicate-key
// error, the signature of two writers racing on the same vector id.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateMemory(ctx context.Context, m *memory.Memory) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	metadata, err := marshalMap(m.Metadata)
	if err != nil {
		return errors.Wrap(err, "encoding memory metadata")
	}
	// Batch intake mints deterministic ids, so a redelivered task may
	// replay an id that already landed. Bumping updated_at keeps the
	// write idempotent.
	err = s.pool.QueryRow(ctx, `
		INSERT INTO memories (id, owner_id, content, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
		RETURNING created_at, updated_at
	`, m.ID, m.OwnerID, m.Content, metadata).Scan(&m.CreatedAt, &m.UpdatedAt)
	return errors.Wrap(err, "inserting memory")
}

func (s *PostgresStore) InsertFact(ctx context.Context, f *memory.Fact) error {
	return s.insertFact(ctx, s.pool, f)
}

func (s *PostgresStore) InsertFacts(ctx context.Context, facts []*memory.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning facts transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, f := range facts {
		if err := s.insertFact(ctx, tx, f); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "committing facts transaction")
	}
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) insertFact(ctx context.Context, q queryRower, f *memory.Fact) error {
	entities, relations, err := marshalGraph(f)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		INSERT INTO facts (owner_id, memory_id, content, category, importance, entities, relations, vector_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, f.OwnerID, f.MemoryID, f.Content, string(f.Category), string(f.Importance),
		entities, relations, f.VectorID.String(),
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	return errors.Wrap(err, "inserting fact")
}

const factColumns = `
	id, owner_id, memory_id, content, category, importance,
	entities, relations, vector_id::text, created_at, updated_at
`

func scanFact(row pgx.Row) (*memory.Fact, error) {
	var (
		f         memory.Fact
		category  string
		imp       string
		entities  []byte
		relations []byte
		vectorID  string
	)
	err := row.Scan(&f.ID, &f.OwnerID, &f.MemoryID, &f.Content, &category, &imp,
		&entities, &relations, &vectorID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Category = memory.Category(category)
	f.Importance = memory.Importance(imp)
	f.VectorID = memory.VectorID(vectorID)
	if err := json.Unmarshal(entities, &f.Entities); err != nil {
		return nil, errors.Wrap(err, "decoding fact entities")
	}
	if err := json.Unmarshal(relations, &f.Relations); err != nil {
		return nil, errors.Wrap(err, "decoding fact relations")
	}
	return &f, nil
}

func (s *PostgresStore) FactByVectorID(ctx context.Context, ownerID string, vectorID memory.VectorID) (*memory.Fact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+factColumns+`
		FROM facts
		WHERE owner_id = $1 AND vector_id = $2
	`, ownerID, vectorID.String())
	f, err := scanFact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching fact by vector id")
	}
	return f, nil
}

func (s *PostgresStore) FactsByVectorIDs(ctx context.Context, ownerID string, vectorIDs []memory.VectorID) ([]*memory.Fact, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(vectorIDs))
	for _, id := range vectorIDs {
		ids = append(ids, id.String())
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+factColumns+`
		FROM facts
		WHERE owner_id = $1 AND vector_id = ANY($2::uuid[])
	`, ownerID, ids)
	if err != nil {
		return nil, errors.Wrap(err, "fetching facts by vector ids")
	}
	return collectFacts(rows)
}

func (s *PostgresStore) FactsByOwner(ctx context.Context, ownerID string) ([]*memory.Fact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+factColumns+`
		FROM facts
		WHERE owner_id = $1
		ORDER BY id
	`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "fetching facts by owner")
	}
	return collectFacts(rows)
}

func collectFacts(rows pgx.Rows) ([]*memory.Fact, error) {
	defer rows.Close()
	var facts []*memory.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning fact row")
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating fact rows")
	}
	return facts, nil
}

func (s *PostgresStore) UpdateFact(ctx context.Context, f *memory.Fact) error {
	entities, relations, err := marshalGraph(f)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE facts
		SET content = $2, category = $3, importance = $4,
		    entities = $5, relations = $6, updated_at = now()
		WHERE id = $1
	`, f.ID, f.Content, string(f.Category), string(f.Importance), entities, relations)
	if err != nil {
		return errors.Wrap(err, "updating fact")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteFact(ctx context.Context, id memory.FactID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM facts WHERE id = $1`, id)
	if err != nil {
		return false, errors.Wrap(err, "deleting fact")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) InsertAudit(ctx context.Context, a *memory.JudgmentAudit) error {
	extracted, err := marshalOrEmptyList(a.ExtractedFacts)
	if err != nil {
		return errors.Wrap(err, "encoding extracted facts")
	}
	candidates, err := marshalOrEmptyList(a.CandidateMemories)
	if err != nil {
		return errors.Wrap(err, "encoding candidate memories")
	}
	parsed, err := marshalOrEmptyList(a.ParsedOperations)
	if err != nil {
		return errors.Wrap(err, "encoding parsed operations")
	}
	var executed []byte
	if a.ExecutedOperations != nil {
		executed, err = json.Marshal(a.ExecutedOperations)
		if err != nil {
			return errors.Wrap(err, "encoding executed operations")
		}
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO judgment_audits (
			trace_id, owner_id, api_key_id, operation_type, input_content,
			extracted_facts, candidate_memories, raw_response, parsed_operations,
			reasoning, executed_operations, success, error, model_name, latency_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at
	`, a.TraceID, a.OwnerID, a.APIKeyID, a.OperationType, a.InputContent,
		extracted, candidates, a.RawResponse, parsed,
		a.Reasoning, executed, a.Success, a.Error, a.ModelName, a.LatencyMs,
	).Scan(&a.ID, &a.CreatedAt)
	return errors.Wrap(err, "inserting judgment audit")
}

func (s *PostgresStore) UpdateAuditExecution(ctx context.Context, traceID uuid.UUID, executed *memory.ExecutionSummary, success bool, errMsg string) error {
	payload, err := json.Marshal(executed)
	if err != nil {
		return errors.Wrap(err, "encoding executed operations")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE judgment_audits
		SET executed_operations = $2, success = $3, error = $4
		WHERE trace_id = $1
	`, traceID, payload, success, errMsg)
	if err != nil {
		return errors.Wrap(err, "updating judgment audit")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AuditByTraceID(ctx context.Context, traceID uuid.UUID) (*memory.JudgmentAudit, error) {
	var (
		a         memory.JudgmentAudit
		extracted []byte
		cands     []byte
		parsed    []byte
		executed  []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, trace_id, owner_id, api_key_id, operation_type, input_content,
		       extracted_facts, candidate_memories, raw_response, parsed_operations,
		       reasoning, executed_operations, success, error, model_name, latency_ms, created_at
		FROM judgment_audits
		WHERE trace_id = $1
	`, traceID).Scan(&a.ID, &a.TraceID, &a.OwnerID, &a.APIKeyID, &a.OperationType, &a.InputContent,
		&extracted, &cands, &a.RawResponse, &parsed,
		&a.Reasoning, &executed, &a.Success, &a.Error, &a.ModelName, &a.LatencyMs, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching judgment audit")
	}
	if err := json.Unmarshal(extracted, &a.ExtractedFacts); err != nil {
		return nil, errors.Wrap(err, "decoding extracted facts")
	}
	if err := json.Unmarshal(cands, &a.CandidateMemories); err != nil {
		return nil, errors.Wrap(err, "decoding candidate memories")
	}
	if err := json.Unmarshal(parsed, &a.ParsedOperations); err != nil {
		return nil, errors.Wrap(err, "decoding parsed operations")
	}
	if len(executed) > 0 {
		a.ExecutedOperations = &memory.ExecutionSummary{}
		if err := json.Unmarshal(executed, a.ExecutedOperations); err != nil {
			return nil, errors.Wrap(err, "decoding executed operations")
		}
	}
	return &a, nil
}

func (s *PostgresStore) CreateTaskRecord(ctx context.Context, t *TaskRecord) error {
	if t.Status == "" {
		t.Status = TaskPending
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_records (task_id, owner_id, kind, queue, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING enqueued_at
	`, t.TaskID, t.OwnerID, t.Kind, t.Queue, t.Status).Scan(&t.EnqueuedAt)
	return errors.Wrap(err, "inserting task record")
}

func (s *PostgresStore) MarkTaskStarted(ctx context.Context, taskID uuid.UUID, attempt int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE task_records
		SET status = $2, attempts = $3, started_at = coalesce(started_at, now())
		WHERE task_id = $1
	`, taskID, TaskStarted, attempt)
	return errors.Wrap(err, "marking task started")
}

func (s *PostgresStore) MarkTaskRetry(ctx context.Context, taskID uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE task_records
		SET status = $2, error = $3
		WHERE task_id = $1
	`, taskID, TaskRetry, errMsg)
	return errors.Wrap(err, "marking task retry")
}

func (s *PostgresStore) MarkTaskFinished(ctx context.Context, taskID uuid.UUID, status string, result json.RawMessage, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE task_records
		SET status = $2, result = $3, error = $4, finished_at = now()
		WHERE task_id = $1
	`, taskID, status, []byte(result), errMsg)
	return errors.Wrap(err, "marking task finished")
}

func (s *PostgresStore) TaskByID(ctx context.Context, taskID uuid.UUID) (*TaskRecord, error) {
	var (
		t      TaskRecord
		result []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT task_id, owner_id, kind, queue, status, attempts, result, error,
		       enqueued_at, started_at, finished_at
		FROM task_records
		WHERE task_id = $1
	`, taskID).Scan(&t.TaskID, &t.OwnerID, &t.Kind, &t.Queue, &t.Status, &t.Attempts,
		&result, &t.Error, &t.EnqueuedAt, &t.StartedAt, &t.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching task record")
	}
	t.Result = result
	return &t, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func marshalGraph(f *memory.Fact) (entities, relations []byte, err error) {
	entities, err = marshalOrEmptyList(f.Entities)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encoding fact entities")
	}
	relations, err = marshalOrEmptyList(f.Relations)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encoding fact relations")
	}
	return entities, relations, nil
}

// marshalOrEmptyList keeps jsonb columns non-null: a nil slice encodes
// as an empty array, not SQL NULL.
func marshalOrEmptyList[T any](items []T) ([]byte, error) {
	if items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(items)
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
