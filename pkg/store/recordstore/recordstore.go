// Package recordstore holds the relational adapter. Postgres is the
// authoritative copy: fact rows anchor the vector and graph writes,
// judgment audits make every pipeline decision reconstructable, and
// task records expose queue state to the API.
package recordstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/engramlabs/engram/pkg/memory"
)

// ErrNotFound is returned when a row does not exist. Callers decide
// whether that is an error or a skip.
var ErrNotFound = errors.New("recordstore: not found")

// Task statuses, mirrored into the status endpoint verbatim.
const (
	TaskPending = "PENDING"
	TaskStarted = "STARTED"
	TaskRetry   = "RETRY"
	TaskSuccess = "SUCCESS"
	TaskFailure = "FAILURE"
)

// TaskRecord is the persistent view of one queued task.
type TaskRecord struct {
	TaskID     uuid.UUID
	OwnerID    string
	Kind       string
	Queue      string
	Status     string
	Attempts   int
	Result     json.RawMessage
	Error      string
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Store is the relational surface the pipeline depends on.
type Store interface {
	// CreateMemory inserts the raw ingested payload. A zero ID is
	// assigned; timestamps are filled from the database clock.
	CreateMemory(ctx context.Context, m *memory.Memory) error

	// InsertFact inserts one fact row and fills ID and timestamps.
	InsertFact(ctx context.Context, f *memory.Fact) error
	// InsertFacts inserts all rows in a single transaction: either
	// every fact lands or none do.
	InsertFacts(ctx context.Context, facts []*memory.Fact) error
	// FactByVectorID resolves the row anchoring a vector point.
	// Returns ErrNotFound when no such row exists for the owner.
	FactByVectorID(ctx context.Context, ownerID string, vectorID memory.VectorID) (*memory.Fact, error)
	// FactsByVectorIDs resolves many rows at once; missing ids are
	// simply absent from the result.
	FactsByVectorIDs(ctx context.Context, ownerID string, vectorIDs []memory.VectorID) ([]*memory.Fact, error)
	// FactsByOwner lists every fact row of one owner.
	FactsByOwner(ctx context.Context, ownerID string) ([]*memory.Fact, error)
	// UpdateFact rewrites content, category, importance, entities and
	// relations of an existing row. Returns ErrNotFound when the row
	// is gone.
	UpdateFact(ctx context.Context, f *memory.Fact) error
	// DeleteFact removes the row; reports whether one existed.
	DeleteFact(ctx context.Context, id memory.FactID) (bool, error)

	// InsertAudit writes the judgment audit before execution starts.
	InsertAudit(ctx context.Context, a *memory.JudgmentAudit) error
	// UpdateAuditExecution records what the executor actually did.
	UpdateAuditExecution(ctx context.Context, traceID uuid.UUID, executed *memory.ExecutionSummary, success bool, errMsg string) error
	// AuditByTraceID fetches one audit row for inspection.
	AuditByTraceID(ctx context.Context, traceID uuid.UUID) (*memory.JudgmentAudit, error)

	// CreateTaskRecord registers a task at enqueue time.
	CreateTaskRecord(ctx context.Context, t *TaskRecord) error
	// MarkTaskStarted flips the record to STARTED for this attempt.
	MarkTaskStarted(ctx context.Context, taskID uuid.UUID, attempt int) error
	// MarkTaskRetry records a failed attempt that will run again.
	MarkTaskRetry(ctx context.Context, taskID uuid.UUID, errMsg string) error
	// MarkTaskFinished settles the record as SUCCESS or FAILURE.
	MarkTaskFinished(ctx context.Context, taskID uuid.UUID, status string, result json.RawMessage, errMsg string) error
	// TaskByID fetches the record backing the status endpoint.
	TaskByID(ctx context.Context, taskID uuid.UUID) (*TaskRecord, error)

	Ping(ctx context.Context) error
	Close()
}
