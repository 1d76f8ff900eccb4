// Package engine ties the pipeline stages to the outside world. The
// write side validates input at the seam, registers a task record and
// enqueues the work; the handlers in this package run on the worker
// runtime and drive extraction, judgment and execution. The read side
// answers context composition, direct deletion, task status and
// health without touching a queue.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/broker"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/memory/executor"
	"github.com/engramlabs/engram/pkg/memory/extraction"
	"github.com/engramlabs/engram/pkg/memory/judgment"
	"github.com/engramlabs/engram/pkg/memory/prestage"
	"github.com/engramlabs/engram/pkg/memory/retrieval"
	"github.com/engramlabs/engram/pkg/runtime"
	"github.com/engramlabs/engram/pkg/store/graphstore"
	"github.com/engramlabs/engram/pkg/store/recordstore"
	"github.com/engramlabs/engram/pkg/store/vectorstore"
	"github.com/engramlabs/engram/pkg/taskerr"
)

// Task kinds dispatched by the worker runtime. Update and delete
// funnel through the same judged pipeline as add: the model, not the
// producer, decides which memories change.
const (
	TaskMemoryAdd      = "memory.add"
	TaskMemoryBatchAdd = "memory.batch_add"
	TaskMemoryUpdate   = "memory.update"
	TaskMemoryDelete   = "memory.delete"
)

// Audit operation types. The judged pipeline always writes
// MEMORY_UPDATE rows; trusted imports that bypass judgment are marked
// MEMORY_IMPORT so the bypass is visible in the trail.
const (
	opTypeMemoryUpdate = "MEMORY_UPDATE"
	opTypeMemoryImport = "MEMORY_IMPORT"
)

const (
	// DefaultCandidateLimit is how many nearest neighbors each new
	// fact contributes to the judgment context.
	DefaultCandidateLimit = 5
	// DefaultCandidateFloor drops weak matches from the judgment
	// context; retrieval for composition does not use it.
	DefaultCandidateFloor = 0.7
	// MaxBatchItems bounds one batch task. Larger imports must split.
	MaxBatchItems = 200

	// defaultExtractSlots bounds concurrent extraction calls in the
	// batch handler.
	defaultExtractSlots = 3

	// defaultEmbedBatchTimeout bounds one batched embedding call.
	defaultEmbedBatchTimeout = 60 * time.Second
)

// Metadata keys the pipeline interprets.
const (
	metaNeedsSummary   = "needs_summary"
	metaSource         = "source"
	metaConversationID = "conversation_id"
	metaMessageCount   = "message_count"
)

// sourceConversationFlush marks memories that arrived as flushed
// conversation transcripts.
const sourceConversationFlush = "conversation_flush"

type Services struct {
	Logger    *log.Logger
	Embedder  ai.Embedding
	Extractor *extraction.Extractor
	Judge     *judgment.Judge
	Executor  *executor.Executor
	Composer  *retrieval.Composer
	Prestage  *prestage.Stage
	Vectors   vectorstore.Store
	Graph     graphstore.Store
	Records   recordstore.Store
	Broker    broker.Broker
}

type Options struct {
	EmbedModel     string
	CandidateLimit int
	CandidateFloor float32
	ExtractSlots   int

	// EmbedBatchTimeout bounds each multi-input embedding call. Zero
	// means the package default.
	EmbedBatchTimeout time.Duration
}

// Engine owns the seams and the task handlers.
type Engine struct {
	logger    *log.Logger
	embedder  ai.Embedding
	extractor *extraction.Extractor
	judge     *judgment.Judge
	executor  *executor.Executor
	composer  *retrieval.Composer
	prestage  *prestage.Stage
	vectors   vectorstore.Store
	graph     graphstore.Store
	records   recordstore.Store
	broker    broker.Broker

	embedModel        string
	candidateLimit    int
	candidateFloor    float32
	extractSlots      int
	embedBatchTimeout time.Duration
}

func New(svc Services, opts Options) (*Engine, error) {
	if svc.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if svc.Embedder == nil {
		return nil, fmt.Errorf("embedding service cannot be nil")
	}
	if svc.Extractor == nil {
		return nil, fmt.Errorf("extractor cannot be nil")
	}
	if svc.Judge == nil {
		return nil, fmt.Errorf("judge cannot be nil")
	}
	if svc.Executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if svc.Composer == nil {
		return nil, fmt.Errorf("composer cannot be nil")
	}
	if svc.Prestage == nil {
		return nil, fmt.Errorf("prestage cannot be nil")
	}
	if svc.Vectors == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}
	if svc.Graph == nil {
		return nil, fmt.Errorf("graph store cannot be nil")
	}
	if svc.Records == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if svc.Broker == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}
	if opts.EmbedModel == "" {
		return nil, fmt.Errorf("embedding model cannot be empty")
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	if opts.CandidateFloor <= 0 {
		opts.CandidateFloor = DefaultCandidateFloor
	}
	if opts.ExtractSlots <= 0 {
		opts.ExtractSlots = defaultExtractSlots
	}
	if opts.EmbedBatchTimeout <= 0 {
		opts.EmbedBatchTimeout = defaultEmbedBatchTimeout
	}
	return &Engine{
		logger:            svc.Logger,
		embedder:          svc.Embedder,
		extractor:         svc.Extractor,
		judge:             svc.Judge,
		executor:          svc.Executor,
		composer:          svc.Composer,
		prestage:          svc.Prestage,
		vectors:           svc.Vectors,
		graph:             svc.Graph,
		records:           svc.Records,
		broker:            svc.Broker,
		embedModel:        opts.EmbedModel,
		candidateLimit:    opts.CandidateLimit,
		candidateFloor:    opts.CandidateFloor,
		extractSlots:      opts.ExtractSlots,
		embedBatchTimeout: opts.EmbedBatchTimeout,
	}, nil
}

// embedAll bounds one batched embedding call by the configured timeout.
func (e *Engine) embedAll(ctx context.Context, texts []string) ([][]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.embedBatchTimeout)
	defer cancel()
	return e.embedder.Embeddings(ctx, texts, e.embedModel)
}

// RegisterHandlers binds the task kinds onto the worker runtime.
func (e *Engine) RegisterHandlers(rt *runtime.Runtime) {
	rt.Register(TaskMemoryAdd, e.HandleAddTask)
	rt.Register(TaskMemoryBatchAdd, e.HandleBatchTask)
	rt.Register(TaskMemoryUpdate, e.HandleAddTask)
	rt.Register(TaskMemoryDelete, e.HandleAddTask)
}

// AddPayload is the memory.add task envelope.
type AddPayload struct {
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SkipJudge bool           `json:"skip_judge,omitempty"`
	APIKeyID  string         `json:"api_key_id,omitempty"`
}

// BatchPayload is the memory.batch_add task envelope.
type BatchPayload struct {
	Items    []string       `json:"items"`
	Metadata map[string]any `json:"metadata,omitempty"`
	APIKeyID string         `json:"api_key_id,omitempty"`
}

type EnqueueMemoryRequest struct {
	OwnerID   string
	Content   string
	Metadata  map[string]any
	Tier      string
	SkipJudge bool
	APIKeyID  string
}

type EnqueueBatchRequest struct {
	OwnerID  string
	Items    []string
	Metadata map[string]any
	Tier     string
	APIKeyID string
}

// ConversationMessage is one turn of a flushed conversation.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type EnqueueConversationRequest struct {
	OwnerID        string
	ConversationID string
	Messages       []ConversationMessage
	Tier           string
	APIKeyID       string
}

// EnqueueMemory validates one raw memory and queues it for ingestion.
// Invalid input is rejected here, synchronously; nothing lands on a
// queue for it.
func (e *Engine) EnqueueMemory(ctx context.Context, req EnqueueMemoryRequest) (uuid.UUID, error) {
	if req.OwnerID == "" {
		return uuid.Nil, taskerr.New(taskerr.PermanentReject, "owner id cannot be empty")
	}
	if strings.TrimSpace(req.Content) == "" {
		return uuid.Nil, taskerr.New(taskerr.PermanentReject, "content cannot be empty")
	}
	return e.enqueue(ctx, TaskMemoryAdd, req.OwnerID, req.Tier, AddPayload{
		Content:   req.Content,
		Metadata:  req.Metadata,
		SkipJudge: req.SkipJudge,
		APIKeyID:  req.APIKeyID,
	})
}

// EnqueueBatch validates a bulk import and queues it as a single task.
// Returns the task id and how many items were accepted.
func (e *Engine) EnqueueBatch(ctx context.Context, req EnqueueBatchRequest) (uuid.UUID, int, error) {
	if req.OwnerID == "" {
		return uuid.Nil, 0, taskerr.New(taskerr.PermanentReject, "owner id cannot be empty")
	}
	if len(req.Items) == 0 {
		return uuid.Nil, 0, taskerr.New(taskerr.PermanentReject, "batch cannot be empty")
	}
	if len(req.Items) > MaxBatchItems {
		return uuid.Nil, 0, taskerr.New(taskerr.PermanentReject, "batch of %d exceeds the %d item limit", len(req.Items), MaxBatchItems)
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item) == "" {
			return uuid.Nil, 0, taskerr.New(taskerr.PermanentReject, "item %d: content cannot be empty", i)
		}
	}
	taskID, err := e.enqueue(ctx, TaskMemoryBatchAdd, req.OwnerID, req.Tier, BatchPayload{
		Items:    req.Items,
		Metadata: req.Metadata,
		APIKeyID: req.APIKeyID,
	})
	if err != nil {
		return uuid.Nil, 0, err
	}
	return taskID, len(req.Items), nil
}

// EnqueueConversation renders a flushed conversation into a single
// memory and queues it with summarization requested. Returns the task
// id and the number of messages folded in.
func (e *Engine) EnqueueConversation(ctx context.Context, req EnqueueConversationRequest) (uuid.UUID, int, error) {
	if req.OwnerID == "" {
		return uuid.Nil, 0, taskerr.New(taskerr.PermanentReject, "owner id cannot be empty")
	}
	if len(req.Messages) == 0 {
		return uuid.Nil, 0, taskerr.New(taskerr.PermanentReject, "conversation has no messages")
	}
	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return uuid.Nil, 0, taskerr.New(taskerr.PermanentReject, "message %d: role %q is not user or assistant", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return uuid.Nil, 0, taskerr.New(taskerr.PermanentReject, "message %d: content cannot be empty", i)
		}
	}

	var transcript strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			transcript.WriteByte('\n')
		}
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
	}

	metadata := map[string]any{
		metaSource:       sourceConversationFlush,
		metaMessageCount: len(req.Messages),
		metaNeedsSummary: true,
	}
	if req.ConversationID != "" {
		metadata[metaConversationID] = req.ConversationID
	}

	taskID, err := e.enqueue(ctx, TaskMemoryAdd, req.OwnerID, req.Tier, AddPayload{
		Content:  transcript.String(),
		Metadata: metadata,
		APIKeyID: req.APIKeyID,
	})
	if err != nil {
		return uuid.Nil, 0, err
	}
	return taskID, len(req.Messages), nil
}

// enqueue registers the task record first so the status seam can
// answer the moment the caller holds the id, then makes the task
// durable on the broker.
func (e *Engine) enqueue(ctx context.Context, kind, ownerID, tier string, payload any) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "encoding task payload")
	}
	task := &broker.Task{
		ID:         uuid.New(),
		Kind:       kind,
		Queue:      broker.QueueForTier(tier),
		OwnerID:    ownerID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	record := &recordstore.TaskRecord{
		TaskID:     task.ID,
		OwnerID:    ownerID,
		Kind:       kind,
		Queue:      task.Queue,
		Status:     recordstore.TaskPending,
		EnqueuedAt: task.EnqueuedAt,
	}
	if err := e.records.CreateTaskRecord(ctx, record); err != nil {
		return uuid.Nil, errors.Wrap(err, "registering task record")
	}
	if err := e.broker.Enqueue(ctx, task); err != nil {
		if markErr := e.records.MarkTaskFinished(ctx, task.ID, recordstore.TaskFailure, nil, "enqueue failed: "+err.Error()); markErr != nil {
			e.logger.Warnf("[MEMORY_ENQUEUE] RECORD_SETTLE_FAILED | task_id=%s | error=%v", task.ID, markErr)
		}
		return uuid.Nil, errors.Wrap(err, "enqueueing task")
	}
	e.logger.Infof("[MEMORY_ENQUEUE] QUEUED | task_id=%s | kind=%s | queue=%s | user_id=%s",
		task.ID, kind, task.Queue, ownerID)
	return task.ID, nil
}

// ComposeContext answers a retrieval query for one owner.
func (e *Engine) ComposeContext(ctx context.Context, ownerID, query string, limit int) (*memory.QueryContext, error) {
	if ownerID == "" {
		return nil, taskerr.New(taskerr.PermanentReject, "owner id cannot be empty")
	}
	return e.composer.Compose(ctx, ownerID, query, limit)
}

// DeleteMemory removes one memory from all three stores by vector id,
// reporting per store whether anything was there to remove.
func (e *Engine) DeleteMemory(ctx context.Context, ownerID, vectorID string) (memory.DeleteReceipt, error) {
	if ownerID == "" {
		return memory.DeleteReceipt{}, taskerr.New(taskerr.PermanentReject, "owner id cannot be empty")
	}
	if _, err := uuid.Parse(vectorID); err != nil {
		return memory.DeleteReceipt{}, taskerr.Wrap(taskerr.PermanentReject, err, "invalid vector id")
	}
	return e.executor.DeleteByVectorID(ctx, ownerID, memory.VectorID(vectorID))
}

// TaskStatus returns the persistent record of one task. The record
// outlives the broker's copy, so finished tasks still answer.
func (e *Engine) TaskStatus(ctx context.Context, taskID uuid.UUID) (*recordstore.TaskRecord, error) {
	return e.records.TaskByID(ctx, taskID)
}

// AuditByTraceID exposes one judgment trail row.
func (e *Engine) AuditByTraceID(ctx context.Context, traceID uuid.UUID) (*memory.JudgmentAudit, error) {
	return e.records.AuditByTraceID(ctx, traceID)
}

// Health reports reachability per backing store.
type Health struct {
	Healthy bool              `json:"healthy"`
	Stores  map[string]string `json:"stores"`
}

// CheckHealth pings every backing store.
func (e *Engine) CheckHealth(ctx context.Context) Health {
	h := Health{Healthy: true, Stores: make(map[string]string, 3)}
	record := func(name string, err error) {
		if err != nil {
			h.Healthy = false
			h.Stores[name] = err.Error()
			return
		}
		h.Stores[name] = "ok"
	}
	record("postgres", e.records.Ping(ctx))
	record("qdrant", e.vectors.Ping(ctx))
	record("neo4j", e.graph.Ping(ctx))
	return h
}

// metaBool reads a boolean metadata flag, tolerating the string form
// that survives some JSON round trips.
func metaBool(meta map[string]any, key string) bool {
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}
