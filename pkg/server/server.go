// Package server exposes the engine seams as a small JSON HTTP
// surface. Ingestion endpoints answer 202 with a task id the moment
// the task is durable; reads are served inline. All judgment and
// store writes stay behind the queue.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/cors"

	"github.com/engramlabs/engram/pkg/engine"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/store/recordstore"
	"github.com/engramlabs/engram/pkg/taskerr"
)

type Dependencies struct {
	Logger *log.Logger
	Engine *engine.Engine
}

// Server carries the handler state.
type Server struct {
	logger *log.Logger
	engine *engine.Engine
}

func New(deps Dependencies) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	return &Server{logger: deps.Logger, engine: deps.Engine}, nil
}

// Router assembles the route table.
func (s *Server) Router() *chi.Mux {
	router := chi.NewRouter()
	router.Use(cors.New(cors.Options{
		AllowCredentials: true,
		AllowedOrigins:   []string{"*"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept"},
	}).Handler)

	router.Get("/healthz", s.handleHealth)
	router.Route("/v1", func(r chi.Router) {
		r.Post("/memories", s.handleEnqueueMemory)
		r.Post("/memories/batch", s.handleEnqueueBatch)
		r.Get("/memories/context", s.handleComposeContext)
		r.Delete("/memories/{vectorID}", s.handleDeleteMemory)
		r.Post("/conversations/flush", s.handleFlushConversation)
		r.Get("/tasks/{taskID}", s.handleTaskStatus)
		r.Get("/audits/{traceID}", s.handleAudit)
	})
	return router
}

type addMemoryRequest struct {
	OwnerID   string         `json:"owner_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tier      string         `json:"tier,omitempty"`
	SkipJudge bool           `json:"skip_judge,omitempty"`
	APIKeyID  string         `json:"api_key_id,omitempty"`
}

type batchRequest struct {
	OwnerID  string         `json:"owner_id"`
	Items    []string       `json:"items"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tier     string         `json:"tier,omitempty"`
	APIKeyID string         `json:"api_key_id,omitempty"`
}

type flushRequest struct {
	OwnerID        string                       `json:"owner_id"`
	ConversationID string                       `json:"conversation_id,omitempty"`
	Messages       []engine.ConversationMessage `json:"messages"`
	Tier           string                       `json:"tier,omitempty"`
	APIKeyID       string                       `json:"api_key_id,omitempty"`
}

// queuedResponse acknowledges an accepted ingestion task.
type queuedResponse struct {
	Status       string `json:"status"`
	TaskID       string `json:"task_id"`
	QueuedCount  int    `json:"queued_count,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
}

func (s *Server) handleEnqueueMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, taskerr.Wrap(taskerr.PermanentReject, err, "decoding request body"))
		return
	}
	taskID, err := s.engine.EnqueueMemory(r.Context(), engine.EnqueueMemoryRequest{
		OwnerID:   req.OwnerID,
		Content:   req.Content,
		Metadata:  req.Metadata,
		Tier:      req.Tier,
		SkipJudge: req.SkipJudge,
		APIKeyID:  req.APIKeyID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", TaskID: taskID.String()})
}

func (s *Server) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, taskerr.Wrap(taskerr.PermanentReject, err, "decoding request body"))
		return
	}
	taskID, queued, err := s.engine.EnqueueBatch(r.Context(), engine.EnqueueBatchRequest{
		OwnerID:  req.OwnerID,
		Items:    req.Items,
		Metadata: req.Metadata,
		Tier:     req.Tier,
		APIKeyID: req.APIKeyID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", TaskID: taskID.String(), QueuedCount: queued})
}

func (s *Server) handleFlushConversation(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, taskerr.Wrap(taskerr.PermanentReject, err, "decoding request body"))
		return
	}
	taskID, count, err := s.engine.EnqueueConversation(r.Context(), engine.EnqueueConversationRequest{
		OwnerID:        req.OwnerID,
		ConversationID: req.ConversationID,
		Messages:       req.Messages,
		Tier:           req.Tier,
		APIKeyID:       req.APIKeyID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", TaskID: taskID.String(), MessageCount: count})
}

func (s *Server) handleComposeContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, taskerr.Wrap(taskerr.PermanentReject, err, "parsing limit"))
			return
		}
		limit = parsed
	}
	result, err := s.engine.ComposeContext(r.Context(), q.Get("owner_id"), q.Get("query"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// deleteResponse reports per store whether the id was present.
type deleteResponse struct {
	Deleted bool                 `json:"deleted"`
	Stores  memory.DeleteReceipt `json:"stores"`
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.engine.DeleteMemory(r.Context(), r.URL.Query().Get("owner_id"), chi.URLParam(r, "vectorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deleteResponse{Deleted: receipt.Deleted(), Stores: receipt})
}

type taskResponse struct {
	TaskID     string          `json:"task_id"`
	Kind       string          `json:"kind"`
	Queue      string          `json:"queue"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, r, taskerr.Wrap(taskerr.PermanentReject, err, "invalid task id"))
		return
	}
	record, err := s.engine.TaskStatus(r.Context(), taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskResponse{
		TaskID:     record.TaskID.String(),
		Kind:       record.Kind,
		Queue:      record.Queue,
		Status:     record.Status,
		Attempts:   record.Attempts,
		Result:     record.Result,
		Error:      record.Error,
		EnqueuedAt: record.EnqueuedAt,
		StartedAt:  record.StartedAt,
		FinishedAt: record.FinishedAt,
	})
}

type auditResponse struct {
	TraceID            string                   `json:"trace_id"`
	OwnerID            string                   `json:"owner_id"`
	OperationType      string                   `json:"operation_type"`
	InputContent       string                   `json:"input_content"`
	ExtractedFacts     []memory.ExtractedFact   `json:"extracted_facts,omitempty"`
	CandidateMemories  []memory.Candidate       `json:"candidate_memories,omitempty"`
	RawResponse        string                   `json:"raw_response,omitempty"`
	ParsedOperations   []memory.OperationRecord `json:"parsed_operations,omitempty"`
	Reasoning          string                   `json:"reasoning,omitempty"`
	ExecutedOperations *memory.ExecutionSummary `json:"executed_operations,omitempty"`
	Success            bool                     `json:"success"`
	Error              string                   `json:"error,omitempty"`
	ModelName          string                   `json:"model_name,omitempty"`
	LatencyMs          int64                    `json:"latency_ms,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	traceID, err := uuid.Parse(chi.URLParam(r, "traceID"))
	if err != nil {
		s.writeError(w, r, taskerr.Wrap(taskerr.PermanentReject, err, "invalid trace id"))
		return
	}
	audit, err := s.engine.AuditByTraceID(r.Context(), traceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auditResponse{
		TraceID:            audit.TraceID.String(),
		OwnerID:            audit.OwnerID,
		OperationType:      audit.OperationType,
		InputContent:       audit.InputContent,
		ExtractedFacts:     audit.ExtractedFacts,
		CandidateMemories:  audit.CandidateMemories,
		RawResponse:        audit.RawResponse,
		ParsedOperations:   audit.ParsedOperations,
		Reasoning:          audit.Reasoning,
		ExecutedOperations: audit.ExecutedOperations,
		Success:            audit.Success,
		Error:              audit.Error,
		ModelName:          audit.ModelName,
		LatencyMs:          audit.LatencyMs,
		CreatedAt:          audit.CreatedAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.engine.CheckHealth(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps the task error taxonomy onto HTTP: rejected input is
// the caller's fault, missing records are 404, everything else is on
// us.
func statusFor(err error) int {
	if errors.Is(err, recordstore.ErrNotFound) {
		return http.StatusNotFound
	}
	switch taskerr.KindOf(err) {
	case taskerr.PermanentReject:
		return http.StatusBadRequest
	case taskerr.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
