package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/engramlabs/engram/pkg/broker"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/memory/prestage"
	"github.com/engramlabs/engram/pkg/store/vectorstore"
	"github.com/engramlabs/engram/pkg/taskerr"
)

// TaskResult is the JSON stored in the task record when an
// add-pipeline task settles.
type TaskResult struct {
	TraceID  string        `json:"trace_id,omitempty"`
	Added    int           `json:"added"`
	Updated  int           `json:"updated"`
	Deleted  int           `json:"deleted"`
	None     int           `json:"none"`
	Failures []string      `json:"failures,omitempty"`
	Note     string        `json:"note,omitempty"`
	Stats    PipelineStats `json:"stats"`
}

// PipelineStats carries per-stage wall time.
type PipelineStats struct {
	ExtractMs int64 `json:"extract_ms"`
	JudgeMs   int64 `json:"judge_ms"`
	ExecuteMs int64 `json:"execute_ms"`
}

// HandleAddTask runs the full ingestion pipeline for one memory:
// optional pre-staging, fact extraction, candidate retrieval, judgment
// and execution. Update and delete tasks run the same pipeline; the
// judgment stage owns the verbs.
func (e *Engine) HandleAddTask(ctx context.Context, task *broker.Task, _ int) (json.RawMessage, error) {
	var p AddPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, taskerr.Wrap(taskerr.PermanentReject, err, "decoding add payload")
	}
	ownerID := task.OwnerID
	content := p.Content
	meta := p.Metadata

	if metaBool(meta, metaNeedsSummary) {
		staged := e.prestage.Prepare(ctx, ownerID, content)
		content = staged.Content
		meta = annotateStaged(meta, staged)
	}

	mem := &memory.Memory{
		ID:       memoryIDForTask(task.ID),
		OwnerID:  ownerID,
		Content:  content,
		Metadata: meta,
	}
	if err := e.records.CreateMemory(ctx, mem); err != nil {
		return nil, taskerr.Wrap(taskerr.Transient, err, "persisting memory row")
	}

	extractStarted := time.Now()
	facts := e.extractor.Facts(ctx, ownerID, content)
	extractMs := time.Since(extractStarted).Milliseconds()
	if len(facts) == 0 {
		e.logger.Infof("[MEMORY_PIPELINE] EMPTY | task_id=%s | user_id=%s | extract_ms=%d",
			task.ID, ownerID, extractMs)
		return marshalResult(TaskResult{
			Note:  "no facts extracted",
			Stats: PipelineStats{ExtractMs: extractMs},
		})
	}

	if p.SkipJudge {
		return e.runImport(ctx, task, p, mem, facts, extractMs)
	}
	return e.runJudged(ctx, task, p, mem, facts, extractMs)
}

// runJudged is the default path: the model weighs the new facts
// against their nearest neighbors and the executor applies whatever it
// decided. The audit row goes in before execution so a crash between
// the two leaves evidence of intent.
func (e *Engine) runJudged(ctx context.Context, task *broker.Task, p AddPayload, mem *memory.Memory, facts []memory.ExtractedFact, extractMs int64) (json.RawMessage, error) {
	ownerID := task.OwnerID
	factTexts := lo.Map(facts, func(f memory.ExtractedFact, _ int) string { return f.Content })

	embeddings, err := e.embedAll(ctx, factTexts)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Transient, err, "embedding extracted facts")
	}
	candidates, err := e.gatherCandidates(ctx, ownerID, embeddings)
	if err != nil {
		return nil, err
	}

	judgeStarted := time.Now()
	decision, err := e.judge.Decide(ctx, ownerID, uuid.New(), factTexts, candidates)
	if err != nil {
		return nil, err
	}
	judgeMs := time.Since(judgeStarted).Milliseconds()

	audit := &memory.JudgmentAudit{
		TraceID:           decision.TraceID,
		OwnerID:           ownerID,
		APIKeyID:          p.APIKeyID,
		OperationType:     opTypeMemoryUpdate,
		InputContent:      mem.Content,
		ExtractedFacts:    facts,
		CandidateMemories: candidates,
		RawResponse:       decision.RawResponse,
		ParsedOperations:  decision.Records,
		Reasoning:         decision.Reasoning,
		Success:           !decision.ParseFailed,
		ModelName:         decision.ModelName,
		LatencyMs:         decision.Latency.Milliseconds(),
	}
	if decision.ParseFailed {
		audit.Error = "model response unparseable, degraded to add-all"
	}
	if err := e.records.InsertAudit(ctx, audit); err != nil {
		return nil, taskerr.Wrap(taskerr.Transient, err, "persisting judgment audit")
	}

	executeStarted := time.Now()
	summary := e.executor.Apply(ctx, ownerID, &mem.ID, decision.Operations, candidates, facts, mem.Metadata)
	executeMs := time.Since(executeStarted).Milliseconds()

	e.settleAudit(ctx, decision.TraceID, audit.Error, summary)

	return e.finishPipeline(task, decision.TraceID, summary, PipelineStats{
		ExtractMs: extractMs,
		JudgeMs:   judgeMs,
		ExecuteMs: executeMs,
	})
}

// runImport is the trusted-import path: every fact is added verbatim,
// judgment never runs, and a synthesized audit row records the bypass.
func (e *Engine) runImport(ctx context.Context, task *broker.Task, p AddPayload, mem *memory.Memory, facts []memory.ExtractedFact, extractMs int64) (json.RawMessage, error) {
	ownerID := task.OwnerID
	traceID := uuid.New()

	parsed := make([]memory.OperationRecord, len(facts))
	ops := make([]memory.Operation, len(facts))
	for i, f := range facts {
		id := strconv.Itoa(i)
		parsed[i] = memory.OperationRecord{ID: id, Text: f.Content, Event: string(memory.EventAdd), Reason: "trusted import"}
		ops[i] = memory.AddOp{ID: id, Text: f.Content, Reason: "trusted import"}
	}

	audit := &memory.JudgmentAudit{
		TraceID:          traceID,
		OwnerID:          ownerID,
		APIKeyID:         p.APIKeyID,
		OperationType:    opTypeMemoryImport,
		InputContent:     mem.Content,
		ExtractedFacts:   facts,
		ParsedOperations: parsed,
		Reasoning:        "judgment bypassed: trusted import",
		Success:          true,
	}
	if err := e.records.InsertAudit(ctx, audit); err != nil {
		return nil, taskerr.Wrap(taskerr.Transient, err, "persisting import audit")
	}

	executeStarted := time.Now()
	summary := e.executor.Apply(ctx, ownerID, &mem.ID, ops, nil, facts, mem.Metadata)
	executeMs := time.Since(executeStarted).Milliseconds()

	e.settleAudit(ctx, traceID, "", summary)

	return e.finishPipeline(task, traceID, summary, PipelineStats{
		ExtractMs: extractMs,
		ExecuteMs: executeMs,
	})
}

// gatherCandidates searches the owner's index around every new fact
// and merges the hits into one deduplicated, score-ordered judgment
// context. Matching rows are resolved in one pass so candidates carry
// the authoritative content and subgraph rather than the payload copy.
func (e *Engine) gatherCandidates(ctx context.Context, ownerID string, embeddings [][]float64) ([]memory.Candidate, error) {
	best := make(map[memory.VectorID]vectorstore.ScoredPoint)
	for _, vec := range embeddings {
		hits, err := e.vectors.Search(ctx, ownerID, vectorstore.Vector32(vec), e.candidateLimit, e.candidateFloor)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.Transient, err, "searching candidate memories")
		}
		for _, hit := range hits {
			if current, ok := best[hit.ID]; !ok || hit.Score > current.Score {
				best[hit.ID] = hit
			}
		}
	}
	if len(best) == 0 {
		return nil, nil
	}

	rows, err := e.records.FactsByVectorIDs(ctx, ownerID, lo.Keys(best))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Transient, err, "resolving candidate rows")
	}
	rowByVec := make(map[memory.VectorID]*memory.Fact, len(rows))
	for _, row := range rows {
		rowByVec[row.VectorID] = row
	}

	candidates := make([]memory.Candidate, 0, len(best))
	for id, hit := range best {
		c := memory.Candidate{
			ID:         id.String(),
			VectorID:   id,
			Text:       hit.Payload.Content,
			Score:      float64(hit.Score),
			Category:   hit.Payload.Category,
			Importance: hit.Payload.Importance,
			FactID:     hit.Payload.FactID,
		}
		if row, ok := rowByVec[id]; ok {
			c.Text = row.Content
			c.Category = row.Category
			c.Importance = row.Importance
			c.FactID = row.ID
			c.Entities = row.Entities
			c.Relations = row.Relations
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].Score > candidates[j].Score
	})
	return candidates, nil
}

// settleAudit records what actually executed. Failure here is logged,
// not returned: the writes already landed and retrying the task would
// repeat them.
func (e *Engine) settleAudit(ctx context.Context, traceID uuid.UUID, parseNote string, summary *memory.ExecutionSummary) {
	var problems []string
	if parseNote != "" {
		problems = append(problems, parseNote)
	}
	problems = append(problems, summary.Failures...)
	success := len(problems) == 0
	if err := e.records.UpdateAuditExecution(ctx, traceID, summary, success, strings.Join(problems, "; ")); err != nil {
		e.logger.Warnf("[MEMORY_PIPELINE] AUDIT_SETTLE_FAILED | trace_id=%s | error=%v", traceID, err)
	}
}

func (e *Engine) finishPipeline(task *broker.Task, traceID uuid.UUID, summary *memory.ExecutionSummary, stats PipelineStats) (json.RawMessage, error) {
	added, updated, deleted, none := summary.Counts()
	e.logger.Infof("[MEMORY_PIPELINE] DONE | task_id=%s | trace_id=%s | user_id=%s | added=%d | updated=%d | deleted=%d | none=%d | failures=%d | extract_ms=%d | judge_ms=%d | execute_ms=%d",
		task.ID, traceID, task.OwnerID, added, updated, deleted, none, len(summary.Failures),
		stats.ExtractMs, stats.JudgeMs, stats.ExecuteMs)
	return marshalResult(TaskResult{
		TraceID:  traceID.String(),
		Added:    added,
		Updated:  updated,
		Deleted:  deleted,
		None:     none,
		Failures: summary.Failures,
		Stats:    stats,
	})
}

// memoryIDForTask derives the memory row id from the task id so a
// redelivered task reuses its row instead of minting a sibling.
func memoryIDForTask(taskID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("memory:"+taskID.String()))
}

func annotateStaged(meta map[string]any, staged prestage.Result) map[string]any {
	if meta == nil {
		meta = make(map[string]any, 4)
	}
	delete(meta, metaNeedsSummary)
	meta["summarized"] = staged.Summarized
	meta["original_length"] = staged.OriginalLength
	meta["summary_length"] = staged.SummaryLength
	if staged.SensitiveCount > 0 {
		meta["sensitive_count"] = staged.SensitiveCount
	}
	return meta
}

func marshalResult(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding task result")
	}
	return raw, nil
}
