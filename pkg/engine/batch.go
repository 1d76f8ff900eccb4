package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/pkg/broker"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/taskerr"
)

// BatchResult is the JSON stored in the task record when a batch task
// settles.
type BatchResult struct {
	Items    int        `json:"items"`
	Facts    int        `json:"facts"`
	Added    int        `json:"added"`
	Failures []string   `json:"failures,omitempty"`
	Stats    BatchStats `json:"stats"`
}

// BatchStats carries per-stage wall time for the batch path.
type BatchStats struct {
	ExtractMs int64 `json:"extract_ms"`
	EmbedMs   int64 `json:"embed_ms"`
	ExecuteMs int64 `json:"execute_ms"`
}

// HandleBatchTask ingests a bulk import as one task: facts are
// extracted per item with bounded concurrency, embedded in a single
// call and written through the transactional batch path. Judgment
// never runs here; batch imports are trusted. Vector ids and memory
// row ids are deterministic, so a redelivered task lands on the same
// rows instead of duplicating them.
func (e *Engine) HandleBatchTask(ctx context.Context, task *broker.Task, _ int) (json.RawMessage, error) {
	var p BatchPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, taskerr.Wrap(taskerr.PermanentReject, err, "decoding batch payload")
	}
	if len(p.Items) == 0 {
		return nil, taskerr.New(taskerr.PermanentReject, "batch cannot be empty")
	}
	if len(p.Items) > MaxBatchItems {
		return nil, taskerr.New(taskerr.PermanentReject, "batch of %d exceeds the %d item limit", len(p.Items), MaxBatchItems)
	}
	ownerID := task.OwnerID

	extractStarted := time.Now()
	perItem, err := e.extractBatch(ctx, task, p.Items, p.Metadata)
	if err != nil {
		return nil, err
	}
	extractMs := time.Since(extractStarted).Milliseconds()

	// Identical items, and identical facts across items, collapse onto
	// one deterministic vector id.
	var facts []*memory.Fact
	seen := make(map[memory.VectorID]struct{})
	for _, itemFacts := range perItem {
		for _, f := range itemFacts {
			if _, dup := seen[f.VectorID]; dup {
				continue
			}
			seen[f.VectorID] = struct{}{}
			facts = append(facts, f)
		}
	}
	if len(facts) == 0 {
		e.logger.Infof("[MEMORY_BATCH_ADD] EMPTY | task_id=%s | user_id=%s | items=%d", task.ID, ownerID, len(p.Items))
		return marshalResult(BatchResult{
			Items: len(p.Items),
			Stats: BatchStats{ExtractMs: extractMs},
		})
	}

	embedStarted := time.Now()
	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Content
	}
	embeddings, err := e.embedAll(ctx, texts)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Transient, err, "embedding batch facts")
	}
	embedMs := time.Since(embedStarted).Milliseconds()

	executeStarted := time.Now()
	summary, err := e.executor.InsertBatch(ctx, ownerID, facts, embeddings, p.Metadata)
	if err != nil {
		return nil, err
	}
	executeMs := time.Since(executeStarted).Milliseconds()

	e.logger.Infof("[MEMORY_BATCH_ADD] DONE | task_id=%s | user_id=%s | items=%d | facts=%d | added=%d | extract_ms=%d | embed_ms=%d | execute_ms=%d",
		task.ID, ownerID, len(p.Items), len(facts), len(summary.Added), extractMs, embedMs, executeMs)

	return marshalResult(BatchResult{
		Items:    len(p.Items),
		Facts:    len(facts),
		Added:    len(summary.Added),
		Failures: summary.Failures,
		Stats:    BatchStats{ExtractMs: extractMs, EmbedMs: embedMs, ExecuteMs: executeMs},
	})
}

// extractBatch persists each item's memory row and runs fact plus
// graph extraction with at most extractSlots items in flight. A row
// write failure stops the fan-out and fails the task; extraction
// itself degrades per item and never fails.
func (e *Engine) extractBatch(ctx context.Context, task *broker.Task, items []string, metadata map[string]any) ([][]*memory.Fact, error) {
	ownerID := task.OwnerID
	results := make([][]*memory.Fact, len(items))
	sem := make(chan struct{}, e.extractSlots)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	for i, item := range items {
		wg.Add(1)
		go func(idx int, content string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if failed() {
				return
			}

			memID := memoryIDForItem(ownerID, content)
			mem := &memory.Memory{ID: memID, OwnerID: ownerID, Content: content, Metadata: metadata}
			if err := e.records.CreateMemory(ctx, mem); err != nil {
				fail(taskerr.Wrap(taskerr.Transient, err, "persisting batch memory row"))
				return
			}

			extracted := e.extractor.Facts(ctx, ownerID, content)
			itemFacts := make([]*memory.Fact, 0, len(extracted))
			for _, ef := range extracted {
				entities, relations := e.extractor.Graph(ctx, ownerID, ef.Content)
				rowID := memID
				itemFacts = append(itemFacts, &memory.Fact{
					OwnerID:    ownerID,
					MemoryID:   &rowID,
					Content:    ef.Content,
					Category:   ef.Category,
					Importance: ef.Importance,
					Entities:   entities,
					Relations:  relations,
					VectorID:   memory.DeterministicVectorID(ownerID, ef.Content),
				})
			}
			results[idx] = itemFacts

			e.logger.Infof("[MEMORY_BATCH_ADD] PROGRESS | task_id=%s | item=%d/%d | facts=%d",
				task.ID, idx+1, len(items), len(itemFacts))
		}(i, item)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// memoryIDForItem derives the row id from owner and content, salted so
// it never collides with the deterministic vector id of the same pair.
func memoryIDForItem(ownerID, content string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("memory:"+ownerID+":"+content))
}
