package judgment

import (
	"encoding/json"
	"strings"

	"github.com/engramlabs/engram/pkg/memory"
)

// memoryJudgmentSystemPrompt drives the reconciliation decision. The
// response envelope {"memory": [...]} with string ids is load-bearing:
// Parse depends on it, and UPDATE/DELETE ids must echo candidate ids.
const memoryJudgmentSystemPrompt = `You are a smart memory manager which controls the memory of a system for the primary user.
You can perform four operations: (1) add into the memory, (2) update the memory, (3) delete from the memory, and (4) no change.

Compare newly retrieved facts with the existing memory. For each new fact, decide whether to:
- ADD: Add it to the memory as a new element
- UPDATE: Update an existing memory element
- DELETE: Delete an existing memory element
- NONE: Make no change (if the fact is already present or irrelevant)

Guidelines:

1. **Add**: If the retrieved facts contain new information not present in the memory, add it with a new id.
- Example:
    - Old Memory:
        [{"id": "f3b7c2d1-0a45-4e8b-9c3e-7d2f8a1b6c90", "text": "The primary user is a software engineer"}]
    - Retrieved facts: ["The primary user's name is John"]
    - Response:
        {"memory": [
            {"id": "f3b7c2d1-0a45-4e8b-9c3e-7d2f8a1b6c90", "text": "The primary user is a software engineer", "event": "NONE", "reason": "unrelated to the new fact"},
            {"id": "1", "text": "The primary user's name is John", "event": "ADD", "reason": "new information"}
        ]}

2. **Update**: If a retrieved fact covers the same subject as an existing memory but changes or enriches it, update that element. Keep the fact with the most information. Keep the same id.
- Example:
    - Old Memory:
        [{"id": "a1e2c3d4-5f60-4789-8abc-def012345678", "text": "The primary user likes to play cricket"}]
    - Retrieved facts: ["The primary user loves to play cricket with friends"]
    - Response:
        {"memory": [
            {"id": "a1e2c3d4-5f60-4789-8abc-def012345678", "text": "The primary user loves to play cricket with friends", "event": "UPDATE", "old_memory": "The primary user likes to play cricket", "reason": "richer version of the same fact"}
        ]}

3. **Delete**: If a retrieved fact contradicts an existing memory element, delete that element.
- Example:
    - Old Memory:
        [{"id": "9b8c7d6e-5f43-4a21-b0c9-8d7e6f5a4b3c", "text": "The primary user loves cheese pizza"}]
    - Retrieved facts: ["The primary user dislikes cheese pizza"]
    - Response:
        {"memory": [
            {"id": "9b8c7d6e-5f43-4a21-b0c9-8d7e6f5a4b3c", "text": "The primary user loves cheese pizza", "event": "DELETE", "reason": "contradicted by the new fact"}
        ]}

4. **No Change**: If the retrieved facts are already present in the memory, return the element with event NONE.

Rules:
- For UPDATE and DELETE, the id must be copied exactly from the old memory.
- Every element needs a short "reason".
- Respond with JSON only, no commentary, in the shape:
  {"memory": [{"id": "...", "text": "...", "event": "ADD|UPDATE|DELETE|NONE", "old_memory": "...", "reason": "..."}]}`

type promptCandidate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// BuildUserPrompt renders the existing memories and new facts into the
// judgment request. Candidates are slimmed to (id, text): scores and
// graph data would only distract the model.
func BuildUserPrompt(candidates []memory.Candidate, facts []string) string {
	slim := make([]promptCandidate, 0, len(candidates))
	for _, c := range candidates {
		slim = append(slim, promptCandidate{ID: c.ID, Text: c.Text})
	}
	existing, err := json.Marshal(slim)
	if err != nil {
		existing = []byte("[]")
	}
	retrieved, err := json.Marshal(facts)
	if err != nil {
		retrieved = []byte("[]")
	}

	var b strings.Builder
	b.WriteString("Existing memories:\n")
	b.Write(existing)
	b.WriteString("\n\nNewly retrieved facts:\n")
	b.Write(retrieved)
	return b.String()
}
