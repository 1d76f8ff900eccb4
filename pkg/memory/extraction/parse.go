package extraction

import (
	"encoding/json"
	"strings"

	"github.com/engramlabs/engram/pkg/memory"
)

// ownerAliases are the placeholder spellings models use for the
// speaker despite being told to write OWNER_ID. All of them resolve to
// the owner id after parsing.
var ownerAliases = map[string]struct{}{
	"owner_id": {},
	"user":     {},
	"the user": {},
	"i":        {},
	"me":       {},
	"myself":   {},
	"speaker":  {},
}

// jsonWindow cuts the substring between the first opening and last
// closing brace, tolerating prose and markdown fences around the JSON
// body. Returns false when no window exists.
func jsonWindow(s string) (string, bool) {
	s = stripFences(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

type factsEnvelope struct {
	Facts []struct {
		Content    string `json:"content"`
		Category   string `json:"category"`
		Importance string `json:"importance"`
	} `json:"facts"`
}

// parseFacts decodes the fact extraction response. ok is false when
// the response holds no decodable envelope at all; an empty facts list
// inside a valid envelope is a legitimate "nothing worth remembering".
func parseFacts(raw string) ([]memory.ExtractedFact, bool) {
	window, found := jsonWindow(raw)
	if !found {
		return nil, false
	}
	var envelope factsEnvelope
	if err := json.Unmarshal([]byte(window), &envelope); err != nil {
		return nil, false
	}

	facts := make([]memory.ExtractedFact, 0, len(envelope.Facts))
	for _, f := range envelope.Facts {
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		facts = append(facts, memory.ExtractedFact{
			Content:    content,
			Category:   memory.NormalizeCategory(f.Category),
			Importance: memory.NormalizeImportance(f.Importance),
		})
	}
	return facts, true
}

type graphEnvelope struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
	Relations []struct {
		Source   string `json:"source"`
		Relation string `json:"relation"`
		Target   string `json:"target"`
	} `json:"relations"`
}

// parseGraph decodes the entity extraction response, substituting the
// owner id for any speaker placeholder and dropping incomplete rows.
func parseGraph(raw, ownerID string) ([]memory.Entity, []memory.Relation, bool) {
	window, found := jsonWindow(raw)
	if !found {
		return nil, nil, false
	}
	var envelope graphEnvelope
	if err := json.Unmarshal([]byte(window), &envelope); err != nil {
		return nil, nil, false
	}

	seen := make(map[string]struct{}, len(envelope.Entities))
	entities := make([]memory.Entity, 0, len(envelope.Entities))
	for _, e := range envelope.Entities {
		name := resolveOwner(e.Name, ownerID)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		entities = append(entities, memory.Entity{
			Name: name,
			Type: strings.ToLower(strings.TrimSpace(e.Type)),
		})
	}

	relations := make([]memory.Relation, 0, len(envelope.Relations))
	for _, r := range envelope.Relations {
		source := resolveOwner(r.Source, ownerID)
		target := resolveOwner(r.Target, ownerID)
		if source == "" || target == "" || strings.TrimSpace(r.Relation) == "" {
			continue
		}
		relations = append(relations, memory.Relation{
			Source:   source,
			Relation: strings.TrimSpace(r.Relation),
			Target:   target,
		})
	}
	return entities, relations, true
}

// resolveOwner replaces speaker placeholders with the owner id so
// every owner's graph centers on their own node.
func resolveOwner(name, ownerID string) string {
	name = strings.TrimSpace(name)
	if _, ok := ownerAliases[strings.ToLower(name)]; ok {
		return ownerID
	}
	return name
}

// fallbackFacts wraps the raw content into the single degraded fact
// used when the model response is unusable: ingestion never drops the
// input on the floor.
func fallbackFacts(content string) []memory.ExtractedFact {
	return []memory.ExtractedFact{{
		Content:    content,
		Category:   memory.CategoryFact,
		Importance: memory.ImportanceMedium,
	}}
}
