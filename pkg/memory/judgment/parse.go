package judgment

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/engramlabs/engram/pkg/memory"
)

// ParseResult is the outcome of decoding one judgment response.
type ParseResult struct {
	Records   []memory.OperationRecord
	Reasoning string
	// Failed marks the ADD-everything fallback: the response was not
	// decodable, the new facts are stored as-is, and the audit row is
	// flagged unsuccessful.
	Failed bool
}

// Operations converts the wire records into typed variants.
func (r ParseResult) Operations() []memory.Operation {
	ops := make([]memory.Operation, 0, len(r.Records))
	for _, rec := range r.Records {
		ops = append(ops, rec.Op())
	}
	return ops
}

type responseEnvelope struct {
	Memory []memory.OperationRecord `json:"memory"`
}

// Parse decodes the model response. It is pure: same inputs, same
// result, no clock, no stores. The JSON body is cut between the first
// '{' and the last '}' so fences and prose around it do not matter.
// An undecodable response falls back to adding every new fact, with
// positional ids continuing after the candidate count the way the
// model would have numbered them.
func Parse(raw string, facts []string, candidates []memory.Candidate) ParseResult {
	window, ok := jsonWindow(raw)
	if !ok {
		return fallbackAddAll(facts, candidates)
	}

	var envelope responseEnvelope
	if err := json.Unmarshal([]byte(window), &envelope); err != nil {
		return fallbackAddAll(facts, candidates)
	}
	if envelope.Memory == nil {
		return fallbackAddAll(facts, candidates)
	}

	records := make([]memory.OperationRecord, 0, len(envelope.Memory))
	reasons := make([]string, 0, len(envelope.Memory))
	for _, rec := range envelope.Memory {
		rec.Event = string(memory.NormalizeEvent(rec.Event))
		if strings.TrimSpace(rec.Text) == "" && rec.Event == string(memory.EventAdd) {
			continue
		}
		records = append(records, rec)
		if reason := strings.TrimSpace(rec.Reason); reason != "" {
			reasons = append(reasons, reason)
		}
	}

	return ParseResult{
		Records:   records,
		Reasoning: strings.Join(reasons, "; "),
	}
}

func fallbackAddAll(facts []string, candidates []memory.Candidate) ParseResult {
	records := make([]memory.OperationRecord, 0, len(facts))
	for i, fact := range facts {
		records = append(records, memory.OperationRecord{
			ID:     strconv.Itoa(len(candidates) + i),
			Text:   fact,
			Event:  string(memory.EventAdd),
			Reason: "fallback: judgment response unparseable",
		})
	}
	return ParseResult{
		Records:   records,
		Reasoning: "fallback: judgment response unparseable",
		Failed:    true,
	}
}

func jsonWindow(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
