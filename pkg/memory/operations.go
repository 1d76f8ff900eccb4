package memory

import "strings"

// Event is the verb the judgment model chose for one operation.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// NormalizeEvent uppercases the model output and maps anything
// unrecognized to EventNone so a creative verb never mutates a store.
func NormalizeEvent(s string) Event {
	switch e := Event(strings.ToUpper(strings.TrimSpace(s))); e {
	case EventAdd, EventUpdate, EventDelete, EventNone:
		return e
	default:
		return EventNone
	}
}

// Operation is one reconciliation step produced by the judgment stage.
// The four variants are closed: the executor switches on the concrete
// type and there is nothing else to handle.
type Operation interface {
	Event() Event
	// TargetID is the candidate id the operation refers to. For Add it
	// is the positional placeholder the model (or the fallback parser)
	// assigned; the executor mints the real vector id.
	TargetID() string
}

// AddOp inserts Text as a brand-new memory.
type AddOp struct {
	ID     string
	Text   string
	Reason string
}

func (o AddOp) Event() Event     { return EventAdd }
func (o AddOp) TargetID() string { return o.ID }

// UpdateOp rewrites the candidate identified by ID to Text. OldText is
// the model's echo of what it believes it is replacing; it is recorded
// for audit but the row content is authoritative.
type UpdateOp struct {
	ID      string
	Text    string
	OldText string
	Reason  string
}

func (o UpdateOp) Event() Event     { return EventUpdate }
func (o UpdateOp) TargetID() string { return o.ID }

// DeleteOp removes the candidate identified by ID from all stores.
type DeleteOp struct {
	ID     string
	Text   string
	Reason string
}

func (o DeleteOp) Event() Event     { return EventDelete }
func (o DeleteOp) TargetID() string { return o.ID }

// NoneOp records that the model saw the candidate and decided the new
// information changes nothing. It still counts in the audit.
type NoneOp struct {
	ID     string
	Text   string
	Reason string
}

func (o NoneOp) Event() Event     { return EventNone }
func (o NoneOp) TargetID() string { return o.ID }

// OperationRecord is the wire form of one operation as parsed from the
// model response, kept verbatim for the audit row.
type OperationRecord struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Event     string `json:"event"`
	OldMemory string `json:"old_memory,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Op converts the wire record into its typed variant.
func (r OperationRecord) Op() Operation {
	switch NormalizeEvent(r.Event) {
	case EventAdd:
		return AddOp{ID: r.ID, Text: r.Text, Reason: r.Reason}
	case EventUpdate:
		return UpdateOp{ID: r.ID, Text: r.Text, OldText: r.OldMemory, Reason: r.Reason}
	case EventDelete:
		return DeleteOp{ID: r.ID, Text: r.Text, Reason: r.Reason}
	default:
		return NoneOp{ID: r.ID, Text: r.Text, Reason: r.Reason}
	}
}

// OperationResult describes one executed operation in the audit and in
// task results.
type OperationResult struct {
	VectorID string `json:"vector_id,omitempty"`
	FactID   FactID `json:"fact_id,omitempty"`
	Content  string `json:"content,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ExecutionSummary aggregates what the executor actually did with a
// parsed operation list.
type ExecutionSummary struct {
	Added    []OperationResult `json:"added"`
	Updated  []OperationResult `json:"updated"`
	Deleted  []OperationResult `json:"deleted"`
	NoneOps  int               `json:"none_ops"`
	Failures []string          `json:"failures,omitempty"`
}

// Counts reports how many operations landed per verb.
func (s *ExecutionSummary) Counts() (added, updated, deleted, none int) {
	return len(s.Added), len(s.Updated), len(s.Deleted), s.NoneOps
}
