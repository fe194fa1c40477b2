package schema

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a deliverable. Unknown values map to KindOther.
type Kind string

const (
	KindExam       Kind = "exam"
	KindAssignment Kind = "assignment"
	KindReading    Kind = "reading"
	KindOther      Kind = "other"
)

// ParseKind maps free-form extraction output onto the closed enum.
func ParseKind(raw string) Kind {
	switch Kind(raw) {
	case KindExam, KindAssignment, KindReading, KindOther:
		return Kind(raw)
	default:
		return KindOther
	}
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusConflicted Status = "conflicted"
	StatusSynced     Status = "synced"
)

// Deliverable is a structured academic obligation extracted from source text.
type Deliverable struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Kind   Kind   `json:"kind"`

	// DueAt is always an absolute UTC instant once the deliverable exists.
	DueAt time.Time `json:"due_at"`

	// DurationHint is how long the deliverable is expected to occupy
	// (0 when the source gave no hint).
	DurationHint time.Duration `json:"duration_hint,omitempty"`

	// SourceDoc/SourceStart/SourceEnd trace the deliverable back to the span
	// of normalized text it was extracted from.
	SourceDoc   string `json:"source_doc,omitempty"`
	SourceStart int    `json:"source_start,omitempty"`
	SourceEnd   int    `json:"source_end,omitempty"`

	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	// ExternalRef is the provider-side event id, set when synced.
	ExternalRef string `json:"external_ref,omitempty"`

	// LastError records the most recent deferred failure (e.g. an exhausted
	// external call) for a later retry pass.
	LastError string `json:"last_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrNoDueAt        = errors.New("deliverable has no resolvable due instant")
	ErrNoExternalRef  = errors.New("synced status requires an external reference id")
	ErrUnknownStatus  = errors.New("unknown deliverable status")
	ErrStatusTerminal = errors.New("deliverable status is terminal")
)

// Advance moves the deliverable to the given status, enforcing the record
// contract: no advancing past pending without a due instant, and synced only
// with a non-empty external reference.
func (d *Deliverable) Advance(next Status) error {
	switch next {
	case StatusPending, StatusConfirmed, StatusConflicted, StatusSynced:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, next)
	}
	if next != StatusPending && d.DueAt.IsZero() {
		return ErrNoDueAt
	}
	if next == StatusSynced && d.ExternalRef == "" {
		return ErrNoExternalRef
	}
	d.Status = next
	return nil
}

// Outcome of a conflict-resolution pass for one deliverable.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeFlagged     Outcome = "flagged"
)

// ConflictDecision records the placement decision for a deliverable.
// Resolution is idempotent: identical calendar state yields identical decisions.
type ConflictDecision struct {
	DeliverableID string    `json:"deliverable_id"`
	Outcome       Outcome   `json:"outcome"`
	NewDueAt      time.Time `json:"new_due_at,omitempty"` // set when rescheduled
	Reason        string    `json:"reason,omitempty"`
}

// ValidationError describes one malformed field of one candidate.
// A batch yields one ValidationError per defect, never an aggregate failure.
type ValidationError struct {
	DocumentID string `json:"document_id,omitempty"`
	Candidate  int    `json:"candidate"`
	Field      string `json:"field"`
	Message    string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("candidate %d: %s", e.Candidate, e.Message)
	}
	return fmt.Sprintf("candidate %d: %s: %s", e.Candidate, e.Field, e.Message)
}
