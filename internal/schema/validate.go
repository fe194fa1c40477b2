package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed candidate_schema.json
var candidateSchemaJSON []byte

var (
	schemaOnce    sync.Once
	candidateSch  *jsonschema.Schema
	candidateSchE error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(candidateSchemaJSON))
		if err != nil {
			candidateSchE = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("candidate.json", doc); err != nil {
			candidateSchE = err
			return
		}
		candidateSch, candidateSchE = c.Compile("candidate.json")
	})
	return candidateSch, candidateSchE
}

// RawCandidate is the loosely-typed record produced by the extraction
// capability. All fields are optional at this stage; Validate decides what is
// actually usable.
type RawCandidate struct {
	Title           string  `json:"title"`
	Kind            string  `json:"kind,omitempty"`
	DueAt           string  `json:"due_at,omitempty"`
	DurationMinutes float64 `json:"duration_minutes,omitempty"`
	Priority        string  `json:"priority,omitempty"`
	SourceStart     int     `json:"source_start,omitempty"`
	SourceEnd       int     `json:"source_end,omitempty"`
}

// CandidateRef locates a candidate within an extraction batch for error
// reporting and traceability.
type CandidateRef struct {
	DocumentID string
	UserID     string
	Index      int
}

// Validate turns a raw extraction candidate into a typed Deliverable.
//
// It returns one ValidationError per malformed field, not a single aggregate
// failure, so callers see every defect in one pass. The returned Deliverable
// is only meaningful when the error slice is empty. No side effects.
func Validate(raw json.RawMessage, ref CandidateRef) (Deliverable, []ValidationError) {
	structural := validateStructure(raw, ref)
	if len(structural) > 0 {
		return Deliverable{}, structural
	}

	var c RawCandidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return Deliverable{}, []ValidationError{{
			DocumentID: ref.DocumentID, Candidate: ref.Index,
			Message: "malformed candidate: " + err.Error(),
		}}
	}
	return validateFields(c, ref)
}

// validateStructure checks the candidate against the embedded JSON Schema
// (types only; presence and semantics are field-level checks).
func validateStructure(raw json.RawMessage, ref CandidateRef) []ValidationError {
	sch, err := compiledSchema()
	if err != nil {
		// A broken embedded schema is a programming error; surface it as a
		// candidate-level defect rather than panicking mid-batch.
		return []ValidationError{{
			DocumentID: ref.DocumentID, Candidate: ref.Index,
			Message: "candidate schema unavailable: " + err.Error(),
		}}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return []ValidationError{{
			DocumentID: ref.DocumentID, Candidate: ref.Index,
			Message: "invalid json: " + err.Error(),
		}}
	}

	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []ValidationError{{
			DocumentID: ref.DocumentID, Candidate: ref.Index, Message: err.Error(),
		}}
	}

	var out []ValidationError
	for _, leaf := range leafCauses(ve) {
		out = append(out, ValidationError{
			DocumentID: ref.DocumentID,
			Candidate:  ref.Index,
			Field:      strings.Join(leaf.InstanceLocation, "."),
			Message:    leaf.Error(),
		})
	}
	return out
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

func validateFields(c RawCandidate, ref CandidateRef) (Deliverable, []ValidationError) {
	var errs []ValidationError
	fieldErr := func(field, msg string) {
		errs = append(errs, ValidationError{
			DocumentID: ref.DocumentID, Candidate: ref.Index, Field: field, Message: msg,
		})
	}

	title := strings.TrimSpace(c.Title)
	if title == "" {
		fieldErr("title", "must not be empty")
	}

	// Only fully-qualified instants are accepted. Partial or ambiguous dates
	// ("next Friday", "2023-10-25") are rejected rather than guessed at.
	var dueAt time.Time
	switch due := strings.TrimSpace(c.DueAt); due {
	case "":
		fieldErr("due_at", "missing")
	default:
		t, err := time.Parse(time.RFC3339, due)
		if err != nil {
			fieldErr("due_at", "not an absolute RFC 3339 instant: "+due)
		} else {
			dueAt = t.UTC()
		}
	}

	if c.DurationMinutes < 0 {
		fieldErr("duration_minutes", "must not be negative")
	}
	if c.SourceStart < 0 || c.SourceEnd < 0 || c.SourceEnd < c.SourceStart {
		fieldErr("source_span", "invalid span")
	}

	if len(errs) > 0 {
		return Deliverable{}, errs
	}

	prio := PriorityNormal
	if strings.EqualFold(strings.TrimSpace(c.Priority), string(PriorityHigh)) {
		prio = PriorityHigh
	}

	return Deliverable{
		ID:           uuid.NewString(),
		UserID:       ref.UserID,
		Title:        title,
		Kind:         ParseKind(strings.ToLower(strings.TrimSpace(c.Kind))),
		DueAt:        dueAt,
		DurationHint: time.Duration(c.DurationMinutes * float64(time.Minute)),
		SourceDoc:    ref.DocumentID,
		SourceStart:  c.SourceStart,
		SourceEnd:    c.SourceEnd,
		Priority:     prio,
		Status:       StatusPending,
	}, nil
}
