// Package id defines TypeID-based identity types for all workflow entities.
//
// Every entity uses a single ID struct with a prefix that identifies the
// entity type. IDs are K-sortable (UUIDv7-based), globally unique, and
// URL-safe in the format "prefix_suffix". Sorting IDs therefore sorts by
// creation time, which the query surface relies on for stable ordering.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all workflow entity types.
const (
	PrefixWorkflow    Prefix = "wf"
	PrefixStep        Prefix = "step"
	PrefixStage       Prefix = "stg"
	PrefixParticipant Prefix = "ptc"
	PrefixEvent       Prefix = "evt"
	PrefixTrigger     Prefix = "trg"
	PrefixDeadLetter  Prefix = "dl"
	PrefixWorker      Prefix = "wkr"
)

// ID wraps a TypeID behind a comparable struct. The wrapper carries a
// validity bit so the zero value reads as Nil rather than as a malformed
// TypeID, and two IDs compare equal with ==.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New mints a unique ID under the given prefix. An invalid prefix is a
// programming error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse decodes a TypeID string such as "wf_01h2xcejqtf2nbrexx3vqjhp41".
// The empty string is rejected; use Nil for the absent ID.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix decodes a TypeID string and rejects it unless its prefix
// is the expected one.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is Parse for hardcoded values; it panics instead of returning
// an error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// MustParseWithPrefix is ParseWithPrefix that panics instead of returning
// an error.
func MustParseWithPrefix(s string, expected Prefix) ID {
	parsed, err := ParseWithPrefix(s, expected)
	if err != nil {
		panic(fmt.Sprintf("id: must parse with prefix %q: %v", expected, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases per entity
// ──────────────────────────────────────────────────

// WorkflowID is a type-safe identifier for workflow instances (prefix: "wf").
type WorkflowID = ID

// StepID is a type-safe identifier for workflow steps (prefix: "step").
type StepID = ID

// StageID is a type-safe identifier for workflow stage records (prefix: "stg").
type StageID = ID

// ParticipantID is a type-safe identifier for participants (prefix: "ptc").
type ParticipantID = ID

// EventID is a type-safe identifier for domain events (prefix: "evt").
type EventID = ID

// TriggerID is a type-safe identifier for scheduled triggers (prefix: "trg").
type TriggerID = ID

// DeadLetterID is a type-safe identifier for dead letter entries (prefix: "dl").
type DeadLetterID = ID

// WorkerID is a type-safe identifier for workers (prefix: "wkr").
type WorkerID = ID

// AnyID is a type alias that accepts any valid prefix.
type AnyID = ID

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

// NewWorkflowID generates a new unique workflow instance ID.
func NewWorkflowID() ID { return New(PrefixWorkflow) }

// NewStepID generates a new unique step ID.
func NewStepID() ID { return New(PrefixStep) }

// NewStageID generates a new unique stage record ID.
func NewStageID() ID { return New(PrefixStage) }

// NewParticipantID generates a new unique participant ID.
func NewParticipantID() ID { return New(PrefixParticipant) }

// NewEventID generates a new unique domain event ID.
func NewEventID() ID { return New(PrefixEvent) }

// NewTriggerID generates a new unique scheduled trigger ID.
func NewTriggerID() ID { return New(PrefixTrigger) }

// NewDeadLetterID generates a new unique dead letter entry ID.
func NewDeadLetterID() ID { return New(PrefixDeadLetter) }

// NewWorkerID generates a new unique worker ID.
func NewWorkerID() ID { return New(PrefixWorker) }

// ──────────────────────────────────────────────────
// Convenience parsers
// ──────────────────────────────────────────────────

// ParseWorkflowID parses a string and validates the "wf" prefix.
func ParseWorkflowID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorkflow) }

// ParseStepID parses a string and validates the "step" prefix.
func ParseStepID(s string) (ID, error) { return ParseWithPrefix(s, PrefixStep) }

// ParseStageID parses a string and validates the "stg" prefix.
func ParseStageID(s string) (ID, error) { return ParseWithPrefix(s, PrefixStage) }

// ParseParticipantID parses a string and validates the "ptc" prefix.
func ParseParticipantID(s string) (ID, error) { return ParseWithPrefix(s, PrefixParticipant) }

// ParseEventID parses a string and validates the "evt" prefix.
func ParseEventID(s string) (ID, error) { return ParseWithPrefix(s, PrefixEvent) }

// ParseTriggerID parses a string and validates the "trg" prefix.
func ParseTriggerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTrigger) }

// ParseDeadLetterID parses a string and validates the "dl" prefix.
func ParseDeadLetterID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDeadLetter) }

// ParseWorkerID parses a string and validates the "wkr" prefix.
func ParseWorkerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorker) }

// ParseAny parses a string into an ID without type checking the prefix.
func ParseAny(s string) (ID, error) { return Parse(s) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String renders the ID as "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler. Nil marshals as the
// empty string.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input restores
// Nil, so optional ID fields round-trip through JSON.
func (i *ID) UnmarshalText(data []byte) error {
	return i.set(string(data))
}

// Value implements driver.Valuer. Nil becomes SQL NULL so optional foreign
// key columns stay nullable.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner. NULL and empty values restore Nil.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil

		return nil
	case string:
		return i.set(v)
	case []byte:
		return i.set(string(v))
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}

// set assigns the parsed value of s, treating "" as Nil.
func (i *ID) set(s string) error {
	if s == "" {
		*i = Nil

		return nil
	}

	parsed, err := Parse(s)
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}
