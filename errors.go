package riparius

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("riparius: no store configured")
	ErrStoreClosed     = errors.New("riparius: store closed")
	ErrMigrationFailed = errors.New("riparius: migration failed")

	// Not found errors.
	ErrWorkflowNotFound    = errors.New("riparius: workflow not found")
	ErrStepNotFound        = errors.New("riparius: step not found")
	ErrStageNotFound       = errors.New("riparius: stage not found")
	ErrParticipantNotFound = errors.New("riparius: participant not found")
	ErrDefinitionNotFound  = errors.New("riparius: definition not found")
	ErrTriggerNotFound     = errors.New("riparius: trigger entry not found")
	ErrEventNotFound       = errors.New("riparius: event not found")
	ErrDeadLetterNotFound  = errors.New("riparius: dead letter entry not found")
	ErrWorkerNotFound      = errors.New("riparius: worker not found")
	ErrHandlerNotFound     = errors.New("riparius: step handler not registered")

	// Conflict errors.
	ErrVersionConflict      = errors.New("riparius: workflow version conflict")
	ErrWorkflowExists       = errors.New("riparius: workflow already exists")
	ErrDuplicateParticipant = errors.New("riparius: participant already exists")
	ErrDuplicateDefinition  = errors.New("riparius: definition already registered")
	ErrDuplicateTrigger     = errors.New("riparius: duplicate trigger entry")

	// State errors.
	ErrInvalidTransition  = errors.New("riparius: invalid state transition")
	ErrWorkflowTerminal   = errors.New("riparius: workflow is terminal")
	ErrWorkflowNotRunning = errors.New("riparius: workflow is not running")
	ErrStepTerminal       = errors.New("riparius: step is terminal")
	ErrMaxRetriesExceeded = errors.New("riparius: max retries exceeded")
	ErrTooManyMutations   = errors.New("riparius: command exceeds mutation budget")

	// Validation and authorization errors.
	ErrValidation   = errors.New("riparius: validation failed")
	ErrUnauthorized = errors.New("riparius: actor not authorized for command")

	// Execution errors.
	ErrStepExecution = errors.New("riparius: step execution failed")
	ErrRateLimited   = errors.New("riparius: event intake rate limited")
	ErrEngineStopped = errors.New("riparius: engine stopped")

	// Cluster errors.
	ErrLeadershipLost = errors.New("riparius: leadership lost")
	ErrNotLeader      = errors.New("riparius: not the leader")
)

// FieldError describes a single validation failure inside a command
// payload or a workflow definition.
type FieldError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationError aggregates field errors for one command or definition.
// It unwraps to ErrValidation so callers can match with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 1 {
		return fmt.Sprintf("riparius: validation failed: %s", e.Fields[0].Error())
	}
	return fmt.Sprintf("riparius: validation failed: %d field errors", len(e.Fields))
}

// Unwrap makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError from field errors.
// Returns nil when no field errors are given so callers can write
// `return NewValidationError(errs...)` unconditionally.
func NewValidationError(fields ...FieldError) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// TransitionError reports a disallowed state transition with both sides
// named. It unwraps to ErrInvalidTransition.
type TransitionError struct {
	Entity string // "workflow" or "step"
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("riparius: invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// Unwrap makes errors.Is(err, ErrInvalidTransition) true.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ExecutionError wraps a step handler failure with its origin. It unwraps
// to both ErrStepExecution and the handler's own error.
type ExecutionError struct {
	Node    string
	Handler string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("riparius: step %q handler %q: %v", e.Node, e.Handler, e.Err)
}

// Unwrap returns the sentinel and the cause for errors.Is/As matching.
func (e *ExecutionError) Unwrap() []error { return []error{ErrStepExecution, e.Err} }
