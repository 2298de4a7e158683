package workflow

import (
	"time"

	riparius "github.com/fluvius-io/fluvius-interim"
)

// instanceTransitions enumerates the legal instance transitions. Anything
// absent is rejected with a TransitionError.
var instanceTransitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// stepTransitions enumerates the legal step transitions.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepActive, StepSkipped},
	StepActive:  {StepWaiting, StepDone, StepFailed, StepSkipped},
	StepWaiting: {StepActive, StepDone, StepFailed, StepSkipped},
}

// CanTransition reports whether an instance may move from s to target.
func (s Status) CanTransition(target Status) bool {
	for _, t := range instanceTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// CanTransition reports whether a step may move from s to target.
func (s StepStatus) CanTransition(target StepStatus) bool {
	for _, t := range stepTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// transitionInstance applies a checked status change and maintains the
// start and finish timestamps.
func transitionInstance(n *Instance, target Status) error {
	if !n.Status.CanTransition(target) {
		return &riparius.TransitionError{
			Entity: "workflow",
			From:   string(n.Status),
			To:     string(target),
		}
	}
	now := time.Now().UTC()
	switch target {
	case StatusRunning:
		n.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		n.FinishedAt = &now
	}
	n.Status = target
	n.Touch()
	return nil
}

// transitionStep applies a checked status change and maintains the
// activation and finish timestamps.
func transitionStep(s *Step, target StepStatus) error {
	if !s.Status.CanTransition(target) {
		return &riparius.TransitionError{
			Entity: "step",
			From:   string(s.Status),
			To:     string(target),
		}
	}
	now := time.Now().UTC()
	switch target {
	case StepActive:
		s.ActivatedAt = &now
	case StepDone, StepFailed, StepSkipped:
		s.FinishedAt = &now
	}
	s.Status = target
	s.Touch()
	return nil
}
