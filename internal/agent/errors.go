package agent

import (
	"fmt"

	"github.com/polzovatel/ux-explorer/internal/action"
)

// InputValidationError is the only client-caused failure.
type InputValidationError struct {
	Msg string
}

func (e *InputValidationError) Error() string { return e.Msg }

// ReplayError aborts the request: the replayed state cannot be trusted.
type ReplayError struct {
	Index  int
	Action action.Action
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("failed to re-execute previous action %d (%s): %v", e.Index, action.Describe(e.Action), e.Err)
}
func (e *ReplayError) Unwrap() error { return e.Err }

// MalformedPlanError means the reasoning service answer was not a usable action.
// It consumes one attempt.
type MalformedPlanError struct {
	Raw string
	Err error
}

func (e *MalformedPlanError) Error() string {
	return fmt.Sprintf("reasoning service response was not a valid action: %v", e.Err)
}
func (e *MalformedPlanError) Unwrap() error { return e.Err }

// ReasoningServiceError wraps a failed call to the reasoning service.
type ReasoningServiceError struct {
	Op  string
	Err error
}

func (e *ReasoningServiceError) Error() string {
	return fmt.Sprintf("reasoning service %s failed: %v", e.Op, e.Err)
}
func (e *ReasoningServiceError) Unwrap() error { return e.Err }

// ActionExhaustedError means every attempt of the step failed and no finish was proposed.
type ActionExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ActionExhaustedError) Error() string {
	return fmt.Sprintf("action failed after %d attempts: %v", e.Attempts, e.Last)
}
func (e *ActionExhaustedError) Unwrap() error { return e.Last }
