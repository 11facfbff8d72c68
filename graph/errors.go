package graph

import (
	"errors"
	"fmt"
)

// ErrStateMismatch is returned when a resume or retry arrives for a
// thread whose latest checkpoint is not in a compatible state.
var ErrStateMismatch = errors.New("thread state does not match the requested operation")

// ErrStepOutOfRange is returned when a retry names a step outside 1..N
var ErrStepOutOfRange = errors.New("step number out of range")

// Suspension is returned when the workflow pauses for a human decision.
// It is not a failure: the suspension is already persisted in the latest
// checkpoint and the thread resumes through Runner.Resume.
type Suspension struct {
	ThreadID string
	Approval ApprovalInfo
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("workflow suspended at step %d awaiting approval", s.Approval.StepNumber)
}

// StepFailure is returned when a step execution fails. The step is
// already marked failed and checkpointed; retry reopens it.
type StepFailure struct {
	StepNumber int
	Err        error
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %d failed: %v", f.StepNumber, f.Err)
}

func (f *StepFailure) Unwrap() error { return f.Err }
