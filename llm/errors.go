package llm

import "fmt"

// PlannerError means the model failed to produce a schema-valid plan
// within the corrective retry budget. The thread remains usable for a
// new top-level request.
type PlannerError struct {
	Attempts int
	Err      error
}

func (e *PlannerError) Error() string {
	return fmt.Sprintf("planner failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PlannerError) Unwrap() error { return e.Err }

// ExecutionError means a step's LLM or tool call failed. The step is
// recorded as failed and can be reopened through retry.
type ExecutionError struct {
	StepNumber int
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %d execution failed: %v", e.StepNumber, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// UnknownToolError means the model asked for a tool outside the
// authorized set. The runtime may resolve the tool's integration and
// retry the step once with an extended registry.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("model requested unknown tool %q", e.Tool)
}
