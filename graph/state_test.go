package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validState() *State {
	return &State{
		ThreadID: "t1",
		Plan: &Plan{
			OriginalRequest: "do the thing",
			Steps: []*Step{
				{Number: 1, Description: "a", Status: StepCompleted, Result: "done"},
				{Number: 2, Description: "b", Status: StepInProgress},
				{Number: 3, Description: "c", Status: StepPending},
			},
		},
		CurrentStep: 1,
	}
}

func TestStateValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validState().Validate())
	assert.NoError(t, (&State{ThreadID: "t1"}).Validate())

	t.Run("missing thread id", func(t *testing.T) {
		s := validState()
		s.ThreadID = ""
		assert.Error(t, s.Validate())
	})

	t.Run("gap in step numbers", func(t *testing.T) {
		s := validState()
		s.Plan.Steps[2].Number = 4
		assert.Error(t, s.Validate())
	})

	t.Run("two steps in progress", func(t *testing.T) {
		s := validState()
		s.Plan.Steps[2].Status = StepInProgress
		assert.Error(t, s.Validate())
	})

	t.Run("awaiting without requires flag", func(t *testing.T) {
		s := validState()
		s.Plan.Steps[1].Status = StepAwaitingApproval
		s.AwaitingApproval = true
		assert.Error(t, s.Validate())
	})

	t.Run("awaiting with flag set", func(t *testing.T) {
		s := validState()
		s.Plan.Steps[1].Status = StepAwaitingApproval
		s.Plan.Steps[1].RequiresApproval = true
		s.AwaitingApproval = true
		assert.NoError(t, s.Validate())
	})

	t.Run("awaiting step but state flag unset", func(t *testing.T) {
		s := validState()
		s.Plan.Steps[1].Status = StepAwaitingApproval
		s.Plan.Steps[1].RequiresApproval = true
		assert.Error(t, s.Validate())
	})

	t.Run("flag set but no awaiting step", func(t *testing.T) {
		s := validState()
		s.AwaitingApproval = true
		assert.Error(t, s.Validate())
	})

	t.Run("current step out of range", func(t *testing.T) {
		s := validState()
		s.CurrentStep = 4
		assert.Error(t, s.Validate())
	})

	t.Run("plan absent but step index set", func(t *testing.T) {
		s := &State{ThreadID: "t1", CurrentStep: 2}
		assert.Error(t, s.Validate())
	})
}

func TestStepStatusTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, StepPending.CanTransition(StepInProgress))
	assert.True(t, StepPending.CanTransition(StepAwaitingApproval))
	assert.True(t, StepInProgress.CanTransition(StepCompleted))
	assert.True(t, StepInProgress.CanTransition(StepFailed))
	assert.True(t, StepAwaitingApproval.CanTransition(StepInProgress))
	assert.True(t, StepAwaitingApproval.CanTransition(StepSkipped))
	assert.True(t, StepFailed.CanTransition(StepPending))
	assert.True(t, StepCompleted.CanTransition(StepPending)) // retry reopens

	assert.False(t, StepPending.CanTransition(StepCompleted))
	assert.False(t, StepCompleted.CanTransition(StepInProgress))
	assert.False(t, StepSkipped.CanTransition(StepCompleted))
	assert.False(t, StepAwaitingApproval.CanTransition(StepCompleted))

	assert.True(t, StepCompleted.Terminal())
	assert.True(t, StepSkipped.Terminal())
	assert.False(t, StepFailed.Terminal())
}

func TestStateSnapshotIsIndependent(t *testing.T) {
	t.Parallel()

	s := validState()
	snap := s.Snapshot()
	require.NotSame(t, s, snap)

	s.Plan.Steps[1].Status = StepCompleted
	s.CurrentStep = 2
	assert.Equal(t, StepInProgress, snap.Plan.Steps[1].Status)
	assert.Equal(t, 1, snap.CurrentStep)
}

func TestStateEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	s := validState()
	s.Approval = nil
	raw, err := EncodeState(s)
	require.NoError(t, err)

	back, err := DecodeState(raw)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestCurrentStepRef(t *testing.T) {
	t.Parallel()

	s := validState()
	require.NotNil(t, s.CurrentStepRef())
	assert.Equal(t, 2, s.CurrentStepRef().Number)

	s.CurrentStep = 3
	assert.Nil(t, s.CurrentStepRef())

	assert.Nil(t, (&State{ThreadID: "t1"}).CurrentStepRef())
}
