package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowTransitions(t *testing.T) {
	wf := NewWorkflow("brief", 5)
	assert.Equal(t, StatusCreated, wf.Status())

	require.NoError(t, wf.Transition(StatusPlanning))
	require.NoError(t, wf.Transition(StatusExecuting))
	require.NoError(t, wf.Transition(StatusPaused))
	require.NoError(t, wf.Transition(StatusExecuting))
	require.NoError(t, wf.Transition(StatusCompleted))

	assert.Error(t, wf.Transition(StatusExecuting), "terminal states have no successors")
}

func TestWorkflowInvalidTransition(t *testing.T) {
	wf := NewWorkflow("brief", 5)
	assert.Error(t, wf.Transition(StatusExecuting), "created cannot skip planning")
	assert.Error(t, wf.Transition(StatusPaused))
}

func TestFailIsIdempotentOnTerminal(t *testing.T) {
	wf := NewWorkflow("brief", 5)
	require.NoError(t, wf.Transition(StatusPlanning))
	require.NoError(t, wf.Transition(StatusExecuting))
	require.NoError(t, wf.Transition(StatusCompleted))

	wf.Fail("late failure")
	assert.Equal(t, StatusCompleted, wf.Status())
	assert.Empty(t, wf.FailReason)
}

func TestAddDefaults(t *testing.T) {
	wf := NewWorkflow("brief", 5)
	st := &Subtask{Title: "one"}
	wf.Add(st)

	assert.NotEmpty(t, st.ID)
	assert.Equal(t, SubtaskPending, st.Status)
	assert.Equal(t, DefaultRetryBudget, st.RetryBudget)
	assert.Equal(t, []string{st.ID}, wf.Order)
}

func TestRecordAttemptBoundsHistory(t *testing.T) {
	st := &Subtask{}
	for i := 0; i < AttemptHistoryLimit+3; i++ {
		st.RecordAttempt("transient", "x")
	}
	assert.Len(t, st.Attempts, AttemptHistoryLimit)
}

func TestAggregateQualityWeightsByEstimate(t *testing.T) {
	wf := NewWorkflow("brief", 5)
	long := newSubtask("long", 30)
	long.Status = SubtaskCompleted
	long.Result = &Result{Quality: 0.9}
	short := newSubtask("short", 10)
	short.Status = SubtaskCompleted
	short.Result = &Result{Quality: 0.6}
	pending := newSubtask("pending", 100)
	wf.Add(long)
	wf.Add(short)
	wf.Add(pending)

	// (0.9*30 + 0.6*10) / 40 = 0.825; the pending subtask contributes
	// nothing.
	assert.InDelta(t, 0.825, wf.AggregateQuality(), 1e-9)
}

func TestAggregateQualityEmpty(t *testing.T) {
	wf := NewWorkflow("brief", 5)
	assert.Zero(t, wf.AggregateQuality())
}

func TestAllTerminal(t *testing.T) {
	wf := NewWorkflow("brief", 5)
	a := newSubtask("a", 10)
	b := newSubtask("b", 10)
	wf.Add(a)
	wf.Add(b)
	assert.False(t, wf.AllTerminal())

	a.Status = SubtaskCompleted
	b.Status = SubtaskCancelled
	assert.True(t, wf.AllTerminal())
}

func TestSubtaskStatusTerminal(t *testing.T) {
	assert.True(t, SubtaskCompleted.Terminal())
	assert.True(t, SubtaskFailed.Terminal())
	assert.True(t, SubtaskCancelled.Terminal())
	assert.False(t, SubtaskRunning.Terminal())
	assert.False(t, SubtaskPending.Terminal())
}

func TestNewWorkflowDefaults(t *testing.T) {
	wf := NewWorkflow("brief", 7)
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, 7, wf.Priority)
	assert.Equal(t, DefaultQualityTarget, wf.QualityTarget)
	assert.WithinDuration(t, time.Now(), wf.CreatedAt, time.Second)
}
