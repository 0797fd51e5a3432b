package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amas-ai/amas/orchestration/hierarchy"
)

func newSubtask(id string, minutes int, deps ...string) *Subtask {
	return &Subtask{
		ID:            id,
		Title:         id,
		Capabilities:  hierarchy.NewCapabilitySet("research"),
		EstimatedTime: time.Duration(minutes) * time.Minute,
		DependsOn:     deps,
	}
}

func buildWorkflow(subtasks ...*Subtask) *Workflow {
	wf := NewWorkflow("test brief", 5)
	for _, st := range subtasks {
		wf.Add(st)
	}
	return wf
}

func TestValidateAcceptsDAG(t *testing.T) {
	wf := buildWorkflow(
		newSubtask("a", 10),
		newSubtask("b", 10, "a"),
		newSubtask("c", 10, "a"),
		newSubtask("d", 10, "b", "c"),
	)
	assert.NoError(t, wf.Validate())
}

func TestValidateRejectsCycle(t *testing.T) {
	wf := buildWorkflow(
		newSubtask("a", 10, "c"),
		newSubtask("b", 10, "a"),
		newSubtask("c", 10, "b"),
	)
	assert.ErrorIs(t, wf.Validate(), ErrCycle)
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	wf := buildWorkflow(newSubtask("a", 10, "ghost"))
	assert.ErrorIs(t, wf.Validate(), ErrUnknownDependency)
}

func TestValidateRejectsSelfReference(t *testing.T) {
	wf := buildWorkflow(newSubtask("a", 10, "a"))
	assert.ErrorIs(t, wf.Validate(), ErrOrphanDependency)
}

func TestValidateRejectsMissingCapability(t *testing.T) {
	st := newSubtask("a", 10)
	st.Capabilities = hierarchy.CapabilitySet{}
	wf := buildWorkflow(st)
	assert.Error(t, wf.Validate())
}

func TestTopoSortIsDeterministic(t *testing.T) {
	wf := buildWorkflow(
		newSubtask("a", 10),
		newSubtask("b", 10, "a"),
		newSubtask("c", 10, "a"),
		newSubtask("d", 10, "b", "c"),
	)
	order, err := wf.TopoSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestRootsAndDependents(t *testing.T) {
	wf := buildWorkflow(
		newSubtask("a", 10),
		newSubtask("b", 10),
		newSubtask("c", 10, "a", "b"),
	)
	roots := wf.Roots()
	require.Len(t, roots, 2)
	assert.Equal(t, "a", roots[0].ID)
	assert.Equal(t, "b", roots[1].ID)
	assert.Equal(t, []string{"c"}, wf.Dependents("a"))
	assert.Empty(t, wf.Dependents("c"))
}

func TestDepsCompleted(t *testing.T) {
	wf := buildWorkflow(
		newSubtask("a", 10),
		newSubtask("b", 10, "a"),
	)
	b := wf.Subtasks["b"]
	assert.False(t, wf.DepsCompleted(b))
	wf.Subtasks["a"].Status = SubtaskCompleted
	assert.True(t, wf.DepsCompleted(b))
}

func TestCriticalPath(t *testing.T) {
	// a(10) -> b(30) -> d(10) is longer than a(10) -> c(5) -> d(10).
	wf := buildWorkflow(
		newSubtask("a", 10),
		newSubtask("b", 30, "a"),
		newSubtask("c", 5, "a"),
		newSubtask("d", 10, "b", "c"),
	)
	total, path := wf.CriticalPath()
	assert.Equal(t, 50*time.Minute, total)
	assert.Equal(t, []string{"a", "b", "d"}, path)
}

func TestImpactingOnCriticalPath(t *testing.T) {
	// Critical path is a(10) -> b(30) -> d(10); c(5) is a side sink.
	wf := buildWorkflow(
		newSubtask("a", 10),
		newSubtask("b", 30, "a"),
		newSubtask("c", 5, "a"),
		newSubtask("d", 10, "b"),
	)
	assert.True(t, wf.Impacting("b"), "critical-path node")
	assert.True(t, wf.Impacting("a"), "root of the critical path")
	assert.False(t, wf.Impacting("c"), "side branch, sink d survives the cut")
}

func TestImpactingWhenAllSinksDependOnIt(t *testing.T) {
	// b is off the critical path (a -> c is longer) but both sinks depend
	// on it, so cutting b starves the whole terminal set.
	wf := buildWorkflow(
		newSubtask("a", 60),
		newSubtask("b", 1),
		newSubtask("c", 10, "a", "b"),
		newSubtask("d", 10, "b"),
	)
	assert.True(t, wf.Impacting("b"))
}

func TestCascadeCancel(t *testing.T) {
	wf := buildWorkflow(
		newSubtask("a", 10),
		newSubtask("b", 10, "a"),
		newSubtask("c", 10, "b"),
		newSubtask("x", 10),
	)
	wf.Subtasks["a"].Status = SubtaskFailed
	wf.CascadeCancel("a", "upstream failed")

	assert.Equal(t, SubtaskCancelled, wf.Subtasks["b"].Status)
	assert.Equal(t, SubtaskCancelled, wf.Subtasks["c"].Status)
	assert.Equal(t, SubtaskPending, wf.Subtasks["x"].Status, "independent branch untouched")
	require.Len(t, wf.Subtasks["b"].Attempts, 1)
	assert.Equal(t, "cancelled", wf.Subtasks["b"].Attempts[0].Kind)
}
