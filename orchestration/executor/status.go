package executor

import (
	"time"

	"github.com/amas-ai/amas/orchestration/workflow"
)

// SubtaskView is the status-query projection of one subtask.
type SubtaskView struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Status        workflow.SubtaskStatus `json:"status"`
	AssignedAgent string                 `json:"assigned_agent,omitempty"`
	Quality       float64                `json:"quality,omitempty"`
	RetryBudget   int                    `json:"retry_budget"`
	DependsOn     []string               `json:"depends_on,omitempty"`
	Attempts      []workflow.Attempt     `json:"attempts,omitempty"`
}

// Report is a point-in-time snapshot of a workflow's progress.
type Report struct {
	WorkflowID       string          `json:"workflow_id"`
	Status           workflow.Status `json:"status"`
	FailReason       string          `json:"fail_reason,omitempty"`
	Total            int             `json:"total"`
	Completed        int             `json:"completed"`
	AggregateQuality float64         `json:"aggregate_quality"`
	QualityTarget    float64         `json:"quality_target"`
	// ETA is the estimated remaining duration along the critical path.
	ETA      time.Duration `json:"eta"`
	Subtasks []SubtaskView `json:"subtasks"`
}

// Status builds a progress report for the workflow.
func (e *Executor) Status(workflowID string) (Report, error) {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return Report{}, ErrUnknownWorkflow
	}

	wf.Lock()
	defer wf.Unlock()

	report := Report{
		WorkflowID:       wf.ID,
		Status:           wf.StatusLocked(),
		FailReason:       wf.FailReason,
		Total:            len(wf.Subtasks),
		AggregateQuality: wf.AggregateQuality(),
		QualityTarget:    wf.QualityTarget,
	}

	for _, id := range wf.Order {
		st := wf.Subtasks[id]
		view := SubtaskView{
			ID:            st.ID,
			Title:         st.Title,
			Status:        st.Status,
			AssignedAgent: st.AssignedAgent,
			RetryBudget:   st.RetryBudget,
			DependsOn:     st.DependsOn,
			Attempts:      st.Attempts,
		}
		if st.Result != nil {
			view.Quality = st.Result.Quality
		}
		if st.Status == workflow.SubtaskCompleted {
			report.Completed++
		}
		report.Subtasks = append(report.Subtasks, view)
	}

	// Remaining work along the critical path; completed nodes no longer
	// contribute.
	_, path := wf.CriticalPath()
	for _, id := range path {
		if st := wf.Subtasks[id]; !st.Status.Terminal() {
			report.ETA += st.EstimatedTime
		}
	}
	return report, nil
}
