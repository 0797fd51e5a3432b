package executor

import (
	"time"

	"github.com/pkg/errors"

	"github.com/amas-ai/amas/orchestration/bus"
	"github.com/amas-ai/amas/orchestration/metrics"
	"github.com/amas-ai/amas/orchestration/workflow"
)

// Pause stops new dispatch for the workflow. Subtasks already running
// continue; their results are applied normally.
func (e *Executor) Pause(workflowID string) error {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return ErrUnknownWorkflow
	}
	if err := wf.Transition(workflow.StatusPaused); err != nil {
		return errors.Wrapf(err, "pause %s", workflowID)
	}
	e.log(wf).Info("executor: workflow paused")
	e.sink.Inc("workflows_paused_total", 1, metrics.Labels{Component: "executor", Workflow: workflowID})
	return nil
}

// Resume re-queues everything parked while the workflow was paused.
func (e *Executor) Resume(workflowID string) error {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return ErrUnknownWorkflow
	}
	if err := wf.Transition(workflow.StatusExecuting); err != nil {
		return errors.Wrapf(err, "resume %s", workflowID)
	}

	e.mu.Lock()
	parked := e.parked[workflowID]
	delete(e.parked, workflowID)
	e.mu.Unlock()
	for _, it := range parked {
		it.selectFailures = 0
		e.queue.Push(it)
	}

	e.log(wf).Info("executor: workflow resumed", "requeued", len(parked))
	return nil
}

// Cancel terminates the workflow: queued subtasks are dropped immediately,
// in-flight ones get a cancel control and a grace period before being
// forced.
func (e *Executor) Cancel(workflowID string) error {
	return e.cancelWithReason(workflowID, "cancelled_by_request")
}

func (e *Executor) cancelWithReason(workflowID, reason string) error {
	wf, ok := e.Workflow(workflowID)
	if !ok {
		return ErrUnknownWorkflow
	}
	if wf.Status().Terminal() {
		return nil
	}
	e.haltWorkflow(wf, workflow.StatusCancelled, reason)
	e.sink.Inc("workflows_cancelled_total", 1, metrics.Labels{Component: "executor", Workflow: workflowID})
	return nil
}

// haltWorkflow forces the workflow to a terminal state. Queued and parked
// items are discarded; in-flight subtasks are asked to stop and forcibly
// aborted after the grace period.
func (e *Executor) haltWorkflow(wf *workflow.Workflow, final workflow.Status, reason string) {
	wf.Lock()
	if wf.StatusLocked().Terminal() {
		wf.Unlock()
		return
	}
	if err := wf.TransitionLocked(final); err != nil {
		wf.Unlock()
		return
	}
	wf.FailReason = reason

	// Subtasks not in flight terminate now; running ones keep their status
	// until the dispatch worker observes the abort.
	var inflightIDs []string
	for _, id := range wf.Order {
		st := wf.Subtasks[id]
		switch st.Status {
		case workflow.SubtaskAssigned, workflow.SubtaskRunning:
			inflightIDs = append(inflightIDs, id)
		default:
			if !st.Status.Terminal() {
				st.Status = workflow.SubtaskCancelled
			}
		}
	}
	aggregate := wf.AggregateQuality()
	wf.Unlock()

	removed := e.queue.RemoveWorkflow(wf.ID)
	e.mu.Lock()
	delete(e.parked, wf.ID)
	e.mu.Unlock()

	for _, subtaskID := range inflightIDs {
		e.flightMu.Lock()
		f, ok := e.flights[subtaskID]
		e.flightMu.Unlock()
		if !ok {
			continue
		}
		ctl := bus.NewMessage(bus.KindControl, senderID, f.agentID, bus.ControlAction{
			Action:        bus.ControlCancel,
			CorrelationID: subtaskID,
			Reason:        reason,
		})
		ctl.Priority = 10
		e.bus.Send(ctl)

		abort := f.cancel
		time.AfterFunc(e.cfg.CancelGrace, func() {
			abort(errWorkflowHalted)
		})
	}

	e.log(wf).Warn("executor: workflow halted",
		"status", final,
		"reason", reason,
		"dropped_queued", len(removed),
		"in_flight", len(inflightIDs))
	e.finish(wf, final, aggregate)
}
