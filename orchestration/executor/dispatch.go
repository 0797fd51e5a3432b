package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/amas-ai/amas/orchestration/bus"
	"github.com/amas-ai/amas/orchestration/hierarchy"
	"github.com/amas-ai/amas/orchestration/metrics"
	"github.com/amas-ai/amas/orchestration/reliability"
	"github.com/amas-ai/amas/orchestration/workflow"
)

// errQualityBelowThreshold marks a result whose quality missed the
// subtask's gate; treated as a transient failure against the retry budget.
var errQualityBelowThreshold = errors.New("result quality below threshold")

// resultError wraps a failure reported by the agent in its result payload.
type resultError struct {
	detail    string
	transient bool
}

func (e *resultError) Error() string { return e.detail }

func (e *Executor) worker(ctx context.Context) error {
	for {
		it, err := e.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		e.process(ctx, it)
		e.sink.Set("ready_queue_depth", float64(e.queue.Len()), metrics.Labels{Component: "executor"})
	}
}

// process drives one ready-queue item: selection, dispatch, and outcome
// application. Workflow state is only touched under the workflow lock, and
// the lock is never held across bus or manager calls.
func (e *Executor) process(ctx context.Context, it item) {
	wf, ok := e.Workflow(it.workflowID)
	if !ok {
		return
	}

	wf.Lock()
	status := wf.StatusLocked()
	if status == workflow.StatusPaused {
		wf.Unlock()
		e.park(it)
		return
	}
	if status.Terminal() {
		if st := wf.Subtasks[it.subtaskID]; st != nil && !st.Status.Terminal() {
			st.Status = workflow.SubtaskCancelled
		}
		wf.Unlock()
		return
	}
	st := wf.Subtasks[it.subtaskID]
	if st == nil || st.Status != workflow.SubtaskReady {
		wf.Unlock()
		return
	}
	required := st.Capabilities.Clone()
	strategy := st.Strategy
	estimate := st.EstimatedTime
	payload := bus.TaskAssignmentPayload{
		WorkflowID:       wf.ID,
		SubtaskID:        st.ID,
		Title:            st.Title,
		Description:      st.Description,
		Input:            st.Input,
		QualityThreshold: st.QualityThreshold,
		EstimatedTime:    estimate,
		Attempt:          len(st.Attempts) + 1,
	}
	for c := range st.Capabilities {
		payload.Capabilities = append(payload.Capabilities, string(c))
	}
	wf.Unlock()

	if !e.reserveFlightSlot(it.workflowID) {
		// The workflow is at its in-flight cap; try again after a slot frees.
		e.queue.PushAfter(it, e.cfg.SelectBackoffBase)
		return
	}

	agentID, err := e.mgr.SelectAndAssign(required, strategy, it.subtaskID)
	if err != nil {
		e.releaseFlightSlot(it.workflowID)
		e.handleNoAgent(wf, it, required, err)
		return
	}

	e.dispatch(ctx, wf, it, agentID, payload, estimate)
}

// handleNoAgent re-queues with exponential backoff; after the starvation
// threshold the workflow fails rather than wait forever.
func (e *Executor) handleNoAgent(wf *workflow.Workflow, it item, required hierarchy.CapabilitySet, err error) {
	it.selectFailures++
	if it.selectFailures >= e.cfg.StarvationThreshold {
		e.log(wf).Error("executor: subtask starved, no agent available",
			"subtask_id", it.subtaskID,
			"capabilities", required.Slice(),
			"attempts", it.selectFailures,
			"error", err)
		e.sink.Inc("starvation_events_total", 1, metrics.Labels{Component: "executor", Workflow: wf.ID})
		e.haltWorkflow(wf, workflow.StatusFailed,
			fmt.Sprintf("capacity_exhausted: subtask %s", it.subtaskID))
		return
	}

	delay := e.cfg.SelectBackoffBase << (it.selectFailures - 1)
	if delay <= 0 || delay > e.cfg.SelectBackoffCap {
		delay = e.cfg.SelectBackoffCap
	}
	e.log(wf).Debug("executor: no agent available, backing off",
		"subtask_id", it.subtaskID,
		"delay", delay,
		"attempt", it.selectFailures)
	e.queue.PushAfter(it, delay)
}

// dispatch sends the assignment to the agent and awaits the result through
// the agent's circuit breaker. The caller has reserved the workflow's
// in-flight slot; dispatch owns releasing it.
func (e *Executor) dispatch(ctx context.Context, wf *workflow.Workflow, it item, agentID string, payload bus.TaskAssignmentPayload, estimate time.Duration) {
	defer e.releaseFlightSlot(it.workflowID)
	wf.Lock()
	if wf.StatusLocked() != workflow.StatusExecuting {
		paused := wf.StatusLocked() == workflow.StatusPaused
		if st := wf.Subtasks[it.subtaskID]; st != nil && !paused && !st.Status.Terminal() {
			st.Status = workflow.SubtaskCancelled
		}
		wf.Unlock()
		e.mgr.Release(agentID, it.subtaskID, hierarchy.ReleaseOutcome{Neutral: true})
		if paused {
			e.park(it)
		}
		return
	}
	st := wf.Subtasks[it.subtaskID]
	st.Status = workflow.SubtaskAssigned
	st.AssignedAgent = agentID
	st.StartedAt = time.Now()
	threshold := st.QualityThreshold
	wf.Unlock()

	fctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	e.flightMu.Lock()
	e.flights[it.subtaskID] = &flight{workflowID: wf.ID, agentID: agentID, cancel: abort}
	e.flightMu.Unlock()
	defer func() {
		e.flightMu.Lock()
		delete(e.flights, it.subtaskID)
		e.flightMu.Unlock()
	}()

	timeout := time.Duration(float64(estimate) * e.cfg.ExecTimeoutFactor)
	msg := bus.NewMessage(bus.KindTaskAssignment, senderID, agentID, payload)
	msg.CorrelationID = it.subtaskID
	msg.Priority = it.priority
	msg.TTL = timeout

	wf.Lock()
	st.Status = workflow.SubtaskRunning
	wf.Unlock()
	e.log(wf).Info("executor: subtask dispatched",
		"subtask_id", it.subtaskID,
		"agent_id", agentID,
		"attempt", payload.Attempt,
		"timeout", timeout)

	var reply bus.TaskResultPayload
	outcome := e.await(fctx, agentID, msg, timeout, threshold, &reply)

	if cause := context.Cause(fctx); cause != nil && ctx.Err() == nil {
		e.handleAborted(wf, it, agentID, cause)
		return
	}
	if ctx.Err() != nil {
		// Shutting down; leave the subtask for recovery or the halt path.
		return
	}

	e.applyOutcome(wf, it, agentID, outcome, reply)
}

// await runs the request/response exchange through the agent's breaker so
// repeated failures stop routing work to the agent.
func (e *Executor) await(ctx context.Context, agentID string, msg bus.Message, timeout time.Duration, threshold float64, reply *bus.TaskResultPayload) reliability.Outcome {
	op := func() error {
		m, err := e.bus.Request(ctx, msg, timeout)
		if err != nil {
			return err
		}
		p, ok := m.Payload.(bus.TaskResultPayload)
		if !ok {
			return &resultError{detail: "malformed task result payload"}
		}
		*reply = p
		if p.Err != "" {
			return &resultError{detail: p.Err, transient: p.Transient}
		}
		if p.Quality < threshold {
			return errors.Wrapf(errQualityBelowThreshold, "%.2f < %.2f", p.Quality, threshold)
		}
		return nil
	}

	classify := func(err error) reliability.Class {
		var re *resultError
		switch {
		case errors.Is(err, bus.ErrTimedOut):
			return reliability.ClassTransient
		case errors.Is(err, errQualityBelowThreshold):
			return reliability.ClassTransient
		case errors.As(err, &re):
			if re.transient {
				return reliability.ClassTransient
			}
			return reliability.ClassPermanent
		default:
			return reliability.ClassTransient
		}
	}

	if br := e.mgr.BreakerFor(agentID); br != nil {
		return br.Execute(op, classify)
	}

	start := time.Now()
	err := op()
	elapsed := time.Since(start)
	switch {
	case err == nil:
		return reliability.Outcome{Kind: reliability.KindOK, Attempts: 1, Elapsed: elapsed}
	case classify(err) == reliability.ClassPermanent:
		return reliability.Outcome{Kind: reliability.KindPermanent, Err: err, Attempts: 1, Elapsed: elapsed}
	default:
		return reliability.Outcome{Kind: reliability.KindTransient, Err: err, Attempts: 1, Elapsed: elapsed}
	}
}

// applyOutcome releases the agent slot and folds the result into the
// workflow graph.
func (e *Executor) applyOutcome(wf *workflow.Workflow, it item, agentID string, outcome reliability.Outcome, reply bus.TaskResultPayload) {
	if outcome.OK() {
		e.mgr.Release(agentID, it.subtaskID, hierarchy.ReleaseOutcome{Success: true, Quality: reply.Quality})
		e.completeSubtask(wf, it, agentID, reply, outcome.Elapsed)
		return
	}

	kind := string(outcome.Kind)
	detail := ""
	if outcome.Err != nil {
		detail = outcome.Err.Error()
	}
	permanent := outcome.Kind == reliability.KindPermanent
	switch {
	case errors.Is(outcome.Err, bus.ErrTimedOut):
		kind = "timeout"
		// The assignment may still sit unread in the agent's inbox.
		e.bus.DiscardCorrelated(agentID, it.subtaskID)
	case errors.Is(outcome.Err, errQualityBelowThreshold):
		kind = "quality_below_threshold"
	}

	e.mgr.Release(agentID, it.subtaskID, hierarchy.ReleaseOutcome{Success: false, Quality: reply.Quality})
	e.log(wf).Warn("executor: subtask attempt failed",
		"subtask_id", it.subtaskID,
		"agent_id", agentID,
		"kind", kind,
		"detail", detail)
	e.sink.Inc("subtask_failures_total", 1, metrics.Labels{Component: "executor", Workflow: wf.ID, Agent: agentID})

	e.failAttempt(wf, it, kind, detail, permanent)
}

// completeSubtask records the result, promotes newly-ready dependents and
// closes out the workflow when every subtask is terminal.
func (e *Executor) completeSubtask(wf *workflow.Workflow, it item, agentID string, reply bus.TaskResultPayload, elapsed time.Duration) {
	wf.Lock()
	st := wf.Subtasks[it.subtaskID]
	if st == nil || st.Status.Terminal() {
		wf.Unlock()
		return
	}
	st.Status = workflow.SubtaskCompleted
	st.Result = &workflow.Result{
		Output:   reply.Output,
		Quality:  reply.Quality,
		Cost:     reply.Cost,
		Duration: reply.Duration,
		AgentID:  agentID,
	}
	st.RecordAttempt("ok", "")

	// Readiness scan under the same lock that saw the completion, so a
	// dependent can never be enqueued twice.
	var ready []*workflow.Subtask
	for _, depID := range wf.Dependents(it.subtaskID) {
		d := wf.Subtasks[depID]
		if d.Status == workflow.SubtaskPending && wf.DepsCompleted(d) {
			d.Status = workflow.SubtaskReady
			ready = append(ready, d)
		}
	}
	created := wf.CreatedAt
	done, final, aggregate := e.closeIfDoneLocked(wf)
	wf.Unlock()

	e.log(wf).Info("executor: subtask completed",
		"subtask_id", it.subtaskID,
		"agent_id", agentID,
		"quality", reply.Quality,
		"elapsed", elapsed,
		"unblocked", len(ready))
	e.sink.Inc("subtasks_completed_total", 1, metrics.Labels{Component: "executor", Workflow: wf.ID, Agent: agentID})

	for _, d := range ready {
		e.enqueue(wf.ID, d.ID, d.Priority, created, 0)
	}
	if done {
		e.finish(wf, final, aggregate)
	}
}

// failAttempt burns retry budget and either re-queues or escalates. A
// permanent failure escalates immediately.
func (e *Executor) failAttempt(wf *workflow.Workflow, it item, kind, detail string, permanent bool) {
	wf.Lock()
	st := wf.Subtasks[it.subtaskID]
	if st == nil || st.Status.Terminal() || wf.StatusLocked().Terminal() {
		wf.Unlock()
		return
	}
	st.RecordAttempt(kind, detail)
	st.AssignedAgent = ""
	if !permanent {
		st.RetryBudget--
		if st.RetryBudget > 0 {
			st.Status = workflow.SubtaskReady
			priority := st.Priority
			created := wf.CreatedAt
			wf.Unlock()
			e.sink.Inc("subtask_retries_total", 1, metrics.Labels{Component: "executor", Workflow: wf.ID})
			e.enqueue(wf.ID, it.subtaskID, priority, created, 0)
			return
		}
	}
	e.escalate(wf, st, kind, detail)
}

// escalate marks the subtask failed, decides blast radius, and notifies the
// executive tier. Called with the workflow lock held; releases it.
func (e *Executor) escalate(wf *workflow.Workflow, st *workflow.Subtask, kind, detail string) {
	st.Status = workflow.SubtaskFailed
	impacting := wf.Impacting(st.ID)
	if !impacting {
		// A sibling branch can still carry the workflow; only the
		// downstream of the failed node is cut.
		for c := range st.Capabilities {
			if !e.mgr.Satisfiable(c) {
				impacting = true
				break
			}
		}
	}

	var done bool
	var final workflow.Status
	var aggregate float64
	if !impacting {
		wf.CascadeCancel(st.ID, "upstream failed: "+st.ID)
		done, final, aggregate = e.closeIfDoneLocked(wf)
	}
	subtaskID, title := st.ID, st.Title
	wf.Unlock()

	msg := bus.NewMessage(bus.KindEscalation, senderID, bus.Recipient, map[string]any{
		"workflow_id": wf.ID,
		"subtask_id":  subtaskID,
		"title":       title,
		"kind":        kind,
		"detail":      detail,
		"impacting":   impacting,
	})
	msg.Priority = 10
	summary := e.bus.Broadcast(msg, bus.Filter{Tier: hierarchy.TierExecutive})

	e.log(wf).Error("executor: subtask failed, escalating",
		"subtask_id", subtaskID,
		"kind", kind,
		"detail", detail,
		"impacting", impacting,
		"notified", summary.Delivered)
	e.sink.Inc("escalations_total", 1, metrics.Labels{Component: "executor", Workflow: wf.ID})

	if impacting {
		e.haltWorkflow(wf, workflow.StatusFailed, "subtask failed: "+subtaskID)
	} else if done {
		e.finish(wf, final, aggregate)
	}
}

// handleAborted handles an in-flight dispatch torn down from outside.
func (e *Executor) handleAborted(wf *workflow.Workflow, it item, agentID string, cause error) {
	e.bus.DiscardCorrelated(agentID, it.subtaskID)

	if errors.Is(cause, errAgentLost) {
		// The manager already purged the agent's held set; no release. The
		// crash is not the subtask's fault, so it gets its attempt back.
		wf.Lock()
		st := wf.Subtasks[it.subtaskID]
		if st == nil || st.Status.Terminal() || wf.StatusLocked().Terminal() {
			wf.Unlock()
			return
		}
		st.RecordAttempt("agent_lost", agentID)
		st.AssignedAgent = ""
		st.RetryBudget++
		st.Status = workflow.SubtaskReady
		priority := st.Priority
		created := wf.CreatedAt
		wf.Unlock()

		e.log(wf).Warn("executor: agent lost, re-queueing subtask",
			"subtask_id", it.subtaskID,
			"agent_id", agentID)
		e.sink.Inc("subtasks_requeued_total", 1, metrics.Labels{Component: "executor", Workflow: wf.ID})
		e.enqueue(wf.ID, it.subtaskID, priority, created, 0)
		return
	}

	// Workflow halted; slot back without touching the agent's scores.
	e.mgr.Release(agentID, it.subtaskID, hierarchy.ReleaseOutcome{Neutral: true})
	wf.Lock()
	if st := wf.Subtasks[it.subtaskID]; st != nil && !st.Status.Terminal() {
		st.Status = workflow.SubtaskCancelled
		st.RecordAttempt("cancelled", cause.Error())
	}
	wf.Unlock()
}

// closeIfDoneLocked evaluates the terminal condition under the workflow
// lock: all subtasks terminal, aggregate quality against the target.
func (e *Executor) closeIfDoneLocked(wf *workflow.Workflow) (bool, workflow.Status, float64) {
	if wf.StatusLocked() != workflow.StatusExecuting || !wf.AllTerminal() {
		return false, "", 0
	}
	aggregate := wf.AggregateQuality()
	if aggregate >= wf.QualityTarget {
		_ = wf.TransitionLocked(workflow.StatusCompleted)
		return true, workflow.StatusCompleted, aggregate
	}
	_ = wf.TransitionLocked(workflow.StatusFailed)
	wf.FailReason = fmt.Sprintf("quality_below_target: %.2f < %.2f", aggregate, wf.QualityTarget)
	return true, workflow.StatusFailed, aggregate
}

// finish emits terminal-state telemetry and disarms the deadline.
func (e *Executor) finish(wf *workflow.Workflow, final workflow.Status, aggregate float64) {
	e.disarmDeadline(wf.ID)
	e.sink.Set("workflow_aggregate_quality", aggregate, metrics.Labels{Component: "executor", Workflow: wf.ID})
	switch final {
	case workflow.StatusCompleted:
		e.sink.Inc("workflows_completed_total", 1, metrics.Labels{Component: "executor", Workflow: wf.ID})
		e.log(wf).Info("executor: workflow completed",
			"aggregate_quality", aggregate,
			"elapsed", time.Since(wf.CreatedAt))
	case workflow.StatusCancelled:
		wf.Lock()
		reason := wf.FailReason
		wf.Unlock()
		e.log(wf).Info("executor: workflow cancelled", "reason", reason)
	default:
		wf.Lock()
		reason := wf.FailReason
		wf.Unlock()
		e.sink.Inc("workflows_failed_total", 1, metrics.Labels{Component: "executor", Workflow: wf.ID})
		e.log(wf).Warn("executor: workflow failed",
			"reason", reason,
			"aggregate_quality", aggregate)
	}
}

func (e *Executor) park(it item) {
	e.mu.Lock()
	e.parked[it.workflowID] = append(e.parked[it.workflowID], it)
	e.mu.Unlock()
}

func (e *Executor) log(wf *workflow.Workflow) *slog.Logger {
	return slog.With("workflow_id", wf.ID)
}
