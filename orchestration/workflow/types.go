// Package workflow holds the workflow and subtask model: status machines,
// the dependency graph, and its algorithms (Kahn toposort, critical path,
// quality aggregation). Workflows own subtasks; agents hold only subtask
// ids, never pointers.
package workflow

import (
	"errors"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/amas-ai/amas/orchestration/hierarchy"
)

// SubtaskStatus is the lifecycle state of one subtask.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskReady     SubtaskStatus = "ready"
	SubtaskAssigned  SubtaskStatus = "assigned"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
	SubtaskCancelled SubtaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed || s == SubtaskCancelled
}

// Status is the workflow-level lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether the workflow status is final. Paused is
// re-entrant, not terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultRetryBudget is the per-subtask retry allowance.
const DefaultRetryBudget = 3

// DefaultQualityTarget is the workflow-level aggregate quality gate.
const DefaultQualityTarget = 0.85

// AttemptHistoryLimit bounds the per-subtask attempt history surfaced by
// status queries.
const AttemptHistoryLimit = 5

// Result is the payload produced by the agent that completed a subtask.
type Result struct {
	Output   any           `json:"output,omitempty"`
	Quality  float64       `json:"quality"`
	Cost     float64       `json:"cost"`
	Duration time.Duration `json:"duration"`
	AgentID  string        `json:"agent_id"`
}

// Attempt records one execution attempt for status history.
type Attempt struct {
	Kind   string    `json:"kind"` // outcome kind: ok, transient, permanent, timeout, quality_below_threshold
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Subtask is a node of the workflow graph. Mutable fields are guarded by
// the owning workflow's lock.
type Subtask struct {
	ID            string                  `json:"id"`
	Title         string                  `json:"title"`
	Description   string                  `json:"description"`
	Capabilities  hierarchy.CapabilitySet `json:"capabilities"`
	EstimatedTime time.Duration           `json:"estimated_time"`
	Priority      int                     `json:"priority"`
	Input         any                     `json:"input,omitempty"`
	DependsOn     []string                `json:"depends_on,omitempty"`

	QualityThreshold float64 `json:"quality_threshold"`
	RetryBudget      int     `json:"retry_budget"`

	Status        SubtaskStatus `json:"status"`
	Result        *Result       `json:"result,omitempty"`
	AssignedAgent string        `json:"assigned_agent,omitempty"`
	Attempts      []Attempt     `json:"attempts,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`

	// Strategy optionally overrides the executor's selection strategy.
	Strategy hierarchy.Strategy `json:"strategy,omitempty"`
}

// RecordAttempt appends to the attempt history, keeping the last
// AttemptHistoryLimit entries. Caller holds the workflow lock.
func (s *Subtask) RecordAttempt(kind, detail string) {
	s.Attempts = append(s.Attempts, Attempt{Kind: kind, Detail: detail, At: time.Now()})
	if len(s.Attempts) > AttemptHistoryLimit {
		s.Attempts = s.Attempts[len(s.Attempts)-AttemptHistoryLimit:]
	}
}

// Workflow is the full unit of work: a DAG of subtasks plus aggregate
// targets. All mutable state is guarded by its own lock (arena model: the
// executor holds workflows in an id-keyed map).
type Workflow struct {
	ID            string        `json:"id"`
	Brief         string        `json:"brief"`
	CreatedAt     time.Time     `json:"created_at"`
	Priority      int           `json:"priority"`
	QualityTarget float64       `json:"quality_target"`
	Deadline      time.Time     `json:"deadline,omitzero"`
	Subtasks      map[string]*Subtask
	Order         []string // admission order, for deterministic iteration

	mu         sync.Mutex
	status     Status
	FailReason string `json:"fail_reason,omitempty"`
}

// NewWorkflow creates a workflow in state created.
func NewWorkflow(brief string, priority int) *Workflow {
	return &Workflow{
		ID:            "wf_" + shortuuid.New(),
		Brief:         brief,
		CreatedAt:     time.Now(),
		Priority:      priority,
		QualityTarget: DefaultQualityTarget,
		Subtasks:      make(map[string]*Subtask),
		status:        StatusCreated,
	}
}

// NewSubtaskID returns a fresh subtask id.
func NewSubtaskID() string { return "st_" + shortuuid.New() }

// Add appends a subtask to the graph. Dependency ids are not checked here;
// Validate does that at admission.
func (w *Workflow) Add(st *Subtask) {
	if st.ID == "" {
		st.ID = NewSubtaskID()
	}
	if st.Status == "" {
		st.Status = SubtaskPending
	}
	if st.RetryBudget == 0 {
		st.RetryBudget = DefaultRetryBudget
	}
	w.Subtasks[st.ID] = st
	w.Order = append(w.Order, st.ID)
}

// Lock acquires the workflow lock. Dependent-readiness scans happen under
// it, giving the scheduler its happens-before on completed transitions.
func (w *Workflow) Lock() { w.mu.Lock() }

// Unlock releases the workflow lock.
func (w *Workflow) Unlock() { w.mu.Unlock() }

// Status returns the current workflow status.
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

var errInvalidTransition = errors.New("invalid workflow status transition")

// transitions maps each status to its permitted successors.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusPlanning, StatusCancelled, StatusFailed},
	StatusPlanning:  {StatusExecuting, StatusCancelled, StatusFailed},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:    {StatusExecuting, StatusCancelled, StatusFailed},
}

// Transition moves the workflow to next, enforcing the status machine.
func (w *Workflow) Transition(next Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionLocked(next)
}

// TransitionLocked is Transition for callers already holding the lock.
func (w *Workflow) TransitionLocked(next Status) error {
	return w.transitionLocked(next)
}

func (w *Workflow) transitionLocked(next Status) error {
	for _, allowed := range transitions[w.status] {
		if allowed == next {
			w.status = next
			return nil
		}
	}
	return errInvalidTransition
}

// StatusLocked returns the status for callers already holding the lock.
func (w *Workflow) StatusLocked() Status { return w.status }

// Fail transitions to failed with a reason, if not already terminal.
func (w *Workflow) Fail(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Terminal() {
		return
	}
	w.status = StatusFailed
	w.FailReason = reason
}

// AggregateQuality computes the duration-weighted average quality over
// completed subtasks. Caller holds the workflow lock. Returns 0 when no
// subtask has completed.
func (w *Workflow) AggregateQuality() float64 {
	var sum, weight float64
	for _, st := range w.Subtasks {
		if st.Status != SubtaskCompleted || st.Result == nil {
			continue
		}
		wi := st.EstimatedTime.Minutes()
		if wi <= 0 {
			wi = 1
		}
		sum += st.Result.Quality * wi
		weight += wi
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// AllTerminal reports whether every subtask has reached a terminal state.
// Caller holds the workflow lock.
func (w *Workflow) AllTerminal() bool {
	for _, st := range w.Subtasks {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}
