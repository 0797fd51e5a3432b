// Package executor schedules admitted workflows: it keeps a priority ready
// queue of dependency-satisfied subtasks, dispatches them to agents over the
// bus, applies retry budgets and quality gates, and drives workflows to a
// terminal state.
package executor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/amas-ai/amas/orchestration/bus"
	"github.com/amas-ai/amas/orchestration/hierarchy"
	"github.com/amas-ai/amas/orchestration/metrics"
	"github.com/amas-ai/amas/orchestration/workflow"
)

var (
	// ErrDraining is returned by Admit during shutdown.
	ErrDraining = errors.New("executor draining, not admitting")
	// ErrTooManyWorkflows is returned by Admit at the active-workflow cap.
	ErrTooManyWorkflows = errors.New("active workflow limit reached")
	// ErrUnknownWorkflow is returned for operations on an unknown id.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrUnsatisfiable is returned by Admit when a subtask requires a
	// capability no live agent or factory offers.
	ErrUnsatisfiable = errors.New("no provider for required capability")
)

// cancellation causes distinguished by the dispatch path.
var (
	errAgentLost      = errors.New("assigned agent failed")
	errWorkflowHalted = errors.New("workflow halted")
)

// senderID identifies the executor on the bus.
const senderID = "executor"

// estimateFloor backstops hand-built subtasks admitted without an estimate,
// so the scaled execution timeout is always positive.
const estimateFloor = 10 * time.Minute

// Config configures the executor.
type Config struct {
	// Workers is the dispatch concurrency.
	Workers int `validate:"min=1"`
	// MaxActiveWorkflows caps concurrently executing workflows.
	MaxActiveWorkflows int `validate:"min=1"`
	// MaxInFlightPerWorkflow caps concurrently dispatched subtasks within
	// one workflow; items over the cap wait in the ready queue.
	MaxInFlightPerWorkflow int `validate:"min=1"`
	// SelectBackoffBase is the first re-queue delay when no agent is
	// available; doubles per consecutive miss up to SelectBackoffCap.
	SelectBackoffBase time.Duration `validate:"gt=0"`
	SelectBackoffCap  time.Duration `validate:"gt=0"`
	// StarvationThreshold is the consecutive-miss count that fails the
	// workflow with capacity_exhausted.
	StarvationThreshold int `validate:"min=1"`
	// ExecTimeoutFactor scales a subtask's estimate into its execution
	// timeout.
	ExecTimeoutFactor float64 `validate:"gt=0"`
	// CancelGrace is how long in-flight subtasks get to stop after a
	// cancel control before they are forced.
	CancelGrace time.Duration `validate:"gt=0"`
}

// DefaultConfig returns the stock operational defaults.
func DefaultConfig() Config {
	workers := 4 * runtime.NumCPU()
	if workers > 64 {
		workers = 64
	}
	return Config{
		Workers:                workers,
		MaxActiveWorkflows:     100,
		MaxInFlightPerWorkflow: 50,
		SelectBackoffBase:      time.Second,
		SelectBackoffCap:       30 * time.Second,
		StarvationThreshold:    10,
		ExecTimeoutFactor:      2.0,
		CancelGrace:            30 * time.Second,
	}
}

// flight is one dispatched subtask awaiting its result.
type flight struct {
	workflowID string
	agentID    string
	cancel     context.CancelCauseFunc
}

// Executor owns the ready queue, the workflow arena and the worker pool.
type Executor struct {
	cfg  Config
	mgr  *hierarchy.Manager
	bus  *bus.Bus
	sink *metrics.Sink

	queue *readyQueue

	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	parked    map[string][]item
	deadlines map[string]*time.Timer
	draining  bool

	flightMu sync.Mutex
	flights  map[string]*flight // subtask id -> flight
	inflight map[string]int     // workflow id -> dispatched subtask count

	runCancel context.CancelFunc
	group     *errgroup.Group
}

// New creates an executor and installs itself as the hierarchy manager's
// failure handler. sink may be nil.
func New(cfg Config, mgr *hierarchy.Manager, b *bus.Bus, sink *metrics.Sink) *Executor {
	if sink == nil {
		sink = metrics.NewSink(metrics.Config{})
	}
	e := &Executor{
		cfg:       cfg,
		mgr:       mgr,
		bus:       b,
		sink:      sink,
		queue:     newReadyQueue(),
		workflows: make(map[string]*workflow.Workflow),
		parked:    make(map[string][]item),
		deadlines: make(map[string]*time.Timer),
		flights:   make(map[string]*flight),
		inflight:  make(map[string]int),
	}
	mgr.SetFailureHandler(e.onAgentFailed)
	return e
}

// Start launches the worker pool and the executor's own inbox loop.
func (e *Executor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.runCancel = cancel

	e.bus.Register(senderID, bus.RecipientMeta{})

	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.worker(gctx) })
	}
	g.Go(func() error { return e.recvLoop(gctx) })
}

// Stop halts the workers and waits for them to exit. In-flight dispatch
// returns early; subtask state is left for a later Admit-time recovery or
// discarded with the process.
func (e *Executor) Stop() {
	if e.runCancel != nil {
		e.runCancel()
	}
	e.queue.StopTimers()
	e.mu.Lock()
	for _, timer := range e.deadlines {
		timer.Stop()
	}
	e.mu.Unlock()
	if e.group != nil {
		_ = e.group.Wait()
	}
	e.bus.Unregister(senderID)
}

// Drain stops admission and waits until every workflow is terminal or ctx
// expires. Workflows still active at the deadline are cancelled; their count
// is returned.
func (e *Executor) Drain(ctx context.Context) int {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n := e.activeCount(); n == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return e.cancelActive("drain_deadline_exceeded")
		case <-ticker.C:
		}
	}
}

// cancelActive cancels every non-terminal workflow.
func (e *Executor) cancelActive(reason string) int {
	e.mu.RLock()
	var ids []string
	for id, wf := range e.workflows {
		if !wf.Status().Terminal() {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range ids {
		_ = e.cancelWithReason(id, reason)
	}
	return len(ids)
}

func (e *Executor) activeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, wf := range e.workflows {
		if !wf.Status().Terminal() {
			n++
		}
	}
	return n
}

// Admit validates the workflow, transitions it to executing and enqueues its
// roots. The workflow must be in created or planning state.
func (e *Executor) Admit(wf *workflow.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	for _, id := range wf.Order {
		for c := range wf.Subtasks[id].Capabilities {
			if !e.mgr.Satisfiable(c) {
				return errors.Wrapf(ErrUnsatisfiable, "subtask %s needs %q", id, c)
			}
		}
	}

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return ErrDraining
	}
	active := 0
	for _, w := range e.workflows {
		if !w.Status().Terminal() {
			active++
		}
	}
	if active >= e.cfg.MaxActiveWorkflows {
		e.mu.Unlock()
		return ErrTooManyWorkflows
	}
	e.workflows[wf.ID] = wf
	e.mu.Unlock()

	wf.Lock()
	for _, id := range wf.Order {
		if st := wf.Subtasks[id]; st.EstimatedTime <= 0 {
			st.EstimatedTime = estimateFloor
		}
	}
	if wf.StatusLocked() == workflow.StatusCreated {
		if err := wf.TransitionLocked(workflow.StatusPlanning); err != nil {
			wf.Unlock()
			return err
		}
	}
	if err := wf.TransitionLocked(workflow.StatusExecuting); err != nil {
		wf.Unlock()
		return err
	}
	roots := wf.Roots()
	for _, st := range roots {
		st.Status = workflow.SubtaskReady
	}
	created := wf.CreatedAt
	wf.Unlock()

	for _, st := range roots {
		e.enqueue(wf.ID, st.ID, st.Priority, created, 0)
	}

	if !wf.Deadline.IsZero() {
		e.armDeadline(wf)
	}

	e.log(wf).Info("executor: workflow admitted",
		"subtasks", len(wf.Subtasks),
		"roots", len(roots),
		"deadline", wf.Deadline)
	e.sink.Inc("workflows_admitted_total", 1, metrics.Labels{Component: "executor", Workflow: wf.ID})
	e.sink.Set("ready_queue_depth", float64(e.queue.Len()), metrics.Labels{Component: "executor"})
	return nil
}

// Workflow returns the admitted workflow by id.
func (e *Executor) Workflow(id string) (*workflow.Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	return wf, ok
}

func (e *Executor) enqueue(workflowID, subtaskID string, priority int, created time.Time, selectFailures int) {
	e.queue.Push(item{
		workflowID:     workflowID,
		subtaskID:      subtaskID,
		priority:       priority,
		wfCreated:      created,
		selectFailures: selectFailures,
	})
}

func (e *Executor) armDeadline(wf *workflow.Workflow) {
	remaining := time.Until(wf.Deadline)
	id := wf.ID
	timer := time.AfterFunc(remaining, func() {
		e.sink.Inc("workflow_deadline_exceeded_total", 1, metrics.Labels{Component: "executor", Workflow: id})
		_ = e.cancelWithReason(id, "deadline_exceeded")
	})
	e.mu.Lock()
	e.deadlines[id] = timer
	e.mu.Unlock()
}

func (e *Executor) disarmDeadline(workflowID string) {
	e.mu.Lock()
	if timer, ok := e.deadlines[workflowID]; ok {
		timer.Stop()
		delete(e.deadlines, workflowID)
	}
	e.mu.Unlock()
}

// reserveFlightSlot claims one of the workflow's in-flight slots. The worker
// releases it when the dispatch finishes or is never started.
func (e *Executor) reserveFlightSlot(workflowID string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if e.inflight[workflowID] >= e.cfg.MaxInFlightPerWorkflow {
		return false
	}
	e.inflight[workflowID]++
	return true
}

func (e *Executor) releaseFlightSlot(workflowID string) {
	e.flightMu.Lock()
	if e.inflight[workflowID] <= 1 {
		delete(e.inflight, workflowID)
	} else {
		e.inflight[workflowID]--
	}
	e.flightMu.Unlock()
}

// onAgentFailed is the hierarchy manager's failure handler: every subtask
// held by the failed agent is aborted in flight and re-queued by the worker
// that dispatched it.
func (e *Executor) onAgentFailed(agentID string, heldSubtasks []string) {
	for _, subtaskID := range heldSubtasks {
		e.flightMu.Lock()
		f, ok := e.flights[subtaskID]
		e.flightMu.Unlock()
		if ok && f.agentID == agentID {
			f.cancel(errAgentLost)
		}
	}
	if len(heldSubtasks) > 0 {
		e.sink.Inc("agent_failover_subtasks_total", float64(len(heldSubtasks)),
			metrics.Labels{Component: "executor", Agent: agentID})
	}
}

// recvLoop drains the executor's own inbox: status updates are logged,
// escalations and everything else acknowledged so receipts do not expire.
func (e *Executor) recvLoop(ctx context.Context) error {
	for {
		msg, err := e.bus.Recv(ctx, senderID, 0)
		if err != nil {
			return nil
		}
		e.bus.Ack(msg.ID)
		switch msg.Kind {
		case bus.KindTaskStatusUpdate:
			if p, ok := msg.Payload.(bus.StatusUpdatePayload); ok {
				e.sink.Set("subtask_progress", p.Progress,
					metrics.Labels{Component: "executor", Agent: msg.Sender})
			}
		case bus.KindHeartbeat:
			_ = e.mgr.Heartbeat(msg.Sender, msg.CreatedAt)
		}
	}
}
