package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amas-ai/amas/orchestration/bus"
	"github.com/amas-ai/amas/orchestration/decomposer"
	"github.com/amas-ai/amas/orchestration/executor"
	"github.com/amas-ai/amas/orchestration/health"
	"github.com/amas-ai/amas/orchestration/hierarchy"
	"github.com/amas-ai/amas/orchestration/metrics"
	"github.com/amas-ai/amas/orchestration/specialist"
	"github.com/amas-ai/amas/orchestration/workflow"
)

// System wires the orchestration components together behind one facade:
// submit a brief, get back a workflow id, query or steer it afterwards.
type System struct {
	cfg Config

	sink       *metrics.Sink
	bus        *bus.Bus
	hierarchy  *hierarchy.Manager
	decomposer *decomposer.Decomposer
	executor   *executor.Executor
	health     *health.Registry

	mu      sync.Mutex
	runners map[string]*specialist.Runner

	started atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewSystem assembles a system from the configuration and planner.
// planner may be nil when only pre-built workflows are executed.
func NewSystem(cfg Config, planner decomposer.Planner) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sink := cfg.NewSink()
	b := bus.New(cfg.Bus, sink)
	mgr := hierarchy.NewManager(cfg.Hierarchy, sink)
	exec := executor.New(cfg.Executor, mgr, b, sink)
	dec := decomposer.New(cfg.Decomposer, planner, mgr, sink)

	s := &System{
		cfg:        cfg,
		sink:       sink,
		bus:        b,
		hierarchy:  mgr,
		decomposer: dec,
		executor:   exec,
		health:     health.NewRegistry(),
		runners:    make(map[string]*specialist.Runner),
	}
	s.registerProbes()
	return s, nil
}

func (s *System) registerProbes() {
	s.health.Register("hierarchy", func() health.Status {
		snap := s.hierarchy.Status()
		return health.Status{
			Healthy: true,
			Ready:   snap.Total > 0,
			Detail:  fmt.Sprintf("%d agents", snap.Total),
		}
	})
	s.health.Register("executor", func() health.Status {
		started := s.started.Load()
		return health.Status{Healthy: true, Ready: started}
	})
}

// Start launches the background loops: executor workers, heartbeat reaper,
// agent runners registered so far.
func (s *System) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.hierarchy.Start(s.runCtx)
	s.executor.Start(s.runCtx)

	s.mu.Lock()
	for _, r := range s.runners {
		r.Start(s.runCtx)
	}
	s.mu.Unlock()

	slog.Info("orchestration: system started",
		"workers", s.cfg.Executor.Workers,
		"inbox_capacity", s.cfg.Bus.InboxCapacity)
}

// Drain stops admitting work and waits for active workflows, then stops.
// Workflows still running at the deadline are cancelled; their count is
// returned.
func (s *System) Drain(ctx context.Context) int {
	remaining := s.executor.Drain(ctx)
	s.Stop()
	return remaining
}

// Stop halts every component. Safe to call more than once.
func (s *System) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	for _, r := range s.runners {
		r.Stop()
	}
	s.mu.Unlock()
	s.executor.Stop()
	s.hierarchy.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	slog.Info("orchestration: system stopped")
}

// Submit decomposes the brief and starts executing the resulting workflow.
// The returned id serves all later status and control calls.
func (s *System) Submit(ctx context.Context, brief string, priority int) (string, error) {
	wf, err := s.Decompose(ctx, brief, priority)
	if err != nil {
		return "", err
	}
	if err := s.Execute(wf); err != nil {
		return "", err
	}
	return wf.ID, nil
}

// Decompose plans a brief into a workflow without executing it.
func (s *System) Decompose(ctx context.Context, brief string, priority int) (*workflow.Workflow, error) {
	wf, err := s.decomposer.Decompose(ctx, brief, priority)
	if err != nil {
		return nil, err
	}
	wf.QualityTarget = s.cfg.QualityTarget
	return wf, nil
}

// Execute admits a planned or hand-built workflow.
func (s *System) Execute(wf *workflow.Workflow) error {
	return s.executor.Admit(wf)
}

// Status reports workflow progress.
func (s *System) Status(workflowID string) (executor.Report, error) {
	return s.executor.Status(workflowID)
}

// Pause suspends dispatch for the workflow.
func (s *System) Pause(workflowID string) error { return s.executor.Pause(workflowID) }

// Resume re-enables dispatch for a paused workflow.
func (s *System) Resume(workflowID string) error { return s.executor.Resume(workflowID) }

// Cancel terminates the workflow.
func (s *System) Cancel(workflowID string) error { return s.executor.Cancel(workflowID) }

// RegisterAgent adds an agent to the pool and starts its runner. The
// handler executes assignments; heartbeats and cancel controls are handled
// by the runner.
func (s *System) RegisterAgent(spec hierarchy.AgentSpec, handler specialist.Handler) (string, error) {
	id, err := s.hierarchy.Register(spec)
	if err != nil {
		return "", err
	}

	runner := specialist.NewRunner(
		s.cfg.Specialist,
		id,
		spec.Tier,
		hierarchy.NewCapabilitySet(spec.Capabilities...),
		s.bus,
		s.hierarchy,
		handler,
	)
	s.mu.Lock()
	s.runners[id] = runner
	s.mu.Unlock()
	if s.started.Load() {
		runner.Start(s.runCtx)
	}
	return id, nil
}

// RegisterFactory installs an on-demand agent factory. Agents instantiated
// through it have no in-process runner; callers own their message loop.
func (s *System) RegisterFactory(cap hierarchy.Capability, f hierarchy.Factory) {
	s.hierarchy.RegisterFactory(cap, f)
}

// RetireAgent removes an agent from selection. An idle agent's runner stops
// immediately; a busy one drains and its runner is reaped at system stop.
func (s *System) RetireAgent(agentID string) error {
	if err := s.hierarchy.Retire(agentID); err != nil {
		return err
	}
	if held := s.hierarchy.HeldBy(agentID); len(held) > 0 {
		return nil
	}
	s.mu.Lock()
	runner, ok := s.runners[agentID]
	delete(s.runners, agentID)
	s.mu.Unlock()
	if ok {
		runner.Stop()
	}
	return nil
}

// HierarchyStatus returns the tier-grouped pool snapshot.
func (s *System) HierarchyStatus() hierarchy.Snapshot { return s.hierarchy.Status() }

// Health returns the aggregated component report.
func (s *System) Health() health.Report { return s.health.Check() }

// MetricsSnapshot returns up to limit recent metric events plus totals.
func (s *System) MetricsSnapshot(limit int) metrics.Snapshot { return s.sink.Snapshot(limit) }

// Sink exposes the metrics sink for HTTP exposition.
func (s *System) Sink() *metrics.Sink { return s.sink }

// Bus exposes the message bus for out-of-process agent integrations.
func (s *System) Bus() *bus.Bus { return s.bus }

// Hierarchy exposes the agent pool manager.
func (s *System) Hierarchy() *hierarchy.Manager { return s.hierarchy }

// WaitTerminal blocks until the workflow reaches a terminal state or ctx
// expires, polling the status.
func (s *System) WaitTerminal(ctx context.Context, workflowID string, poll time.Duration) (workflow.Status, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		report, err := s.executor.Status(workflowID)
		if err != nil {
			return "", err
		}
		if report.Status.Terminal() {
			return report.Status, nil
		}
		select {
		case <-ctx.Done():
			return report.Status, ctx.Err()
		case <-ticker.C:
		}
	}
}
