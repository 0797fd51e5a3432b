package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/amas-ai/amas/orchestration/metrics"
	"github.com/amas-ai/amas/orchestration/reliability"
)

var (
	// ErrNoneAvailable is returned by Select when no live agent matches.
	ErrNoneAvailable = errors.New("no agent available for required capabilities")
	// ErrOverloaded is returned by Assign when the agent is at capacity.
	ErrOverloaded = errors.New("agent at max concurrent tasks")
	// ErrUnknownAgent is returned for operations on an unregistered id.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrNotSelectable is returned by Assign for failed/retired/draining agents.
	ErrNotSelectable = errors.New("agent not selectable")
	// ErrPoolFull is returned by Register when the total agent cap is hit.
	ErrPoolFull = errors.New("agent pool at capacity")
)

// Config configures the hierarchy manager.
type Config struct {
	// HeartbeatInterval is the reaper sweep period.
	HeartbeatInterval time.Duration `validate:"gt=0"`
	// StaleAfter marks an agent failed when its heartbeat is older than this.
	StaleAfter time.Duration `validate:"gt=0"`
	// EMAAlpha weights the rolling success/quality averages.
	EMAAlpha float64 `validate:"gt=0,lte=1"`
	// ConsecutiveFailureThreshold transitions an agent to failed.
	ConsecutiveFailureThreshold int `validate:"min=1"`
	// MaxAgents caps the pool size.
	MaxAgents int `validate:"min=1"`
	// PerCapabilityFactoryCap bounds on-demand instantiation per capability.
	PerCapabilityFactoryCap int `validate:"min=0"`
	// AgentCircuit configures the per-agent breaker consulted by Select.
	AgentCircuit reliability.CircuitConfig
}

// DefaultConfig returns the stock defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:           30 * time.Second,
		StaleAfter:                  90 * time.Second,
		EMAAlpha:                    0.2,
		ConsecutiveFailureThreshold: 3,
		MaxAgents:                   500,
		PerCapabilityFactoryCap:     10,
		AgentCircuit:                reliability.DefaultCircuitConfig(),
	}
}

// Factory instantiates a new agent spec for a capability the pool cannot
// currently satisfy. Factories are external collaborators.
type Factory func(required CapabilitySet) (AgentSpec, error)

// FailureHandler is notified when an agent transitions to failed while
// holding subtasks; held ids are handed over for re-queueing.
type FailureHandler func(agentID string, heldSubtasks []string)

// Manager owns the agent pool and its capability and tier indexes.
//
// Pool state is guarded by a single read-write lock: Select reads under the
// lock, drops it, then assigns under a brief write lock, retrying on races.
type Manager struct {
	cfg      Config
	validate *validator.Validate
	sink     *metrics.Sink

	mu       sync.RWMutex
	agents   map[string]*agent
	byCap    map[Capability][]string // inverted index, insertion order
	byTier   map[Tier][]string
	nextSeq  int
	rrCursor map[string]int // selection key -> round-robin position

	breakers  sync.Map // agent id -> *reliability.CircuitBreaker
	factories sync.Map // Capability -> Factory
	spawned   sync.Map // Capability -> *int (factory instantiation count)

	onFailure FailureHandler

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// NewManager creates a hierarchy manager. sink may be nil.
func NewManager(cfg Config, sink *metrics.Sink) *Manager {
	if sink == nil {
		sink = metrics.NewSink(metrics.Config{})
	}
	return &Manager{
		cfg:      cfg,
		validate: validator.New(),
		sink:     sink,
		agents:   make(map[string]*agent),
		byCap:    make(map[Capability][]string),
		byTier:   make(map[Tier][]string),
		rrCursor: make(map[string]int),
	}
}

// SetFailureHandler installs the executor's re-queue hook. Must be called
// before Start.
func (m *Manager) SetFailureHandler(h FailureHandler) {
	m.onFailure = h
}

// RegisterFactory installs an on-demand agent factory for a capability.
func (m *Manager) RegisterFactory(cap Capability, f Factory) {
	m.factories.Store(cap, f)
}

// HasFactory reports whether a factory is registered for the capability.
func (m *Manager) HasFactory(cap Capability) bool {
	_, ok := m.factories.Load(cap)
	return ok
}

// Satisfiable reports whether the capability is offered by a live agent or
// by a registered factory. Used by the decomposer's plan validation.
func (m *Manager) Satisfiable(cap Capability) bool {
	m.mu.RLock()
	for _, id := range m.byCap[cap] {
		if a := m.agents[id]; a != nil && a.status.Selectable() {
			m.mu.RUnlock()
			return true
		}
	}
	m.mu.RUnlock()
	return m.HasFactory(cap)
}

// KnownCapabilities lists every capability a plan may rely on: those offered
// by a live selectable agent plus those a factory can provision. Sorted so
// planner prompts are stable.
func (m *Manager) KnownCapabilities() []Capability {
	set := make(map[Capability]struct{})
	m.mu.RLock()
	for c, ids := range m.byCap {
		for _, id := range ids {
			if a := m.agents[id]; a != nil && a.status.Selectable() {
				set[c] = struct{}{}
				break
			}
		}
	}
	m.mu.RUnlock()
	m.factories.Range(func(k, _ any) bool {
		set[k.(Capability)] = struct{}{}
		return true
	})

	out := make([]Capability, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Register adds an agent to the pool in state idle and indexes it.
func (m *Manager) Register(spec AgentSpec) (string, error) {
	return m.register(spec, "")
}

// register is shared by Register and the factory scale-up path; both are
// held to the same spec validation.
func (m *Manager) register(spec AgentSpec, fromFactory Capability) (string, error) {
	if err := m.validate.Struct(spec); err != nil {
		return "", fmt.Errorf("invalid agent spec: %w", err)
	}
	id := uuid.NewString()

	m.mu.Lock()
	if len(m.agents) >= m.cfg.MaxAgents {
		m.mu.Unlock()
		return "", ErrPoolFull
	}
	a := &agent{
		id:           id,
		spec:         spec,
		caps:         NewCapabilitySet(spec.Capabilities...),
		seq:          m.nextSeq,
		status:       StatusIdle,
		current:      make(map[string]struct{}),
		successRate:  1.0,
		qualityScore: spec.QualityFloor,
		lastBeat:     time.Now(),
		fromFactory:  fromFactory,
	}
	m.nextSeq++
	m.agents[id] = a
	for c := range a.caps {
		m.byCap[c] = append(m.byCap[c], id)
	}
	m.byTier[spec.Tier] = append(m.byTier[spec.Tier], id)
	total := len(m.agents)
	m.mu.Unlock()

	m.breakers.Store(id, reliability.NewCircuitBreaker("agent/"+spec.Name, m.cfg.AgentCircuit))

	slog.Info("hierarchy: agent registered",
		"agent_id", id,
		"name", spec.Name,
		"tier", spec.Tier,
		"capabilities", spec.Capabilities,
		"pool_size", total)
	m.sink.Inc("agents_registered_total", 1, metrics.Labels{Component: "hierarchy"})
	m.sink.Set("agents_total", float64(total), metrics.Labels{Component: "hierarchy"})

	return id, nil
}

// Retire removes an agent from selection. With no in-flight tasks it is
// retired immediately; otherwise it drains and retires on its last release.
func (m *Manager) Retire(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if len(a.current) == 0 {
		a.status = StatusRetired
	} else {
		a.status = StatusDraining
	}
	slog.Info("hierarchy: agent retiring", "agent_id", agentID, "status", a.status, "held", len(a.current))
	return nil
}

// BreakerFor returns the breaker guarding calls to the agent.
func (m *Manager) BreakerFor(agentID string) *reliability.CircuitBreaker {
	if v, ok := m.breakers.Load(agentID); ok {
		return v.(*reliability.CircuitBreaker)
	}
	return nil
}

// Assign reserves one slot on the agent for the subtask.
func (m *Manager) Assign(agentID, subtaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if !a.status.Selectable() {
		return ErrNotSelectable
	}
	if !a.spareCapacity() {
		return ErrOverloaded
	}
	a.current[subtaskID] = struct{}{}
	a.status = StatusBusy
	return nil
}

// Release returns the subtask's slot, folds the outcome into the agent's
// rolling scores (EMA), and handles failure streaks.
func (m *Manager) Release(agentID, subtaskID string, outcome ReleaseOutcome) {
	alpha := m.cfg.EMAAlpha

	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(a.current, subtaskID)

	if !outcome.Neutral {
		success := 0.0
		if outcome.Success {
			success = 1.0
			a.failStreak = 0
			a.qualityScore = alpha*outcome.Quality + (1-alpha)*a.qualityScore
		} else {
			a.failStreak++
		}
		a.successRate = alpha*success + (1-alpha)*a.successRate
	}

	var failedHeld []string
	switch {
	case a.failStreak >= m.cfg.ConsecutiveFailureThreshold:
		a.status = StatusFailed
		failedHeld = heldSubtasks(a)
		a.current = make(map[string]struct{})
	case a.status == StatusDraining && len(a.current) == 0:
		a.status = StatusRetired
	case len(a.current) == 0 && a.status == StatusBusy:
		a.status = StatusIdle
	}
	quality := a.qualityScore
	m.mu.Unlock()

	m.sink.Set("agent_quality_score", quality, metrics.Labels{Component: "hierarchy", Agent: agentID})

	if failedHeld != nil {
		slog.Warn("hierarchy: agent failed after consecutive failures",
			"agent_id", agentID,
			"streak", m.cfg.ConsecutiveFailureThreshold,
			"held_subtasks", len(failedHeld))
		m.sink.Inc("agent_failures_total", 1, metrics.Labels{Component: "hierarchy", Agent: agentID})
		m.notifyFailure(agentID, failedHeld)
	}
}

// Heartbeat records a liveness signal from the agent.
func (m *Manager) Heartbeat(agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if at.After(a.lastBeat) {
		a.lastBeat = at
	}
	return nil
}

// HeldBy returns the subtask ids currently held by the agent.
func (m *Manager) HeldBy(agentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	return heldSubtasks(a)
}

// Status returns a tier-grouped snapshot of the pool.
func (m *Manager) Status() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Total:   len(m.agents),
		ByTier:  make(map[Tier]TierStatus),
		TakenAt: time.Now(),
	}
	for _, tier := range Tiers() {
		ids := m.byTier[tier]
		if len(ids) == 0 {
			continue
		}
		ts := TierStatus{Counts: make(map[AgentStatus]int)}
		var loadSum float64
		for _, id := range ids {
			a := m.agents[id]
			ts.Counts[a.status]++
			loadSum += a.loadRatio()
			ts.Agents = append(ts.Agents, a.info())
		}
		ts.AggregateLoad = loadSum / float64(len(ids))
		snap.ByTier[tier] = ts
	}
	return snap
}

// Info returns a snapshot of one agent.
func (m *Manager) Info(agentID string) (AgentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return AgentInfo{}, ErrUnknownAgent
	}
	return a.info(), nil
}

// Start launches the heartbeat reaper.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.reaperCancel = cancel
	m.reaperDone = make(chan struct{})
	go m.reapLoop(ctx)
}

// Stop halts the reaper and waits for it to exit.
func (m *Manager) Stop() {
	if m.reaperCancel != nil {
		m.reaperCancel()
		<-m.reaperDone
	}
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

// reap marks agents with stale heartbeats as failed and hands their held
// subtasks to the failure handler.
func (m *Manager) reap(now time.Time) {
	type reaped struct {
		id   string
		held []string
	}
	var victims []reaped

	m.mu.Lock()
	for id, a := range m.agents {
		if !a.status.Selectable() {
			continue
		}
		if now.Sub(a.lastBeat) > m.cfg.StaleAfter {
			a.status = StatusFailed
			victims = append(victims, reaped{id: id, held: heldSubtasks(a)})
			a.current = make(map[string]struct{})
		}
	}
	m.mu.Unlock()

	for _, v := range victims {
		slog.Warn("hierarchy: agent heartbeat stale, marked failed",
			"agent_id", v.id,
			"held_subtasks", len(v.held),
			"stale_after", m.cfg.StaleAfter)
		m.sink.Inc("agents_reaped_total", 1, metrics.Labels{Component: "hierarchy", Agent: v.id})
		m.notifyFailure(v.id, v.held)
	}
}

func (m *Manager) notifyFailure(agentID string, held []string) {
	if m.onFailure != nil {
		m.onFailure(agentID, held)
	}
}

func heldSubtasks(a *agent) []string {
	held := make([]string, 0, len(a.current))
	for id := range a.current {
		held = append(held, id)
	}
	return held
}
