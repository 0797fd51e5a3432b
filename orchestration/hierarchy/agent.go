// Package hierarchy maintains the live agent pool: a four-tier hierarchy of
// workers indexed by capability, with capability-based selection, rolling
// quality tracking, heartbeat reaping and self-healing.
package hierarchy

import (
	"time"
)

// Capability names a skill an agent offers. Membership only; no ordering.
type Capability string

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Superset reports whether s contains every capability in required.
func (s CapabilitySet) Superset(required CapabilitySet) bool {
	for c := range required {
		if _, ok := s[c]; !ok {
			return false
		}
	}
	return true
}

// Contains reports whether s contains c.
func (s CapabilitySet) Contains(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Slice returns the set's members in unspecified order.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// Clone returns an independent copy of the set.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Tier is the coarse role grouping of an agent.
type Tier string

const (
	TierExecutive  Tier = "executive"
	TierManagerial Tier = "managerial"
	TierSpecialist Tier = "specialist"
	TierSupport    Tier = "support"
)

// Tiers lists all tiers in rank order.
func Tiers() []Tier {
	return []Tier{TierExecutive, TierManagerial, TierSpecialist, TierSupport}
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	StatusIdle     AgentStatus = "idle"
	StatusBusy     AgentStatus = "busy"
	StatusDraining AgentStatus = "draining"
	StatusFailed   AgentStatus = "failed"
	StatusRetired  AgentStatus = "retired"
)

// Selectable reports whether an agent in this status may receive new work.
func (s AgentStatus) Selectable() bool {
	return s == StatusIdle || s == StatusBusy
}

// AgentSpec describes an agent at registration time. Capability sets are
// fixed at registration; changing them requires retire + re-register.
type AgentSpec struct {
	Name          string       `json:"name" validate:"required"`
	Tier          Tier         `json:"tier" validate:"required,oneof=executive managerial specialist support"`
	Capabilities  []Capability `json:"capabilities" validate:"min=1"`
	MaxConcurrent int          `json:"max_concurrent" validate:"min=1"`
	QualityFloor  float64      `json:"quality_floor" validate:"gte=0,lte=1"`
	CostPerHour   float64      `json:"cost_per_hour" validate:"gte=0"`
}

// agent is the manager-owned record for one worker. All mutable fields are
// guarded by the manager's pool lock.
type agent struct {
	id   string
	spec AgentSpec
	caps CapabilitySet
	seq  int // registration order, round-robin cursor basis

	status       AgentStatus
	current      map[string]struct{} // subtask ids held
	successRate  float64
	qualityScore float64
	lastBeat     time.Time
	failStreak   int
	fromFactory  Capability // non-empty when instantiated on demand
}

func (a *agent) loadRatio() float64 {
	if a.spec.MaxConcurrent <= 0 {
		return 1
	}
	return float64(len(a.current)) / float64(a.spec.MaxConcurrent)
}

func (a *agent) spareCapacity() bool {
	return len(a.current) < a.spec.MaxConcurrent
}

// AgentInfo is a read-only snapshot of one agent.
type AgentInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Tier          Tier         `json:"tier"`
	Capabilities  []Capability `json:"capabilities"`
	Status        AgentStatus  `json:"status"`
	CurrentTasks  int          `json:"current_tasks"`
	MaxConcurrent int          `json:"max_concurrent"`
	SuccessRate   float64      `json:"success_rate"`
	QualityScore  float64      `json:"quality_score"`
	CostPerHour   float64      `json:"cost_per_hour"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

func (a *agent) info() AgentInfo {
	return AgentInfo{
		ID:            a.id,
		Name:          a.spec.Name,
		Tier:          a.spec.Tier,
		Capabilities:  a.caps.Slice(),
		Status:        a.status,
		CurrentTasks:  len(a.current),
		MaxConcurrent: a.spec.MaxConcurrent,
		SuccessRate:   a.successRate,
		QualityScore:  a.qualityScore,
		CostPerHour:   a.spec.CostPerHour,
		LastHeartbeat: a.lastBeat,
	}
}

// TierStatus summarizes the pool within one tier.
type TierStatus struct {
	Counts        map[AgentStatus]int `json:"counts"`
	AggregateLoad float64             `json:"aggregate_load"`
	Agents        []AgentInfo         `json:"agents"`
}

// Snapshot is a tier-grouped view of the whole pool.
type Snapshot struct {
	Total   int                 `json:"total"`
	ByTier  map[Tier]TierStatus `json:"by_tier"`
	TakenAt time.Time           `json:"taken_at"`
}

// ReleaseOutcome reports how an assignment ended. Neutral releases the slot
// without touching the agent's rolling scores; used when work is cancelled
// for reasons unrelated to the agent.
type ReleaseOutcome struct {
	Success bool
	Quality float64
	Neutral bool
}
