// Package decomposer turns a free-form brief into a validated workflow
// graph by driving an injected Planner through a normalize / analyze /
// decompose / estimate pipeline with bounded re-planning.
package decomposer

import (
	"context"

	"github.com/amas-ai/amas/orchestration/hierarchy"
)

// PlanConstraints bound a planning call.
type PlanConstraints struct {
	MaxSubtasks       int                    `json:"max_subtasks"`
	KnownCapabilities []hierarchy.Capability `json:"known_capabilities"`
}

// PlannedSubtask is one candidate subtask as proposed by the planner.
// DependsOn references sibling subtasks by title; the decomposer resolves
// titles to stable ids.
type PlannedSubtask struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Capabilities     []string `json:"capabilities"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	DependsOn        []string `json:"depends_on,omitempty"`
}

// PlanProposal is the planner's structured response.
type PlanProposal struct {
	Subtasks []PlannedSubtask `json:"subtasks"`
}

// Planner is the injected decomposition capability. Implementations call an
// LLM provider; the core never does. Malformed output must surface as an
// error, which the decomposer treats as retryable.
type Planner interface {
	Plan(ctx context.Context, brief string, constraints PlanConstraints) (*PlanProposal, error)
}

// CapabilityDirectory exposes the capability vocabulary the pool can serve.
// Satisfiable answers point queries during plan validation;
// KnownCapabilities feeds the planner's constraints so plans are steered
// toward capabilities that can actually be provisioned. The hierarchy
// manager implements it.
type CapabilityDirectory interface {
	Satisfiable(cap hierarchy.Capability) bool
	KnownCapabilities() []hierarchy.Capability
}

// Complexity classifies a brief.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
	ComplexityResearch Complexity = "research_grade"
)
