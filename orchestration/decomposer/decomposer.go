package decomposer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/amas-ai/amas/orchestration/hierarchy"
	"github.com/amas-ai/amas/orchestration/metrics"
	"github.com/amas-ai/amas/orchestration/workflow"
)

var (
	// ErrBriefTooLong is an InvalidInput failure surfaced to the caller.
	ErrBriefTooLong = errors.New("brief exceeds maximum length")
	// ErrEmptyBrief is an InvalidInput failure surfaced to the caller.
	ErrEmptyBrief = errors.New("brief is empty")
	// ErrPlanningFailed means the planner kept producing invalid plans
	// within the attempt bound. The decomposer never synthesizes a plan.
	ErrPlanningFailed = errors.New("planning failed")
)

// Config configures the decomposer.
type Config struct {
	// MaxBriefLength caps the normalized brief.
	MaxBriefLength int `validate:"min=1"`
	// MaxSubtasks bounds a single plan.
	MaxSubtasks int `validate:"min=1"`
	// PlanAttempts bounds re-planning on invalid planner output.
	PlanAttempts int `validate:"min=1"`
	// PlannerTimeout bounds one planner call.
	PlannerTimeout time.Duration `validate:"gt=0"`
	// PlannerRPS paces planner calls so bounded re-planning cannot
	// hot-loop a provider. 0 disables pacing.
	PlannerRPS float64
	// MaxSubtaskDuration splits longer subtasks recursively.
	MaxSubtaskDuration time.Duration `validate:"gt=0"`
	// MaxSplitDepth bounds the recursive split.
	MaxSplitDepth int `validate:"min=1"`
	// DefaultPriority is inherited by briefs without one.
	DefaultPriority int
	// DefaultQualityThreshold applies to subtasks the planner leaves
	// unconstrained.
	DefaultQualityThreshold float64 `validate:"gte=0,lte=1"`
}

// DefaultConfig returns the stock defaults.
func DefaultConfig() Config {
	return Config{
		MaxBriefLength:          16_384,
		MaxSubtasks:             50,
		PlanAttempts:            3,
		PlannerTimeout:          60 * time.Second,
		PlannerRPS:              2,
		MaxSubtaskDuration:      4 * time.Hour,
		MaxSplitDepth:           3,
		DefaultPriority:         5,
		DefaultQualityThreshold: 0.7,
	}
}

// Decomposer produces validated workflow graphs from briefs.
type Decomposer struct {
	cfg       Config
	planner   Planner
	directory CapabilityDirectory
	sink      *metrics.Sink
	limiter   *rate.Limiter
}

// New creates a decomposer. sink may be nil.
func New(cfg Config, planner Planner, directory CapabilityDirectory, sink *metrics.Sink) *Decomposer {
	if sink == nil {
		sink = metrics.NewSink(metrics.Config{})
	}
	var limiter *rate.Limiter
	if cfg.PlannerRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PlannerRPS), 1)
	}
	return &Decomposer{
		cfg:       cfg,
		planner:   planner,
		directory: directory,
		sink:      sink,
		limiter:   limiter,
	}
}

// Decompose runs the full pipeline and emits a workflow in state planning.
// priority <= 0 inherits the default.
func (d *Decomposer) Decompose(ctx context.Context, brief string, priority int) (*workflow.Workflow, error) {
	start := time.Now()

	if d.planner == nil {
		return nil, errors.Wrap(ErrPlanningFailed, "no planner configured")
	}

	brief, err := d.normalize(brief)
	if err != nil {
		return nil, err
	}
	if priority <= 0 {
		priority = d.cfg.DefaultPriority
	}

	complexity := d.Analyze(brief)
	slog.Info("decomposer: start",
		"brief_length", len(brief),
		"complexity", complexity,
		"priority", priority)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.PlanAttempts; attempt++ {
		proposal, err := d.plan(ctx, brief)
		if err != nil {
			lastErr = err
			slog.Warn("decomposer: planner call failed",
				"attempt", attempt,
				"error", err)
			d.sink.Inc("planner_failures_total", 1, metrics.Labels{Component: "decomposer"})
			if ctx.Err() != nil {
				break
			}
			continue
		}

		wf, err := d.assemble(brief, priority, proposal)
		if err != nil {
			lastErr = err
			slog.Warn("decomposer: plan rejected",
				"attempt", attempt,
				"subtasks", len(proposal.Subtasks),
				"error", err)
			d.sink.Inc("invalid_plans_total", 1, metrics.Labels{Component: "decomposer"})
			continue
		}

		duration, path := wf.CriticalPath()
		slog.Info("decomposer: plan accepted",
			"workflow_id", wf.ID,
			"subtasks", len(wf.Subtasks),
			"critical_path_minutes", duration.Minutes(),
			"critical_path_len", len(path),
			"attempt", attempt,
			"duration_ms", time.Since(start).Milliseconds())
		d.sink.Inc("workflows_planned_total", 1, metrics.Labels{Component: "decomposer", Workflow: wf.ID})
		return wf, nil
	}

	d.sink.Inc("planning_failed_total", 1, metrics.Labels{Component: "decomposer"})
	return nil, errors.Wrapf(ErrPlanningFailed, "after %d attempts: %v", d.cfg.PlanAttempts, lastErr)
}

// normalize trims and length-caps the brief.
func (d *Decomposer) normalize(brief string) (string, error) {
	brief = strings.TrimSpace(brief)
	if brief == "" {
		return "", ErrEmptyBrief
	}
	if len(brief) > d.cfg.MaxBriefLength {
		return "", errors.Wrapf(ErrBriefTooLong, "%d > %d", len(brief), d.cfg.MaxBriefLength)
	}
	return brief, nil
}

// multiStepMarkers hint at composite work in the brief.
var multiStepMarkers = []string{
	"and then", "after that", "first", "finally", "step",
	"compare", "combine", "research", "analyze", "report",
}

// Analyze scores the brief into a complexity class. The heuristic combines
// brief length with multi-step markers; planner output refines it later.
func (d *Decomposer) Analyze(brief string) Complexity {
	score := 0
	switch {
	case len(brief) > 2000:
		score += 3
	case len(brief) > 500:
		score += 2
	case len(brief) > 120:
		score++
	}
	lower := strings.ToLower(brief)
	for _, marker := range multiStepMarkers {
		if strings.Contains(lower, marker) {
			score++
		}
	}

	switch {
	case score >= 7:
		return ComplexityResearch
	case score >= 4:
		return ComplexityComplex
	case score >= 2:
		return ComplexityStandard
	default:
		return ComplexitySimple
	}
}

func (d *Decomposer) plan(ctx context.Context, brief string) (*PlanProposal, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.PlannerTimeout)
	defer cancel()

	constraints := PlanConstraints{MaxSubtasks: d.cfg.MaxSubtasks}
	if d.directory != nil {
		constraints.KnownCapabilities = d.directory.KnownCapabilities()
	}
	proposal, err := d.planner.Plan(ctx, brief, constraints)
	if err != nil {
		return nil, err
	}
	if proposal == nil || len(proposal.Subtasks) == 0 {
		return nil, errors.New("planner returned no subtasks")
	}
	return proposal, nil
}

// assemble deduplicates, resolves title references to ids, splits oversized
// subtasks, and validates the resulting graph.
func (d *Decomposer) assemble(brief string, priority int, proposal *PlanProposal) (*workflow.Workflow, error) {
	if len(proposal.Subtasks) > d.cfg.MaxSubtasks {
		return nil, fmt.Errorf("plan has %d subtasks, cap is %d", len(proposal.Subtasks), d.cfg.MaxSubtasks)
	}

	wf := workflow.NewWorkflow(brief, priority)
	wf.Transition(workflow.StatusPlanning)

	// Deduplicate by title, first occurrence wins.
	seen := make(map[string]bool)
	var planned []PlannedSubtask
	for _, ps := range proposal.Subtasks {
		title := strings.TrimSpace(ps.Title)
		if title == "" {
			return nil, errors.New("subtask with empty title")
		}
		if seen[title] {
			continue
		}
		seen[title] = true
		ps.Title = title
		planned = append(planned, ps)
	}

	// Assign stable ids, checking capabilities against the directory.
	idByTitle := make(map[string]string, len(planned))
	for _, ps := range planned {
		if len(ps.Capabilities) == 0 {
			return nil, fmt.Errorf("subtask %q declares no capability", ps.Title)
		}
		for _, c := range ps.Capabilities {
			if d.directory != nil && !d.directory.Satisfiable(hierarchy.Capability(c)) {
				return nil, fmt.Errorf("subtask %q requires unknown capability %q", ps.Title, c)
			}
		}
		idByTitle[ps.Title] = workflow.NewSubtaskID()
	}

	for _, ps := range planned {
		deps := make([]string, 0, len(ps.DependsOn))
		for _, title := range ps.DependsOn {
			depID, ok := idByTitle[strings.TrimSpace(title)]
			if !ok {
				return nil, fmt.Errorf("subtask %q depends on unknown subtask %q", ps.Title, title)
			}
			deps = append(deps, depID)
		}

		caps := make([]hierarchy.Capability, 0, len(ps.Capabilities))
		for _, c := range ps.Capabilities {
			caps = append(caps, hierarchy.Capability(c))
		}

		estimated := time.Duration(ps.EstimatedMinutes) * time.Minute
		if estimated <= 0 {
			estimated = 10 * time.Minute
		}

		d.addSplit(wf, &workflow.Subtask{
			ID:               idByTitle[ps.Title],
			Title:            ps.Title,
			Description:      ps.Description,
			Capabilities:     hierarchy.NewCapabilitySet(caps...),
			EstimatedTime:    estimated,
			Priority:         priority,
			DependsOn:        deps,
			QualityThreshold: d.cfg.DefaultQualityThreshold,
			RetryBudget:      workflow.DefaultRetryBudget,
		}, 0)
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// addSplit adds the subtask, recursively splitting any whose estimate
// exceeds the policy cap into sequential halves, down to MaxSplitDepth.
func (d *Decomposer) addSplit(wf *workflow.Workflow, st *workflow.Subtask, depth int) {
	if st.EstimatedTime <= d.cfg.MaxSubtaskDuration || depth >= d.cfg.MaxSplitDepth {
		wf.Add(st)
		return
	}

	half := st.EstimatedTime / 2
	first := &workflow.Subtask{
		ID:               workflow.NewSubtaskID(),
		Title:            st.Title + " (part 1)",
		Description:      st.Description,
		Capabilities:     st.Capabilities.Clone(),
		EstimatedTime:    half,
		Priority:         st.Priority,
		DependsOn:        st.DependsOn,
		QualityThreshold: st.QualityThreshold,
		RetryBudget:      st.RetryBudget,
	}
	second := &workflow.Subtask{
		// Keep the original id on the tail part so sibling depends_on
		// references still resolve.
		ID:               st.ID,
		Title:            st.Title + " (part 2)",
		Description:      st.Description,
		Capabilities:     st.Capabilities.Clone(),
		EstimatedTime:    st.EstimatedTime - half,
		Priority:         st.Priority,
		DependsOn:        []string{first.ID},
		QualityThreshold: st.QualityThreshold,
		RetryBudget:      st.RetryBudget,
	}
	d.addSplit(wf, first, depth+1)
	d.addSplit(wf, second, depth+1)
}
