package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrCycle indicates the dependency graph is not acyclic.
	ErrCycle = errors.New("workflow graph contains a cycle")
	// ErrUnknownDependency indicates a depends_on id missing from the graph.
	ErrUnknownDependency = errors.New("subtask depends on unknown subtask")
	// ErrOrphanDependency indicates a subtask referencing itself.
	ErrOrphanDependency = errors.New("subtask depends on itself")
)

// Validate checks structural invariants at admission: known dependency ids,
// no self-references, acyclicity, and at least one capability per subtask.
func (w *Workflow) Validate() error {
	for id, st := range w.Subtasks {
		if len(st.Capabilities) == 0 {
			return fmt.Errorf("subtask %s (%s) declares no capability", id, st.Title)
		}
		for _, dep := range st.DependsOn {
			if dep == id {
				return fmt.Errorf("%w: %s", ErrOrphanDependency, id)
			}
			if _, ok := w.Subtasks[dep]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, id, dep)
			}
		}
	}
	_, err := w.TopoSort()
	return err
}

// TopoSort returns a topological order of subtask ids via Kahn's algorithm,
// or ErrCycle. Ties resolve in admission order so the result is
// deterministic.
func (w *Workflow) TopoSort() ([]string, error) {
	inDegree := make(map[string]int, len(w.Subtasks))
	dependents := make(map[string][]string, len(w.Subtasks))
	for id, st := range w.Subtasks {
		inDegree[id] += 0
		for _, dep := range st.DependsOn {
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	var frontier []string
	for _, id := range w.Order {
		if inDegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]string, 0, len(w.Subtasks))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}

	if len(order) != len(w.Subtasks) {
		return nil, ErrCycle
	}
	return order, nil
}

// Roots returns the subtasks with no dependencies, in admission order.
func (w *Workflow) Roots() []*Subtask {
	var roots []*Subtask
	for _, id := range w.Order {
		if st := w.Subtasks[id]; len(st.DependsOn) == 0 {
			roots = append(roots, st)
		}
	}
	return roots
}

// Dependents returns the ids of subtasks that directly depend on id.
func (w *Workflow) Dependents(id string) []string {
	var out []string
	for _, candidate := range w.Order {
		st := w.Subtasks[candidate]
		for _, dep := range st.DependsOn {
			if dep == id {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// DepsCompleted reports whether every dependency of the subtask is
// completed. Caller holds the workflow lock.
func (w *Workflow) DepsCompleted(st *Subtask) bool {
	for _, dep := range st.DependsOn {
		d, ok := w.Subtasks[dep]
		if !ok || d.Status != SubtaskCompleted {
			return false
		}
	}
	return true
}

// CriticalPath returns the longest path through the graph by estimated
// duration, as (total duration, ids along the path).
func (w *Workflow) CriticalPath() (time.Duration, []string) {
	order, err := w.TopoSort()
	if err != nil {
		return 0, nil
	}

	longest := make(map[string]time.Duration, len(order))
	prev := make(map[string]string, len(order))
	for _, id := range order {
		st := w.Subtasks[id]
		var best time.Duration
		var bestDep string
		for _, dep := range st.DependsOn {
			if longest[dep] > best || (longest[dep] == best && bestDep == "") {
				best = longest[dep]
				bestDep = dep
			}
		}
		longest[id] = best + st.EstimatedTime
		prev[id] = bestDep
	}

	var endID string
	var total time.Duration
	for id, d := range longest {
		if d > total || (d == total && (endID == "" || id < endID)) {
			total = d
			endID = id
		}
	}

	var path []string
	for id := endID; id != ""; id = prev[id] {
		path = append(path, id)
	}
	// Reverse into root-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return total, path
}

// Impacting reports whether the failure of id is workflow-impacting: the
// node lies on the critical path, or cutting it disconnects the whole
// terminal set (every sink transitively depends on it). Alternative-provider
// checks are the caller's concern. Caller holds the workflow lock.
func (w *Workflow) Impacting(id string) bool {
	if _, path := w.CriticalPath(); len(path) > 0 {
		for _, pid := range path {
			if pid == id {
				return true
			}
		}
	}

	// Transitive dependents of id, plus id itself.
	reach := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for _, dep := range w.Dependents(curr) {
			if !reach[dep] {
				reach[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	hasDependent := make(map[string]bool)
	for _, st := range w.Subtasks {
		for _, dep := range st.DependsOn {
			hasDependent[dep] = true
		}
	}
	for sid := range w.Subtasks {
		if !hasDependent[sid] && !reach[sid] {
			// A sink survives the cut; only a branch is lost.
			return false
		}
	}
	return true
}

// CascadeCancel marks every non-terminal transitive dependent of id as
// cancelled with the given reason. Caller holds the workflow lock.
func (w *Workflow) CascadeCancel(id, reason string) {
	queue := []string{id}
	visited := map[string]bool{id: true}
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for _, dep := range w.Dependents(curr) {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			st := w.Subtasks[dep]
			if !st.Status.Terminal() {
				st.Status = SubtaskCancelled
				st.RecordAttempt("cancelled", reason)
			}
			queue = append(queue, dep)
		}
	}
}
