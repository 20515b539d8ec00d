package engine

import (
	"fmt"
	"sort"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// stepGraph is the dependency graph of a workflow definition, in declaration order.
type stepGraph struct {
	order      []string
	steps      map[string]domain.StepDefinition
	dependents map[string][]string
}

func newStepGraph(def *domain.WorkflowDefinition) (*stepGraph, error) {
	g := &stepGraph{
		steps:      make(map[string]domain.StepDefinition, len(def.Steps)),
		dependents: make(map[string][]string, len(def.Steps)),
	}
	for _, s := range def.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("workflow %s: step without id", def.Name)
		}
		if _, dup := g.steps[s.ID]; dup {
			return nil, fmt.Errorf("workflow %s: duplicate step %s", def.Name, s.ID)
		}
		g.steps[s.ID] = s
		g.order = append(g.order, s.ID)
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, fmt.Errorf("workflow %s: step %s depends on itself", def.Name, s.ID)
			}
			if _, ok := g.steps[dep]; !ok {
				return nil, fmt.Errorf("workflow %s: dependency %s referenced by %s not declared", def.Name, dep, s.ID)
			}
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	for _, ds := range g.dependents {
		sort.Strings(ds)
	}
	if cycle := g.findCycle(); cycle != "" {
		return nil, fmt.Errorf("workflow %s: dependency cycle through %s", def.Name, cycle)
	}
	return g, nil
}

// findCycle returns a step on a cycle, or "" when the graph is acyclic.
func (g *stepGraph) findCycle() string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.steps))
	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, dep := range g.steps[id].DependsOn {
			if c := visit(dep); c != "" {
				return c
			}
		}
		state[id] = done
		return ""
	}
	for _, id := range g.order {
		if c := visit(id); c != "" {
			return c
		}
	}
	return ""
}

// ready returns pending steps whose dependencies all completed, in declaration order.
func (g *stepGraph) ready(status map[string]string) []domain.StepDefinition {
	var out []domain.StepDefinition
	for _, id := range g.order {
		if status[id] != domain.StepPending {
			continue
		}
		ok := true
		for _, dep := range g.steps[id].DependsOn {
			if status[dep] != domain.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, g.steps[id])
		}
	}
	return out
}

// descendants returns every step that transitively depends on id.
func (g *stepGraph) descendants(id string) []string {
	seen := map[string]bool{}
	var out []string
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}

// ValidateDefinition checks a definition before it is stored. knownTypes, when non nil,
// restricts step types to registered connectors.
func ValidateDefinition(def *domain.WorkflowDefinition, knownTypes func(string) bool) error {
	if def.Name == "" {
		return validationError("definition", "name is required")
	}
	if len(def.Steps) == 0 {
		return validationError("definition", "workflow %s has no steps", def.Name)
	}
	if _, err := newStepGraph(def); err != nil {
		return newError(KindValidation, "definition", err)
	}
	for _, s := range def.Steps {
		if s.Type == "" {
			return validationError("definition", "workflow %s step %s has no type", def.Name, s.ID)
		}
		if knownTypes != nil && !knownTypes(s.Type) {
			return validationError("definition", "workflow %s step %s uses unknown type %q", def.Name, s.ID, s.Type)
		}
		if s.Retry.MaxRetries < 0 || s.Retry.BackoffMin < 0 || s.Retry.BackoffMax < 0 {
			return validationError("definition", "workflow %s step %s has negative retry settings", def.Name, s.ID)
		}
	}
	st := def.Settings
	switch st.FailurePolicy {
	case "", domain.FailExecution, domain.SkipDependents:
	default:
		return validationError("definition", "workflow %s has unknown failure policy %q", def.Name, st.FailurePolicy)
	}
	if st.TimeoutSeconds < 0 || st.MaxParallel < 0 || st.MaxRetries < 0 || st.LockTTLSeconds < 0 {
		return validationError("definition", "workflow %s has negative settings", def.Name)
	}
	if st.RetryBackoffMax > 0 && st.RetryBackoffMin > st.RetryBackoffMax {
		return validationError("definition", "workflow %s retry_backoff_min exceeds retry_backoff_max", def.Name)
	}
	return nil
}
