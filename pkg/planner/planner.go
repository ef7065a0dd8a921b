package planner

import (
	"fmt"

	"github.com/harun/caravel/pkg/registry"
)

// ErrToolNotFound is returned when the target or one of its dependencies
// is not registered. ErrCyclicDependency is returned when the requires
// graph contains a cycle.
var (
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrCyclicDependency = fmt.Errorf("cyclic dependency detected")
)

// ExecutionPlan is the dependency-ordered set of tools needed to satisfy
// a target given the steps a session has already completed. Computed fresh
// per request, never persisted.
type ExecutionPlan struct {
	Target       string              `json:"target"`
	Order        []string            `json:"order"`
	Dependencies map[string][]string `json:"dependencies"`
	Completed    []string            `json:"completed"`
	Remaining    []string            `json:"remaining"`
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// BuildPlan resolves the target tool's dependency graph into an ordered
// plan. Dependencies appear before their dependents (post-order DFS).
// Tools in completed are skipped. An unregistered dependency is fatal, and
// a cycle in the requires graph fails fast rather than recursing forever.
func BuildPlan(reg *registry.Registry, target string, completed map[string]bool) (*ExecutionPlan, error) {
	if completed == nil {
		completed = map[string]bool{}
	}

	plan := &ExecutionPlan{
		Target:       target,
		Dependencies: make(map[string][]string),
	}
	for name := range completed {
		plan.Completed = append(plan.Completed, name)
	}

	states := make(map[string]visitState)

	var visit func(name string) error
	visit = func(name string) error {
		if completed[name] {
			return nil
		}

		switch states[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCyclicDependency, name)
		}
		states[name] = visiting

		tool := reg.Get(name)
		if tool == nil {
			return fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		plan.Dependencies[name] = tool.Requires

		for _, dep := range tool.Requires {
			if err := visit(dep); err != nil {
				return err
			}
		}

		states[name] = visited
		plan.Order = append(plan.Order, name)
		return nil
	}

	if err := visit(target); err != nil {
		return nil, err
	}

	plan.Remaining = append([]string{}, plan.Order...)
	return plan, nil
}

// CanExecute reports whether every direct dependency of the tool is in
// the completed set. It deliberately never inspects transitive
// dependencies; use BuildPlan for the full resolution.
func CanExecute(reg *registry.Registry, name string, completed map[string]bool) (bool, []string, error) {
	tool := reg.Get(name)
	if tool == nil {
		return false, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	missing := []string{}
	for _, dep := range tool.Requires {
		if !completed[dep] {
			missing = append(missing, dep)
		}
	}

	return len(missing) == 0, missing, nil
}
