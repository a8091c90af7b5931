package model

import (
	"sort"
	"strings"
)

// ValidateDefinition checks the structural invariants of a workflow
// definition: non-empty task list, unique task names, non-empty agent type
// and action per task, dependency references to existing tasks, a valid
// error policy, and an acyclic dependency graph. The returned error is an
// *Error of kind ErrInvalidDefinition naming the offending task or cycle.
func ValidateDefinition(def *Definition) error {
	if def == nil || len(def.Tasks) == 0 {
		return NewError(ErrInvalidDefinition, "definition has no tasks")
	}
	if !def.OnError.Valid() {
		return NewError(ErrInvalidDefinition, "invalid on_error policy %q", def.OnError)
	}

	byName := make(map[string]int, len(def.Tasks))
	for i, t := range def.Tasks {
		if t.Name == "" {
			return NewError(ErrInvalidDefinition, "task at index %d has no name", i)
		}
		if _, dup := byName[t.Name]; dup {
			return NewError(ErrInvalidDefinition, "duplicate task name %q", t.Name)
		}
		byName[t.Name] = i
		if t.AgentType == "" {
			return NewError(ErrInvalidDefinition, "task %q has no agent_type", t.Name)
		}
		if t.Action == "" {
			return NewError(ErrInvalidDefinition, "task %q has no action", t.Name)
		}
		if !t.OnError.Valid() {
			return NewError(ErrInvalidDefinition, "task %q has invalid on_error policy %q", t.Name, t.OnError)
		}
		if t.RetryCount != nil && *t.RetryCount < 0 {
			return NewError(ErrInvalidDefinition, "task %q has negative retry_count", t.Name)
		}
	}

	for _, t := range def.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.Name {
				return NewError(ErrInvalidDefinition, "task %q depends on itself", t.Name)
			}
			if _, ok := byName[dep]; !ok {
				return NewError(ErrInvalidDefinition, "task %q depends on unknown task %q", t.Name, dep)
			}
		}
	}

	if cycle := findCycle(def.Tasks); len(cycle) > 0 {
		return NewError(ErrInvalidDefinition, "dependency cycle involving tasks: %s", strings.Join(cycle, ", "))
	}
	return nil
}

// findCycle runs Kahn's algorithm over the dependency graph and returns the
// names of tasks left unresolved, which are exactly the cycle participants
// (and their downstream tasks trapped behind the cycle).
func findCycle(tasks []TaskSpec) []string {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indegree[t.Name] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}

	queue := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if indegree[t.Name] == 0 {
			queue = append(queue, t.Name)
		}
	}
	resolved := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		resolved++
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if resolved == len(tasks) {
		return nil
	}
	var cycle []string
	for name, deg := range indegree {
		if deg > 0 {
			cycle = append(cycle, name)
		}
	}
	sort.Strings(cycle)
	return cycle
}
