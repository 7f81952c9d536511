package plan

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks that the steps form a DAG: no duplicate dependency ids per
// step, every dependency id resolves to a step in the plan, and no cycles.
// The diagnostic names the offending step and rule because it is fed back
// verbatim to the planner for self-correction. Runs in O(steps + edges).
func Validate(p *Plan) (bool, string) {
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if ids[s.ID] {
			return false, fmt.Sprintf("Error: step id %q is used by more than one step.", s.ID)
		}
		ids[s.ID] = true
	}

	// Edge runs from each dependency to the step that declares it.
	adj := make(map[string][]string)
	inDegree := make(map[string]int)
	participating := make(map[string]bool)

	for _, s := range p.Steps {
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			if seen[dep] {
				return false, fmt.Sprintf("Error: dependency ids in step %q are not unique.", s.ID)
			}
			seen[dep] = true
			if !ids[dep] {
				return false, fmt.Sprintf("Error: step %q depends on %q, which is not in the plan.", s.ID, dep)
			}
			adj[dep] = append(adj[dep], s.ID)
			inDegree[s.ID]++
			participating[dep] = true
			participating[s.ID] = true
		}
	}

	// Kahn-style count over the steps that participate in an edge.
	var queue []string
	for id := range participating {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++

		for _, next := range adj[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited < len(participating) {
		var stuck []string
		for id, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return false, fmt.Sprintf("Error: the plan contains a dependency cycle involving steps %s.", strings.Join(stuck, ", "))
	}
	return true, ""
}
