// Package scheduler validates the dependency graph and moves tasks whose
// dependencies were delivered into the ready set.
package scheduler

import (
	"sort"

	"github.com/msageha/taskgate/internal/model"
)

// ValidateGraph returns a topological order of nodes (dependencies first) or
// a *model.CycleError carrying one cycle path. edges maps a node to the nodes
// it depends on; references outside nodes are ignored.
func ValidateGraph(nodes []string, edges map[string][]string) ([]string, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}

	// In-degree counts unmet dependencies; forward maps dependency → dependents.
	inDegree := make(map[string]int, len(nodes))
	forward := make(map[string][]string)
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, node := range nodes {
		for _, dep := range edges[node] {
			if !nodeSet[dep] {
				continue
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	// Kahn's algorithm
	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, nil
	}
	return nil, &model.CycleError{Path: findCyclePath(nodes, edges, nodeSet, inDegree)}
}

// findCyclePath runs a DFS from the nodes Kahn could not release.
func findCyclePath(nodes []string, edges map[string][]string, nodeSet map[string]bool, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // finished
	)

	color := make(map[string]int, len(nodes))
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if !nodeSet[dep] {
				continue
			}
			if color[dep] == gray {
				cyclePath = []string{dep}
				for current := node; current != dep; current = parent[current] {
					cyclePath = append(cyclePath, current)
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	// Deterministic start so the reported path is stable across runs.
	stuck := make([]string, 0)
	for _, n := range nodes {
		if inDegree[n] > 0 {
			stuck = append(stuck, n)
		}
	}
	sort.Strings(stuck)
	for _, n := range stuck {
		if color[n] == white && dfs(n) {
			return cyclePath
		}
	}
	return []string{"(cycle detected)"}
}
