package ecc

import (
	"sort"
)

// wouldCycle reports whether adding candidate (with its dependencies)
// to the graph closes a cycle. The existing graph is assumed acyclic.
func wouldCycle(graph map[string][]string, candidate string, deps []string) bool {
	// A cycle through the new node exists iff the candidate is
	// reachable from any of its own dependencies.
	seen := map[string]bool{}
	var reach func(from string) bool
	reach = func(from string) bool {
		if from == candidate {
			return true
		}
		if seen[from] {
			return false
		}
		seen[from] = true
		for _, d := range graph[from] {
			if reach(d) {
				return true
			}
		}
		return false
	}
	for _, d := range deps {
		if reach(d) {
			return true
		}
	}
	return false
}

// topoOrder returns a stable topological order over depends_on. Among
// ready sections, ties break by priority ascending, then section_id
// lexicographically.
func topoOrder(records map[string]*Record) []string {
	indegree := make(map[string]int, len(records))
	dependents := make(map[string][]string, len(records))
	for id, r := range records {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, d := range r.DependsOn {
			if _, known := records[d]; !known {
				continue
			}
			indegree[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	ready := make([]string, 0, len(records))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		ra, rb := records[a], records[b]
		if ra.Priority != rb.Priority {
			return ra.Priority < rb.Priority
		}
		return a < b
	}

	order := make([]string, 0, len(records))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

// sameDeps reports whether two dependency sets are equal as sets.
func sameDeps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, d := range a {
		set[d] = struct{}{}
	}
	for _, d := range b {
		if _, ok := set[d]; !ok {
			return false
		}
	}
	return true
}
