package core

import "sort"

// TopologicalOrder returns a deterministic topological ordering of every
// node in the graph using Kahn's algorithm, breaking ties between nodes of
// equal in-degree by TargetID lexicographic order (§4.4). It is used for
// the serial fallback and for debugging; parallel execution uses the wave
// layout (wave.go) instead.
func (g *Graph) TopologicalOrder() ([]TargetID, error) {
	g.mutex.Lock()
	inDegree := make(map[TargetID]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.deps[id])
	}
	g.mutex.Unlock()

	ready := TargetIDs{}
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Sort(ready)

	order := make([]TargetID, 0, len(inDegree))
	for len(ready) > 0 {
		// Pop the lexicographically-smallest ready node.
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		newlyReady := TargetIDs{}
		for _, dependent := range g.Dependents(next) {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				newlyReady = append(newlyReady, dependent)
			}
		}
		sort.Sort(newlyReady)
		ready = mergeSorted(ready, newlyReady)
	}
	if len(order) != len(inDegree) {
		return nil, graphHasResidualCycle(inDegree, order)
	}
	return order, nil
}

// mergeSorted merges two already-sorted TargetIDs slices, preserving order.
func mergeSorted(a, b TargetIDs) TargetIDs {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make(TargetIDs, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Less(b[j]) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
