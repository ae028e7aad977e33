package core

// cycleDetector checks whether adding an edge from -> to would introduce a
// cycle, i.e. whether `to` can already transitively reach `from`. Per §4.4
// this uses an iterative DFS with an explicit stack and visited set rather
// than recursion, since dependency graphs in a large workspace can have
// chains deep enough to blow a goroutine's stack if walked recursively.
// Grounded on the teacher's cycleDetector, generalised from a background
// queue-draining goroutine to a synchronous check made under the graph's
// existing mutex (AddDependency already serializes graph mutation, so no
// second concurrent structure is needed here).
type cycleDetector struct{}

func newCycleDetector() *cycleDetector {
	return &cycleDetector{}
}

// wouldCycle returns (path, true) if `to` can already reach `from` in the
// dependency map `deps` (a map from target -> set of its dependencies).
// The returned path runs from `from` through `to` and back to `from`,
// suitable for direct use as a CycleDetected payload.
func (c *cycleDetector) wouldCycle(deps map[TargetID]map[TargetID]bool, from, to TargetID) ([]TargetID, bool) {
	if from == to {
		return []TargetID{from, to}, true
	}
	type frame struct {
		node TargetID
		path []TargetID
	}
	visited := map[TargetID]bool{}
	stack := []frame{{node: to, path: []TargetID{from, to}}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.node == from {
			return top.path, true
		}
		if visited[top.node] {
			continue
		}
		visited[top.node] = true
		for dep := range deps[top.node] {
			if visited[dep] {
				continue
			}
			next := make([]TargetID, len(top.path), len(top.path)+1)
			copy(next, top.path)
			next = append(next, dep)
			stack = append(stack, frame{node: dep, path: next})
		}
	}
	return nil, false
}
