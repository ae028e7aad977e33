package core

import (
	"sync/atomic"

	"github.com/kilnforge/buildcore/src/builderrors"
)

// ComputeDepths assigns each node's wave depth: depth(n) = 1 + max(depth(d)
// for d in deps(n)), with leaves at depth 0 (§3, §4.4). It must be called
// after the graph is fully constructed and Validate()'d; nodes added or
// depended-on afterwards will not have a correct depth.
//
// Returns the number of distinct waves (max depth + 1).
func (g *Graph) ComputeDepths() (int, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return 0, err
	}
	maxDepth := 0
	// TopologicalOrder yields dependencies before dependents, so a single
	// forward pass suffices: by the time we reach a node, every dependency
	// already has its final depth.
	for _, id := range order {
		n := g.Node(id)
		depth := int32(0)
		for _, dep := range g.Dependencies(id) {
			if dn := g.Node(dep); dn != nil {
				if d := atomic.LoadInt32(&dn.depth) + 1; d > depth {
					depth = d
				}
			}
		}
		atomic.StoreInt32(&n.depth, depth)
		if int(depth) > maxDepth {
			maxDepth = int(depth)
		}
	}
	return maxDepth + 1, nil
}

// Wave returns every node at the given depth, in TargetID order. Nodes in
// the same wave share no dependency relationship and are eligible for
// concurrent execution once their (lower-depth) dependencies are done.
func (g *Graph) Wave(depth int) []*Node {
	var wave []*Node
	for _, n := range g.AllNodes() {
		if n.Depth() == depth {
			wave = append(wave, n)
		}
	}
	return wave
}

func graphHasResidualCycle(inDegree map[TargetID]int, processed []TargetID) error {
	done := map[TargetID]bool{}
	for _, id := range processed {
		done[id] = true
	}
	var stuck []string
	for id := range inDegree {
		if !done[id] {
			stuck = append(stuck, id.String())
		}
	}
	return builderrors.New(builderrors.Internal, "topological sort could not order %d node(s); graph invariant violated", len(stuck)).
		Context("TopologicalOrder", "residual nodes after Kahn's algorithm terminated").
		WithPayload(stuck)
}
