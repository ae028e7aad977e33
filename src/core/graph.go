// Representation of the build graph.
// The graph of targets forms a DAG which is discovered top-down (as the
// external parser resolves dependencies) and built bottom-up (leaves first).
package core

import (
	"sort"
	"sync"

	"github.com/kilnforge/buildcore/src/builderrors"
)

// Graph is the DAG of Targets. It owns every Node; all other components
// hold only TargetIDs and look nodes up through it (§9: arena of nodes
// indexed by identifier, no cyclic ownership at the language level).
type Graph struct {
	// nodes holds every node currently known to the graph.
	nodes map[TargetID]*Node
	// deps maps a node to the set of targets it depends on.
	deps map[TargetID]map[TargetID]bool
	// dependents is the reverse index: who depends on this target. This is
	// the primary index the scheduler uses to find newly-ready nodes.
	dependents map[TargetID]map[TargetID]bool
	// cycles guards against introducing a cycle; see cycle_detector.go.
	cycles *cycleDetector
	mutex  sync.Mutex
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      map[TargetID]*Node{},
		deps:       map[TargetID]map[TargetID]bool{},
		dependents: map[TargetID]map[TargetID]bool{},
		cycles:     newCycleDetector(),
	}
}

// AddTarget adds a new target to the graph. It is idempotent: adding the
// same identifier twice is a no-op and returns the existing node.
func (g *Graph) AddTarget(target *Target) *Node {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if n, present := g.nodes[target.ID]; present {
		return n
	}
	n := newNode(target)
	g.nodes[target.ID] = n
	if _, ok := g.deps[target.ID]; !ok {
		g.deps[target.ID] = map[TargetID]bool{}
	}
	return n
}

// Node retrieves a node from the graph by identifier, or nil if unknown.
func (g *Graph) Node(id TargetID) *Node {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.nodes[id]
}

// Len returns the number of targets currently in the graph.
func (g *Graph) Len() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.nodes)
}

// AllNodes returns every node in the graph, sorted by TargetID for
// deterministic iteration order.
func (g *Graph) AllNodes() []*Node {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	ids := make(TargetIDs, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Sort(ids)
	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		nodes[i] = g.nodes[id]
	}
	return nodes
}

// MarkReady transitions id from Pending to Ready; false if id is unknown or
// wasn't Pending. Exported for the scheduler, which owns driving nodes
// through the DFA as their dependencies finish and workers pick them up.
func (g *Graph) MarkReady(id TargetID) bool {
	if n := g.Node(id); n != nil {
		return n.markReady()
	}
	return false
}

// MarkBuilding transitions id from Ready to Building.
func (g *Graph) MarkBuilding(id TargetID) bool {
	if n := g.Node(id); n != nil {
		return n.markBuilding()
	}
	return false
}

// MarkSuccess transitions id from Building to Success, recording outputs.
func (g *Graph) MarkSuccess(id TargetID, outputs []OutputEntry) bool {
	if n := g.Node(id); n != nil {
		return n.markSuccess(outputs)
	}
	return false
}

// MarkCached transitions id from Ready directly to Cached, recording outputs
// restored from the cache store without running the action.
func (g *Graph) MarkCached(id TargetID, outputs []OutputEntry) bool {
	if n := g.Node(id); n != nil {
		return n.markCached(outputs)
	}
	return false
}

// MarkFailed transitions id from Building to Failed, recording err.
func (g *Graph) MarkFailed(id TargetID, err error) bool {
	if n := g.Node(id); n != nil {
		return n.markFailed(err)
	}
	return false
}

// MarkBlocked forces id straight to Blocked because dependency by failed.
func (g *Graph) MarkBlocked(id, by TargetID) {
	if n := g.Node(id); n != nil {
		n.markBlocked(by)
	}
}

// Dependencies returns the (unsorted) set of targets `id` depends on.
func (g *Graph) Dependencies(id TargetID) []TargetID {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return keys(g.deps[id])
}

// Dependents returns the set of targets that depend on `id` — the reverse
// dependency index used by the scheduler to find newly-ready work.
func (g *Graph) Dependents(id TargetID) []TargetID {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return keys(g.dependents[id])
}

func keys(m map[TargetID]bool) []TargetID {
	out := make([]TargetID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// AddDependency records that `from` depends on `to`. It fails atomically —
// leaving the graph entirely unchanged — with a GraphCyclic error if the
// edge would introduce a cycle, and with GraphMissingNode if either target
// hasn't been added yet (§3 invariant: the graph is acyclic at all times
// after validation).
func (g *Graph) AddDependency(from, to TargetID) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if _, ok := g.nodes[from]; !ok {
		return builderrors.New(builderrors.GraphMissingNode, "unknown target %s", from).
			Context("AddDependency", "from-target not in graph")
	}
	if _, ok := g.nodes[to]; !ok {
		return builderrors.New(builderrors.GraphMissingNode, "unknown target %s", to).
			Context("AddDependency", "to-target not in graph")
	}
	if deps, ok := g.deps[from]; ok && deps[to] {
		return nil // already recorded; AddDependency is idempotent.
	}
	if cycle, found := g.cycles.wouldCycle(g.deps, from, to); found {
		return builderrors.New(builderrors.GraphCyclic, "dependency cycle detected").
			WithPayload(builderrors.CycleDetected{Path: stringPath(cycle)}).
			Context("AddDependency", "adding this edge would create a cycle")
	}
	if g.deps[from] == nil {
		g.deps[from] = map[TargetID]bool{}
	}
	g.deps[from][to] = true
	if g.dependents[to] == nil {
		g.dependents[to] = map[TargetID]bool{}
	}
	g.dependents[to][from] = true
	return nil
}

func stringPath(path []TargetID) []string {
	out := make([]string, len(path))
	for i, id := range path {
		out[i] = id.String()
	}
	return out
}

// AllDepsBuilt reports whether every dependency of id is in a built status
// (Success or Cached). Used by the scheduler to decide Pending -> Ready.
func (g *Graph) AllDepsBuilt(id TargetID) bool {
	g.mutex.Lock()
	deps := keys(g.deps[id])
	g.mutex.Unlock()
	for _, d := range deps {
		if n := g.Node(d); n == nil || !n.Status().IsBuilt() {
			return false
		}
	}
	return true
}

// AnyDepFailed reports whether any dependency of id is Failed or Blocked,
// and if so returns its identifier, for propagating Blocked status.
func (g *Graph) AnyDepFailed(id TargetID) (TargetID, bool) {
	g.mutex.Lock()
	deps := keys(g.deps[id])
	g.mutex.Unlock()
	for _, d := range deps {
		if n := g.Node(d); n != nil {
			switch n.Status() {
			case Failed, Blocked:
				return d, true
			}
		}
	}
	return TargetID{}, false
}

// Roots returns every node with no dependencies (depth-0 leaves).
func (g *Graph) Roots() []*Node {
	var roots []*Node
	for _, n := range g.AllNodes() {
		if len(g.Dependencies(n.Target.ID)) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// Validate checks the invariants the orchestrator requires before handing a
// graph to the scheduler: every declared dependency must resolve to a node
// actually present in the graph.
func (g *Graph) Validate() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for id, n := range g.nodes {
		for _, dep := range n.Target.Deps {
			if _, ok := g.nodes[dep]; !ok {
				return builderrors.New(builderrors.GraphMissingNode, "target %s declares a dependency on unknown target %s", id, dep).
					Context("Validate", "dangling dependency reference")
			}
		}
	}
	return nil
}
