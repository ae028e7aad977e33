// Package gc computes the set of cache objects still reachable from a build
// graph, so the cache store's LRU eviction (src/cache) never collects an
// object a future build could still read from.
package gc

import (
	logging "gopkg.in/op/go-logging.v1"

	"github.com/kilnforge/buildcore/src/cache"
	"github.com/kilnforge/buildcore/src/core"
	"github.com/kilnforge/buildcore/src/hashutil"
)

var log = logging.MustGetLogger("gc")

// LiveSet walks the dependency edges of the graph starting from roots and
// returns every output digest reachable from them. It mirrors the mark phase
// of a mark-and-sweep collector over the build graph rather than the
// content store: we don't keep a live refcount per object as actions run,
// we recompute reachability from the current graph each time GC runs.
func LiveSet(g *core.Graph, roots []core.TargetID) map[hashutil.Digest]bool {
	live := map[hashutil.Digest]bool{}
	visited := map[core.TargetID]bool{}
	var walk func(id core.TargetID)
	walk = func(id core.TargetID) {
		if visited[id] {
			return
		}
		visited[id] = true
		n := g.Node(id)
		if n == nil {
			return
		}
		for _, o := range n.Outputs() {
			if d, err := hashutil.ParseDigest(o.Digest); err == nil {
				live[d] = true
			}
		}
		for _, dep := range g.Dependencies(id) {
			walk(dep)
		}
	}
	for _, r := range roots {
		log.Debug("GC root: %s", r)
		walk(r)
	}
	log.Notice("%d targets reachable from %d roots, %d live digests", len(visited), len(roots), len(live))
	return live
}

// Policy builds a cache.GCPolicy whose Live predicate holds for exactly the
// digests LiveSet finds reachable from roots, so a store's GC call never
// evicts an object that a rebuild could still action-cache-hit against.
func Policy(g *core.Graph, roots []core.TargetID, highWaterMark, lowWaterMark uint64) cache.GCPolicy {
	live := LiveSet(g, roots)
	return cache.GCPolicy{
		HighWaterMark: highWaterMark,
		LowWaterMark:  lowWaterMark,
		Live:          func(d hashutil.Digest) bool { return live[d] },
	}
}

// TopLevelTargets returns every target in the graph that nothing depends
// on — the natural GC roots for a full-repo collection, analogous to the
// teacher's binary/test targets serving as roots for source-level
// collection. Not to be confused with Graph.Roots, which means the opposite
// thing (leaves with no dependencies).
func TopLevelTargets(g *core.Graph) []core.TargetID {
	var top []core.TargetID
	for _, n := range g.AllNodes() {
		if len(g.Dependents(n.Target.ID)) == 0 {
			top = append(top, n.Target.ID)
		}
	}
	return top
}
