package core

import (
	"sync/atomic"

	"github.com/kilnforge/buildcore/src/builderrors"
)

// A statusCell is a small atomic wrapper around Status so that reading or
// writing a node's status never needs a lock on the hot scheduling path.
// Grounded on the teacher's atomicBool: an opaque integer cell that doesn't
// trigger the race detector, generalised here to the multi-valued Status
// enum instead of a plain bool.
type statusCell struct {
	v int32
}

func (c *statusCell) get() Status {
	return Status(atomic.LoadInt32(&c.v))
}

func (c *statusCell) set(s Status) {
	atomic.StoreInt32(&c.v, int32(s))
}

// compareAndSwap enforces the DFA transition atomically, returning false if
// the current status doesn't match `from`.
func (c *statusCell) compareAndSwap(from, to Status) bool {
	return atomic.CompareAndSwapInt32(&c.v, int32(from), int32(to))
}

// Node is the runtime wrapper the graph owns around a Target. All other
// components only ever hold a TargetID and look the Node up through the
// graph — there are no node-to-node pointers, so there is no possibility of
// a reference cycle at the language level (§9).
type Node struct {
	Target *Target
	status statusCell
	// depth is the longest path from any root (leaf-rooted: leaves are 0).
	depth int32
	// outputs is populated once the node reaches Success or Cached.
	outputs []OutputEntry
	// buildErr is populated once the node reaches Failed.
	buildErr error
	// blockedBy names the dependency that caused a Blocked status.
	blockedBy TargetID
}

// OutputEntry is a single (path, content digest) pair produced by a node's
// actions; see the Output set fingerprint in §3.
type OutputEntry struct {
	Path   string
	Digest string
}

func newNode(target *Target) *Node {
	return &Node{Target: target}
}

// Status returns the node's current status.
func (n *Node) Status() Status {
	return n.status.get()
}

// Depth returns the node's wave depth, valid only after Graph.ComputeDepths
// has run.
func (n *Node) Depth() int {
	return int(atomic.LoadInt32(&n.depth))
}

// Outputs returns the node's recorded outputs. Only meaningful once Status
// is Success or Cached.
func (n *Node) Outputs() []OutputEntry {
	return n.outputs
}

// Err returns the error that put this node into Failed, if any.
func (n *Node) Err() error {
	return n.buildErr
}

// BlockedBy returns the dependency responsible for a Blocked status.
func (n *Node) BlockedBy() TargetID {
	return n.blockedBy
}

// markReady transitions Pending -> Ready. Returns false if the node wasn't Pending.
func (n *Node) markReady() bool {
	return n.status.compareAndSwap(Pending, Ready)
}

// markBuilding transitions Ready -> Building.
func (n *Node) markBuilding() bool {
	return n.status.compareAndSwap(Ready, Building)
}

// markSuccess transitions Building -> Success, recording outputs.
func (n *Node) markSuccess(outputs []OutputEntry) bool {
	n.outputs = outputs
	return n.status.compareAndSwap(Building, Success)
}

// markCached transitions Ready -> Cached directly (no Building phase: the
// action cache satisfied the node without executing anything), recording
// outputs restored from the cache store.
func (n *Node) markCached(outputs []OutputEntry) bool {
	n.outputs = outputs
	return n.status.compareAndSwap(Ready, Cached)
}

// markFailed transitions Building -> Failed, recording the error.
func (n *Node) markFailed(err error) bool {
	n.buildErr = err
	return n.status.compareAndSwap(Building, Failed)
}

// markBlocked forces any node not yet in a terminal status (Pending, Ready
// or Building) straight to Blocked because a
// dependency failed; this is the one place the DFA allows a non-adjacent
// jump, matching §4.6's "transitive dependents marked Blocked{by}".
func (n *Node) markBlocked(by TargetID) {
	n.blockedBy = by
	n.buildErr = builderrors.New(builderrors.ActionFailed, "dependency %s failed", by).
		Context("schedule", "transitive dependent blocked")
	for {
		cur := n.status.get()
		if cur.IsDone() {
			return
		}
		if n.status.compareAndSwap(cur, Blocked) {
			return
		}
	}
}
