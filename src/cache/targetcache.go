package cache

import (
	"github.com/kilnforge/buildcore/src/hashutil"
)

// TargetFingerprint is derived from a target's sources, its dependencies'
// output fingerprints, and its configuration payload hash — §4.3's
// "content-derived fingerprint" that keys the target cache.
type TargetFingerprint hashutil.Digest

// TargetCache memoizes the set of action fingerprints a target resolved to
// on its last successful build (C3's "target-level memoization"). Per
// §4.3's resolution of the source repository's action-cache/target-cache
// ambiguity, this is a pure read-through memo over ActionCache: it owns no
// artifacts of its own, stores no bytes in the cache store, and simply
// answers "what actions did this target resolve to last time" so a target
// whose content hasn't changed can skip re-planning which actions to run at
// all, not just re-running them.
type TargetCache struct {
	actions *ActionCache
	// resolved maps a target fingerprint to the ordered list of action
	// fingerprints the target expanded into. It never stores artifact
	// bytes; resolving an action fingerprint still goes through
	// ActionCache, which transitively invalidates the target cache entry
	// that named it the moment that action cache entry is gone.
	resolved map[TargetFingerprint][]hashutil.Digest
}

// NewTargetCache constructs a target cache layered on top of actions.
func NewTargetCache(actions *ActionCache) *TargetCache {
	return &TargetCache{actions: actions, resolved: map[TargetFingerprint][]hashutil.Digest{}}
}

// Resolve returns the action fingerprints a target resolved to last time,
// and whether every one of them still has a live action-cache entry. A
// single missing action fingerprint invalidates the whole target-cache
// entry, since a partial result isn't a valid cached build of the target.
func (c *TargetCache) Resolve(fp TargetFingerprint) ([]hashutil.Digest, bool) {
	fps, ok := c.resolved[fp]
	if !ok {
		return nil, false
	}
	for _, afp := range fps {
		if _, ok := c.actions.Lookup(afp); !ok {
			delete(c.resolved, fp)
			return nil, false
		}
	}
	return fps, true
}

// Record stores the action fingerprints a target resolved to, for reuse by
// a future build with the same target fingerprint.
func (c *TargetCache) Record(fp TargetFingerprint, actionFingerprints []hashutil.Digest) {
	c.resolved[fp] = actionFingerprints
}

// Invalidate drops the cached resolution for fp, e.g. after the target's
// declared dependencies change shape.
func (c *TargetCache) Invalidate(fp TargetFingerprint) {
	delete(c.resolved, fp)
}
