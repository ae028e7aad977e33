package cache

import (
	"encoding/json"
	"time"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/cmap"
	"github.com/kilnforge/buildcore/src/hashutil"
)

// OutputRef is a single (path, content digest) pair produced by an action,
// per §3's "Output set fingerprint".
type OutputRef struct {
	Path   string
	Digest hashutil.Digest
}

// ActionCacheEntry is the realization of §3's cache entry: an action
// fingerprint maps to an output-set fingerprint, the artifact refs that
// make it up, and the build metadata captured while producing it.
type ActionCacheEntry struct {
	ActionFingerprint hashutil.Digest
	OutputFingerprint hashutil.Digest
	Outputs           []OutputRef
	Metadata          BuildMetadata
	// InputMeta is the two-tier validation record (§4.1): a cheap metadata
	// digest per declared input as it stood when this entry was recorded.
	// A later build reaches this entry before recomputing any fingerprint,
	// via its plan key (see ActionCache.LookupPlan), and compares current
	// metadata against this map: only if every input still matches does it
	// reuse the recorded fingerprint without rehashing any content; otherwise
	// it rehashes every input.
	InputMeta map[string]hashutil.MetaDigest
}

// BuildMetadata is §3.1's supplemented record captured per executed action.
type BuildMetadata struct {
	WallDuration  time.Duration
	UserCPUTime   time.Duration
	SystemCPUTime time.Duration
	PeakRSSBytes  uint64
	ExitCode      int
	StdoutBytes   int
	StderrBytes   int
}

// ActionCache maps action fingerprints to cached results (C3). Entries are
// sharded across a cmap.Map so concurrent lookups for distinct actions never
// contend on a single lock. Concurrent GetOrCompute calls for the *same*
// fingerprint are deduplicated via cmap's awaitable-get semantics so only
// one caller computes the entry; Lookup and LookupPlan are not deduplicated,
// and each miss in the shard map goes to the store on its own.
type ActionCache struct {
	store   KeyedStore
	entries *cmap.ErrMap[hashutil.Digest, *ActionCacheEntry]
}

// NewActionCache constructs an action cache backed by store. Entries are
// addressed by the caller-supplied key passed to Store/Lookup — the action
// fingerprint itself, or a structural plan key — never by the entry bytes'
// own content hash, since the whole point of the cache is to be found
// before its content is known to have changed.
func NewActionCache(store KeyedStore) *ActionCache {
	return &ActionCache{
		store: store,
		entries: cmap.NewErrMap[hashutil.Digest, *ActionCacheEntry](
			cmap.DefaultShardCount,
			digestHash,
		),
	}
}

func digestHash(d hashutil.Digest) uint64 {
	return cmap.XXHash(string(d[:]))
}

// Lookup resolves an action fingerprint to its cached entry, checking the
// in-memory shard map before falling back to the underlying store. This is
// the authoritative path: fp already is a content-derived digest, so a hit
// here needs no further metadata validation.
func (c *ActionCache) Lookup(fp hashutil.Digest) (*ActionCacheEntry, bool) {
	return c.get(fp)
}

// LookupPlan resolves a structural plan key (see orchestrator.planKey) to
// the entry most recently recorded for it, regardless of whether that
// entry's action fingerprint still matches the plan's current inputs. The
// caller uses the returned entry's InputMeta to decide whether it can skip
// the real (content-based) fingerprint computation altogether — it must
// never treat this as a cache hit on its own.
func (c *ActionCache) LookupPlan(planKey hashutil.Digest) (*ActionCacheEntry, bool) {
	return c.get(planKey)
}

// get is shared by Lookup and LookupPlan: both resolve a key to an entry via
// the in-memory shard map first, then the durable keyed store.
func (c *ActionCache) get(key hashutil.Digest) (*ActionCacheEntry, bool) {
	entry, err := c.entries.Get(key)
	if err == nil && entry != nil {
		return entry, true
	}
	return c.loadFromStore(key)
}

// loadFromStore handles the cold-cache (cross-process) path: the entry
// isn't in our in-memory shard map yet, so fetch and verify it from the
// underlying keyed store.
func (c *ActionCache) loadFromStore(key hashutil.Digest) (*ActionCacheEntry, bool) {
	b, err := c.store.GetAt(key)
	if err != nil {
		if builderrors.KindOf(err) != builderrors.CacheMiss {
			log.Warning("action cache lookup for %s failed: %s", key, err)
		}
		return nil, false
	}
	var entry ActionCacheEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		log.Warning("action cache entry for %s failed to decode, treating as miss: %s", key, err)
		return nil, false
	}
	c.entries.Set(key, &entry)
	return &entry, true
}

// Store records a successful action's result under its action fingerprint
// fp, both in the in-memory shard map (for this process's subsequent
// lookups) and in the underlying keyed store (for cross-process/
// cross-machine reuse). It additionally indexes the same entry under
// planKey: the structural identity of the plan that produced it, computed
// before any input content was hashed. planKey lets a future build recover
// this entry's InputMeta — and decide how much input hashing it can skip —
// before it has paid the cost of computing a fresh fp to look up by.
func (c *ActionCache) Store(fp, planKey hashutil.Digest, entry *ActionCacheEntry) error {
	entry.ActionFingerprint = fp
	b, err := json.Marshal(entry)
	if err != nil {
		return builderrors.Wrap(builderrors.Internal, err, "encoding action cache entry for %s", fp)
	}
	if err := c.store.PutAt(fp, b); err != nil {
		return err
	}
	if err := c.store.PutAt(planKey, b); err != nil {
		log.Warning("failed to index action cache entry %s under plan key %s: %s", fp, planKey, err)
	}
	c.entries.Set(fp, entry)
	c.entries.Set(planKey, entry)
	return nil
}

// GetOrCompute deduplicates concurrent lookups of the same action fingerprint:
// the first caller runs compute (which should execute the action and return
// its resulting entry), everyone else blocks for that result instead of
// repeating the work.
func (c *ActionCache) GetOrCompute(fp hashutil.Digest, compute func() (*ActionCacheEntry, error)) (*ActionCacheEntry, error) {
	return c.entries.GetOrSet(fp, compute)
}
