// Package cache implements the content-addressed cache store (C2) and the
// action/target cache layered on top of it (C3).
package cache

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/hashutil"
)

var log = logging.MustGetLogger("cache")

// Entry is a stored cache object's envelope payload, decoded after MAC
// verification. It's the on-disk representation of §3's "Cache store
// object": content_hash → bytes, self-verifying by name.
type Entry struct {
	Digest   hashutil.Digest
	Bytes    []byte
	StoredAt time.Time
}

// Store is the content-addressed byte storage interface realized by both the
// local directory tier and the remote HTTP tier, and composed by Multiplexer.
// Every object is identified purely by its content digest.
type Store interface {
	// Put writes bytes to the store and returns their digest. Idempotent: if
	// an object with this digest already exists, the write is a no-op.
	Put(bytes []byte) (hashutil.Digest, error)
	// Get reads and verifies an object. A hash mismatch is reported as
	// builderrors.CacheCorrupted and the object is evicted rather than
	// served.
	Get(d hashutil.Digest) ([]byte, error)
	// Has is a metadata-only existence check.
	Has(d hashutil.Digest) bool
	// Delete removes an object, if present.
	Delete(d hashutil.Digest) error
	// GC evicts objects according to the store's eviction policy and
	// returns the number evicted.
	GC(policy GCPolicy) (int, error)
	// Shutdown flushes any pending asynchronous work and releases resources.
	Shutdown()
}

// KeyedStore is implemented by stores that can additionally persist bytes
// under a caller-supplied key rather than deriving the key from the bytes'
// own content hash. The action cache needs this: an action fingerprint is
// computed before the entry it names exists, so the entry can't be
// addressed by its own content digest the way a plain cache object is.
// Per §6's persisted layout, these live in a separate actions/ subtree from
// the content-addressed objects/ tree, and — unlike Store — there is no
// remote HTTP counterpart: the remote cache interface only exposes the
// content-addressed artifact endpoints.
type KeyedStore interface {
	// PutAt writes bytes under key, overwriting any previous entry at that key.
	PutAt(key hashutil.Digest, bytes []byte) error
	// GetAt reads and verifies the bytes stored under key.
	GetAt(key hashutil.Digest) ([]byte, error)
}

// GCPolicy bounds a store's size. live, when non-nil, is consulted so GC
// never evicts an object referenced by a live action-cache entry.
type GCPolicy struct {
	HighWaterMark uint64
	LowWaterMark  uint64
	Live          func(hashutil.Digest) bool
}

func missingDigestError(op string, d hashutil.Digest) error {
	return builderrors.New(builderrors.CacheMiss, "%s: no object with digest %s", op, d).
		Context(op, "cache store lookup")
}
