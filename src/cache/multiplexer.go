package cache

import (
	"sync"

	"github.com/kilnforge/buildcore/src/hashutil"
)

// Multiplexer composes several Store tiers behind the single Store
// interface: writes fan out to every tier concurrently, reads try tiers in
// priority order (the order they were given — local first by convention)
// and backfill higher-priority tiers once a lower-priority one satisfies a
// read. This exactly mirrors the teacher's cacheMultiplexer for its
// directory/RPC/HTTP caches (§4.2 "Multiplexing").
type Multiplexer struct {
	tiers []Store
}

// NewMultiplexer composes tiers in priority order. A single tier is
// returned unwrapped by Compose (see below) to skip the indirection when
// there's nothing to multiplex.
func NewMultiplexer(tiers ...Store) *Multiplexer {
	return &Multiplexer{tiers: tiers}
}

// Compose returns tiers[0] directly if there's exactly one, or a
// *Multiplexer otherwise. Returns nil if tiers is empty.
func Compose(tiers ...Store) Store {
	nonNil := make([]Store, 0, len(tiers))
	for _, t := range tiers {
		if t != nil {
			nonNil = append(nonNil, t)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return NewMultiplexer(nonNil...)
	}
}

// Put writes to every tier concurrently and returns the (common) content digest.
func (m *Multiplexer) Put(b []byte) (hashutil.Digest, error) {
	return m.putUntil(b, -1)
}

// putUntil writes to tiers before index stopAt (or all tiers if stopAt < 0),
// used to backfill higher-priority tiers after a lower-priority hit.
func (m *Multiplexer) putUntil(b []byte, stopAt int) (hashutil.Digest, error) {
	if stopAt < 0 || stopAt > len(m.tiers) {
		stopAt = len(m.tiers)
	}
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex
	var d hashutil.Digest
	for i := 0; i < stopAt; i++ {
		wg.Add(1)
		go func(tier Store) {
			defer wg.Done()
			dd, err := tier.Put(b)
			mu.Lock()
			d = dd
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(m.tiers[i])
	}
	wg.Wait()
	if d == (hashutil.Digest{}) {
		d = hashutil.HashBytes(b)
	}
	return d, firstErr
}

// Get tries tiers in priority order, backfilling higher-priority tiers on a hit.
func (m *Multiplexer) Get(d hashutil.Digest) ([]byte, error) {
	var lastErr error
	for i, tier := range m.tiers {
		b, err := tier.Get(d)
		if err == nil {
			m.backfill(b, i)
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// backfill re-stores b (already known to hash to some digest) into every
// tier ahead of foundAt, so a remote hit gets pulled into the local tier.
// Runs synchronously: a caller that successfully read an object should be
// able to assume it's present in every higher-priority tier as soon as Get
// returns, not at some unspecified later point.
func (m *Multiplexer) backfill(b []byte, foundAt int) {
	var wg sync.WaitGroup
	for i := 0; i < foundAt; i++ {
		wg.Add(1)
		go func(tier Store) {
			defer wg.Done()
			if _, err := tier.Put(b); err != nil {
				log.Warning("backfill write failed: %s", err)
			}
		}(m.tiers[i])
	}
	wg.Wait()
}

// Has checks tiers in priority order.
func (m *Multiplexer) Has(d hashutil.Digest) bool {
	for _, tier := range m.tiers {
		if tier.Has(d) {
			return true
		}
	}
	return false
}

// Delete removes the object from every tier.
func (m *Multiplexer) Delete(d hashutil.Digest) error {
	var firstErr error
	for _, tier := range m.tiers {
		if err := tier.Delete(d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GC runs GC on every tier and sums the evicted counts.
func (m *Multiplexer) GC(policy GCPolicy) (int, error) {
	total := 0
	var firstErr error
	for _, tier := range m.tiers {
		n, err := tier.GC(policy)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

// Shutdown shuts down every tier.
func (m *Multiplexer) Shutdown() {
	for _, tier := range m.tiers {
		tier.Shutdown()
	}
}

var _ Store = (*Multiplexer)(nil)
