package cache

import (
	"sync"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/hashutil"
)

// AsyncStore wraps a Store so that Put returns as soon as the bytes are
// queued rather than waiting for the write to land, while Get still goes
// straight to the underlying store. It's the write-behind counterpart to
// the teacher's asyncCache, adapted from a per-target request queue to a
// per-digest one: since our store is content-addressed, two queued writes
// for the same digest are trivially coalesced into one.
type AsyncStore struct {
	real    Store
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[hashutil.Digest]bool
}

// NewAsyncStore starts workers goroutines draining a bounded queue of
// pending writes against real.
func NewAsyncStore(real Store, workers, queueDepth int) *AsyncStore {
	a := &AsyncStore{
		real:    real,
		queue:   make(chan []byte, queueDepth),
		pending: map[hashutil.Digest]bool{},
	}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.run()
	}
	return a
}

func (a *AsyncStore) run() {
	defer a.wg.Done()
	for b := range a.queue {
		d := hashutil.HashBytes(b)
		if _, err := a.real.Put(b); err != nil {
			log.Warning("async cache write failed: %s", err)
		}
		a.mu.Lock()
		delete(a.pending, d)
		a.mu.Unlock()
	}
}

// Put computes the digest synchronously (so the caller can record it
// immediately, e.g. in an action cache entry) and enqueues the bytes for an
// asynchronous write; it blocks only if the queue is full.
func (a *AsyncStore) Put(b []byte) (hashutil.Digest, error) {
	d := hashutil.HashBytes(b)
	a.mu.Lock()
	if a.pending[d] {
		a.mu.Unlock()
		return d, nil // already queued
	}
	a.pending[d] = true
	a.mu.Unlock()
	a.queue <- b
	return d, nil
}

func (a *AsyncStore) Get(d hashutil.Digest) ([]byte, error) { return a.real.Get(d) }
func (a *AsyncStore) Has(d hashutil.Digest) bool            { return a.real.Has(d) }
func (a *AsyncStore) Delete(d hashutil.Digest) error        { return a.real.Delete(d) }
func (a *AsyncStore) GC(policy GCPolicy) (int, error)       { return a.real.GC(policy) }

// PutAt and GetAt pass keyed action-cache entries straight through to the
// wrapped store, synchronously rather than via the write-behind queue: an
// action cache entry must be durable before GetOrCompute releases its
// waiters, not merely queued.
func (a *AsyncStore) PutAt(key hashutil.Digest, b []byte) error {
	ks, ok := a.real.(KeyedStore)
	if !ok {
		return builderrors.New(builderrors.Internal, "underlying store does not support keyed storage")
	}
	return ks.PutAt(key, b)
}

func (a *AsyncStore) GetAt(key hashutil.Digest) ([]byte, error) {
	ks, ok := a.real.(KeyedStore)
	if !ok {
		return nil, builderrors.New(builderrors.Internal, "underlying store does not support keyed storage")
	}
	return ks.GetAt(key)
}

// Shutdown drains the queue and waits for in-flight writes before returning.
func (a *AsyncStore) Shutdown() {
	close(a.queue)
	a.wg.Wait()
	a.real.Shutdown()
}

var _ Store = (*AsyncStore)(nil)
var _ KeyedStore = (*AsyncStore)(nil)
