package cmap

// A Limiter is the interface that we use to release/acquire workers while waiting.
// The scheduler's worker pool satisfies this so a worker blocked waiting on
// another worker's in-flight lookup gives its slot back in the meantime.
type Limiter interface {
	Acquire()
	Release()
}

// NewErrMap returns a map that extends Map with an error type, which callers can also wait on
// and receive if something goes wrong. A Limiter is optional; when given, GetOrSet releases it
// for the duration a caller spends waiting on someone else's in-flight result.
func NewErrMap[K comparable, V any](shardCount uint64, hasher func(K) uint64, limiter ...Limiter) *ErrMap[K, V] {
	m := &ErrMap[K, V]{m: New[K, errV[V]](shardCount, hasher)}
	if len(limiter) > 0 {
		m.l = limiter[0]
	}
	return m
}

type errV[V any] struct {
	Err error
	Val V
}

// An ErrMap extends Map with returned errors as a first-class concept. It's used by the
// action cache to deduplicate concurrent lookups/builds of the same action fingerprint:
// the first caller for a key does the work, everyone else waits for its result (value or
// error) instead of repeating it.
type ErrMap[K comparable, V any] struct {
	m *Map[K, errV[V]]
	l Limiter
}

// Add adds the new item to the map.
// It returns true if the item was inserted, false if it already existed (in which case it won't be inserted).
func (m *ErrMap[K, V]) Add(key K, val V) bool {
	return m.m.Add(key, errV[V]{Val: val})
}

// Set is the equivalent of `map[key] = val`. It always overwrites any key that existed before.
func (m *ErrMap[K, V]) Set(key K, val V) {
	m.m.Set(key, errV[V]{Val: val})
}

// SetError overwrites the key with the given error, waking up anyone waiting on it.
func (m *ErrMap[K, V]) SetError(key K, err error) {
	m.m.Set(key, errV[V]{Err: err})
}

// Get returns the value corresponding to the given key, or its zero value if the key doesn't
// exist in the map. If an error has been set for the key, that will be returned.
func (m *ErrMap[K, V]) Get(key K) (V, error) {
	v := m.m.Get(key)
	return v.Val, v.Err
}

// GetOrWait returns the value for a key if present (or the error set for it), or, if nothing
// has been added for the key yet, a channel that can be waited on plus first=true to tell the
// (first) caller that it's responsible for eventually calling Set/Add/SetError.
func (m *ErrMap[K, V]) GetOrWait(key K) (val V, wait <-chan struct{}, first bool, err error) {
	v, wait, first := m.m.GetOrWait(key)
	return v.Val, wait, first, v.Err
}

// GetOrSet returns the value if already set, or the error if one was set for this key.
// If nothing has been set for the key, the calling goroutine runs f to produce the value
// (or error) and publishes it; every other caller blocks until that result is available.
func (m *ErrMap[K, V]) GetOrSet(key K, f func() (V, error)) (V, error) {
	v, wait, first, err := m.GetOrWait(key)
	if first {
		val, ferr := f()
		if ferr != nil {
			m.SetError(key, ferr)
		} else {
			m.Set(key, val)
		}
		return val, ferr
	}
	if wait != nil {
		if m.l != nil {
			// Release the limiter for the duration we're waiting so another worker can
			// make progress on the goroutine that's actually doing the work.
			m.l.Release()
			defer m.l.Acquire()
		}
		<-wait
		return m.Get(key)
	}
	return v, err
}

// Range calls f for each key-value pair in the map that doesn't carry an error.
// No particular consistency guarantees are made during iteration.
func (m *ErrMap[K, V]) Range(f func(key K, val V)) {
	m.m.Range(func(key K, val errV[V]) {
		if val.Err != nil {
			return
		}
		f(key, val.Val)
	})
}
