package cache

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnforge/buildcore/src/hashutil"
)

func newTestActionCache(t *testing.T) *ActionCache {
	s, err := NewLocalStore(t.TempDir(), "/workspace", "test-machine")
	require.NoError(t, err)
	return NewActionCache(s)
}

func TestActionCacheStoreAndLookup(t *testing.T) {
	c := newTestActionCache(t)
	fp := hashutil.HashBytes([]byte("action one"))
	planKey := hashutil.HashBytes([]byte("plan one"))
	entry := &ActionCacheEntry{
		OutputFingerprint: hashutil.HashBytes([]byte("outputs")),
		Outputs:           []OutputRef{{Path: "out.bin", Digest: hashutil.HashBytes([]byte("bytes"))}},
	}
	require.NoError(t, c.Store(fp, planKey, entry))

	got, ok := c.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, entry.OutputFingerprint, got.OutputFingerprint)

	byPlan, ok := c.LookupPlan(planKey)
	require.True(t, ok)
	assert.Equal(t, entry.OutputFingerprint, byPlan.OutputFingerprint)
}

func TestActionCacheStorePersistsAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "/workspace", "test-machine")
	require.NoError(t, err)
	fp := hashutil.HashBytes([]byte("action two"))
	planKey := hashutil.HashBytes([]byte("plan two"))
	entry := &ActionCacheEntry{OutputFingerprint: hashutil.HashBytes([]byte("outputs two"))}
	require.NoError(t, NewActionCache(store).Store(fp, planKey, entry))

	freshStore, err := NewLocalStore(dir, "/workspace", "test-machine")
	require.NoError(t, err)
	fresh := NewActionCache(freshStore)

	got, ok := fresh.Lookup(fp)
	require.True(t, ok, "a fresh ActionCache over the same directory should find the entry via the keyed store, not an in-memory map")
	assert.Equal(t, entry.OutputFingerprint, got.OutputFingerprint)

	byPlan, ok := fresh.LookupPlan(planKey)
	require.True(t, ok)
	assert.Equal(t, entry.OutputFingerprint, byPlan.OutputFingerprint)
}

func TestActionCacheLookupMiss(t *testing.T) {
	c := newTestActionCache(t)
	_, ok := c.Lookup(hashutil.HashBytes([]byte("never stored")))
	assert.False(t, ok)
}

func TestActionCacheGetOrComputeDeduplicatesConcurrentBuilds(t *testing.T) {
	c := newTestActionCache(t)
	fp := hashutil.HashBytes([]byte("contended action"))
	var computeCalls int32

	const n = 20
	results := make(chan *ActionCacheEntry, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			entry, err := c.GetOrCompute(fp, func() (*ActionCacheEntry, error) {
				atomic.AddInt32(&computeCalls, 1)
				return &ActionCacheEntry{OutputFingerprint: hashutil.HashBytes([]byte("computed once"))}, nil
			})
			results <- entry
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		entry := <-results
		assert.Equal(t, hashutil.HashBytes([]byte("computed once")), entry.OutputFingerprint)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&computeCalls), "only one caller should have actually computed the result")
}

func TestActionCacheGetOrComputePropagatesError(t *testing.T) {
	c := newTestActionCache(t)
	fp := hashutil.HashBytes([]byte("failing action"))
	wantErr := errors.New("action failed")
	_, err := c.GetOrCompute(fp, func() (*ActionCacheEntry, error) { return nil, wantErr })
	assert.Equal(t, wantErr, err)
}
