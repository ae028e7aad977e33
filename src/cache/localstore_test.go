package cache

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/hashutil"
)

func newTestStore(t *testing.T) *LocalStore {
	s, err := NewLocalStore(t.TempDir(), "/workspace", "test-machine")
	require.NoError(t, err)
	return s
}

func TestLocalStorePutGet(t *testing.T) {
	s := newTestStore(t)
	d, err := s.Put([]byte("hello cache"))
	require.NoError(t, err)
	assert.True(t, s.Has(d))

	b, err := s.Get(d)
	require.NoError(t, err)
	assert.Equal(t, "hello cache", string(b))
}

func TestLocalStorePutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	d1, err := s.Put([]byte("same bytes"))
	require.NoError(t, err)
	d2, err := s.Put([]byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestLocalStoreMissReturnsCacheMiss(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(hashutil.HashBytes([]byte("never stored")))
	assert.Error(t, err)
	assert.True(t, builderrors.Is(err, builderrors.CacheMiss))
}

func TestLocalStoreCorruptedObjectIsEvicted(t *testing.T) {
	s := newTestStore(t)
	d, err := s.Put([]byte("will be corrupted"))
	require.NoError(t, err)

	// Tamper with the stored bytes directly on disk.
	require.NoError(t, os.WriteFile(s.path(d), []byte("corrupted!!!"), 0644))

	_, err = s.Get(d)
	assert.Error(t, err)
	assert.False(t, s.Has(d), "corrupted object should have been evicted")
}

func TestLocalStoreCrossWorkspaceSignatureRejected(t *testing.T) {
	s1, err := NewLocalStore(t.TempDir(), "/workspace-a", "machine-1")
	require.NoError(t, err)
	d, err := s1.Put([]byte("signed by workspace a"))
	require.NoError(t, err)
	raw, err := s1.Get(d)
	require.NoError(t, err)
	assert.Equal(t, "signed by workspace a", string(raw))

	s2, err := NewLocalStore(s1.dir, "/workspace-b", "machine-2")
	require.NoError(t, err)
	_, err = s2.Get(d)
	assert.Error(t, err, "an object signed under a different workspace identity must fail verification")
}

func TestLocalStoreGCEvictsLeastRecentlyUsed(t *testing.T) {
	s := newTestStore(t)
	var digests []hashutil.Digest
	for i := 0; i < 5; i++ {
		d, err := s.Put([]byte{byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i)})
		require.NoError(t, err)
		digests = append(digests, d)
	}
	n, err := s.GC(GCPolicy{HighWaterMark: 1, LowWaterMark: 0})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	for _, d := range digests {
		assert.False(t, s.Has(d))
	}
}

func TestLocalStoreGCRespectsLiveFunc(t *testing.T) {
	s := newTestStore(t)
	keep, err := s.Put([]byte("keep me, I'm referenced"))
	require.NoError(t, err)
	drop, err := s.Put([]byte("drop me, nothing references me"))
	require.NoError(t, err)

	n, err := s.GC(GCPolicy{HighWaterMark: 1, LowWaterMark: 0, Live: func(d hashutil.Digest) bool { return d == keep }})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, s.Has(keep))
	assert.False(t, s.Has(drop))
}
