package hashutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytesIsDeterministic(t *testing.T) {
	a := HashBytes([]byte("hello world"))
	b := HashBytes([]byte("hello world"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HashBytes([]byte("hello world!")))
}

func TestHashFileMemoizes(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("one"), 0644))

	h := NewContentHasher(dir)
	d1, err := h.HashFile(p, false)
	require.NoError(t, err)

	// Change the file on disk without telling the hasher; memoization means
	// the second call should still return the stale digest.
	require.NoError(t, os.WriteFile(p, []byte("two"), 0644))
	d2, err := h.HashFile(p, false)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	h.Forget(p)
	d3, err := h.HashFile(p, false)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestHashFileMissingReturnsZero(t *testing.T) {
	h := NewContentHasher(t.TempDir())
	d, err := h.HashFile(filepath.Join(t.TempDir(), "doesnotexist"), false)
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}

func TestHashDirIsOrderIndependent(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	for _, dir := range []string{dir1, dir2} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	}
	h1 := NewContentHasher(dir1)
	h2 := NewContentHasher(dir2)
	d1, err := h1.HashFile(dir1, false)
	require.NoError(t, err)
	d2, err := h2.HashFile(dir2, false)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestHashFileTwoTierSkipsContentWhenMetaMatches(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("one"), 0644))

	h := NewContentHasher(dir)
	meta := HashMeta(p)
	_, content, err := h.HashFileTwoTier(p, MetaDigest{})
	require.NoError(t, err)
	assert.False(t, content.IsZero())

	meta2, content2, err := h.HashFileTwoTier(p, meta)
	require.NoError(t, err)
	assert.Equal(t, meta, meta2)
	assert.True(t, content2.IsZero(), "content should not be recomputed when metadata matches")
}

func TestParseDigestRoundTrip(t *testing.T) {
	d := HashBytes([]byte("round trip"))
	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseDigest("not-hex")
	assert.Error(t, err)
}
