package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeSkipsIndirectionForSingleTier(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "/workspace", "m")
	require.NoError(t, err)
	composed := Compose(s)
	assert.Same(t, Store(s), composed)
}

func TestComposeReturnsNilForNoTiers(t *testing.T) {
	assert.Nil(t, Compose())
}

func TestMultiplexerWritesFanOutAndReadsBackfill(t *testing.T) {
	local, err := NewLocalStore(t.TempDir(), "/workspace", "m")
	require.NoError(t, err)
	remote, err := NewLocalStore(t.TempDir(), "/workspace", "m") // stand-in second tier; same signing identity
	require.NoError(t, err)

	mplex := Compose(local, remote)
	d, err := mplex.Put([]byte("fans out to both tiers"))
	require.NoError(t, err)
	assert.True(t, local.Has(d))
	assert.True(t, remote.Has(d))

	// Simulate the local tier losing the object (e.g. evicted); a read
	// should still succeed via the remote tier and backfill local.
	require.NoError(t, local.Delete(d))
	assert.False(t, local.Has(d))

	b, err := mplex.Get(d)
	require.NoError(t, err)
	assert.Equal(t, "fans out to both tiers", string(b))
	assert.True(t, local.Has(d), "local tier should have been backfilled from remote by the time Get returns")
}
