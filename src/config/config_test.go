package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigurationIsSane(t *testing.T) {
	c := DefaultConfiguration()
	assert.Equal(t, ".build-cache", c.Cache.Dir)
	assert.True(t, c.Build.Workers > 0)
	assert.Equal(t, "none", c.Sandbox.Network)
}

func TestReadConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	contents := "[cache]\ndir = /var/cache/buildcore\nhighwatermark = 2GiB\n\n[build]\nworkers = 7\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	c, err := ReadConfigFiles([]string{path})
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/buildcore", c.Cache.Dir)
	assert.Equal(t, ByteSize(2<<30), c.Cache.HighWaterMark)
	assert.Equal(t, 7, c.Build.Workers)
}

func TestReadConfigFilesIgnoresMissingFiles(t *testing.T) {
	c, err := ReadConfigFiles([]string{filepath.Join(t.TempDir(), "does-not-exist")})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfiguration().Cache.Dir, c.Cache.Dir)
}

func TestApplyOverridesSetsNestedField(t *testing.T) {
	c := DefaultConfiguration()
	require.NoError(t, c.ApplyOverrides(map[string]string{
		"build.workers":    "3",
		"sandbox.fakeroot": "true",
		"cache.remoteurl":  "https://cache.example.com",
	}))
	assert.Equal(t, 3, c.Build.Workers)
	assert.True(t, c.Sandbox.Fakeroot)
	assert.Equal(t, URL("https://cache.example.com"), c.Cache.RemoteURL)
}

func TestApplyOverridesRejectsUnknownSection(t *testing.T) {
	c := DefaultConfiguration()
	assert.Error(t, c.ApplyOverrides(map[string]string{"bogus.field": "x"}))
}

func TestApplyEnvOverridesReadsPrefixedVars(t *testing.T) {
	c := DefaultConfiguration()
	t.Setenv("BUILDCORE_BUILD_WORKERS", "9")
	t.Setenv("BUILDCORE_CACHE_REMOTEWRITABLE", "true")
	require.NoError(t, c.ApplyEnvOverrides())
	assert.Equal(t, 9, c.Build.Workers)
	assert.True(t, c.Cache.RemoteWritable)
}

func TestDigestChangesWithConfig(t *testing.T) {
	a := DefaultConfiguration()
	b := DefaultConfiguration()
	assert.Equal(t, a.Digest(), b.Digest())

	b.Build.Workers = a.Build.Workers + 1
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestDurationUnmarshalFlagAcceptsBareSeconds(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalFlag("30"))
	assert.Equal(t, Duration(30*time.Second), d)

	require.NoError(t, d.UnmarshalFlag("1m30s"))
	assert.Equal(t, Duration(90*time.Second), d)
}
