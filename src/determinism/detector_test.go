package determinism

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFlagsMissingGCCFlags(t *testing.T) {
	findings := Detect([]string{"gcc", "-c", "foo.c", "-o", "foo.o"})
	require.NotEmpty(t, findings)

	var sawCritical bool
	for _, f := range findings {
		if f.Flag == "-frandom-seed" {
			sawCritical = true
			assert.Equal(t, Critical, f.Priority)
		}
	}
	assert.True(t, sawCritical, "expected a Critical finding for missing -frandom-seed")
}

func TestDetectNoFindingsWhenFlagsPresent(t *testing.T) {
	findings := Detect([]string{"gcc", "-c", "foo.c", "-frandom-seed=abc123", "-ffile-prefix-map=/tmp=.", "-fdebug-prefix-map=/tmp=."})
	assert.Empty(t, findings)
}

func TestDetectIgnoresUnrecognisedCommand(t *testing.T) {
	findings := Detect([]string{"cp", "a", "b"})
	assert.Empty(t, findings)
}

func TestDetectEmptyArgvReturnsNil(t *testing.T) {
	assert.Nil(t, Detect(nil))
}

func TestDetectGoBuildMissingTrimpath(t *testing.T) {
	findings := Detect([]string{"go", "build", "./..."})
	require.Len(t, findings, 1)
	assert.Equal(t, "-trimpath", findings[0].Flag)
	assert.Equal(t, Critical, findings[0].Priority)
}

func TestDetectGoBuildWithTrimpathIsClean(t *testing.T) {
	findings := Detect([]string{"go", "build", "-trimpath", "./..."})
	assert.Empty(t, findings)
}

func TestDetectRustcMissingRemapPathPrefix(t *testing.T) {
	findings := Detect([]string{"rustc", "main.rs"})
	var sawRemap bool
	for _, f := range findings {
		if f.Flag == "--remap-path-prefix" {
			sawRemap = true
		}
	}
	assert.True(t, sawRemap)
}
