package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnforge/buildcore/src/core"
	"github.com/kilnforge/buildcore/src/provider"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadManifestBuildsGraphWithDependencyEdges(t *testing.T) {
	path := writeManifest(t, `[
		{"package": "p", "name": "dep", "genrule": {"command": "echo dep > $OUT", "outputs": ["dep.txt"]}},
		{"package": "p", "name": "top", "deps": ["//p:dep"], "genrule": {"command": "echo top > $OUT", "outputs": ["top.txt"]}}
	]`)

	graph, err := loadManifest(path)
	require.NoError(t, err)

	topID := core.TargetID{PackageName: "p", Name: "top"}
	depID := core.TargetID{PackageName: "p", Name: "dep"}
	assert.Equal(t, []core.TargetID{depID}, graph.Dependencies(topID))

	node := graph.Node(depID)
	require.NotNil(t, node)
	cfg, ok := node.Target.Config.(provider.GenruleConfig)
	require.True(t, ok)
	assert.Equal(t, []string{"dep.txt"}, cfg.Outputs)
}

func TestLoadManifestForwardReferenceResolves(t *testing.T) {
	path := writeManifest(t, `[
		{"package": "p", "name": "top", "deps": ["//p:dep"], "genrule": {"command": "true", "outputs": ["o"]}},
		{"package": "p", "name": "dep", "genrule": {"command": "true", "outputs": ["o"]}}
	]`)

	graph, err := loadManifest(path)
	require.NoError(t, err)
	assert.NoError(t, graph.Validate())
}

func TestLoadManifestRejectsUnknownRule(t *testing.T) {
	path := writeManifest(t, `[{"package": "p", "name": "mystery"}]`)
	_, err := loadManifest(path)
	assert.Error(t, err)
}

func TestLoadManifestRejectsMissingFile(t *testing.T) {
	_, err := loadManifest(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
