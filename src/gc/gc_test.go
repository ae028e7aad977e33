package gc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnforge/buildcore/src/core"
	"github.com/kilnforge/buildcore/src/gc"
	"github.com/kilnforge/buildcore/src/hashutil"
)

func target(pkg, name string) *core.Target {
	return &core.Target{ID: core.TargetID{PackageName: pkg, Name: name}}
}

// buildGraph assembles lib <- binary, tool (unrelated), and marks lib/binary
// Success with recorded outputs so LiveSet has digests to find.
func buildGraph(t *testing.T) (*core.Graph, hashutil.Digest, hashutil.Digest, hashutil.Digest) {
	g := core.NewGraph()
	bin := target("app", "binary")
	lib := target("app", "lib")
	tool := target("tools", "unused")
	g.AddTarget(bin)
	g.AddTarget(lib)
	g.AddTarget(tool)
	require.NoError(t, g.AddDependency(bin.ID, lib.ID))

	libDigest := hashutil.HashBytes([]byte("lib output"))
	binDigest := hashutil.HashBytes([]byte("binary output"))
	toolDigest := hashutil.HashBytes([]byte("unused tool output"))

	require.True(t, g.MarkReady(lib.ID))
	require.True(t, g.MarkBuilding(lib.ID))
	require.True(t, g.MarkSuccess(lib.ID, []core.OutputEntry{{Path: "lib.a", Digest: libDigest.String()}}))

	require.True(t, g.MarkReady(bin.ID))
	require.True(t, g.MarkBuilding(bin.ID))
	require.True(t, g.MarkSuccess(bin.ID, []core.OutputEntry{{Path: "app", Digest: binDigest.String()}}))

	require.True(t, g.MarkReady(tool.ID))
	require.True(t, g.MarkBuilding(tool.ID))
	require.True(t, g.MarkSuccess(tool.ID, []core.OutputEntry{{Path: "tool", Digest: toolDigest.String()}}))

	return g, libDigest, binDigest, toolDigest
}

func TestLiveSetReachesTransitiveDependencies(t *testing.T) {
	g, libDigest, binDigest, toolDigest := buildGraph(t)
	bin := core.TargetID{PackageName: "app", Name: "binary"}

	live := gc.LiveSet(g, []core.TargetID{bin})
	assert.True(t, live[libDigest], "lib is a dependency of the GC root and must stay live")
	assert.True(t, live[binDigest])
	assert.False(t, live[toolDigest], "tool is unreachable from the given roots")
}

func TestTopLevelTargetsExcludesDependencies(t *testing.T) {
	g, _, _, _ := buildGraph(t)
	top := gc.TopLevelTargets(g)
	assert.Contains(t, top, core.TargetID{PackageName: "app", Name: "binary"})
	assert.Contains(t, top, core.TargetID{PackageName: "tools", Name: "unused"})
	assert.NotContains(t, top, core.TargetID{PackageName: "app", Name: "lib"}, "lib has a dependent so it isn't a GC root itself")
}

func TestPolicyLiveFuncMatchesLiveSet(t *testing.T) {
	g, libDigest, binDigest, toolDigest := buildGraph(t)
	bin := core.TargetID{PackageName: "app", Name: "binary"}

	policy := gc.Policy(g, []core.TargetID{bin}, 1<<20, 1<<10)
	assert.True(t, policy.Live(libDigest))
	assert.True(t, policy.Live(binDigest))
	assert.False(t, policy.Live(toolDigest))
}
