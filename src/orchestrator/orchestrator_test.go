package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnforge/buildcore/src/cache"
	"github.com/kilnforge/buildcore/src/config"
	"github.com/kilnforge/buildcore/src/core"
	"github.com/kilnforge/buildcore/src/hashutil"
	"github.com/kilnforge/buildcore/src/provider"
	"github.com/kilnforge/buildcore/src/sandbox"
	"github.com/kilnforge/buildcore/src/scheduler"
)

func genruleTarget(pkg, name, command string, outputs []string, deps ...core.TargetID) *core.Target {
	return &core.Target{
		ID:       core.TargetID{PackageName: pkg, Name: name},
		Deps:     deps,
		Language: "genrule",
		Config:   provider.GenruleConfig{Command: command, Outputs: outputs},
	}
}

func newTestContext(t *testing.T, graph *core.Graph, store cache.Store, actions *cache.ActionCache, workers int) (*BuildContext, string) {
	t.Helper()
	root := t.TempDir()
	registry := provider.NewRegistry()
	registry.Register(provider.NewGenrule())
	cfg := config.DefaultConfiguration()
	cfg.Build.Workers = workers
	return &BuildContext{
		Config:        cfg,
		Graph:         graph,
		Store:         store,
		Actions:       actions,
		Providers:     registry,
		Sandbox:       sandbox.NewLocalExecutor(),
		Hasher:        hashutil.NewContentHasher(root),
		WorkspaceRoot: root,
		Mode:          scheduler.FailFast,
	}, root
}

func newTestStore(t *testing.T) *cache.LocalStore {
	t.Helper()
	store, err := cache.NewLocalStore(t.TempDir(), "workspace", "test-machine")
	require.NoError(t, err)
	return store
}

func TestBuildColdRunExecutesActionAndRecordsCache(t *testing.T) {
	graph := core.NewGraph()
	tgt := genruleTarget("p", "gen", "echo hello > $OUT", []string{"out.txt"})
	graph.AddTarget(tgt)

	store := newTestStore(t)
	actions := cache.NewActionCache(store)
	bctx, root := newTestContext(t, graph, store, actions, 1)

	report, err := Build(context.Background(), bctx, []core.TargetID{tgt.ID})
	require.NoError(t, err)
	assert.Equal(t, []core.TargetID{tgt.ID}, report.Built)
	assert.Empty(t, report.Cached)
	assert.Empty(t, report.Failed)

	outPath := filepath.Join(root, bctx.Config.Build.OutputDir, "p", "out.txt")
	b, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
}

func TestBuildSecondRunHitsActionCache(t *testing.T) {
	store := newTestStore(t)
	actions := cache.NewActionCache(store)

	graph1 := core.NewGraph()
	tgt1 := genruleTarget("p", "gen", "echo hello > $OUT", []string{"out.txt"})
	graph1.AddTarget(tgt1)
	bctx1, _ := newTestContext(t, graph1, store, actions, 1)
	report1, err := Build(context.Background(), bctx1, []core.TargetID{tgt1.ID})
	require.NoError(t, err)
	require.Equal(t, []core.TargetID{tgt1.ID}, report1.Built)

	graph2 := core.NewGraph()
	tgt2 := genruleTarget("p", "gen", "echo hello > $OUT", []string{"out.txt"})
	graph2.AddTarget(tgt2)
	bctx2, root2 := newTestContext(t, graph2, store, actions, 1)

	report2, err := Build(context.Background(), bctx2, []core.TargetID{tgt2.ID})
	require.NoError(t, err)
	assert.Equal(t, []core.TargetID{tgt2.ID}, report2.Cached)
	assert.Empty(t, report2.Built)

	outPath := filepath.Join(root2, bctx2.Config.Build.OutputDir, "p", "out.txt")
	b, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
}

// TestBuildSecondRunHitsActionCacheAcrossProcesses is the cross-process
// counterpart of TestBuildSecondRunHitsActionCache: each build gets its own
// *cache.ActionCache, as cmd/buildcore/main.go constructs a fresh one per
// invocation, so a hit here can only come from the underlying keyed store,
// never from an in-memory map surviving between the two Build calls.
func TestBuildSecondRunHitsActionCacheAcrossProcesses(t *testing.T) {
	store := newTestStore(t)

	graph1 := core.NewGraph()
	tgt1 := genruleTarget("p", "gen", "echo hello > $OUT", []string{"out.txt"})
	graph1.AddTarget(tgt1)
	bctx1, _ := newTestContext(t, graph1, store, cache.NewActionCache(store), 1)
	report1, err := Build(context.Background(), bctx1, []core.TargetID{tgt1.ID})
	require.NoError(t, err)
	require.Equal(t, []core.TargetID{tgt1.ID}, report1.Built)

	graph2 := core.NewGraph()
	tgt2 := genruleTarget("p", "gen", "echo hello > $OUT", []string{"out.txt"})
	graph2.AddTarget(tgt2)
	bctx2, root2 := newTestContext(t, graph2, store, cache.NewActionCache(store), 1)

	report2, err := Build(context.Background(), bctx2, []core.TargetID{tgt2.ID})
	require.NoError(t, err)
	assert.Equal(t, []core.TargetID{tgt2.ID}, report2.Cached)
	assert.Empty(t, report2.Built)

	outPath := filepath.Join(root2, bctx2.Config.Build.OutputDir, "p", "out.txt")
	b, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
}

func TestBuildConfigDigestChangeInvalidatesCache(t *testing.T) {
	store := newTestStore(t)
	actions := cache.NewActionCache(store)

	graph1 := core.NewGraph()
	tgt1 := genruleTarget("p", "gen", "echo hello > $OUT", []string{"out.txt"})
	graph1.AddTarget(tgt1)
	bctx1, _ := newTestContext(t, graph1, store, actions, 1)
	report1, err := Build(context.Background(), bctx1, []core.TargetID{tgt1.ID})
	require.NoError(t, err)
	require.Equal(t, []core.TargetID{tgt1.ID}, report1.Built)

	graph2 := core.NewGraph()
	tgt2 := genruleTarget("p", "gen", "echo hello > $OUT", []string{"out.txt"})
	graph2.AddTarget(tgt2)
	bctx2, _ := newTestContext(t, graph2, store, actions, 1)
	bctx2.Config.Build.Workers = bctx1.Config.Build.Workers + 7

	report2, err := Build(context.Background(), bctx2, []core.TargetID{tgt2.ID})
	require.NoError(t, err)
	assert.Equal(t, []core.TargetID{tgt2.ID}, report2.Built)
	assert.Empty(t, report2.Cached)
}

func TestBuildFailurePropagatesToSkipped(t *testing.T) {
	graph := core.NewGraph()
	dep := genruleTarget("p", "dep", "exit 1", []string{"out.txt"})
	top := genruleTarget("p", "top", "echo hi > $OUT", []string{"top.txt"}, dep.ID)
	graph.AddTarget(dep)
	graph.AddTarget(top)
	require.NoError(t, graph.AddDependency(top.ID, dep.ID))

	store := newTestStore(t)
	actions := cache.NewActionCache(store)
	bctx, _ := newTestContext(t, graph, store, actions, 1)

	report, err := Build(context.Background(), bctx, []core.TargetID{top.ID})
	assert.Error(t, err)
	assert.Equal(t, []core.TargetID{dep.ID}, report.Failed)
	assert.Equal(t, []core.TargetID{top.ID}, report.Skipped)
	assert.Empty(t, report.Built)
}
