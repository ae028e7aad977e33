package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/core"
)

func target(pkg, name string) *core.Target {
	return &core.Target{ID: core.TargetID{PackageName: pkg, Name: name}}
}

// diamond builds a//lib <- a//mid1, a//mid2 <- a//top, a classic diamond
// dependency shape, returning the graph and the top target.
func diamond(t *testing.T) (*core.Graph, core.TargetID) {
	t.Helper()
	g := core.NewGraph()
	lib := target("a", "lib")
	mid1 := target("a", "mid1")
	mid2 := target("a", "mid2")
	top := target("a", "top")
	g.AddTarget(lib)
	g.AddTarget(mid1)
	g.AddTarget(mid2)
	g.AddTarget(top)
	require.NoError(t, g.AddDependency(mid1.ID, lib.ID))
	require.NoError(t, g.AddDependency(mid2.ID, lib.ID))
	require.NoError(t, g.AddDependency(top.ID, mid1.ID))
	require.NoError(t, g.AddDependency(top.ID, mid2.ID))
	return g, top.ID
}

func TestRunBuildsEveryNodeInDiamond(t *testing.T) {
	g, top := diamond(t)
	var built int32
	run := func(ctx context.Context, id core.TargetID) ([]core.OutputEntry, error) {
		atomic.AddInt32(&built, 1)
		return []core.OutputEntry{{Path: id.Name, Digest: "d"}}, nil
	}

	sched := New(g, 2, FailFast)
	report, err := sched.RunWithAction(context.Background(), []core.TargetID{top}, run)
	require.NoError(t, err)
	assert.Equal(t, int32(4), built)
	assert.Len(t, report.Built, 4)
	assert.Empty(t, report.Failed)
	assert.Empty(t, report.Blocked)

	for _, id := range []core.TargetID{
		{PackageName: "a", Name: "lib"}, {PackageName: "a", Name: "mid1"},
		{PackageName: "a", Name: "mid2"}, {PackageName: "a", Name: "top"},
	} {
		assert.Equal(t, core.Success, g.Node(id).Status())
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	g, top := diamond(t)
	var libDoneBeforeMid1, libDoneBeforeMid2 bool
	libDone := make(chan struct{})
	run := func(ctx context.Context, id core.TargetID) ([]core.OutputEntry, error) {
		if id.Name == "lib" {
			close(libDone)
		} else if id.Name == "mid1" || id.Name == "mid2" {
			select {
			case <-libDone:
				if id.Name == "mid1" {
					libDoneBeforeMid1 = true
				} else {
					libDoneBeforeMid2 = true
				}
			case <-time.After(time.Second):
				t.Errorf("%s ran before lib finished", id)
			}
		}
		return nil, nil
	}

	sched := New(g, 3, FailFast)
	_, err := sched.RunWithAction(context.Background(), []core.TargetID{top}, run)
	require.NoError(t, err)
	assert.True(t, libDoneBeforeMid1)
	assert.True(t, libDoneBeforeMid2)
}

func TestRunFailFastBlocksDependents(t *testing.T) {
	g, top := diamond(t)
	run := func(ctx context.Context, id core.TargetID) ([]core.OutputEntry, error) {
		if id.Name == "lib" {
			return nil, builderrors.New(builderrors.ActionFailed, "boom")
		}
		return nil, nil
	}

	sched := New(g, 2, FailFast)
	report, err := sched.RunWithAction(context.Background(), []core.TargetID{top}, run)
	require.Error(t, err)
	assert.Len(t, report.Failed, 1)
	assert.Equal(t, "lib", report.Failed[0].Name)
	assert.ElementsMatch(t, []string{"mid1", "mid2", "top"}, namesOf(report.Blocked))
}

func TestRunResilientAggregatesIndependentFailures(t *testing.T) {
	g := core.NewGraph()
	a := target("p", "a")
	b := target("p", "b")
	g.AddTarget(a)
	g.AddTarget(b)

	run := func(ctx context.Context, id core.TargetID) ([]core.OutputEntry, error) {
		return nil, errors.New("always fails")
	}

	sched := New(g, 2, Resilient)
	report, err := sched.RunWithAction(context.Background(), []core.TargetID{a.ID, b.ID}, run)
	require.Error(t, err)
	assert.Len(t, report.Failed, 2)
	assert.Equal(t, 2, report.Errors.Len())
}

func TestRunRetriesTransientErrorsThenSucceeds(t *testing.T) {
	g := core.NewGraph()
	a := target("p", "a")
	g.AddTarget(a)

	var attempts int32
	run := func(ctx context.Context, id core.TargetID) ([]core.OutputEntry, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, builderrors.New(builderrors.NetworkError, "transient")
		}
		return nil, nil
	}

	sched := New(g, 1, FailFast)
	report, err := sched.RunWithAction(context.Background(), []core.TargetID{a.ID}, run)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts)
	assert.Len(t, report.Built, 1)
}

func TestRunNoOpOnEmptyClosure(t *testing.T) {
	g := core.NewGraph()
	sched := New(g, 2, FailFast)
	report, err := sched.RunWithAction(context.Background(), nil, func(context.Context, core.TargetID) ([]core.OutputEntry, error) {
		t.Fatal("should never be called")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Empty(t, report.Built)
}

func TestQueueObserverSeesNonzeroDepthDuringSeed(t *testing.T) {
	g, top := diamond(t)
	var depths []int
	sched := New(g, 1, FailFast)
	sched.SetQueueObserver(func(d int) { depths = append(depths, d) })

	run := func(ctx context.Context, id core.TargetID) ([]core.OutputEntry, error) { return nil, nil }
	_, err := sched.RunWithAction(context.Background(), []core.TargetID{top}, run)
	require.NoError(t, err)
	require.NotEmpty(t, depths)
	assert.NotZero(t, depths[0])
}

func namesOf(ids []core.TargetID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Name
	}
	return out
}
