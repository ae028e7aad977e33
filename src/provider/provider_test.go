package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnforge/buildcore/src/core"
)

func TestRegistryLookupMissingLanguageErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("rust")
	assert.Error(t, err)
}

func TestRegistryPlanUsesRegisteredProvider(t *testing.T) {
	r := NewRegistry()
	r.Register(NewGenrule())

	target := &core.Target{
		ID:       core.TargetID{PackageName: "p", Name: "gen"},
		Language: "genrule",
		Config:   GenruleConfig{Command: "echo hi > $OUT", Outputs: []string{"out.txt"}},
	}
	actions, err := r.Plan(target, &Context{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, []string{"out.txt"}, actions[0].Outputs)
}

func noOutputs(core.TargetID) ([]string, bool) { return nil, false }

func TestGenruleExpandsLocationReferences(t *testing.T) {
	depID := core.TargetID{PackageName: "p", Name: "dep"}
	g := NewGenrule()

	target := &core.Target{
		ID:   core.TargetID{PackageName: "p", Name: "gen"},
		Deps: []core.TargetID{depID},
		Config: GenruleConfig{
			Command: "cat $(location //p:dep) > $OUT",
			Outputs: []string{"out.txt"},
		},
	}
	ctx := &Context{Outputs: func(id core.TargetID) ([]string, bool) {
		if id == depID {
			return []string{"p/dep.out"}, true
		}
		return nil, false
	}}
	actions, err := g.Plan(target, ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Contains(t, actions[0].Argv[2], "p/dep.out")
	assert.Contains(t, actions[0].Inputs, "p/dep.out")
}

func TestGenruleRejectsLocationForUndeclaredDependency(t *testing.T) {
	depID := core.TargetID{PackageName: "p", Name: "dep"}
	g := NewGenrule()

	target := &core.Target{
		ID:     core.TargetID{PackageName: "p", Name: "gen"},
		Config: GenruleConfig{Command: "cat $(location //p:dep) > $OUT", Outputs: []string{"out.txt"}},
	}
	ctx := &Context{Outputs: func(id core.TargetID) ([]string, bool) {
		if id == depID {
			return []string{"p/dep.out"}, true
		}
		return nil, false
	}}
	_, err := g.Plan(target, ctx)
	assert.Error(t, err)
}

func TestGenruleRejectsWrongConfigType(t *testing.T) {
	g := NewGenrule()
	target := &core.Target{ID: core.TargetID{PackageName: "p", Name: "gen"}, Config: "not a GenruleConfig"}
	_, err := g.Plan(target, &Context{Outputs: noOutputs})
	assert.Error(t, err)
}
