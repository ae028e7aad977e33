package main

import (
	"encoding/json"
	"os"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/core"
	"github.com/kilnforge/buildcore/src/provider"
)

// manifestTarget is one entry of the target manifest this binary reads, the
// thinnest possible stand-in for the build-file DSL §6 explicitly places out
// of scope: a flat JSON list of already-resolved targets rather than a
// package-relative rule language. Only the genrule shape is understood,
// matching the one ActionProvider registered in newProviderRegistry.
type manifestTarget struct {
	Package string   `json:"package"`
	Name    string   `json:"name"`
	Deps    []string `json:"deps"`
	Sources []string `json:"sources"`
	Genrule *struct {
		Command string   `json:"command"`
		Outputs []string `json:"outputs"`
	} `json:"genrule"`
}

// loadManifest reads a JSON target manifest from path and builds the
// corresponding graph. It is a CLI-level convenience, not a replacement for
// the (out-of-scope) parser: every target's Config is a concrete provider
// payload decided here, not an opaque RepositoryRule forwarded untouched.
func loadManifest(path string) (*core.Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, builderrors.Wrap(builderrors.ConfigInvalid, err, "reading manifest %s", path)
	}
	var entries []manifestTarget
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, builderrors.Wrap(builderrors.ConfigInvalid, err, "parsing manifest %s", path)
	}

	graph := core.NewGraph()
	for _, e := range entries {
		if e.Genrule == nil {
			return nil, builderrors.New(builderrors.ConfigInvalid, "target %s:%s has no known rule; only genrule is supported", e.Package, e.Name)
		}
		target := &core.Target{
			ID:       core.TargetID{PackageName: e.Package, Name: e.Name},
			Sources:  e.Sources,
			Language: "genrule",
			Config: provider.GenruleConfig{
				Command: e.Genrule.Command,
				Outputs: e.Genrule.Outputs,
			},
		}
		for _, d := range e.Deps {
			depID, err := core.ParseTargetID(d)
			if err != nil {
				return nil, builderrors.Wrap(builderrors.ConfigInvalid, err, "target %s dep", target.ID)
			}
			target.Deps = append(target.Deps, depID)
		}
		graph.AddTarget(target)
	}
	// Edges are added in a second pass so forward references within the
	// manifest (a target listing a dep declared later in the file) resolve
	// the same as backward ones.
	for _, node := range graph.AllNodes() {
		for _, dep := range node.Target.Deps {
			if err := graph.AddDependency(node.Target.ID, dep); err != nil {
				return nil, err
			}
		}
	}
	return graph, nil
}
