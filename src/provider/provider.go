// Package provider defines the boundary between the core and the
// language-specific handlers that know how to turn a Target into concrete
// Actions (§6: "Action Provider interface"). The core never branches on a
// target's language beyond using it as a registry lookup key.
package provider

import (
	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/core"
	"github.com/kilnforge/buildcore/src/sandbox"
)

// Action is a single sandboxed command invocation: the minimum cache
// granularity (§2's "Action" entity). A Target may expand to several of
// these; the orchestrator fingerprints and caches all of a target's actions
// together as a single action cache entry.
type Action struct {
	Argv    []string
	Env     map[string]string
	Inputs  []string
	Outputs []string
	// Sandbox, if non-nil, overrides the BuildContext's default HermeticSpec
	// fields for this action only (e.g. a test that needs NetworkLoopback).
	Sandbox *sandbox.HermeticSpec
}

// ActionProvider plans the actions for a target and reports whether a
// previously cached result can still be trusted, exactly as §6 specifies.
type ActionProvider interface {
	Language() core.LanguageTag
	Plan(target *core.Target, ctx *Context) ([]Action, error)
	NeedsRebuild(target *core.Target, ctx *Context) bool
	Outputs(target *core.Target, ctx *Context) []string
}

// Context is the subset of BuildContext an ActionProvider is allowed to
// see: the graph for dependency lookups, the workspace root, and a lookup
// of a dependency's recorded output paths (populated by the orchestrator as
// each dependency finishes) — never the cache or scheduler internals.
type Context struct {
	Graph         *core.Graph
	WorkspaceRoot string
	// Outputs resolves a dependency's TargetID to the output paths it
	// produced. Only meaningful for targets that are already built; the
	// orchestrator's cache check also calls Plan before a target's
	// dependencies have run, and the lookup then reports false for them.
	Outputs func(core.TargetID) ([]string, bool)
}

// Registry maps a LanguageTag to the ActionProvider responsible for it.
// Providers are opaque to the core beyond this interface (§6).
type Registry struct {
	providers map[core.LanguageTag]ActionProvider
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[core.LanguageTag]ActionProvider{}}
}

// Register adds p under its own Language() tag, overwriting any provider
// previously registered for that tag.
func (r *Registry) Register(p ActionProvider) {
	r.providers[p.Language()] = p
}

// Lookup returns the provider registered for lang, or an error if none is.
func (r *Registry) Lookup(lang core.LanguageTag) (ActionProvider, error) {
	p, ok := r.providers[lang]
	if !ok {
		return nil, builderrors.New(builderrors.ConfigInvalid, "no action provider registered for language %q", lang)
	}
	return p, nil
}

// Plan resolves target's provider and plans its actions in one call, the
// shape the orchestrator actually uses.
func (r *Registry) Plan(target *core.Target, ctx *Context) ([]Action, error) {
	p, err := r.Lookup(target.Language)
	if err != nil {
		return nil, err
	}
	actions, err := p.Plan(target, ctx)
	if err != nil {
		return nil, builderrors.Wrap(builderrors.ActionFailed, err, "planning %s", target.ID)
	}
	return actions, nil
}
