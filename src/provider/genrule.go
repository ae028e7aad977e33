package provider

import (
	"regexp"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/core"
)

// GenruleConfig is the Target.Config payload the genrule provider expects:
// a single shell command, with $(location //pkg:name) substitutions
// referring to one of the target's own declared Deps, expanded to that
// dependency's first output path before the command runs.
type GenruleConfig struct {
	Command string
	Outputs []string
}

var locationRe = regexp.MustCompile(`\$\(location ([^)]+)\)`)

// Genrule is the catch-all ActionProvider for targets whose build step is an
// arbitrary shell command, the provider every other language handler is a
// specialisation of — mirroring the teacher's genrule command substitution
// (src/build/command_replacements.go) without the rest of its build-rule
// machinery, since parsing/rule definition is out of scope here.
type Genrule struct{}

// NewGenrule returns a Genrule provider. It holds no state of its own: a
// genrule's $(location) references are resolved through ctx.Outputs at Plan
// time, so the same provider instance is safe to register once and reuse
// across every Build call.
func NewGenrule() *Genrule {
	return &Genrule{}
}

func (g *Genrule) Language() core.LanguageTag { return "genrule" }

func (g *Genrule) Plan(target *core.Target, ctx *Context) ([]Action, error) {
	cfg, ok := target.Config.(GenruleConfig)
	if !ok {
		return nil, builderrors.New(builderrors.ConfigInvalid, "target %s: Config is not a GenruleConfig", target.ID)
	}
	command, inputs, err := expandLocations(target, cfg.Command, ctx)
	if err != nil {
		return nil, err
	}
	return []Action{{
		Argv:    []string{"sh", "-c", command},
		Inputs:  append(append([]string{}, target.Sources...), inputs...),
		Outputs: cfg.Outputs,
	}}, nil
}

func (g *Genrule) NeedsRebuild(target *core.Target, ctx *Context) bool {
	return true
}

func (g *Genrule) Outputs(target *core.Target, ctx *Context) []string {
	if cfg, ok := target.Config.(GenruleConfig); ok {
		return cfg.Outputs
	}
	return nil
}

// expandLocations replaces every $(location //pkg:name) in command with the
// first output path ctx.Outputs has recorded for that dependency, and
// collects every referenced output path as an extra declared input.
func expandLocations(target *core.Target, command string, ctx *Context) (string, []string, error) {
	var extraInputs []string
	var expandErr error
	expanded := locationRe.ReplaceAllStringFunc(command, func(match string) string {
		ref := locationRe.FindStringSubmatch(match)[1]
		depID, err := core.ParseTargetID(ref)
		if err != nil {
			expandErr = builderrors.Wrap(builderrors.ConfigInvalid, err, "target %s: bad $(location) reference %q", target.ID, ref)
			return match
		}
		if !dependsOn(target, depID) {
			expandErr = builderrors.New(builderrors.ConfigInvalid, "target %s: $(location %s) is not a declared dependency", target.ID, ref)
			return match
		}
		if ctx == nil || ctx.Outputs == nil {
			expandErr = builderrors.New(builderrors.Internal, "target %s: no output resolver available for $(location %s)", target.ID, ref)
			return match
		}
		outs, ok := ctx.Outputs(depID)
		if !ok || len(outs) == 0 {
			expandErr = builderrors.New(builderrors.ConfigInvalid, "target %s: no recorded outputs for dependency %s", target.ID, ref)
			return match
		}
		extraInputs = append(extraInputs, outs[0])
		return outs[0]
	})
	if expandErr != nil {
		return "", nil, expandErr
	}
	return expanded, extraInputs, nil
}

func dependsOn(target *core.Target, dep core.TargetID) bool {
	for _, d := range target.Deps {
		if d == dep {
			return true
		}
	}
	return false
}
