// Package determinism implements the enforcement half of component C5: a
// static detector that flags missing determinism compiler flags, and a
// verifier that re-runs an action and compares its outputs by one of four
// strategies (content-hash, bitwise, fuzzy, structural).
package determinism

import (
	"path/filepath"
	"strings"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("determinism")

// Priority ranks how much a missing determinism flag matters.
type Priority int

const (
	Low Priority = iota
	Medium
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "Critical"
	case High:
		return "High"
	case Medium:
		return "Medium"
	default:
		return "Low"
	}
}

// Finding is one missing-flag report from the detector.
type Finding struct {
	Compiler string
	Flag     string
	Priority Priority
	Fix      string
}

// compilerRule describes one compiler's determinism-relevant flags: which
// argv basenames it matches, and for each required flag, how to detect its
// presence (exact token or prefix) and what to say if it's missing.
type compilerRule struct {
	names []string
	flags []flagRule
}

type flagRule struct {
	// prefix is matched against argv tokens with strings.HasPrefix; an
	// empty prefix (flag present in any form) is never valid, every rule
	// names at least one concrete prefix.
	prefix   string
	priority Priority
	fix      string
}

// rules is the table of known compilers. It's deliberately small and
// explicit rather than data-driven from an external file: SPEC_FULL.md
// scopes this to "a table of known compilers", not a pluggable registry.
var rules = []compilerRule{
	{
		names: []string{"gcc", "cc", "g++", "c++"},
		flags: []flagRule{
			{prefix: "-frandom-seed", priority: Critical, fix: "pass -frandom-seed=<fingerprint> so template instantiation order and mangled names with internal counters stay stable"},
			{prefix: "-ffile-prefix-map", priority: High, fix: "pass -ffile-prefix-map=<sandbox-dir>=<canonical-dir> so embedded debug paths don't vary by build location"},
			{prefix: "-fdebug-prefix-map", priority: Medium, fix: "pass -fdebug-prefix-map for the same reason as -ffile-prefix-map on older toolchains without the unified flag"},
		},
	},
	{
		names: []string{"clang", "clang++"},
		flags: []flagRule{
			{prefix: "-ffile-prefix-map", priority: High, fix: "pass -ffile-prefix-map=<sandbox-dir>=<canonical-dir> so embedded debug paths don't vary by build location"},
			{prefix: "-no-canonical-prefixes", priority: Low, fix: "pass -no-canonical-prefixes to avoid embedding a resolved absolute toolchain path"},
		},
	},
	{
		names: []string{"rustc"},
		flags: []flagRule{
			{prefix: "--remap-path-prefix", priority: High, fix: "pass --remap-path-prefix=<sandbox-dir>=<canonical-dir> so embedded source paths don't vary by build location"},
			{prefix: "-Cmetadata", priority: Critical, fix: "pass -Cmetadata=<fingerprint> (or -C metadata=<fingerprint>) so symbol hashes don't depend on the absolute build path"},
		},
	},
	{
		names: []string{"go", "compile", "link"},
		flags: []flagRule{
			{prefix: "-trimpath", priority: Critical, fix: "pass -trimpath (go build/install) or -trimpath to the compiler so embedded GOPATH/module-cache paths don't vary by build location"},
		},
	},
}

// Detect inspects argv — the full command line of a single action — and
// reports determinism flags its compiler is missing. The base name of
// argv[0] selects which compiler's rule set applies (wrapper commands are
// not looked through); an unrecognised command returns no findings,
// not an error, since most actions aren't compiler invocations at all.
func Detect(argv []string) []Finding {
	if len(argv) == 0 {
		return nil
	}
	rule, ok := matchCompiler(argv)
	if !ok {
		return nil
	}
	var findings []Finding
	for _, fr := range rule.flags {
		if !anyTokenHasPrefix(argv, fr.prefix) {
			findings = append(findings, Finding{
				Compiler: filepath.Base(argv[0]),
				Flag:     fr.prefix,
				Priority: fr.priority,
				Fix:      fr.fix,
			})
		}
	}
	return findings
}

func matchCompiler(argv []string) (compilerRule, bool) {
	base := strings.TrimSuffix(filepath.Base(argv[0]), filepath.Ext(argv[0]))
	// "go build"/"go install"/"go test" invocations name the compiler as
	// argv[0]="go", not as one of the rule names directly.
	if base == "go" && len(argv) > 1 {
		switch argv[1] {
		case "build", "install", "test":
			base = "go"
		}
	}
	for _, r := range rules {
		for _, n := range r.names {
			if base == n {
				return r, true
			}
		}
	}
	return compilerRule{}, false
}

func anyTokenHasPrefix(argv []string, prefix string) bool {
	for _, tok := range argv {
		if strings.HasPrefix(tok, prefix) {
			return true
		}
	}
	return false
}
