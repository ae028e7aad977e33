// Package core implements the build graph's data model: targets, the
// runtime node wrapper around them, the dependency graph itself, and cycle
// detection over it. It corresponds to components C4 (dependency graph) of
// the design, plus the Target/Node types shared by every other component.
package core

import (
	"fmt"
	"strings"
)

// A TargetID uniquely identifies a target within a workspace: a workspace
// path (the "package") plus a name, e.g. //services/auth:server. Unlike the
// teacher's BuildLabel, there is no subrepo concept here — multi-repo
// composition is a config-layer concern the core doesn't need to know about.
type TargetID struct {
	PackageName string
	Name        string
}

// String renders a TargetID in //pkg:name form.
func (id TargetID) String() string {
	if id.PackageName == "" {
		return ":" + id.Name
	}
	return "//" + id.PackageName + ":" + id.Name
}

// ParseTargetID parses a //pkg:name identifier. It does not resolve relative
// forms (:name) since the core always deals in fully-resolved identifiers;
// that expansion is the config layer's job.
func ParseTargetID(s string) (TargetID, error) {
	if !strings.HasPrefix(s, "//") {
		return TargetID{}, fmt.Errorf("target identifier %q must start with //", s)
	}
	rest := s[2:]
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return TargetID{}, fmt.Errorf("target identifier %q is missing a :name component", s)
	}
	return TargetID{PackageName: rest[:idx], Name: rest[idx+1:]}, nil
}

// Less provides the lexicographic ordering used to break topological-sort
// ties deterministically (§4.4): by package name, then by target name.
func (id TargetID) Less(other TargetID) bool {
	if id.PackageName != other.PackageName {
		return id.PackageName < other.PackageName
	}
	return id.Name < other.Name
}

// TargetIDs is a sortable slice of TargetID, ordered per Less.
type TargetIDs []TargetID

func (t TargetIDs) Len() int           { return len(t) }
func (t TargetIDs) Less(i, j int) bool { return t[i].Less(t[j]) }
func (t TargetIDs) Swap(i, j int)      { t[i], t[j] = t[j], t[i] }

func (t TargetIDs) String() string {
	parts := make([]string, len(t))
	for i, id := range t {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
