package core

// LanguageTag names the Action Provider that understands a given target.
// The core treats it purely as an opaque lookup key into the provider
// registry (§6); it never branches on language itself.
type LanguageTag string

// A Target is the immutable descriptor produced by the (out-of-scope) config
// layer. It is created at graph-build time and referenced read-only for the
// remainder of the build — nothing in the core mutates a Target after it has
// been added to the graph.
type Target struct {
	ID TargetID
	// Sources this target declares, as workspace-relative paths. These are
	// not necessarily the same as an Action's declared inputs: a target may
	// compile down to several actions with narrower input sets.
	Sources []string
	// Deps are the target identifiers this target declares a dependency on.
	// They need not all resolve when the target is added (AddTarget does not
	// check them, and AddDependency records an edge only once both ends
	// exist, see graph.go) but must all resolve by the time the graph is
	// validated.
	Deps []TargetID
	// Language selects the ActionProvider responsible for planning this
	// target's actions.
	Language LanguageTag
	// Config is an opaque payload forwarded verbatim to the ActionProvider;
	// the core never inspects its contents.
	Config interface{}
}

// Status is the runtime state of a Node in the build DFA (§3):
//
//	Pending -> Ready -> Building -> {Success, Failed}
//	Ready -> Cached
//
// plus the forced jump to Blocked (see markBlocked). No other transition is
// legal; the Node mark* methods enforce this with compare-and-swap.
type Status int32

const (
	Pending Status = iota
	Ready
	Building
	Success
	Cached
	Failed
	// Blocked is not part of the core DFA proper but marks a node whose
	// build was never attempted because a dependency failed (§4.6).
	Blocked
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case Building:
		return "Building"
	case Success:
		return "Success"
	case Cached:
		return "Cached"
	case Failed:
		return "Failed"
	case Blocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// IsDone reports whether s is a terminal status — one after which the
// scheduler will never touch the node again.
func (s Status) IsDone() bool {
	switch s {
	case Success, Cached, Failed, Blocked:
		return true
	default:
		return false
	}
}

// IsBuilt reports whether s counts as a satisfied dependency for the
// purposes of a dependent's readiness check (§3: Pending -> Ready requires
// all deps in {Success, Cached}).
func (s Status) IsBuilt() bool {
	return s == Success || s == Cached
}
