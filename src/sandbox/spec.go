// Package sandbox implements hermetic, deterministic execution of build
// actions: filesystem isolation so an action can only see its declared
// inputs, network isolation by default, and resource accounting layered on
// top of the process package's subprocess primitives.
package sandbox

import (
	"time"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("sandbox")

// NetworkPolicy controls what network access a sandboxed action gets.
type NetworkPolicy string

const (
	// NetworkNone gives the action its own network namespace with only a
	// loopback interface — no route to the outside world. This is the
	// default for every action unless it opts into NetworkLoopback or
	// NetworkHost.
	NetworkNone NetworkPolicy = "none"
	// NetworkLoopback is like NetworkNone but documents that the action
	// specifically relies on talking to itself over 127.0.0.1 (e.g. a test
	// that spins up a local server and a client in the same process tree).
	NetworkLoopback NetworkPolicy = "loopback"
	// NetworkHost gives the action the host's network namespace. Reserved
	// for actions explicitly marked as needing outside network access;
	// using it forfeits the network-determinism guarantee.
	NetworkHost NetworkPolicy = "host"
)

// ResourceLimits describes what a sandboxed action may consume. A zero value
// means "no limit" for that dimension. Only MaxWallTime is applied, by
// Executor.Run; MaxCPUTime, MaxRSSBytes and MaxOpenFiles are not enforced.
type ResourceLimits struct {
	MaxWallTime  time.Duration
	MaxCPUTime   time.Duration
	MaxRSSBytes  uint64
	MaxOpenFiles uint64
}

// HermeticSpec describes the isolation an action needs. It's the sandbox
// package's equivalent of the teacher's ad-hoc SandboxConfig, expanded to
// cover filesystem staging as well as namespaces.
type HermeticSpec struct {
	// WorkDir is the directory the action should believe is its cwd; on
	// platforms with mount isolation this is bind-mounted in from Inputs.
	WorkDir string
	// Inputs maps paths the sandboxed process should see (relative to
	// WorkDir) to their real locations on the host filesystem.
	Inputs map[string]string
	// Outputs are paths (relative to WorkDir) the action is expected to
	// produce; anything else written under WorkDir is left in place, not
	// removed, when the action completes.
	Outputs []string
	// TempDir is bind-mounted over /tmp inside the sandbox so scratch
	// files never leak between actions or outlive them.
	TempDir string
	Env     map[string]string

	Network     NetworkPolicy
	Fakeroot    bool
	Limits      ResourceLimits
	Foreground  bool
}

// Result carries what came out of a hermetic execution.
type Result struct {
	Stdout, Stderr []byte
	ExitCode       int
	WallTime       time.Duration
}
