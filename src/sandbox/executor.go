package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kilnforge/buildcore/src/process"
)

// reExecArg is argv[1] we look for in MaybeReExecSandboxInit to recognise
// that this process invocation is the sandboxed child re-exec, not a normal
// run of the binary.
const reExecArg = "__buildcore_sandbox_init__"

// specEnvVar carries the JSON-encoded reExecPayload across the re-exec, since
// the child's argv is fixed to just {self, reExecArg}.
const specEnvVar = "BUILDCORE_SANDBOX_SPEC"

// reExecPayload is what the parent hands the re-exec'd child over specEnvVar.
type reExecPayload struct {
	Spec HermeticSpec
	Argv []string
}

// Executor runs actions under a HermeticSpec, built on top of process.Executor
// for the actual subprocess lifecycle (timeouts, signal-based kill, output
// capture) and adding namespace/mount isolation where the platform allows it.
type Executor struct {
	proc *process.Executor
	// isolate controls whether Run wraps argv in the self re-exec/namespace
	// dance at all. NewLocalExecutor sets this false, the same way the
	// teacher's process.New() opts out of sandboxing entirely rather than
	// asking for it and getting none on an unprivileged host.
	isolate bool
}

// NewExecutor creates an Executor that applies namespace sandboxing to
// every action it runs.
func NewExecutor() *Executor {
	return &Executor{proc: process.NewSandboxingExecutor(true, process.NamespaceSandbox, ""), isolate: true}
}

// NewLocalExecutor creates an Executor that runs actions directly, with no
// mount/network namespace isolation: the same degraded mode the teacher
// falls back to on platforms or hosts where namespacing isn't available.
// Intended for environments without CLONE_NEWNS privileges (test harnesses,
// restricted containers) and for NeedsRebuild-only dry runs.
func NewLocalExecutor() *Executor {
	return &Executor{proc: process.New(), isolate: false}
}

// Run executes argv under the isolation described by spec, waiting up to
// spec.Limits.MaxWallTime (or 24h if unset) before killing it.
func (e *Executor) Run(ctx context.Context, spec HermeticSpec, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty argv")
	}
	var wrapped, env []string
	var err error
	sandboxCfg := process.NoSandbox
	if e.isolate {
		wrapped, env, err = e.wrap(spec, argv)
		if err != nil {
			return nil, fmt.Errorf("sandbox: preparing isolation: %w", err)
		}
		sandboxCfg = process.NewSandboxConfig(spec.Network == NetworkNone || spec.Network == NetworkLoopback, true)
		sandboxCfg.Fakeroot = spec.Fakeroot
	} else {
		wrapped = argv
		env = flattenEnv(spec.Env)
	}

	timeout := spec.Limits.MaxWallTime
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	start := time.Now()
	stdout, stderr, err := e.proc.ExecWithTimeout(ctx, nil, spec.WorkDir, env, timeout, false, false, false, spec.Foreground, sandboxCfg, wrapped)
	return &Result{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode(err),
		WallTime: time.Since(start),
	}, err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	type exitStatuser interface{ ExitCode() int }
	if ee, ok := err.(exitStatuser); ok {
		return ee.ExitCode()
	}
	return -1
}

// MaybeReExecSandboxInit checks whether this process invocation is the
// re-exec'd sandbox child (argv[1] == reExecArg) and, if so, performs
// platform-specific mount/namespace setup and execs the real command —
// never returning. cmd/buildcore's main() calls this before doing anything
// else so the re-exec hop is transparent to the rest of the program.
func MaybeReExecSandboxInit() {
	if len(os.Args) < 2 || os.Args[1] != reExecArg {
		return
	}
	raw := os.Getenv(specEnvVar)
	if raw == "" {
		fmt.Fprintln(os.Stderr, "sandbox: missing", specEnvVar)
		os.Exit(125)
	}
	var payload reExecPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox: decoding spec:", err)
		os.Exit(125)
	}
	if err := runSandboxedChild(payload); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox:", err)
		os.Exit(125)
	}
	// runSandboxedChild only returns on error; success execs over this process.
}
