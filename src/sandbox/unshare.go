package sandbox

import (
	"fmt"
	"os"
	"strings"

	"github.com/kilnforge/buildcore/src/process"
)

// Unshare runs the given program attached to this process's stdin/out/err
// inside a fresh set of namespaces, without any of the input/output staging
// a real action gets. It's a debugging aid for poking around inside what a
// build action would see — `buildcore unshare bash` opens a shell as a
// fake-root user in an isolated mount/network namespace.
func Unshare(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("unshare: no command given")
	}
	e := process.NewSandboxingExecutor(true, process.NamespaceAlways, "")
	cfg := process.NewSandboxConfig(true, true)
	cfg.Fakeroot = true
	cmd := e.ExecCommand(cfg, true, args[0], args[1:]...)

	cmd.Stdout = os.Stdout
	cmd.Stdin = os.Stdin
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to run '%s': %w", strings.Join(args, " "), err)
	}
	return nil
}
