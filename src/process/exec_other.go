//go:build !linux
// +build !linux

package process

import (
	"os/exec"
	"syscall"
)

// ExecCommand executes an external command. Namespace isolation isn't
// available off Linux, so sandbox is accepted for signature parity but
// otherwise ignored here, and the sandbox package applies no further
// isolation on these platforms either.
func (e *Executor) ExecCommand(sandbox SandboxConfig, foreground bool, command string, args ...string) *exec.Cmd {
	cmd := exec.Command(command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: !foreground,
	}
	return cmd
}
