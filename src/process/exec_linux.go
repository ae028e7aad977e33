//go:build linux
// +build linux

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// ExecCommand builds the *exec.Cmd for a subprocess, applying Linux
// namespace isolation according to sandbox. We always set Pdeathsig so a
// child never outlives us, and Setpgid so KillProcess can signal the whole
// group; foreground processes (e.g. `plz unshare`) keep their own pgid so
// terminal signal delivery keeps working.
func (e *Executor) ExecCommand(sandbox SandboxConfig, foreground bool, command string, args ...string) *exec.Cmd {
	cmd := exec.Command(command, args...)
	attr := &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGHUP,
		Setpgid:   !foreground,
	}
	if e.namespace != NamespaceNever {
		var flags uintptr
		if sandbox.Mount {
			flags |= syscall.CLONE_NEWNS
		}
		if sandbox.Network {
			flags |= syscall.CLONE_NEWNET | syscall.CLONE_NEWUTS
		}
		if sandbox.Fakeroot {
			flags |= syscall.CLONE_NEWUSER
			attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
			attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
		}
		attr.Cloneflags = flags
	}
	cmd.SysProcAttr = attr
	return cmd
}

// Kill sends sig to the process with the given pid.
func Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
