//go:build linux
// +build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// wrap builds the re-exec invocation for the sandboxed child. Mount
// namespace changes only take effect for the process that performs them, so
// the parent can't set up the mounts itself after forking with
// CLONE_NEWNS — it has to happen inside the child, which is why the real
// command is wrapped in a self re-exec that runs runSandboxedChild first.
func (e *Executor) wrap(spec HermeticSpec, argv []string) ([]string, []string, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving self path for sandbox re-exec: %w", err)
	}
	payload := reExecPayload{Spec: spec, Argv: argv}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	env := flattenEnv(spec.Env)
	env = append(env, specEnvVar+"="+string(raw))
	return []string{self, reExecArg}, env, nil
}

func flattenEnv(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// runSandboxedChild performs mount/namespace setup for the current process
// (already running inside the new namespaces thanks to SysProcAttr.Cloneflags
// on the parent's exec.Cmd) and then execs over itself into the real
// command. It only returns on error.
func runSandboxedChild(p reExecPayload) error {
	spec := p.Spec

	if err := syscall.Mount("", "/", "", syscall.MS_REC|syscall.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("remounting root private: %w", err)
	}

	if spec.TempDir != "" {
		flags := uintptr(syscall.MS_NOATIME | syscall.MS_NODEV | syscall.MS_NOSUID)
		if err := syscall.Mount("", "/tmp", "tmpfs", flags, ""); err != nil {
			return fmt.Errorf("mounting tmpfs over /tmp: %w", err)
		}
		if err := syscall.Mount(spec.TempDir, "/tmp", "", syscall.MS_BIND, ""); err != nil {
			return fmt.Errorf("binding temp dir: %w", err)
		}
	}

	if err := syscall.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return fmt.Errorf("mounting /proc: %w", err)
	}

	if spec.WorkDir != "" {
		for rel, host := range spec.Inputs {
			dest := filepath.Join(spec.WorkDir, rel)
			info, err := os.Stat(host)
			if err != nil {
				return fmt.Errorf("staging input %s: %w", rel, err)
			}
			if info.IsDir() {
				if err := os.MkdirAll(dest, 0755); err != nil {
					return err
				}
			} else {
				if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
					return err
				}
				if f, err := os.OpenFile(dest, os.O_CREATE, 0644); err == nil {
					f.Close()
				}
			}
			if err := syscall.Mount(host, dest, "", syscall.MS_BIND, ""); err != nil {
				return fmt.Errorf("bind-mounting input %s: %w", rel, err)
			}
			if err := syscall.Mount("", dest, "", syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remounting input %s read-only: %w", rel, err)
			}
		}
		for _, out := range spec.Outputs {
			dest := filepath.Join(spec.WorkDir, out)
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("preparing output dir for %s: %w", out, err)
			}
		}
	}

	if spec.Network != NetworkHost {
		if err := bringUpLoopback(); err != nil {
			return fmt.Errorf("bringing up loopback: %w", err)
		}
	}

	if spec.WorkDir != "" {
		if err := os.Chdir(spec.WorkDir); err != nil {
			return fmt.Errorf("chdir into sandbox workdir: %w", err)
		}
	}

	argv := p.Argv
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	return syscall.Exec(bin, argv, os.Environ())
}

// ifreq mirrors linux's struct ifreq for the flags fields we need; we only
// ever address the loopback interface by name here.
type ifreq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [22]byte
}

// bringUpLoopback brings the loopback interface up inside a fresh network
// namespace, since a brand new netns starts with "lo" down and nothing else
// attached — without this, actions that rely on 127.0.0.1 (tests that
// spawn a local server and client) fail even under NetworkLoopback policy.
func bringUpLoopback() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var ifr ifreq
	copy(ifr.Name[:], "lo")
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCGIFFLAGS, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		return errno
	}
	ifr.Flags |= unix.IFF_UP | unix.IFF_RUNNING
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCSIFFLAGS, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		return errno
	}
	return nil
}
