//go:build !windows

package tools

import (
	"os/exec"
	"syscall"
)

// openNoFollow refuses to open a path whose leaf is a symlink.
const openNoFollow = syscall.O_NOFOLLOW

// setProcessGroup starts the command in its own process group and kills the
// whole group on cancellation, so background children die with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
