//go:build linux

package agent

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so the
// CLI and everything it spawns can be signalled together. On Linux, Pdeathsig
// additionally kills the child if this process dies without running the
// cancellation ladder.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// interruptProcessGroup sends SIGINT to the entire process group, giving the
// CLI a chance to flush partial output and exit cleanly.
func interruptProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGINT)
}

// killProcessGroup force-kills the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
