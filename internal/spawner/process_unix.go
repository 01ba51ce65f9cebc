//go:build !windows

package spawner

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so a terminate
// can reach any subprocesses it spawns, not just the CLI itself.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGTERM to the process group rooted at pid.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	unix.Kill(-pid, syscall.SIGTERM)
}
