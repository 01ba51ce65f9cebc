//go:build windows

package spawner

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on Windows; process-group termination falls
// back to killing the direct child only.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup terminates pid directly; Windows has no POSIX process
// group semantics to target here.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	if p, err := os.FindProcess(pid); err == nil {
		p.Kill()
	}
}
