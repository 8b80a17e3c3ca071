//go:build unix && !linux

package analyzer

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// Pdeathsig is Linux-specific; on other unix platforms orphan cleanup
// relies on explicit Close() calls.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the entire process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup kills the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
