//go:build linux

package analyzer

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// On Linux, Pdeathsig ensures the analyzer is killed if the daemon dies
// unexpectedly without calling Close().
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// terminateProcessGroup sends SIGTERM to the entire process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup kills the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
