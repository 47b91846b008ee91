//go:build unix && !linux

package assistant

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so
// interrupt and kill reach the CLI's children too. Pdeathsig is
// Linux-only; on other Unixes orphan cleanup relies on explicit kills.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptProcessGroup delivers the interrupt signal to the whole group.
func interruptProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGINT)
}

// killProcessGroup force-kills the whole process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
