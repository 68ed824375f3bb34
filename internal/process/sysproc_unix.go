//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the agent in its own process group so Kill also
// reaches any helpers it forks that share its stdout.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
