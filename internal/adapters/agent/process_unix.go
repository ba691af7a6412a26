//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcAttr sets up process group isolation so child processes
// can be signaled as a group.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// handle wraps a started command for group termination.
type handle struct {
	cmd *exec.Cmd
}

// kill sends SIGKILL to the whole process group. Agents spawn tool
// subprocesses freely; killing only the leader leaves orphans writing
// into the worktree.
func (h *handle) kill() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	pid := h.cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Process already exited.
		return nil
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// gracefulKill sends SIGTERM to the process group, waits for the grace
// period, then escalates to SIGKILL.
func (h *handle) gracefulKill(grace time.Duration, done <-chan struct{}) {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(h.cmd.Process.Pid)
	if err != nil {
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
