//go:build windows

package agent

import (
	"os/exec"
	"time"
)

// configureProcAttr is a no-op on Windows (Setpgid not supported).
func configureProcAttr(_ *exec.Cmd) {}

// handle wraps a started command for termination.
type handle struct {
	cmd *exec.Cmd
}

// kill falls back to Process.Kill on Windows.
func (h *handle) kill() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// gracefulKill has no SIGTERM equivalent here; kill immediately.
func (h *handle) gracefulKill(_ time.Duration, _ <-chan struct{}) {
	_ = h.kill()
}
