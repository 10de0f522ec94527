//go:build unix

package mcp

import (
	"os"
	"os/exec"
	"syscall"
)

// detach starts the subprocess in its own process group so Close can
// kill launcher wrappers (npx, uvx, sh -c) together with their children.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree kills the process group led by p, falling back to p alone.
func killTree(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
