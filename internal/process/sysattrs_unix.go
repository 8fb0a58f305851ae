//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places cloudflared in a new process group so stop
// signals reach any helpers it forks.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
