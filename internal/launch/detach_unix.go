//go:build !windows

package launch

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the client in its own session so it survives the
// harness exiting and is never reaped by our process-group cleanup.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
