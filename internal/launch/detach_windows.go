//go:build windows

package launch

import "os/exec"

func detachProcess(cmd *exec.Cmd) {}
