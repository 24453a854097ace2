//go:build unix

package compiler

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// startOwnGroup puts the compiler in a fresh process group so that
// killGroup reaches everything it spawned.
func startOwnGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
