//go:build !unix

package compiler

import "os/exec"

func startOwnGroup(*exec.Cmd) {}

// killGroup only reaches the compiler itself; children it spawned are left
// to exit on their own.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
