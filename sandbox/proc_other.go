//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func configureProcessGroup(*exec.Cmd) {}

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
