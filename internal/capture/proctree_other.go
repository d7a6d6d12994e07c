//go:build !unix

package capture

import (
	"errors"
	"os"
	"os/exec"
)

func startInOwnGroup(*exec.Cmd) {}

// killTree kills the descendants of pid and then pid itself.
func killTree(pid int) error {
	killAll(descendants(pid))
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	code := ps.ExitCode()
	if code == -1 {
		return 1
	}
	return code
}
