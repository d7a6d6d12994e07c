//go:build unix

package capture

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// startInOwnGroup puts the child in a fresh process group so the whole tree
// can be signalled at once.
func startInOwnGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killTree SIGKILLs the process group led by pid, then any descendants that
// left the group.
func killTree(pid int) error {
	stragglers := descendants(pid)

	var errs []error
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, err)
	}
	killAll(stragglers)
	return errors.Join(errs...)
}

// exitStatus maps a finished process to an exit code. Signal deaths become
// 128+signal so they are never confused with the -1 "never started" sentinel.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
