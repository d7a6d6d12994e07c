// Package target resolves and describes the process being profiled.
package target

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/coral-mesh/traceme/internal/retry"
)

// ErrNotFound is returned when no process matches.
var ErrNotFound = errors.New("target process not found")

// Info describes a target process. Fields that could not be read are empty.
type Info struct {
	PID        int       `json:"pid"`
	Name       string    `json:"name"`
	Exe        string    `json:"exe,omitempty"`
	Cmdline    string    `json:"cmdline,omitempty"`
	Username   string    `json:"username,omitempty"`
	CreateTime time.Time `json:"create_time,omitempty"`
	// Self is true when the target is the sidecar process.
	Self bool `json:"self"`
}

func (i Info) String() string {
	if i.Name == "" {
		return fmt.Sprintf("pid %d", i.PID)
	}
	return fmt.Sprintf("%s (pid %d)", i.Name, i.PID)
}

// Resolve picks the target pid. A port wins over a pid; with neither set the
// sidecar profiles itself.
func Resolve(ctx context.Context, pid, port int) (int, error) {
	switch {
	case port > 0:
		return FindByPort(ctx, port)
	case pid > 0:
		ok, err := process.PidExistsWithContext(ctx, int32(pid))
		if err != nil {
			return 0, fmt.Errorf("failed to check pid %d: %w", pid, err)
		}
		if !ok {
			return 0, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
		}
		return pid, nil
	default:
		return os.Getpid(), nil
	}
}

// FindByPort returns the pid of the process listening on TCP port.
func FindByPort(ctx context.Context, port int) (int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, fmt.Errorf("failed to list connections: %w", err)
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port && c.Pid > 0 {
			return int(c.Pid), nil
		}
	}
	return 0, fmt.Errorf("no listener on port %d: %w", port, ErrNotFound)
}

var listenerBackoff = retry.Config{
	MaxRetries:     math.MaxInt32,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Jitter:         0.1,
}

// WaitForListener polls FindByPort until a process listens on port or wait
// elapses. A sidecar usually starts before the application it profiles.
func WaitForListener(ctx context.Context, port int, wait time.Duration) (int, error) {
	if wait <= 0 {
		return FindByPort(ctx, port)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var pid int
	err := retry.Do(ctx, listenerBackoff, func() error {
		p, err := FindByPort(ctx, port)
		pid = p
		return err
	}, func(err error) bool { return errors.Is(err, ErrNotFound) })
	if err != nil {
		return 0, fmt.Errorf("no listener on port %d after %s: %w", port, wait, ErrNotFound)
	}
	return pid, nil
}

// Describe gathers what is known about pid.
func Describe(ctx context.Context, pid int) (Info, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Info{PID: pid}, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}

	info := Info{PID: pid, Self: pid == os.Getpid()}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		info.Exe = exe
	}
	if cmd, err := p.CmdlineWithContext(ctx); err == nil {
		info.Cmdline = cmd
	}
	if user, err := p.UsernameWithContext(ctx); err == nil {
		info.Username = user
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		info.CreateTime = time.UnixMilli(ms)
	}
	return info, nil
}
