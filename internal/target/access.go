package target

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// capSysPtrace is the CAP_SYS_PTRACE bit from linux/capability.h.
const capSysPtrace = 19

// Access summarizes whether the sidecar can attach to a target.
type Access struct {
	// SameUser is true when the target runs as the sidecar's user.
	SameUser bool
	// Ptrace is true when the sidecar holds CAP_SYS_PTRACE.
	Ptrace bool
}

// Sufficient reports whether attaching is expected to work.
func (a Access) Sufficient() bool {
	return a.SameUser || a.Ptrace
}

// CheckAccess inspects the sidecar's privileges against info. Unknown values
// are reported as sufficient so callers only warn on evidence.
func CheckAccess(info Info) Access {
	if info.Self {
		return Access{SameUser: true}
	}
	a := Access{SameUser: true}
	if info.Username != "" {
		if me, err := user.Current(); err == nil {
			a.SameUser = me.Username == info.Username
		}
	}
	a.Ptrace = hasPtrace()
	return a
}

func hasPtrace() bool {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return true
	}
	defer f.Close() // nolint:errcheck

	mask, err := capabilityMask(f, "CapEff")
	if err != nil {
		return true
	}
	return mask&(1<<capSysPtrace) != 0
}

// capabilityMask reads a "Name:\t<hex>" line from a proc status file.
func capabilityMask(r io.Reader, name string) (uint64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, name+":") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("invalid %s line: %q", name, line)
		}
		mask, err := strconv.ParseUint(fields[1], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		return mask, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s not found", name)
}
