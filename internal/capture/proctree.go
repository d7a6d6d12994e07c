package capture

import (
	"github.com/shirou/gopsutil/v4/process"
)

const maxTreeDepth = 16

// descendants lists every live descendant of pid, deepest last. Lookup errors
// just end the walk; the caller is already tearing the tree down.
func descendants(pid int) []*process.Process {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}

	var out []*process.Process
	level := []*process.Process{root}
	for depth := 0; depth < maxTreeDepth && len(level) > 0; depth++ {
		var next []*process.Process
		for _, p := range level {
			children, err := p.Children()
			if err != nil {
				continue
			}
			next = append(next, children...)
		}
		out = append(out, next...)
		level = next
	}
	return out
}

func killAll(procs []*process.Process) {
	for _, p := range procs {
		_ = p.Kill()
	}
}

// Running reports whether pid refers to a live, non-zombie process.
func Running(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
