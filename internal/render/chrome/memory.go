package chrome

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// memoryFunc samples the resident memory of a process tree; replaced in tests
type memoryFunc func(pid int) (uint64, error)

// processTreeRSS sums RSS of pid and all of its descendants.
// Chrome keeps renderers and the GPU process as children of the browser process.
func processTreeRSS(pid int) (uint64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}

	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("failed to open process %d: %w", pid, err)
	}

	var total uint64
	seen := make(map[int32]struct{})
	stack := []*process.Process{root}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[p.Pid]; ok {
			continue
		}
		seen[p.Pid] = struct{}{}

		// processes may exit while we walk the tree
		if info, err := p.MemoryInfo(); err == nil {
			total += info.RSS
		} else if p == root {
			return 0, fmt.Errorf("failed to read memory of process %d: %w", pid, err)
		}

		if children, err := p.Children(); err == nil {
			stack = append(stack, children...)
		}
	}

	return total, nil
}
