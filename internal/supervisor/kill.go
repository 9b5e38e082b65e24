package supervisor

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/process"
)

// killChildren kills the process tree below pid, deepest first.
func killChildren(pid int, logger *slog.Logger) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killChildren(int(child.Pid), logger)
		if err := child.Kill(); err != nil {
			logger.Debug("Failed to kill child process", "child_pid", child.Pid, "error", err)
		}
	}
}
