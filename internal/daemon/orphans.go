package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"go.olrik.dev/browserkeeper/internal/procscan"
)

const orphanTerminateTimeout = 2 * time.Second

// processInfo is what orphan cleanup needs to know about a live pid.
type processInfo struct {
	Cmdline string
	Created time.Time
}

// lookupProcess is replaced in tests.
var lookupProcess = func(pid int) (processInfo, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return processInfo{}, err
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return processInfo{}, fmt.Errorf("failed to read command line of pid %d: %w", pid, err)
	}
	created, err := p.CreateTime()
	if err != nil {
		return processInfo{}, fmt.Errorf("failed to read start time of pid %d: %w", pid, err)
	}
	return processInfo{Cmdline: cmdline, Created: time.UnixMilli(created)}, nil
}

// terminate is replaced in tests.
var terminate = func(pid int, label string) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return gracefulTerminate(p, orphanTerminateTimeout, label)
}

func matchesCmdline(cmdline string, m procscan.Matcher) bool {
	if !strings.Contains(cmdline, m.Name) {
		return false
	}
	return m.Exclude == "" || !strings.Contains(cmdline, m.Exclude)
}

// isOrphan reports whether pid still is the browser a previous daemon
// recorded. A process started after the state file was written has reused
// the pid.
func isOrphan(pid int, savedAt time.Time, m procscan.Matcher) bool {
	info, err := lookupProcess(pid)
	if err != nil {
		slog.Debug("Recorded browser process is gone", "pid", pid, "error", err)
		return false
	}
	if !matchesCmdline(info.Cmdline, m) {
		slog.Debug("Recorded pid now belongs to another program", "pid", pid, "cmdline", info.Cmdline)
		return false
	}
	// RFC3339 timestamps have second resolution
	if !savedAt.IsZero() && info.Created.After(savedAt.Add(time.Second)) {
		slog.Debug("Recorded pid was reused", "pid", pid, "created", info.Created, "saved", savedAt)
		return false
	}
	return true
}

// cleanOrphanBrowsers kills browser processes left behind by a previous
// daemon that did not shut down cleanly, then removes its state file.
// Returns the number of orphan processes killed.
func (d *Daemon) cleanOrphanBrowsers() int {
	state, err := LoadInstanceState()
	if err != nil {
		slog.Warn("Ignoring unreadable instance state file", "error", err)
		RemoveInstanceStateFile()
		return 0
	}
	if state == nil || len(state.Instances) == 0 {
		slog.Debug("No orphan browser processes recorded")
		RemoveInstanceStateFile()
		return 0
	}

	savedAt, err := state.SavedAt()
	if err != nil {
		slog.Warn("Instance state file has a bad timestamp", "timestamp", state.Timestamp, "error", err)
	}

	matcher := procscan.TargetMatcher(d.goos)
	killedCount := 0
	for _, inst := range state.Instances {
		for _, pid := range []int{inst.DiscoveredPID, inst.PID} {
			if pid <= 0 || pid == os.Getpid() || !isOrphan(pid, savedAt, matcher) {
				continue
			}

			slog.Warn("Found orphan browser process, killing", "pid", pid, "instance", inst.ID)
			if err := terminate(pid, fmt.Sprintf("orphan-pid-%d", pid)); err != nil {
				slog.Error("Failed to kill orphan process", "pid", pid, "error", err)
				continue
			}
			killedCount++

			if d.database != nil {
				if err := d.database.LogBrowserEvent(inst.ID, pid, "orphan_killed", fmt.Sprintf("Killed orphan browser process with PID %d", pid)); err != nil {
					slog.Error("Failed to log orphan kill event", "error", err)
				}
			}
		}
	}

	if err := RemoveInstanceStateFile(); err != nil {
		slog.Warn("Failed to remove instance state file", "error", err)
	}
	if killedCount > 0 {
		slog.Info("Orphan browser cleanup complete", "killed", killedCount)
	}
	return killedCount
}

// gracefulTerminate sends SIGTERM, polls for the process to go away and
// falls back to a kill after timeout. Signal(0) is used instead of Wait
// since orphans are not our children.
func gracefulTerminate(process *os.Process, timeout time.Duration, label string) error {
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "error", err)
		return process.Kill()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			slog.Info(fmt.Sprintf("Process %s terminated gracefully", label))
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, timeout))
	if err := process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}

	time.Sleep(100 * time.Millisecond)
	if err := process.Signal(syscall.Signal(0)); err == nil {
		slog.Error(fmt.Sprintf("Process %s survived SIGKILL", label))
		return fmt.Errorf("process survived SIGKILL")
	}

	return nil
}
