package supervisor

import (
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Instance is one spawned browser process.
type Instance struct {
	id            string
	cmd           *exec.Cmd
	command       string
	started       time.Time
	discoveredPID int

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	destroyed atomic.Bool
	done      chan struct{}
	exitErr   error
}

// Info is a snapshot of an instance.
type Info struct {
	ID            string    `json:"id"`
	PID           int       `json:"pid"`
	DiscoveredPID int       `json:"discovered_pid"`
	Command       string    `json:"command"`
	Started       time.Time `json:"started"`
	Destroyed     bool      `json:"destroyed,omitempty"`
	RSS           uint64    `json:"rss,omitempty"`
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
}

func (inst *Instance) ID() string { return inst.id }

// PID is the pid of the spawned process.
func (inst *Instance) PID() int { return inst.cmd.Process.Pid }

// DiscoveredPID is the pid found by process discovery, or -1.
func (inst *Instance) DiscoveredPID() int { return inst.discoveredPID }

// Done is closed when the process has exited.
func (inst *Instance) Done() <-chan struct{} { return inst.done }

// Err returns the exit error once Done is closed.
func (inst *Instance) Err() error {
	select {
	case <-inst.done:
		return inst.exitErr
	default:
		return nil
	}
}

// Info returns a snapshot of the instance.
func (inst *Instance) Info() Info {
	return Info{
		ID:            inst.id,
		PID:           inst.cmd.Process.Pid,
		DiscoveredPID: inst.discoveredPID,
		Command:       inst.command,
		Started:       inst.started,
		Destroyed:     inst.destroyed.Load(),
	}
}

// Stats adds resource usage of the browser process to info. The discovered
// pid is preferred since the spawned process may only be a launcher.
func Stats(info Info) Info {
	pid := info.DiscoveredPID
	if pid < 0 {
		pid = info.PID
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info
	}
	if mem, err := p.MemoryInfo(); err == nil {
		info.RSS = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	return info
}
