// Package supervisor starts browser processes and tracks them until they
// exit, so the host knows when it is safe to unload.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go.olrik.dev/browserkeeper/internal/procscan"
)

var (
	// ErrClosed is returned by Spawn after Close.
	ErrClosed = errors.New("supervisor is shut down")
	// ErrDestroyTimeout is returned when DestroyAll exceeds its budget.
	ErrDestroyTimeout = errors.New("timed out destroying browser processes")
)

// Defaults for Options.
const (
	DefaultHealthInterval    = 30 * time.Second
	DefaultDiscoveryWindow   = 5 * time.Second
	DefaultDiscoveryInterval = time.Second
	DefaultShutdownBudget    = 2500 * time.Millisecond
)

// Command is a process to spawn.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // appended to the current environment
}

func (c Command) String() string {
	s := strconv.Quote(c.Path)
	for _, a := range c.Args {
		s += " " + strconv.Quote(a)
	}
	return s
}

// EventType identifies a lifecycle event.
type EventType string

const (
	EventSpawn   EventType = "spawn"
	EventExit    EventType = "exit"
	EventDestroy EventType = "destroy"
)

// Event is delivered to Options.OnEvent outside the supervisor lock.
type Event struct {
	Type      EventType
	Instance  Info
	Remaining int
	Err       error
}

// Options configures a Supervisor.
type Options struct {
	Enumerator procscan.Enumerator
	Matcher    procscan.Matcher

	// HealthCheck runs on every health tick while instances exist.
	HealthCheck func(ctx context.Context) bool

	HealthInterval    time.Duration
	DiscoveryWindow   time.Duration
	DiscoveryInterval time.Duration
	ShutdownBudget    time.Duration

	// GOOS selects platform specific kill behaviour. Defaults to runtime.GOOS.
	GOOS string
	// Runner runs taskkill on Windows.
	Runner procscan.CommandRunner

	OnEvent func(Event)
	OnBusy  func(busy bool)
	Logger  *slog.Logger
}

// Supervisor tracks the set of running browser instances.
type Supervisor struct {
	opts Options

	mu            sync.Mutex
	instances     map[string]*Instance
	closed        bool
	healthCancel  context.CancelFunc
	lastHealthLog string
}

// New returns a Supervisor with defaults applied to opts.
func New(opts Options) *Supervisor {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.DiscoveryWindow <= 0 {
		opts.DiscoveryWindow = DefaultDiscoveryWindow
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if opts.ShutdownBudget <= 0 {
		opts.ShutdownBudget = DefaultShutdownBudget
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.Runner == nil {
		opts.Runner = procscan.ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		opts:      opts,
		instances: make(map[string]*Instance),
	}
}

// Spawn starts c, tries to identify the OS pid of the browser it launches,
// and tracks it until it exits or is destroyed.
func (s *Supervisor) Spawn(ctx context.Context, c Command) (*Instance, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	before := s.discover(ctx)

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	s.opts.Logger.Debug("Starting browser process", "command", c.String(), "dir", c.Dir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	inst := &Instance{
		id:            uuid.NewString(),
		cmd:           cmd,
		command:       c.String(),
		started:       time.Now(),
		discoveredPID: -1,
		stdin:         stdin,
		stdout:        stdout,
		stderr:        stderr,
		done:          make(chan struct{}),
	}
	logger := s.opts.Logger.With("instance", inst.id[:8], "pid", cmd.Process.Pid)

	go inst.drain(stdout, "> ", logger)
	go inst.drain(stderr, "* ", logger)

	inst.discoveredPID = s.discoverPID(ctx, before, logger)

	if err := s.track(inst); err != nil {
		s.destroy(inst)
		go s.wait(inst, logger)
		return nil, err
	}
	go s.wait(inst, logger)

	logger.Info("Browser process started", "discovered_pid", inst.discoveredPID)
	return inst, nil
}

func (s *Supervisor) discover(ctx context.Context) procscan.PIDSet {
	if s.opts.Enumerator == nil {
		return procscan.PIDSet{}
	}
	return s.opts.Enumerator.Discover(ctx, s.opts.Matcher)
}

// discoverPID polls the enumerator until a pid shows up that was not there
// before the spawn. It returns -1 when none appears within the window.
func (s *Supervisor) discoverPID(ctx context.Context, before procscan.PIDSet, logger *slog.Logger) int {
	if s.opts.Enumerator == nil {
		return -1
	}
	deadline := time.Now().Add(s.opts.DiscoveryWindow)
	for {
		if fresh := s.discover(ctx).Diff(before); len(fresh) > 0 {
			pids := fresh.Sorted()
			if len(pids) > 1 {
				logger.Debug("Several new browser processes found, using the lowest", "pids", pids)
			}
			return pids[0]
		}
		if !time.Now().Before(deadline) {
			logger.Debug("No new browser process found", "window", s.opts.DiscoveryWindow)
			return -1
		}
		select {
		case <-ctx.Done():
			return -1
		case <-time.After(s.opts.DiscoveryInterval):
		}
	}
}

func (s *Supervisor) track(inst *Instance) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.instances[inst.id] = inst
	remaining := len(s.instances)
	becameBusy := remaining == 1
	if becameBusy {
		s.startHealthLocked()
	}
	s.mu.Unlock()

	if becameBusy && s.opts.OnBusy != nil {
		s.opts.OnBusy(true)
	}
	s.emit(Event{Type: EventSpawn, Instance: inst.Info(), Remaining: remaining})
	return nil
}

// untrack removes inst and reports whether it was still tracked.
func (s *Supervisor) untrack(inst *Instance) (int, bool) {
	s.mu.Lock()
	if _, ok := s.instances[inst.id]; !ok {
		s.mu.Unlock()
		return 0, false
	}
	delete(s.instances, inst.id)
	remaining := len(s.instances)
	if remaining == 0 {
		s.stopHealthLocked()
	}
	s.mu.Unlock()

	if remaining == 0 && s.opts.OnBusy != nil {
		s.opts.OnBusy(false)
	}
	return remaining, true
}

func (s *Supervisor) wait(inst *Instance, logger *slog.Logger) {
	state, err := inst.cmd.Process.Wait()
	inst.stdin.Close()
	if err == nil && !state.Success() {
		err = fmt.Errorf("exit status %d", state.ExitCode())
	}
	inst.exitErr = err
	close(inst.done)

	remaining, tracked := s.untrack(inst)
	if !tracked {
		return
	}
	logger.Info("Browser process exited", "error", err, "active", remaining)
	s.emit(Event{Type: EventExit, Instance: inst.Info(), Remaining: remaining, Err: err})
}

func (s *Supervisor) emit(ev Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

// Count returns the number of tracked instances.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// Busy reports whether any instance is active. The host must refuse to
// unload while it is.
func (s *Supervisor) Busy() bool {
	return s.Count() > 0
}

// Instances returns information about the tracked instances, oldest first.
func (s *Supervisor) Instances() []Info {
	s.mu.Lock()
	infos := make([]Info, 0, len(s.instances))
	for _, inst := range s.instances {
		infos = append(infos, inst.Info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Started.Before(infos[j].Started) })
	return infos
}

// DestroyAll kills every tracked instance and clears the set. It gives up
// waiting after the shutdown budget and returns ErrDestroyTimeout; the kills
// continue in the background.
func (s *Supervisor) DestroyAll() (int, error) {
	s.mu.Lock()
	victims := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		victims = append(victims, inst)
	}
	s.instances = make(map[string]*Instance)
	s.stopHealthLocked()
	s.mu.Unlock()

	if len(victims) == 0 {
		return 0, nil
	}
	if s.opts.OnBusy != nil {
		s.opts.OnBusy(false)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(8)
		for _, inst := range victims {
			g.Go(func() error {
				s.destroy(inst)
				s.emit(Event{Type: EventDestroy, Instance: inst.Info()})
				return nil
			})
		}
		g.Wait()
	}()

	select {
	case <-done:
		s.opts.Logger.Info("Destroyed browser processes", "count", len(victims))
		return len(victims), nil
	case <-time.After(s.opts.ShutdownBudget):
		s.opts.Logger.Warn("Timed out destroying browser processes", "count", len(victims), "budget", s.opts.ShutdownBudget)
		return len(victims), ErrDestroyTimeout
	}
}

// Close destroys all instances and makes further spawns fail.
func (s *Supervisor) Close() (int, error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.DestroyAll()
}

func (s *Supervisor) destroy(inst *Instance) {
	if !inst.destroyed.CompareAndSwap(false, true) {
		return
	}
	pid := inst.cmd.Process.Pid
	logger := s.opts.Logger.With("instance", inst.id[:8], "pid", pid)

	inst.stdin.Close()
	inst.stdout.Close()
	inst.stderr.Close()

	killChildren(pid, logger)
	killGroup(pid)
	if err := inst.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debug("Kill failed", "error", err)
	}

	if s.opts.GOOS == "windows" && inst.discoveredPID >= 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownBudget)
		defer cancel()
		_, stderr, _, err := s.opts.Runner.Run(ctx, "cmd", "/c", "taskkill", "/f", "/pid", strconv.Itoa(inst.discoveredPID))
		if err != nil {
			logger.Debug("taskkill failed", "discovered_pid", inst.discoveredPID, "stderr", string(stderr), "error", err)
		}
	}
	logger.Debug("Browser process destroyed")
}

func (s *Supervisor) startHealthLocked() {
	if s.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	go s.healthLoop(ctx)
}

func (s *Supervisor) stopHealthLocked() {
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		n := len(s.instances)
		msg := fmt.Sprintf("Active browsers: %d", n)
		changed := msg != s.lastHealthLog
		s.lastHealthLog = msg
		s.mu.Unlock()

		if n == 0 {
			return
		}
		if s.opts.HealthCheck != nil {
			s.opts.HealthCheck(ctx)
		}
		if changed {
			s.opts.Logger.Info(msg)
		}
	}
}

// drain copies one output stream of the process into debug logs until EOF
// or until the instance is destroyed.
func (inst *Instance) drain(r io.ReadCloser, prefix string, logger *slog.Logger) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug(prefix + scanner.Text())
	}
	if err := scanner.Err(); err != nil && !inst.destroyed.Load() && !errors.Is(err, os.ErrClosed) {
		logger.Debug("Output stream ended with error", "error", err)
	}
}
