// Package procscan discovers running processes by parsing the output of the
// platform process listing tool.
package procscan

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// PIDSet is a set of process ids.
type PIDSet map[int]struct{}

// Diff returns the pids in s that are not in other.
func (s PIDSet) Diff(other PIDSet) PIDSet {
	out := PIDSet{}
	for pid := range s {
		if _, ok := other[pid]; !ok {
			out[pid] = struct{}{}
		}
	}
	return out
}

// Sorted returns the pids in ascending order.
func (s PIDSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for pid := range s {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// Matcher selects processes. On Windows Name is the image name; elsewhere
// it is a substring of the ps line and Exclude, when set, rejects lines
// containing it.
type Matcher struct {
	Name    string
	Exclude string
}

// Enumerator lists processes matching a Matcher. Failures yield an empty set.
type Enumerator interface {
	Discover(ctx context.Context, m Matcher) PIDSet
}

// New returns the enumerator for goos.
func New(goos string, runner CommandRunner, logger *slog.Logger) Enumerator {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if goos == "windows" {
		return &TasklistEnumerator{Runner: runner, Logger: logger}
	}
	return &PSEnumerator{Runner: runner, Logger: logger}
}

// TargetMatcher matches the browser processes this tool manages.
func TargetMatcher(goos string) Matcher {
	switch goos {
	case "windows":
		return Matcher{Name: "firefox.exe"}
	case "darwin":
		return Matcher{Name: "TorBrowser.app"}
	default:
		return Matcher{Name: "TorBrowser"}
	}
}

// UnmanagedMatcher matches a plain browser that would grab remote open
// requests meant for ours. Browsers started with -no-remote do not.
func UnmanagedMatcher(goos string) Matcher {
	switch goos {
	case "windows":
		return Matcher{Name: "firefox.exe"}
	case "darwin":
		return Matcher{Name: "Firefox.app"}
	default:
		return Matcher{Name: "firefox", Exclude: "no-remote"}
	}
}

// TasklistEnumerator parses "cmd /c tasklist".
type TasklistEnumerator struct {
	Runner CommandRunner
	Logger *slog.Logger
}

func (e *TasklistEnumerator) Discover(ctx context.Context, m Matcher) PIDSet {
	stdout, stderr, code, err := e.Runner.Run(ctx, "cmd", "/c", "tasklist")
	if err != nil {
		e.Logger.Debug("Process listing failed", "tool", "tasklist", "exit_code", code, "stderr", string(stderr), "error", err)
		return PIDSet{}
	}
	return ParseTasklist(stdout, m.Name)
}

// ParseTasklist returns the pids of lines whose image name equals exe.
func ParseTasklist(out []byte, exe string) PIDSet {
	pids := PIDSet{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, exe) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != exe {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		pids[pid] = struct{}{}
	}
	return pids
}

// PSEnumerator parses "ps ax".
type PSEnumerator struct {
	Runner CommandRunner
	Logger *slog.Logger

	// Tool is the ps binary; it is looked up with FindCommand when empty.
	Tool string
}

func (e *PSEnumerator) Discover(ctx context.Context, m Matcher) PIDSet {
	ps := e.Tool
	if ps == "" {
		var err error
		if ps, err = FindCommand("ps"); err != nil {
			e.Logger.Debug("Process listing tool not found", "tool", "ps", "error", err)
			return PIDSet{}
		}
	}
	stdout, stderr, code, err := e.Runner.Run(ctx, ps, "ax")
	if err != nil {
		e.Logger.Debug("Process listing failed", "tool", "ps", "exit_code", code, "stderr", string(stderr), "error", err)
		return PIDSet{}
	}
	return ParsePS(stdout, m)
}

// ParsePS returns the pids of ps lines containing m.Name and not m.Exclude.
// The pid is the first column.
func ParsePS(out []byte, m Matcher) PIDSet {
	pids := PIDSet{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, m.Name) {
			continue
		}
		if m.Exclude != "" && strings.Contains(line, m.Exclude) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		pids[pid] = struct{}{}
	}
	return pids
}
