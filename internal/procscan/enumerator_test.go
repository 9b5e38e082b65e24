package procscan

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"
)

const tasklistOutput = `
Image Name                     PID Session Name        Session#    Mem Usage
========================= ======== ================ =========== ============
System Idle Process              0 Services                   0          8 K
firefox.exe                   4120 Console                    1    212,488 K
firefox.exe                   4388 Console                    1     98,120 K
firefox.exe.bak               5000 Console                    1      1,024 K
firefoxhelper.exe             5100 Console                    1      1,024 K
explorer.exe                  2216 Console                    1     88,004 K
firefox.exe                  notapid Console                  1      1,000 K
`

const psOutput = `  PID TTY      STAT   TIME COMMAND
    1 ?        Ss     0:03 /sbin/init
 2210 ?        Sl     1:02 /home/me/browser_5.0/Browser/TorBrowser/firefox.real -profile x
 2215 ?        Sl     0:10 /home/me/browser_5.0/Browser/TorBrowser/firefox.real -contentproc
 3100 pts/1    S+     0:00 grep TorBrowser
 3300 ?        Sl     0:55 /usr/lib/firefox/firefox
 3301 ?        Sl     0:01 /usr/lib/firefox/firefox -no-remote -P other
 abcd ?        Sl     0:01 firefox
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
}

type fakeRunner struct {
	out   []byte
	err   error
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, []byte("boom"), 1, f.err
	}
	return f.out, nil, 0, nil
}

func TestParseTasklist(t *testing.T) {
	got := ParseTasklist([]byte(tasklistOutput), "firefox.exe").Sorted()
	want := []int{4120, 4388}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTasklist = %v, want %v", got, want)
	}
}

func TestParsePS(t *testing.T) {
	tests := []struct {
		name string
		m    Matcher
		want []int
	}{
		{"managed", Matcher{Name: "TorBrowser"}, []int{2210, 2215, 3100}},
		{"unmanaged", Matcher{Name: "firefox", Exclude: "no-remote"}, []int{2210, 2215, 3300}},
		{"none", Matcher{Name: "chromium"}, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePS([]byte(psOutput), tt.m).Sorted()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTasklistEnumerator(t *testing.T) {
	runner := &fakeRunner{out: []byte(tasklistOutput)}
	e := New("windows", runner, quietLogger())

	got := e.Discover(context.Background(), TargetMatcher("windows")).Sorted()
	if !reflect.DeepEqual(got, []int{4120, 4388}) {
		t.Errorf("Discover = %v", got)
	}
	if len(runner.calls) != 1 || !reflect.DeepEqual(runner.calls[0], []string{"cmd", "/c", "tasklist"}) {
		t.Errorf("unexpected invocation: %v", runner.calls)
	}
}

func TestPSEnumerator(t *testing.T) {
	runner := &fakeRunner{out: []byte(psOutput)}
	e := &PSEnumerator{Runner: runner, Logger: quietLogger(), Tool: "ps"}

	got := e.Discover(context.Background(), UnmanagedMatcher("linux")).Sorted()
	if !reflect.DeepEqual(got, []int{2210, 2215, 3300}) {
		t.Errorf("Discover = %v", got)
	}
	if !reflect.DeepEqual(runner.calls[0], []string{"ps", "ax"}) {
		t.Errorf("unexpected invocation: %v", runner.calls)
	}
}

func TestEnumeratorFailureYieldsEmptySet(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exec: not found")}

	for _, e := range []Enumerator{
		New("windows", runner, quietLogger()),
		&PSEnumerator{Runner: runner, Logger: quietLogger(), Tool: "ps"},
	} {
		got := e.Discover(context.Background(), Matcher{Name: "firefox"})
		if got == nil || len(got) != 0 {
			t.Errorf("%T: expected empty non-nil set, got %v", e, got)
		}
	}
}

func TestPIDSetDiff(t *testing.T) {
	before := PIDSet{1: {}, 2: {}, 3: {}}
	after := PIDSet{2: {}, 3: {}, 7: {}, 5: {}}

	if got := after.Diff(before).Sorted(); !reflect.DeepEqual(got, []int{5, 7}) {
		t.Errorf("Diff = %v, want [5 7]", got)
	}
	if got := before.Diff(before); len(got) != 0 {
		t.Errorf("self diff should be empty, got %v", got)
	}
}

func TestMatchers(t *testing.T) {
	if m := TargetMatcher("darwin"); m.Name != "TorBrowser.app" {
		t.Errorf("darwin target = %+v", m)
	}
	if m := TargetMatcher("linux"); m.Name != "TorBrowser" || m.Exclude != "" {
		t.Errorf("linux target = %+v", m)
	}
	if m := UnmanagedMatcher("linux"); m.Exclude != "no-remote" {
		t.Errorf("linux unmanaged = %+v", m)
	}
}
