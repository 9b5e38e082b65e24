package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.olrik.dev/browserkeeper/internal/procscan"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.Level(99)}))
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeEnumerator reports base on the first call and base plus extra after.
type fakeEnumerator struct {
	mu    sync.Mutex
	calls int
	base  []int
	extra []int
}

func (f *fakeEnumerator) Discover(ctx context.Context, m procscan.Matcher) procscan.PIDSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	set := procscan.PIDSet{}
	for _, pid := range f.base {
		set[pid] = struct{}{}
	}
	if f.calls > 1 {
		for _, pid := range f.extra {
			set[pid] = struct{}{}
		}
	}
	return set
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell commands")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSpawnExitsAndUntracks(t *testing.T) {
	skipOnWindows(t)

	var mu sync.Mutex
	var busy []bool
	s := New(Options{
		Logger: quietLogger(),
		OnBusy: func(b bool) {
			mu.Lock()
			busy = append(busy, b)
			mu.Unlock()
		},
	})

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := s.Spawn(context.Background(), Command{Path: "sh", Args: []string{"-c", "sleep 0.2"}})
			if err != nil {
				errs <- err
				return
			}
			<-inst.Done()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Spawn failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return s.Count() == 0 })
	if s.Busy() {
		t.Error("supervisor should not be busy once every process exited")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(busy) < 2 || !busy[0] || busy[len(busy)-1] {
		t.Errorf("busy transitions = %v, want to start true and end false", busy)
	}
}

func TestExitStatusIsReported(t *testing.T) {
	skipOnWindows(t)

	events := make(chan Event, 4)
	s := New(Options{Logger: quietLogger(), OnEvent: func(ev Event) { events <- ev }})

	inst, err := s.Spawn(context.Background(), Command{Path: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	<-inst.Done()
	if inst.Err() == nil || !strings.Contains(inst.Err().Error(), "3") {
		t.Errorf("Err = %v, want exit status 3", inst.Err())
	}

	var got []EventType
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("events = %v, want spawn and exit", got)
		}
	}
	if got[0] != EventSpawn || got[1] != EventExit {
		t.Errorf("events = %v", got)
	}
}

func TestDestroyAll(t *testing.T) {
	skipOnWindows(t)

	s := New(Options{Logger: quietLogger()})
	var insts []*Instance
	for range 2 {
		inst, err := s.Spawn(context.Background(), Command{Path: "sleep", Args: []string{"30"}})
		if err != nil {
			t.Fatalf("Spawn failed: %v", err)
		}
		insts = append(insts, inst)
	}
	if s.Count() != 2 {
		t.Fatalf("Count = %d, want 2", s.Count())
	}

	n, err := s.DestroyAll()
	if err != nil {
		t.Fatalf("DestroyAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("destroyed %d, want 2", n)
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d after DestroyAll", s.Count())
	}
	for _, inst := range insts {
		select {
		case <-inst.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("instance %s did not exit", inst.ID())
		}
		if !inst.Info().Destroyed {
			t.Error("instance should be marked destroyed")
		}
	}
}

func TestSpawnAfterClose(t *testing.T) {
	s := New(Options{Logger: quietLogger()})
	if _, err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, err := s.Spawn(context.Background(), Command{Path: "true"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Spawn after Close = %v, want ErrClosed", err)
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	s := New(Options{Logger: quietLogger()})
	if _, err := s.Spawn(context.Background(), Command{Path: "/nonexistent/browser"}); err == nil {
		t.Error("expected an error for a missing binary")
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d, want 0", s.Count())
	}
}

func TestDiscoveredPID(t *testing.T) {
	skipOnWindows(t)

	tests := []struct {
		name  string
		extra []int
		want  int
	}{
		{"new pid", []int{900, 777}, 777},
		{"nothing new", nil, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Options{
				Logger:            quietLogger(),
				Enumerator:        &fakeEnumerator{base: []int{1, 50}, extra: tt.extra},
				DiscoveryWindow:   100 * time.Millisecond,
				DiscoveryInterval: 20 * time.Millisecond,
			})
			defer s.Close()

			inst, err := s.Spawn(context.Background(), Command{Path: "sleep", Args: []string{"30"}})
			if err != nil {
				t.Fatalf("Spawn failed: %v", err)
			}
			if got := inst.DiscoveredPID(); got != tt.want {
				t.Errorf("DiscoveredPID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHealthLoop(t *testing.T) {
	skipOnWindows(t)

	var checks atomic.Int32
	s := New(Options{
		Logger:         quietLogger(),
		HealthInterval: 20 * time.Millisecond,
		HealthCheck: func(ctx context.Context) bool {
			checks.Add(1)
			return true
		},
	})

	if _, err := s.Spawn(context.Background(), Command{Path: "sleep", Args: []string{"30"}}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return checks.Load() >= 2 })

	if _, err := s.DestroyAll(); err != nil {
		t.Fatalf("DestroyAll failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	after := checks.Load()
	time.Sleep(100 * time.Millisecond)
	if checks.Load() != after {
		t.Error("health checks continued after every instance was destroyed")
	}
}

func TestOutputIsLogged(t *testing.T) {
	skipOnWindows(t)

	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := New(Options{Logger: logger})

	inst, err := s.Spawn(context.Background(), Command{Path: "sh", Args: []string{"-c", "echo hello; echo oops >&2"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	<-inst.Done()

	waitFor(t, 2*time.Second, func() bool {
		out := buf.String()
		return strings.Contains(out, "> hello") && strings.Contains(out, "* oops")
	})
}

func TestCommandString(t *testing.T) {
	c := Command{Path: "/opt/browser/firefox", Args: []string{"-profile", "my dir"}}
	want := `"/opt/browser/firefox" "-profile" "my dir"`
	if got := c.String(); got != want {
		t.Errorf("String = %s, want %s", got, want)
	}
}
