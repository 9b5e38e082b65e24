package proxy

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
}

type fakeGateway struct {
	caps   map[string]bool
	config any
	ready  bool
	err    error
}

func (f *fakeGateway) HasCapability(name string) bool { return f.caps[name] }

func (f *fakeGateway) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	switch name {
	case CapGetConfig:
		return f.config, nil
	case CapRequestActivation:
		return f.ready, nil
	}
	return nil, ErrUnknownCapability
}

func allCaps() map[string]bool {
	return map[string]bool{CapGetConfig: true, CapRequestActivation: true}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(nil, quietLogger()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("nil gateway: expected ErrUnavailable, got %v", err)
	}

	gw := &fakeGateway{caps: map[string]bool{CapGetConfig: true}}
	_, err := NewClient(gw, quietLogger())
	if !errors.Is(err, ErrMissingCapability) {
		t.Fatalf("expected ErrMissingCapability, got %v", err)
	}
	if !strings.Contains(err.Error(), CapRequestActivation) {
		t.Errorf("error should name the missing capability: %v", err)
	}

	if _, err := NewClient(&fakeGateway{caps: allCaps()}, quietLogger()); err != nil {
		t.Errorf("complete gateway rejected: %v", err)
	}
}

func TestClientGetConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  any
		want    int
		wantErr bool
	}{
		{"struct", Config{SocksPort: 9150}, 9150, false},
		{"map int", map[string]any{"socks_port": 9050}, 9050, false},
		{"map float", map[string]any{"socks_port": float64(9250)}, 9250, false},
		{"map missing", map[string]any{"other": 1}, 0, true},
		{"zero port", Config{}, 0, true},
		{"bad type", "9150", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(&fakeGateway{caps: allCaps(), config: tt.config}, quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			cfg, err := c.GetConfig(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.SocksPort != tt.want {
				t.Errorf("SocksPort = %d, want %d", cfg.SocksPort, tt.want)
			}
		})
	}
}

func TestClientRequestActivation(t *testing.T) {
	c, _ := NewClient(&fakeGateway{caps: allCaps(), ready: true}, quietLogger())
	if !c.RequestActivation(context.Background()) {
		t.Error("expected ready")
	}

	c, _ = NewClient(&fakeGateway{caps: allCaps(), err: errors.New("boom")}, quietLogger())
	if c.RequestActivation(context.Background()) {
		t.Error("gateway errors must count as not ready")
	}
}

func TestLocalGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	gw := NewLocalGateway("127.0.0.1", port)
	c, err := NewClient(gw, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := c.GetConfig(context.Background())
	if err != nil || cfg.SocksPort != port {
		t.Errorf("GetConfig = %+v, %v", cfg, err)
	}
	if !c.RequestActivation(context.Background()) {
		t.Error("expected listening port to be ready")
	}

	ln.Close()
	gw.DialTimeout = 200 * time.Millisecond
	if c.RequestActivation(context.Background()) {
		t.Error("closed port must not be ready")
	}

	if _, err := gw.Invoke(context.Background(), "rebuild"); !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("expected ErrUnknownCapability, got %v", err)
	}
}

// fakeControlPort answers a minimal subset of the Tor control protocol.
type fakeControlPort struct {
	ln       net.Listener
	password string
	cookie   string // hex, expected instead of the password
	progress string

	mu       sync.Mutex
	commands []string
}

func startFakeControlPort(t *testing.T, password, progress string) *fakeControlPort {
	t.Helper()
	return serveFakeControlPort(t, &fakeControlPort{password: password, progress: progress})
}

func serveFakeControlPort(t *testing.T, f *fakeControlPort) *fakeControlPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f.ln = ln
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeControlPort) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeControlPort) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	authed := false
	reply := func(s string) { conn.Write([]byte(s)) }

	for scanner.Scan() {
		line := scanner.Text()
		f.mu.Lock()
		f.commands = append(f.commands, line)
		f.mu.Unlock()

		switch {
		case strings.HasPrefix(line, "AUTHENTICATE"):
			want := "AUTHENTICATE"
			switch {
			case f.cookie != "":
				want += " " + f.cookie
			case f.password != "":
				want += ` "` + f.password + `"`
			}
			if line != want {
				reply("515 Authentication failed\r\n")
				return
			}
			authed = true
			reply("250 OK\r\n")
		case !authed:
			reply("514 Authentication required.\r\n")
			return
		case line == "GETINFO net/listeners/socks":
			reply("250-net/listeners/socks=\"127.0.0.1:9150\" \"[::1]:9150\"\r\n250 OK\r\n")
		case line == "SETCONF DisableNetwork=0":
			reply("250 OK\r\n")
		case line == "GETINFO status/bootstrap-phase":
			reply("250-status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=" + f.progress + " TAG=done SUMMARY=\"Done\"\r\n250 OK\r\n")
		case line == "QUIT":
			reply("250 closing connection\r\n")
			return
		default:
			reply("510 Unrecognized command\r\n")
		}
	}
}

func TestControlGateway(t *testing.T) {
	f := startFakeControlPort(t, "s3cret", "100")
	gw := NewControlGateway(f.ln.Addr().String(), func() (string, error) { return "s3cret", nil })

	c, err := NewClient(gw, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := c.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig returned error: %v", err)
	}
	if cfg.SocksPort != 9150 {
		t.Errorf("SocksPort = %d, want 9150", cfg.SocksPort)
	}
	if !c.RequestActivation(context.Background()) {
		t.Error("expected bootstrapped proxy to be ready")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	sawSetconf := false
	for _, cmd := range f.commands {
		if cmd == "SETCONF DisableNetwork=0" {
			sawSetconf = true
		}
	}
	if !sawSetconf {
		t.Errorf("activation should enable the network, commands: %v", f.commands)
	}
}

func TestControlGatewayBootstrapping(t *testing.T) {
	f := startFakeControlPort(t, "", "45")
	gw := NewControlGateway(f.ln.Addr().String(), nil)

	ready, err := gw.Invoke(context.Background(), CapRequestActivation)
	if err != nil {
		t.Fatal(err)
	}
	if ready.(bool) {
		t.Error("partial bootstrap must not be ready")
	}
}

func TestControlGatewayBadPassword(t *testing.T) {
	f := startFakeControlPort(t, "right", "100")
	gw := NewControlGateway(f.ln.Addr().String(), func() (string, error) { return "wrong", nil })

	if _, err := gw.Invoke(context.Background(), CapGetConfig); err == nil {
		t.Error("expected authentication error")
	}
}

func TestParseListenerPort(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`"127.0.0.1:9050"`, 9050, false},
		{`"[::1]:9150" "127.0.0.1:9150"`, 9150, false},
		{``, 0, true},
		{`"unix:/run/tor/socks"`, 0, true},
	}
	for _, tt := range tests {
		got, err := parseListenerPort(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseListenerPort(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestControlGatewayCookieAuth(t *testing.T) {
	cookie := []byte{0xde, 0xad, 0xbe, 0xef}
	path := filepath.Join(t.TempDir(), "control_auth_cookie")
	if err := os.WriteFile(path, cookie, 0o600); err != nil {
		t.Fatal(err)
	}

	f := serveFakeControlPort(t, &fakeControlPort{cookie: "deadbeef", progress: "100"})
	gw := NewControlGateway(f.ln.Addr().String(), func() (string, error) { return "ignored", nil })
	gw.CookieFile = path

	cfg, err := gw.Invoke(context.Background(), CapGetConfig)
	if err != nil {
		t.Fatalf("cookie authentication failed: %v", err)
	}
	if cfg.(Config).SocksPort != 9150 {
		t.Errorf("unexpected config %+v", cfg)
	}

	gw.CookieFile = filepath.Join(t.TempDir(), "missing")
	if _, err := gw.Invoke(context.Background(), CapGetConfig); err == nil || !strings.Contains(err.Error(), "cookie") {
		t.Errorf("expected a cookie read error, got %v", err)
	}
}
