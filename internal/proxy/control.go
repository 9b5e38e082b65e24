package proxy

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// ControlGateway drives a Tor daemon through its control port. The socks
// port is read from the running daemon and activation clears DisableNetwork
// before checking bootstrap progress.
type ControlGateway struct {
	Addr     string
	Password func() (string, error)
	// CookieFile, when set, is sent hex encoded instead of the password.
	CookieFile  string
	DialTimeout time.Duration
}

// NewControlGateway returns a gateway for the control port at addr.
func NewControlGateway(addr string, password func() (string, error)) *ControlGateway {
	return &ControlGateway{Addr: addr, Password: password, DialTimeout: 2 * time.Second}
}

func (g *ControlGateway) HasCapability(name string) bool {
	return name == CapGetConfig || name == CapRequestActivation
}

func (g *ControlGateway) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	switch name {
	case CapGetConfig:
		return g.getConfig(ctx)
	case CapRequestActivation:
		return g.activate(ctx)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
}

func (g *ControlGateway) getConfig(ctx context.Context) (Config, error) {
	conn, err := g.open(ctx)
	if err != nil {
		return Config{}, err
	}
	defer conn.close()

	value, err := conn.getInfo("net/listeners/socks")
	if err != nil {
		return Config{}, err
	}
	port, err := parseListenerPort(value)
	if err != nil {
		return Config{}, err
	}
	return Config{SocksPort: port}, nil
}

func (g *ControlGateway) activate(ctx context.Context) (bool, error) {
	conn, err := g.open(ctx)
	if err != nil {
		return false, err
	}
	defer conn.close()

	if _, err := conn.command("SETCONF DisableNetwork=0"); err != nil {
		return false, err
	}
	phase, err := conn.getInfo("status/bootstrap-phase")
	if err != nil {
		return false, err
	}
	return bootstrapProgress(phase) >= 100, nil
}

type controlConn struct {
	raw net.Conn
	tp  *textproto.Conn
}

func (g *ControlGateway) open(ctx context.Context) (*controlConn, error) {
	timeout := g.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", g.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port %s: %w", g.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	} else {
		raw.SetDeadline(time.Now().Add(10 * time.Second))
	}

	conn := &controlConn{raw: raw, tp: textproto.NewConn(raw)}

	auth, err := g.authLine()
	if err != nil {
		conn.close()
		return nil, err
	}
	if _, err := conn.command(auth); err != nil {
		conn.close()
		return nil, fmt.Errorf("control port authentication failed: %w", err)
	}
	return conn, nil
}

func (g *ControlGateway) authLine() (string, error) {
	if g.CookieFile != "" {
		cookie, err := os.ReadFile(g.CookieFile)
		if err != nil {
			return "", fmt.Errorf("failed to read control cookie: %w", err)
		}
		return "AUTHENTICATE " + hex.EncodeToString(cookie), nil
	}
	password := ""
	if g.Password != nil {
		var err error
		if password, err = g.Password(); err != nil {
			return "", fmt.Errorf("failed to read control password: %w", err)
		}
	}
	if password == "" {
		return "AUTHENTICATE", nil
	}
	return "AUTHENTICATE " + strconv.Quote(password), nil
}

func (c *controlConn) command(line string) (string, error) {
	if err := c.tp.PrintfLine("%s", line); err != nil {
		return "", err
	}
	_, msg, err := c.tp.ReadResponse(250)
	return msg, err
}

// getInfo returns the value of a single GETINFO key.
func (c *controlConn) getInfo(key string) (string, error) {
	msg, err := c.command("GETINFO " + key)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(msg, "\n") {
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("GETINFO %s: key missing from reply", key)
}

func (c *controlConn) close() {
	c.tp.PrintfLine("QUIT")
	c.raw.Close()
}

// parseListenerPort extracts the port of the first listener in a reply such
// as "127.0.0.1:9050" "[::1]:9050".
func parseListenerPort(value string) (int, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, fmt.Errorf("no socks listener configured")
	}
	addr := strings.Trim(fields[0], `"`)
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid socks listener %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid socks port %q: %w", portStr, err)
	}
	return port, nil
}

// bootstrapProgress reads PROGRESS=N from a bootstrap status line.
func bootstrapProgress(phase string) int {
	for _, field := range strings.Fields(phase) {
		if v, ok := strings.CutPrefix(field, "PROGRESS="); ok {
			n, err := strconv.Atoi(v)
			if err == nil {
				return n
			}
		}
	}
	return 0
}
