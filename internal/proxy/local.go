package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// LocalGateway serves a proxy that is started outside of this process and
// listens on a fixed SOCKS port. It is ready once that port accepts TCP
// connections.
type LocalGateway struct {
	Host        string
	SocksPort   int
	DialTimeout time.Duration
}

// NewLocalGateway returns a gateway for host:port.
func NewLocalGateway(host string, port int) *LocalGateway {
	return &LocalGateway{Host: host, SocksPort: port, DialTimeout: 2 * time.Second}
}

func (g *LocalGateway) HasCapability(name string) bool {
	return name == CapGetConfig || name == CapRequestActivation
}

func (g *LocalGateway) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	switch name {
	case CapGetConfig:
		return Config{SocksPort: g.SocksPort}, nil
	case CapRequestActivation:
		return g.probe(ctx), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
}

func (g *LocalGateway) probe(ctx context.Context) bool {
	timeout := g.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(g.Host, strconv.Itoa(g.SocksPort)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
