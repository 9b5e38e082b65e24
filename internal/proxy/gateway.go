// Package proxy talks to the anonymizing proxy the browser is routed through.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Capability names a gateway must support.
const (
	CapGetConfig         = "getConfig"
	CapRequestActivation = "requestActivation"
)

var (
	// ErrUnavailable means no proxy gateway is present.
	ErrUnavailable = errors.New("proxy gateway unavailable")
	// ErrMissingCapability means the gateway lacks a required operation.
	ErrMissingCapability = errors.New("proxy gateway missing capability")
	// ErrUnknownCapability is returned by gateways asked for an unsupported operation.
	ErrUnknownCapability = errors.New("unknown capability")
)

// Gateway is the capability style interface exposed by a proxy service.
type Gateway interface {
	HasCapability(name string) bool
	Invoke(ctx context.Context, name string, args ...any) (any, error)
}

// Config is the proxy endpoint configuration.
type Config struct {
	SocksPort int `json:"socks_port"`
}

// Client wraps a Gateway that has been checked for the required capabilities.
type Client struct {
	gw     Gateway
	logger *slog.Logger
}

// NewClient validates gw and returns a client for it.
func NewClient(gw Gateway, logger *slog.Logger) (*Client, error) {
	if gw == nil {
		return nil, ErrUnavailable
	}
	for _, name := range []string{CapGetConfig, CapRequestActivation} {
		if !gw.HasCapability(name) {
			return nil, fmt.Errorf("%w: %s", ErrMissingCapability, name)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{gw: gw, logger: logger}, nil
}

// GetConfig returns the current proxy configuration.
func (c *Client) GetConfig(ctx context.Context) (Config, error) {
	out, err := c.gw.Invoke(ctx, CapGetConfig)
	if err != nil {
		return Config{}, fmt.Errorf("getConfig failed: %w", err)
	}

	var cfg Config
	switch v := out.(type) {
	case Config:
		cfg = v
	case map[string]any:
		port, ok := toInt(v["socks_port"])
		if !ok {
			return Config{}, fmt.Errorf("getConfig returned no socks_port: %v", v)
		}
		cfg.SocksPort = port
	default:
		return Config{}, fmt.Errorf("getConfig returned unexpected %T", out)
	}
	if cfg.SocksPort <= 0 || cfg.SocksPort > 65535 {
		return Config{}, fmt.Errorf("getConfig returned invalid socks port %d", cfg.SocksPort)
	}
	return cfg, nil
}

// RequestActivation asks the proxy to start if needed and reports whether it
// is ready. Gateway errors are logged and count as not ready.
func (c *Client) RequestActivation(ctx context.Context) bool {
	out, err := c.gw.Invoke(ctx, CapRequestActivation)
	if err != nil {
		c.logger.Debug("Proxy activation request failed", "error", err)
		return false
	}
	ready, _ := out.(bool)
	return ready
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
