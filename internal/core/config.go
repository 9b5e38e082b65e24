package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/browserkeeper"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	DatabaseName   = "browserkeeper.db"
	StateFileName  = "instance_state.json"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete browserkeeper configuration
type Configuration struct {
	ConfigPath string // Directory containing config.hcl, the socket and state files
	InstallDir string // Where browser-<version>.zip bundles are dropped
	DataDir    string // Where bundles are extracted to browser_<version>
	HomePage   string // Opened when a launch has no URL
	Debug      bool   // Log at debug level
	Verbose    int    // Verbosity level from -v

	Proxy      ProxyConfig
	Launch     LaunchConfig
	Supervisor SupervisorConfig
}

// ProxyConfig describes how to reach the SOCKS proxy.
type ProxyConfig struct {
	SocksHost string
	SocksPort int
	// ControlAddr selects the control-port gateway when set (host:port).
	ControlAddr string
	// ControlCookie is a cookie file used instead of a keyring password.
	ControlCookie string
}

// LaunchConfig holds the launch pipeline timeouts.
type LaunchConfig struct {
	InitTimeout         time.Duration
	ProxyTimeoutInitial time.Duration
	ProxyTimeoutNext    time.Duration
	ProxyPollInterval   time.Duration
	AllowUnmanaged      bool // Launch without asking when a plain browser is running
}

// SupervisorConfig holds process supervision timings.
type SupervisorConfig struct {
	HealthInterval    time.Duration
	DiscoveryWindow   time.Duration
	DiscoveryInterval time.Duration
	ShutdownBudget    time.Duration
}

// HCL parsing structs

type hclConfig struct {
	InstallDir string         `hcl:"install_dir,optional"`
	DataDir    string         `hcl:"data_dir,optional"`
	HomePage   string         `hcl:"home_page,optional"`
	Debug      bool           `hcl:"debug,optional"`
	Proxy      *hclProxy      `hcl:"proxy,block"`
	Launch     *hclLaunch     `hcl:"launch,block"`
	Supervisor *hclSupervisor `hcl:"supervisor,block"`
}

type hclProxy struct {
	SocksHost     string `hcl:"socks_host,optional"`
	SocksPort     int    `hcl:"socks_port,optional"`
	ControlAddr   string `hcl:"control_addr,optional"`
	ControlCookie string `hcl:"control_cookie,optional"`
}

type hclLaunch struct {
	InitTimeout         string `hcl:"init_timeout,optional"`
	ProxyTimeoutInitial string `hcl:"proxy_timeout_initial,optional"`
	ProxyTimeoutNext    string `hcl:"proxy_timeout_next,optional"`
	ProxyPollInterval   string `hcl:"proxy_poll_interval,optional"`
	AllowUnmanaged      bool   `hcl:"allow_unmanaged,optional"`
}

type hclSupervisor struct {
	HealthInterval    string `hcl:"health_interval,optional"`
	DiscoveryWindow   string `hcl:"discovery_window,optional"`
	DiscoveryInterval string `hcl:"discovery_interval,optional"`
	ShutdownBudget    string `hcl:"shutdown_budget,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct.
// Zero values are replaced with defaults; relative directories are resolved
// against the directory holding the file.
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	configPath := filepath.Dir(filename)
	cfg := GetDefaultConfig(configPath)
	cfg.Debug = hclCfg.Debug
	if hclCfg.InstallDir != "" {
		cfg.InstallDir = resolvePath(configPath, hclCfg.InstallDir)
	}
	if hclCfg.DataDir != "" {
		cfg.DataDir = resolvePath(configPath, hclCfg.DataDir)
	}
	if hclCfg.HomePage != "" {
		cfg.HomePage = hclCfg.HomePage
	}

	if p := hclCfg.Proxy; p != nil {
		if p.SocksHost != "" {
			cfg.Proxy.SocksHost = p.SocksHost
		}
		if p.SocksPort != 0 {
			if p.SocksPort < 1 || p.SocksPort > 65535 {
				return nil, fmt.Errorf("proxy.socks_port %d is out of range", p.SocksPort)
			}
			cfg.Proxy.SocksPort = p.SocksPort
		}
		cfg.Proxy.ControlAddr = p.ControlAddr
		if p.ControlCookie != "" {
			cfg.Proxy.ControlCookie = resolvePath(configPath, p.ControlCookie)
		}
	}

	var errs []error
	if l := hclCfg.Launch; l != nil {
		cfg.Launch.AllowUnmanaged = l.AllowUnmanaged
		errs = append(errs,
			parseDuration("launch.init_timeout", l.InitTimeout, &cfg.Launch.InitTimeout),
			parseDuration("launch.proxy_timeout_initial", l.ProxyTimeoutInitial, &cfg.Launch.ProxyTimeoutInitial),
			parseDuration("launch.proxy_timeout_next", l.ProxyTimeoutNext, &cfg.Launch.ProxyTimeoutNext),
			parseDuration("launch.proxy_poll_interval", l.ProxyPollInterval, &cfg.Launch.ProxyPollInterval),
		)
	}
	if s := hclCfg.Supervisor; s != nil {
		errs = append(errs,
			parseDuration("supervisor.health_interval", s.HealthInterval, &cfg.Supervisor.HealthInterval),
			parseDuration("supervisor.discovery_window", s.DiscoveryWindow, &cfg.Supervisor.DiscoveryWindow),
			parseDuration("supervisor.discovery_interval", s.DiscoveryInterval, &cfg.Supervisor.DiscoveryInterval),
			parseDuration("supervisor.shutdown_budget", s.ShutdownBudget, &cfg.Supervisor.ShutdownBudget),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseDuration sets *dst when value is non-empty. Zero and negative
// durations are rejected.
func parseDuration(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: must be positive, got %s", name, value)
	}
	*dst = d
	return nil
}

func resolvePath(base, p string) string {
	if len(p) > 1 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// GetDefaultConfig returns a Configuration with default values rooted at configPath
func GetDefaultConfig(configPath string) *Configuration {
	return &Configuration{
		ConfigPath: configPath,
		InstallDir: filepath.Join(configPath, "bundles"),
		DataDir:    filepath.Join(configPath, "browser"),
		HomePage:   "https://check.torproject.org/",
		Proxy: ProxyConfig{
			SocksHost: "127.0.0.1",
			SocksPort: 9150,
		},
		Launch: LaunchConfig{
			InitTimeout:         60 * time.Second,
			ProxyTimeoutInitial: 30 * time.Second,
			ProxyTimeoutNext:    time.Second,
			ProxyPollInterval:   time.Second,
		},
		Supervisor: SupervisorConfig{
			HealthInterval:    30 * time.Second,
			DiscoveryWindow:   5 * time.Second,
			DiscoveryInterval: time.Second,
			ShutdownBudget:    2500 * time.Millisecond,
		},
	}
}

// LoadOrDefault loads config.hcl from configPath, falling back to defaults
// when the file does not exist.
func LoadOrDefault(configPath string) (*Configuration, error) {
	file := filepath.Join(configPath, ConfigFileName)
	if !ConfigExists(file) {
		return GetDefaultConfig(configPath), nil
	}
	return LoadConfig(file)
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}
