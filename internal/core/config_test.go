package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadConfig(t *testing.T) {
	configPath := writeConfig(t, `# Test configuration
install_dir = "/opt/bundles"
data_dir    = "data"
home_page   = "https://example.org/"
debug       = true

proxy {
  socks_port   = 9050
  control_addr = "127.0.0.1:9051"
}

launch {
  init_timeout          = "2m"
  proxy_timeout_initial = "45s"
  allow_unmanaged       = true
}

supervisor {
  health_interval = "10s"
  shutdown_budget = "5s"
}
`)

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load HCL config: %v", err)
	}

	dir := filepath.Dir(configPath)
	if config.ConfigPath != dir {
		t.Errorf("Expected ConfigPath=%s, got %s", dir, config.ConfigPath)
	}
	if config.InstallDir != "/opt/bundles" {
		t.Errorf("Expected absolute install_dir to be kept, got %s", config.InstallDir)
	}
	if config.DataDir != filepath.Join(dir, "data") {
		t.Errorf("Expected relative data_dir to resolve against the config dir, got %s", config.DataDir)
	}
	if config.HomePage != "https://example.org/" || !config.Debug {
		t.Errorf("Unexpected top level settings: %+v", config)
	}

	if config.Proxy.SocksHost != "127.0.0.1" {
		t.Errorf("Expected default socks_host, got %s", config.Proxy.SocksHost)
	}
	if config.Proxy.SocksPort != 9050 {
		t.Errorf("Expected socks_port=9050, got %d", config.Proxy.SocksPort)
	}
	if config.Proxy.ControlAddr != "127.0.0.1:9051" {
		t.Errorf("Expected control_addr, got %q", config.Proxy.ControlAddr)
	}

	if config.Launch.InitTimeout != 2*time.Minute {
		t.Errorf("Expected init_timeout=2m, got %s", config.Launch.InitTimeout)
	}
	if config.Launch.ProxyTimeoutInitial != 45*time.Second {
		t.Errorf("Expected proxy_timeout_initial=45s, got %s", config.Launch.ProxyTimeoutInitial)
	}
	if config.Launch.ProxyTimeoutNext != time.Second {
		t.Errorf("Expected default proxy_timeout_next, got %s", config.Launch.ProxyTimeoutNext)
	}
	if !config.Launch.AllowUnmanaged {
		t.Error("Expected allow_unmanaged=true")
	}

	if config.Supervisor.HealthInterval != 10*time.Second {
		t.Errorf("Expected health_interval=10s, got %s", config.Supervisor.HealthInterval)
	}
	if config.Supervisor.DiscoveryWindow != 5*time.Second {
		t.Errorf("Expected default discovery_window, got %s", config.Supervisor.DiscoveryWindow)
	}
	if config.Supervisor.ShutdownBudget != 5*time.Second {
		t.Errorf("Expected shutdown_budget=5s, got %s", config.Supervisor.ShutdownBudget)
	}
}

func TestLoadConfigEmptyFileUsesDefaults(t *testing.T) {
	configPath := writeConfig(t, "")

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load empty config: %v", err)
	}

	want := GetDefaultConfig(filepath.Dir(configPath))
	if config.InstallDir != want.InstallDir || config.DataDir != want.DataDir {
		t.Errorf("Expected default directories, got %s and %s", config.InstallDir, config.DataDir)
	}
	if config.Launch != want.Launch {
		t.Errorf("Expected default launch settings, got %+v", config.Launch)
	}
	if config.Supervisor != want.Supervisor {
		t.Errorf("Expected default supervisor settings, got %+v", config.Supervisor)
	}
	if config.Proxy.SocksPort != 9150 {
		t.Errorf("Expected default socks_port=9150, got %d", config.Proxy.SocksPort)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "syntax error",
			content: "proxy {",
			wantErr: "failed to parse HCL config",
		},
		{
			name:    "unknown attribute",
			content: `colour = "blue"`,
			wantErr: "failed to parse HCL config",
		},
		{
			name:    "bad duration",
			content: "launch {\n  init_timeout = \"soon\"\n}\n",
			wantErr: "launch.init_timeout",
		},
		{
			name:    "negative duration",
			content: "supervisor {\n  shutdown_budget = \"-1s\"\n}\n",
			wantErr: "must be positive",
		},
		{
			name:    "port out of range",
			content: "proxy {\n  socks_port = 70000\n}\n",
			wantErr: "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()

	config, err := LoadOrDefault(dir)
	if err != nil {
		t.Fatalf("LoadOrDefault without a file failed: %v", err)
	}
	if config.ConfigPath != dir {
		t.Errorf("Expected ConfigPath=%s, got %s", dir, config.ConfigPath)
	}

	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("debug = true\n"), 0644); err != nil {
		t.Fatal(err)
	}
	config, err = LoadOrDefault(dir)
	if err != nil {
		t.Fatalf("LoadOrDefault with a file failed: %v", err)
	}
	if !config.Debug {
		t.Error("Expected debug=true from the file")
	}
}

func TestPaths(t *testing.T) {
	old := Config
	t.Cleanup(func() { Config = old })

	Config = GetDefaultConfig("/tmp/bk")
	if got := GetSocketPath(); got != filepath.Join("/tmp/bk", SocketName) {
		t.Errorf("GetSocketPath() = %s", got)
	}
	if got := GetPIDFilePath(); got != filepath.Join("/tmp/bk", PidFileName) {
		t.Errorf("GetPIDFilePath() = %s", got)
	}
	if got := GetConfigFilePath(); got != filepath.Join("/tmp/bk", ConfigFileName) {
		t.Errorf("GetConfigFilePath() = %s", got)
	}
}

func TestConfigExists(t *testing.T) {
	dir := t.TempDir()
	if ConfigExists(filepath.Join(dir, "nope.hcl")) {
		t.Error("Expected missing file to not exist")
	}
	if !ConfigExists(dir) {
		t.Error("Expected existing path to exist")
	}
}
