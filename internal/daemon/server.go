package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.olrik.dev/browserkeeper/internal/core"
	"go.olrik.dev/browserkeeper/internal/db"
	"go.olrik.dev/browserkeeper/internal/launcher"
	"go.olrik.dev/browserkeeper/internal/procscan"
	"go.olrik.dev/browserkeeper/internal/proxy"
	"go.olrik.dev/browserkeeper/internal/supervisor"
)

// Daemon hosts the launch pipeline and the browser processes behind a unix
// socket.
type Daemon struct {
	mu           sync.Mutex
	listener     net.Listener
	shutdownOnce sync.Once
	stateMu      sync.Mutex      // orders instance snapshots with their writes
	logBroadcast *LogBroadcaster // For streaming logs to clients
	logLevel     *slog.LevelVar
	database     *db.DB
	enumerator   procscan.Enumerator
	supervisor   *supervisor.Supervisor
	launcher     *launcher.Coordinator
	proxy        *proxy.Client // set once initialization has verified the gateway
	goos         string
	started      time.Time
	ctx          context.Context
	cancelFunc   context.CancelFunc

	initFunc   func(ctx context.Context) (launcher.Environment, error)
	newGateway func(core.ProxyConfig) proxy.Gateway
	exit       func(code int)
}

// LaunchResult is the Data of a LAUNCH response.
type LaunchResult struct {
	Instance  *supervisor.Info `json:"instance,omitempty"`
	NewLaunch bool             `json:"new_launch"`
	Cancelled bool             `json:"cancelled,omitempty"`
}

// DaemonStatus is the Data of a STATUS response.
type DaemonStatus struct {
	Version     string                  `json:"version"`
	PID         int                     `json:"pid"`
	Started     time.Time               `json:"started"`
	Initialized bool                    `json:"initialized"`
	InitError   string                  `json:"init_error,omitempty"`
	Debug       bool                    `json:"debug"`
	Busy        bool                    `json:"busy"`
	ProxyWait   launcher.ProxyWaitState `json:"proxy_wait"`
	Instances   []supervisor.Info       `json:"instances"`
}

func New() *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		logBroadcast: NewLogBroadcaster(1000),
		logLevel:     new(slog.LevelVar),
		goos:         runtime.GOOS,
		started:      time.Now(),
		ctx:          ctx,
		cancelFunc:   cancel,
		newGateway:   newGateway,
		exit:         os.Exit,
	}
	d.initFunc = d.initialize
	return d
}

// config returns the current configuration. core.Config is swapped on reload.
func (d *Daemon) config() *core.Configuration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return core.Config
}

// wire builds the supervisor and the launch coordinator from the
// configuration. It runs after setupLogging so both log to the clients.
func (d *Daemon) wire() {
	cfg := d.config()
	logger := slog.Default()

	if d.enumerator == nil {
		d.enumerator = procscan.New(d.goos, nil, logger)
	}
	d.supervisor = supervisor.New(supervisor.Options{
		Enumerator:        d.enumerator,
		Matcher:           procscan.TargetMatcher(d.goos),
		HealthCheck:       d.proxyReady,
		HealthInterval:    cfg.Supervisor.HealthInterval,
		DiscoveryWindow:   cfg.Supervisor.DiscoveryWindow,
		DiscoveryInterval: cfg.Supervisor.DiscoveryInterval,
		ShutdownBudget:    cfg.Supervisor.ShutdownBudget,
		GOOS:              d.goos,
		OnEvent:           d.onBrowserEvent,
		OnBusy: func(busy bool) {
			slog.Debug("Browser activity changed", "busy", busy)
		},
		Logger: logger,
	})
	d.launcher = launcher.New(launcher.Options{
		Spawner:             d.supervisor,
		Enumerator:          d.enumerator,
		Confirmer:           launcher.ConfirmFunc(d.confirmUnmanaged),
		GOOS:                d.goos,
		SocksHost:           cfg.Proxy.SocksHost,
		HomePage:            cfg.HomePage,
		InitTimeout:         cfg.Launch.InitTimeout,
		ProxyTimeoutInitial: cfg.Launch.ProxyTimeoutInitial,
		ProxyTimeoutNext:    cfg.Launch.ProxyTimeoutNext,
		ProxyPollInterval:   cfg.Launch.ProxyPollInterval,
		Logger:              logger,
	})
}

func (d *Daemon) Run() {
	d.setDebug(core.Config.Debug || core.Config.Verbose > 0)
	d.setupLogging()
	d.wire()

	dbPath := filepath.Join(core.Config.ConfigPath, core.DatabaseName)
	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", dbPath)
	} else {
		// Closed in shutdown() once the last events are written
		d.database = database
		slog.Info("Database opened", "path", dbPath)

		version := core.FormatVersion(core.Version)
		if err := d.database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		// A socket file nobody answers on is left over from a crash
		if _, statErr := os.Stat(socketPath); statErr == nil {
			conn, dialErr := net.Dial("unix", socketPath)
			if dialErr == nil {
				conn.Close()
				slog.Error("Fatal: Daemon is already running")
				d.exit(1)
				return
			}
			slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
			if removeErr := os.Remove(socketPath); removeErr != nil {
				slog.Error(fmt.Sprintf("Fatal: Could not remove stale socket: %v", removeErr))
				d.exit(1)
				return
			}
			listener, err = net.Listen("unix", socketPath)
		}
		if err != nil {
			slog.Error(fmt.Sprintf("Fatal: Could not create socket listener: %v", err))
			d.exit(1)
			return
		}
	}

	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	d.listener = listener
	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	if orphansKilled := d.cleanOrphanBrowsers(); orphansKilled > 0 {
		slog.Info("Cleaned up browsers from previous daemon", "count", orphansKilled)
	}

	d.watchConfig()

	d.launcher.Start(d.ctx)
	d.launcher.Initialize(d.ctx, d.initFunc)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-shutdownChan
		slog.Info("Shutdown signal received. Closing all browsers.")
		d.stop()
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := strings.ToUpper(parts[0]), parts[1:]

	// Clients poll STATUS and VERSION
	switch {
	case command == "STATUS" || command == "VERSION":
		slog.Debug(fmt.Sprintf("Executing command: %s", command))
	case len(args) > 0:
		slog.Info(fmt.Sprintf("Executing command: %s %v", command, args))
	default:
		slog.Info(fmt.Sprintf("Executing command: %s", command))
	}

	var response Response
	switch command {
	case "LAUNCH":
		response = d.launchBrowser(args)
	case "STATUS":
		response = d.getStatus()
	case "VERSION":
		response = d.getVersion()
	case "DEBUG":
		response = d.toggleDebug(args)
	case "LOGS":
		historyLines := DefaultHistoryLines
		if len(args) >= 1 {
			if n, err := strconv.Atoi(args[0]); err == nil && n >= 0 {
				historyLines = n
			}
		}
		d.handleLogs(conn, historyLines)
		return
	case "UNLOAD":
		response = d.unload()
		if response.HasError() {
			break
		}
		conn.Write([]byte(response.ToJSON()))
		conn.Close()
		slog.Info("Unload requested. Shutting down daemon.")
		d.stop()
		return
	case "STOP":
		response = d.stopDaemon()
		// Send response before shutting down
		conn.Write([]byte(response.ToJSON()))
		conn.Close()
		slog.Info("Stop command received. Shutting down daemon.")
		d.stop()
		return
	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), StatusError)
	}

	conn.Write([]byte(response.ToJSON()))
}

// parseLaunchArgs parses "<url|-> [new_window] [allow_unmanaged] [detach]".
func parseLaunchArgs(args []string) (req launcher.Request, detached bool, err error) {
	if len(args) == 0 {
		return req, false, fmt.Errorf("usage: LAUNCH <url|-> [new_window] [allow_unmanaged] [detach]")
	}
	if args[0] != "-" {
		req.URL = args[0]
	}
	for _, opt := range args[1:] {
		switch opt {
		case "new_window":
			req.NewWindow = true
		case "allow_unmanaged":
			req.AllowUnmanaged = true
		case "detach":
			detached = true
		default:
			return req, false, fmt.Errorf("unknown LAUNCH option %q", opt)
		}
	}
	return req, detached, nil
}

// launchBrowser queues a launch. Unless detached it answers once the
// pipeline is done with the request.
func (d *Daemon) launchBrowser(args []string) Response {
	response := Response{}

	req, detached, err := parseLaunchArgs(args)
	if err != nil {
		response.AddMessage(err.Error(), StatusError)
		return response
	}

	result := d.launcher.Launch(req)
	if detached {
		response.AddMessage("Launch queued", StatusInfo)
		return response
	}

	res := <-result
	switch {
	case errors.Is(res.Err, launcher.ErrCancelled):
		response.AddMessage("Another browser is running and would receive links meant for this one", StatusWarn)
		response.AddData(LaunchResult{Cancelled: true})
	case res.Err != nil:
		response.AddMessage(fmt.Sprintf("Launch failed: %v", res.Err), StatusError)
	default:
		pid := res.Instance.DiscoveredPID
		if pid < 0 {
			pid = res.Instance.PID
		}
		if res.NewLaunch {
			response.AddMessage(fmt.Sprintf("Started browser (pid %d)", pid), StatusInfo)
		} else {
			response.AddMessage("Opened in the running browser", StatusInfo)
		}
		response.AddData(LaunchResult{Instance: &res.Instance, NewLaunch: res.NewLaunch})
	}
	return response
}

func (d *Daemon) getStatus() Response {
	response := Response{}

	initialized, initErr := d.launcher.Initialized()
	status := DaemonStatus{
		Version:     core.Version,
		PID:         os.Getpid(),
		Started:     d.started,
		Initialized: initialized,
		Debug:       d.logLevel.Level() <= slog.LevelDebug,
		Busy:        d.supervisor.Busy(),
		ProxyWait:   d.launcher.ProxyWait(),
		Instances:   []supervisor.Info{},
	}
	if initErr != nil {
		status.InitError = initErr.Error()
	}
	for _, info := range d.supervisor.Instances() {
		status.Instances = append(status.Instances, supervisor.Stats(info))
	}

	switch {
	case initErr != nil:
		response.AddMessage(fmt.Sprintf("Initialization failed: %v", initErr), StatusError)
	case !initialized:
		response.AddMessage("Initializing", StatusInfo)
	case len(status.Instances) == 0:
		response.AddMessage("No browsers running", StatusWarn)
	default:
		response.AddMessage("OK", StatusInfo)
	}
	response.AddData(status)

	return response
}

func (d *Daemon) getVersion() Response {
	response := Response{}

	response.AddMessage("OK", StatusInfo)
	info := core.GetBuildInfo()
	response.AddData(map[string]interface{}{
		"version":    core.Version,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
		"pid":        os.Getpid(),
	})

	return response
}

func (d *Daemon) toggleDebug(args []string) Response {
	response := Response{}

	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		response.AddMessage("Usage: DEBUG on|off", StatusError)
		return response
	}
	on := args[0] == "on"
	d.setDebug(on)
	slog.Info("Debug logging changed", "debug", on)
	response.AddMessage(fmt.Sprintf("Debug logging %s", args[0]), StatusInfo)
	return response
}

// unload is refused while browsers are running.
func (d *Daemon) unload() Response {
	response := Response{}

	if n := d.supervisor.Count(); n > 0 {
		response.AddMessage(fmt.Sprintf("Cannot unload while %d browser(s) are running", n), StatusError)
		return response
	}
	response.AddMessage("Unloading daemon...", StatusInfo)
	return response
}

func (d *Daemon) stopDaemon() Response {
	response := Response{}

	if n := d.supervisor.Count(); n > 0 {
		response.AddMessage(fmt.Sprintf("Stopping daemon and closing %d browser(s)...", n), StatusInfo)
	} else {
		response.AddMessage("Stopping daemon...", StatusInfo)
	}

	return response
}

// proxyReady is the supervisor health check.
func (d *Daemon) proxyReady(ctx context.Context) bool {
	d.mu.Lock()
	client := d.proxy
	d.mu.Unlock()
	if client == nil {
		return false
	}
	return client.RequestActivation(ctx)
}

// confirmUnmanaged decides for the launch pipeline whether to start next
// to a browser we do not manage. The CLI asks the user and resends the
// request with allow_unmanaged.
func (d *Daemon) confirmUnmanaged(ctx context.Context, req launcher.Request, pids []int) bool {
	if req.AllowUnmanaged || d.config().Launch.AllowUnmanaged {
		slog.Warn("Launching next to an unmanaged browser", "pids", pids)
		return true
	}
	slog.Warn("An unmanaged browser is running and would receive links meant for ours", "pids", pids)
	return false
}

// onBrowserEvent records lifecycle events and keeps the state file current.
func (d *Daemon) onBrowserEvent(ev supervisor.Event) {
	pid := ev.Instance.DiscoveredPID
	if pid < 0 {
		pid = ev.Instance.PID
	}

	var details string
	switch ev.Type {
	case supervisor.EventSpawn:
		details = ev.Instance.Command
	case supervisor.EventExit:
		details = "exited"
		if ev.Err != nil {
			details = ev.Err.Error()
		}
	case supervisor.EventDestroy:
		details = "destroyed"
	}

	if d.database != nil {
		if err := d.database.LogBrowserEvent(ev.Instance.ID, pid, string(ev.Type), details); err != nil {
			slog.Error("Failed to log browser event", "error", err, "instance", ev.Instance.ID)
		}
	}

	d.saveInstanceState()
}

// saveInstanceState writes the current instances to the state file. The
// snapshot and the write happen under one lock so a stale snapshot never
// replaces a newer one. It is a no-op once shutdown has begun.
func (d *Daemon) saveInstanceState() {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.ctx.Err() != nil {
		return
	}
	if err := SaveInstanceState(d.supervisor.Instances()); err != nil {
		slog.Warn("Failed to save instance state", "error", err)
	}
}

// stop shuts down and exits the process.
func (d *Daemon) stop() {
	d.shutdown()
	if d.listener != nil {
		d.listener.Close()
	}
	os.Remove(core.GetPIDFilePath())
	d.exit(0)
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		// Stops the config watcher and in-flight waits
		if d.cancelFunc != nil {
			d.cancelFunc()
		}

		if d.launcher != nil {
			d.launcher.Stop()
		}

		browserCount := 0
		if d.supervisor != nil {
			n, err := d.supervisor.Close()
			if err != nil {
				slog.Error("Failed to close all browsers", "error", err)
			}
			browserCount = n
		}

		d.stateMu.Lock()
		if err := RemoveInstanceStateFile(); err != nil {
			slog.Warn("Failed to remove instance state file", "error", err)
		}
		d.stateMu.Unlock()

		if d.database != nil {
			version := core.FormatVersion(core.Version)
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d, browsers closed: %d", version, os.Getpid(), browserCount)
			if err := d.database.LogDaemonEvent("stop", details); err != nil {
				slog.Error("Failed to log daemon stop event", "error", err)
			}
			if err := d.database.Flush(); err != nil {
				slog.Error("Failed to flush database during shutdown", "error", err)
			}
			if err := d.database.Close(); err != nil {
				slog.Error("Failed to close database during shutdown", "error", err)
			} else {
				slog.Info("Database closed successfully")
			}
		}
	})
}
