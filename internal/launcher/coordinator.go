// Package launcher runs browser launch requests one at a time: it waits for
// startup initialization and proxy readiness, checks for a conflicting
// unmanaged browser, reconciles the profile and spawns the browser.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.olrik.dev/browserkeeper/internal/bundle"
	"go.olrik.dev/browserkeeper/internal/prefs"
	"go.olrik.dev/browserkeeper/internal/procscan"
	"go.olrik.dev/browserkeeper/internal/proxy"
	"go.olrik.dev/browserkeeper/internal/supervisor"
)

var (
	// ErrCancelled is returned when the user declines to launch next to an
	// unmanaged browser. It is a cancellation, not a failure.
	ErrCancelled = errors.New("launch cancelled")
	// ErrShutdown is returned for requests abandoned by Stop.
	ErrShutdown = errors.New("launcher is shutting down")
	// ErrQueueFull is returned when too many requests are pending.
	ErrQueueFull = errors.New("launch queue full")
)

// Defaults for Options.
const (
	DefaultInitTimeout         = 60 * time.Second
	DefaultProxyTimeoutInitial = 30 * time.Second
	DefaultProxyTimeoutNext    = time.Second
	DefaultProxyPollInterval   = time.Second
	DefaultQueueSize           = 32
)

// Proxy is the part of the proxy client the coordinator needs.
type Proxy interface {
	GetConfig(ctx context.Context) (proxy.Config, error)
	RequestActivation(ctx context.Context) bool
}

// Spawner starts and counts browser processes.
type Spawner interface {
	Spawn(ctx context.Context, c supervisor.Command) (*supervisor.Instance, error)
	Count() int
}

// Confirmer decides whether to launch while unmanaged browsers are running.
type Confirmer interface {
	ConfirmUnmanaged(ctx context.Context, req Request, pids []int) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req Request, pids []int) bool

func (f ConfirmFunc) ConfirmUnmanaged(ctx context.Context, req Request, pids []int) bool {
	return f(ctx, req, pids)
}

// Environment is produced by startup initialization.
type Environment struct {
	Dir   string // selected install directory
	Proxy Proxy
}

// Request is one launch request. An empty URL opens the home page.
type Request struct {
	URL            string
	NewWindow      bool
	AllowUnmanaged bool
}

// Result is delivered exactly once per request.
type Result struct {
	Instance  supervisor.Info
	NewLaunch bool
	Err       error
}

// ProxyWaitState is the adaptive proxy wait: only the first wait of the
// process lifetime uses the long timeout.
type ProxyWaitState struct {
	Waited        bool `json:"waited"`
	LastSucceeded bool `json:"last_succeeded"`
}

// Options configures a Coordinator.
type Options struct {
	Spawner    Spawner
	Enumerator procscan.Enumerator
	Confirmer  Confirmer
	Reconciler *prefs.Reconciler
	// Runner runs osascript on macOS.
	Runner procscan.CommandRunner

	GOOS      string
	SocksHost string
	HomePage  string

	InitTimeout         time.Duration
	ProxyTimeoutInitial time.Duration
	ProxyTimeoutNext    time.Duration
	ProxyPollInterval   time.Duration
	QueueSize           int

	Logger *slog.Logger
}

type job struct {
	req    Request
	result chan Result
}

// Coordinator serializes launch requests onto a single worker.
type Coordinator struct {
	opts   Options
	layout bundle.Layout

	queue chan job

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	worker  sync.WaitGroup

	initOnce sync.Once
	initDone chan struct{}
	env      Environment
	initErr  error

	proxyWait ProxyWaitState // guarded by mu
}

// New returns a Coordinator with defaults applied to opts.
func New(opts Options) *Coordinator {
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.SocksHost == "" {
		opts.SocksHost = "127.0.0.1"
	}
	if opts.HomePage == "" {
		opts.HomePage = prefs.DefaultHomePage
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.ProxyTimeoutInitial <= 0 {
		opts.ProxyTimeoutInitial = DefaultProxyTimeoutInitial
	}
	if opts.ProxyTimeoutNext <= 0 {
		opts.ProxyTimeoutNext = DefaultProxyTimeoutNext
	}
	if opts.ProxyPollInterval <= 0 {
		opts.ProxyPollInterval = DefaultProxyPollInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Runner == nil {
		opts.Runner = procscan.ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reconciler == nil {
		opts.Reconciler = prefs.NewReconciler(opts.Logger)
	}
	return &Coordinator{
		opts:     opts,
		layout:   bundle.NewLayout(opts.GOOS),
		queue:    make(chan job, opts.QueueSize),
		initDone: make(chan struct{}),
	}
}

// Start runs the launch worker until Stop or ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.worker.Add(1)
	go c.run(ctx)
}

// Stop abandons queued requests with ErrShutdown and waits for the worker.
// A request already past its waits still spawns, but stops looking for the
// browser pid.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.worker.Wait()
	c.abandonQueued()
}

// Initialize runs the one-time startup initialization in the background.
// Requests wait for it; a failure is cached and fails every request.
func (c *Coordinator) Initialize(ctx context.Context, fn func(ctx context.Context) (Environment, error)) {
	c.initOnce.Do(func() {
		go func() {
			env, err := fn(ctx)
			c.env, c.initErr = env, err
			if err != nil {
				c.opts.Logger.Error("Initialization failed", "error", err)
			} else {
				c.opts.Logger.Info("Initialization complete", "dir", env.Dir)
			}
			close(c.initDone)
		}()
	})
}

// Initialized reports whether initialization finished, and its error.
func (c *Coordinator) Initialized() (bool, error) {
	select {
	case <-c.initDone:
		return true, c.initErr
	default:
		return false, nil
	}
}

// Launch enqueues req and returns immediately. The channel receives exactly
// one Result.
func (c *Coordinator) Launch(req Request) <-chan Result {
	result := make(chan Result, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		result <- Result{Err: ErrShutdown}
		return result
	}

	c.opts.Logger.Info("Launch requested", "url", displayURL(req.URL), "new_window", req.NewWindow)
	select {
	case c.queue <- job{req: req, result: result}:
	default:
		result <- Result{Err: ErrQueueFull}
	}
	return result
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.worker.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			res := c.launch(ctx, j.req)
			switch {
			case res.Err == nil:
			case errors.Is(res.Err, ErrCancelled):
				c.opts.Logger.Info("Launch cancelled", "url", displayURL(j.req.URL))
			default:
				c.opts.Logger.Error("Launch failed", "url", displayURL(j.req.URL), "error", res.Err)
			}
			j.result <- res
		}
	}
}

func (c *Coordinator) abandonQueued() {
	for {
		select {
		case j := <-c.queue:
			j.result <- Result{Err: ErrShutdown}
		default:
			return
		}
	}
}

// launch walks one request through the pipeline.
func (c *Coordinator) launch(ctx context.Context, req Request) Result {
	env, err := c.waitInit(ctx)
	if err != nil {
		return Result{Err: err}
	}

	if err := c.waitProxy(ctx, env.Proxy); err != nil {
		return Result{Err: err}
	}

	newLaunch := c.opts.Spawner.Count() == 0
	if newLaunch {
		if err := c.checkUnmanaged(ctx, req); err != nil {
			return Result{Err: err}
		}
		if err := c.reconcile(ctx, env); err != nil {
			return Result{NewLaunch: true, Err: err}
		}
	}

	cmd, err := BuildCommand(c.layout, env.Dir, req.URL, req.NewWindow, newLaunch)
	if err != nil {
		return Result{NewLaunch: newLaunch, Err: err}
	}
	inst, err := c.opts.Spawner.Spawn(ctx, cmd)
	if err != nil {
		return Result{NewLaunch: newLaunch, Err: fmt.Errorf("failed to start browser: %w", err)}
	}

	if c.opts.GOOS == "darwin" && newLaunch && inst.DiscoveredPID() > 0 {
		c.bringToFront(ctx, inst.DiscoveredPID())
	}
	return Result{Instance: inst.Info(), NewLaunch: newLaunch}
}

func (c *Coordinator) waitInit(ctx context.Context) (Environment, error) {
	select {
	case <-c.initDone:
	default:
		c.opts.Logger.Info("Waiting for initialization to complete")
		timer := time.NewTimer(c.opts.InitTimeout)
		defer timer.Stop()
		select {
		case <-c.initDone:
		case <-timer.C:
			return Environment{}, fmt.Errorf("initialization failed: timed out after %s", c.opts.InitTimeout)
		case <-ctx.Done():
			return Environment{}, ErrShutdown
		}
	}
	if c.initErr != nil {
		return Environment{}, fmt.Errorf("initialization failed: %w", c.initErr)
	}
	return c.env, nil
}

// waitProxy polls readiness until it succeeds or the adaptive timeout runs
// out. Only a wait that follows a timed out wait is short. A timeout is
// logged and the launch goes ahead.
func (c *Coordinator) waitProxy(ctx context.Context, p Proxy) error {
	c.mu.Lock()
	timeout := c.opts.ProxyTimeoutInitial
	if c.proxyWait.Waited && !c.proxyWait.LastSucceeded {
		timeout = c.opts.ProxyTimeoutNext
	}
	c.proxyWait.Waited = true
	c.mu.Unlock()

	start := time.Now()
	for {
		if p.RequestActivation(ctx) {
			c.setProxySucceeded(true)
			return nil
		}
		if time.Since(start) > timeout {
			c.setProxySucceeded(false)
			c.opts.Logger.Warn("Timeout waiting for proxy to start", "timeout", timeout)
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrShutdown
		case <-time.After(c.opts.ProxyPollInterval):
		}
	}
}

func (c *Coordinator) setProxySucceeded(ok bool) {
	c.mu.Lock()
	c.proxyWait.LastSucceeded = ok
	c.mu.Unlock()
}

// ProxyWait returns the adaptive wait state.
func (c *Coordinator) ProxyWait() ProxyWaitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxyWait
}

// checkUnmanaged asks for confirmation when an unmanaged browser is running.
// macOS keeps the two apart, so the check is skipped there.
func (c *Coordinator) checkUnmanaged(ctx context.Context, req Request) error {
	if c.opts.GOOS == "darwin" || c.opts.Enumerator == nil {
		return nil
	}
	pids := c.opts.Enumerator.Discover(ctx, procscan.UnmanagedMatcher(c.opts.GOOS))
	if len(pids) == 0 {
		return nil
	}
	sorted := pids.Sorted()
	c.opts.Logger.Debug("Unmanaged browser processes found", "pids", sorted)

	ok := req.AllowUnmanaged
	if !ok && c.opts.Confirmer != nil {
		ok = c.opts.Confirmer.ConfirmUnmanaged(ctx, req, sorted)
	}
	if !ok {
		return ErrCancelled
	}
	return nil
}

func (c *Coordinator) reconcile(ctx context.Context, env Environment) error {
	cfg, err := env.Proxy.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to read proxy config: %w", err)
	}
	changed, err := c.opts.Reconciler.ReconcileProfile(c.layout.ProfileDir(env.Dir), c.opts.SocksHost, cfg.SocksPort, c.opts.HomePage)
	if err != nil {
		return err
	}
	if changed {
		c.opts.Logger.Info("Browser preferences updated", "socks_port", cfg.SocksPort)
	}
	return nil
}

func (c *Coordinator) bringToFront(ctx context.Context, pid int) {
	osascript, err := procscan.FindCommand("osascript")
	if err != nil {
		osascript = "osascript"
	}
	if _, stderr, _, err := c.opts.Runner.Run(ctx, osascript, "-e", frontmostScript(pid)); err != nil {
		c.opts.Logger.Debug("Could not bring browser to front", "pid", pid, "stderr", string(stderr), "error", err)
	}
}

func displayURL(url string) string {
	if url == "" {
		return "<default>"
	}
	return url
}
