package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.olrik.dev/browserkeeper/internal/bundle"
	"go.olrik.dev/browserkeeper/internal/core"
	"go.olrik.dev/browserkeeper/internal/db"
	"go.olrik.dev/browserkeeper/internal/keyring"
	"go.olrik.dev/browserkeeper/internal/launcher"
	"go.olrik.dev/browserkeeper/internal/prefs"
	"go.olrik.dev/browserkeeper/internal/proxy"
)

// PrepareInstall prunes both directories, resolves the current install and
// extracts a newer bundle when there is one. It returns the directory of
// the install to run. database may be nil.
func PrepareInstall(ctx context.Context, cfg *core.Configuration, database *db.DB, logger *slog.Logger) (string, error) {
	for _, dir := range []string{cfg.InstallDir, cfg.DataDir} {
		for _, removed := range bundle.Prune(dir, bundle.KeepVersions) {
			logger.Info("Pruned old version", "path", removed)
			logInstallEvent(database, filepath.Base(removed), "pruned", removed)
		}
	}

	res, err := bundle.Resolve(cfg.InstallDir, cfg.DataDir)
	if err != nil {
		return "", err
	}
	logger.Debug("Resolved versions",
		"bundle", res.BundleVersion,
		"installed", res.InstalledVersion,
		"older_bundles", len(res.OlderBundles))

	dir := res.InstalledDir
	if res.NeedsInstall() {
		logger.Info("Installing browser bundle", "version", res.BundleVersion, "previous", res.InstalledVersion)
		dir, err = bundle.NewInstaller(cfg.DataDir, logger).Install(ctx, res)
		if err != nil {
			logInstallEvent(database, res.BundleVersion, "install_failed", err.Error())
			return "", err
		}
		logInstallEvent(database, res.BundleVersion, "installed", dir)
	}
	if dir == "" {
		return "", bundle.ErrNoInstall
	}
	return dir, nil
}

func logInstallEvent(database *db.DB, version, eventType, details string) {
	if database == nil {
		return
	}
	if err := database.LogInstallEvent(version, eventType, details); err != nil {
		slog.Error("Failed to log install event", "error", err)
	}
}

// newGateway picks the proxy gateway from the configuration: the control
// port when one is configured, otherwise a SOCKS listener probe.
func newGateway(cfg core.ProxyConfig) proxy.Gateway {
	if cfg.ControlAddr == "" {
		return proxy.NewLocalGateway(cfg.SocksHost, cfg.SocksPort)
	}
	gw := proxy.NewControlGateway(cfg.ControlAddr, keyring.ControlPassword)
	gw.CookieFile = cfg.ControlCookie
	return gw
}

// initialize is the startup work every launch waits for.
func (d *Daemon) initialize(ctx context.Context) (launcher.Environment, error) {
	cfg := d.config()
	logger := slog.Default()

	dir, err := PrepareInstall(ctx, cfg, d.database, logger)
	if err != nil {
		return launcher.Environment{}, err
	}

	client, err := proxy.NewClient(d.newGateway(cfg.Proxy), logger)
	if err != nil {
		return launcher.Environment{}, err
	}
	d.mu.Lock()
	d.proxy = client
	d.mu.Unlock()

	// The launch pipeline reconciles again on every new launch, so a proxy
	// that is not up yet only costs a warning here.
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pc, err := client.GetConfig(rctx)
	if err != nil {
		logger.Warn("Could not read proxy configuration, profile left as is", "error", err)
	} else {
		profile := bundle.NewLayout(d.goos).ProfileDir(dir)
		changed, err := prefs.NewReconciler(logger).ReconcileProfile(profile, cfg.Proxy.SocksHost, pc.SocksPort, cfg.HomePage)
		if err != nil {
			return launcher.Environment{}, fmt.Errorf("failed to prepare profile: %w", err)
		}
		logger.Debug("Profile reconciled", "profile", profile, "changed", changed)
	}

	if d.database != nil {
		if err := d.database.LogDaemonEvent("initialized", dir); err != nil {
			slog.Error("Failed to log daemon event", "error", err)
		}
	}
	return launcher.Environment{Dir: dir, Proxy: client}, nil
}
