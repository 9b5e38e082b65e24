package daemon

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.olrik.dev/browserkeeper/internal/core"
)

// reloadDebounce is how long the watcher waits after the last change.
var reloadDebounce = 500 * time.Millisecond

// reloadConfig re-reads config.hcl. On a parse error the previous
// configuration stays in effect.
func (d *Daemon) reloadConfig() error {
	oldConfig := d.config()

	configPath := core.GetConfigFilePath()
	newConfig, err := core.LoadConfig(configPath)
	if err != nil {
		errMsg := err.Error()
		if idx := strings.Index(errMsg, ":\n"); idx != -1 {
			errMsg = errMsg[:idx]
		}
		slog.Error("Configuration file has errors, keeping previous configuration",
			"file", configPath,
			"error", errMsg)
		return fmt.Errorf("config parse error")
	}

	newConfig.ConfigPath = oldConfig.ConfigPath
	newConfig.Verbose = oldConfig.Verbose

	d.mu.Lock()
	core.Config = newConfig
	d.mu.Unlock()

	d.configChanged(oldConfig, newConfig)
	return nil
}

// configChanged applies what can change without a restart: the debug flag
// and the unmanaged browser policy, which is read per launch.
func (d *Daemon) configChanged(old, cfg *core.Configuration) {
	debug := cfg.Debug || cfg.Verbose > 0
	d.setDebug(debug)
	slog.Info("Configuration changed", "debug", debug)

	if old.InstallDir != cfg.InstallDir || old.DataDir != cfg.DataDir || old.Proxy != cfg.Proxy {
		slog.Warn("Directory and proxy settings take effect after the daemon is restarted")
	}

	if d.database != nil {
		if err := d.database.LogDaemonEvent("config_reload", fmt.Sprintf("debug: %v", debug)); err != nil {
			slog.Error("Failed to log config reload", "error", err)
		}
	}
}

// watchConfig reloads the configuration when config.hcl changes.
func (d *Daemon) watchConfig() {
	configPath := core.GetConfigFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	if err := watcher.Add(configPath); err != nil {
		if !core.ConfigExists(configPath) {
			slog.Info("No configuration file to watch, using defaults", "path", configPath)
		} else {
			slog.Error("Failed to watch config file", "error", err, "path", configPath)
		}
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMutex.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				slog.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)

				// Editors that save by rename drop the file from the watch
				// list, and the new file may not exist yet.
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go func() {
						for attempt := 0; attempt < 5; attempt++ {
							if attempt > 0 {
								time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
							}
							watcher.Remove(configPath)
							if err := watcher.Add(configPath); err == nil {
								slog.Debug("Successfully re-added watch", "path", configPath, "attempt", attempt+1)
								return
							} else if attempt == 4 {
								slog.Error("Failed to re-add watch after multiple attempts", "error", err, "path", configPath)
							}
						}
					}()
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(reloadDebounce, func() {
					slog.Info("Configuration file changed, reloading...", "file", event.Name)
					if err := d.reloadConfig(); err != nil {
						slog.Debug("Config reload failed", "error", err)
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching configuration file for changes", "path", configPath)
}
