package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/bundle"
	"go.olrik.dev/browserkeeper/internal/core"
	"go.olrik.dev/browserkeeper/internal/daemon"
	"go.olrik.dev/browserkeeper/internal/db"
)

func NewInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the newest browser bundle now",
		Long: `Prune old versions and install the newest bundle from the install directory,
migrating the profile of the previous install.

The daemon does the same on startup, so this is only needed to prepare an
install ahead of time. It refuses to run while the daemon is running.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("STATUS"); err == nil {
				slog.Error("The daemon is running. Stop it with 'browserkeeper stop' first.")
				os.Exit(1)
			}

			cfg := core.Config
			database, err := db.Open(filepath.Join(cfg.ConfigPath, core.DatabaseName))
			if err != nil {
				slog.Warn(fmt.Sprintf("Install history will not be recorded: %v", err))
			} else {
				defer database.Close()
			}

			dir, err := daemon.PrepareInstall(cmd.Context(), cfg, database, slog.Default())
			if errors.Is(err, bundle.ErrNoInstall) {
				slog.Error(fmt.Sprintf("No browser bundle found in %s", cfg.InstallDir))
				os.Exit(1)
			}
			exitOnError("Install failed", err)

			slog.Info(fmt.Sprintf("Browser installed in %s", dir))
		},
	}
}
