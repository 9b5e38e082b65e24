package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/core"
	"go.olrik.dev/browserkeeper/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the browserkeeper daemon",
		Long: `Start the browserkeeper daemon in the background.

The daemon installs new browser bundles, prepares the profile and supervises
the browsers it launches. It keeps running until stopped with
'browserkeeper stop', or until 'browserkeeper unload' finds no browser running.

If the daemon is already running, this command will report its version.`,
		Aliases: []string{"startup", "boot"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("STATUS"); err == nil {
				response, _ := daemon.SendCommand("VERSION")
				var info struct {
					Version string `json:"version"`
				}
				if response.DecodeData(&info) == nil && info.Version != "" {
					slog.Info(fmt.Sprintf("Daemon is already running (version %s)", core.FormatVersion(info.Version)))
					return
				}
				slog.Info("Daemon is already running")
				return
			}

			slog.Info("Starting browserkeeper daemon...")
			exitOnError("Failed to start daemon", daemon.StartDaemon())
			exitOnError("Daemon failed to start", daemon.WaitForDaemon())

			slog.Info("Daemon started successfully")
		},
	}
}
