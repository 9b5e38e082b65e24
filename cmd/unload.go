package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/daemon"
)

func NewUnloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unload",
		Short: "Stop the daemon if no browser is running",
		Long: `Stop the daemon unless it still supervises a browser.

Unlike 'browserkeeper stop', running browsers are never closed. The command
fails while any browser launched by the daemon is still open.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("UNLOAD")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			logResponse(response)

			if err := daemon.WaitForDaemonStop(); err != nil {
				slog.Warn(err.Error())
			}
		},
	}
}
