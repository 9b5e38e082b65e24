package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the browserkeeper daemon",
		Long: `Stop the browserkeeper daemon, closing every browser it launched.

Browsers get a short grace period to exit before they are killed.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()

			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			if err := daemon.WaitForDaemonStop(); err != nil {
				slog.Warn(fmt.Sprintf("Stop command was sent, but %v", err))
				return
			}
			slog.Debug("Daemon shutdown confirmed")
		},
	}
}
