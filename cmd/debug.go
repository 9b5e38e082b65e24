package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/daemon"
)

func NewDebugCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "debug on|off",
		Short:     "Toggle debug logging in the running daemon",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("DEBUG " + args[0])
			if err != nil {
				slog.Error("Daemon is not running. Use 'browserkeeper start' to start it.")
				os.Exit(1)
			}
			logResponse(response)
		},
	}
}
