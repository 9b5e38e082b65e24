package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/core"
	"go.olrik.dev/browserkeeper/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:     "version",
		Aliases: []string{},
		Short:   "Show version",
		Long:    `Show version of both client and daemon (if running)`,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientVersion := core.Version
			clientFormatted := core.FormatVersion(clientVersion)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}

			var info struct {
				Version  string `json:"version"`
				Platform string `json:"platform"`
			}
			if err := response.DecodeData(&info); err != nil || info.Version == "" {
				return
			}
			daemonFormatted := core.FormatVersion(info.Version)
			fmt.Fprintf(os.Stderr, "Daemon version: %s (%s)\n", daemonFormatted, info.Platform)

			if clientVersion != info.Version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.", clientFormatted, daemonFormatted))
			}
		},
	}

	return versionCmd
}
