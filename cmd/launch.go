package cmd

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/daemon"
	"go.olrik.dev/browserkeeper/internal/keyring"
)

type launchOptions struct {
	newWindow      bool
	allowUnmanaged bool
	detach         bool
}

// launchCommand builds the LAUNCH line. The daemon splits commands on
// whitespace, so spaces inside the URL are escaped.
func launchCommand(url string, opts launchOptions) string {
	target := "-"
	if url = strings.TrimSpace(url); url != "" {
		target = strings.Join(strings.Fields(url), "%20")
	}

	parts := []string{"LAUNCH", target}
	if opts.newWindow {
		parts = append(parts, "new_window")
	}
	if opts.allowUnmanaged {
		parts = append(parts, "allow_unmanaged")
	}
	if opts.detach {
		parts = append(parts, "detach")
	}
	return strings.Join(parts, " ")
}

func NewLaunchCommand() *cobra.Command {
	var opts launchOptions

	launchCmd := &cobra.Command{
		Use:     "launch [url]",
		Aliases: []string{"open", "run"},
		Short:   "Open a URL in the private browser",
		Long: `Open a URL in the private browser, starting the daemon when needed.

The first launch waits for the bundle install and the proxy. When a browser
started by the daemon is already open the URL is handed to it, otherwise a
new browser is started. Without a URL the configured home page is opened.

If a browser not started by browserkeeper is running, links could end up in
that browser instead. You are asked to confirm before launching, unless
--allow-unmanaged is given or allow_unmanaged is set in the launch block.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError("Failed to start daemon", daemon.EnsureDaemonIsRunning())
			daemon.CheckVersionMismatch()

			url := ""
			if len(args) == 1 {
				url = args[0]
			}

			response, err := daemon.SendCommand(launchCommand(url, opts))
			exitOnError("Launch failed", err)

			var result daemon.LaunchResult
			if response.DecodeData(&result) == nil && result.Cancelled && !opts.allowUnmanaged {
				response.LogMessages()

				ok, err := keyring.Confirm("Launch anyway?")
				if errors.Is(err, keyring.ErrNoTerminal) {
					slog.Error("No terminal to confirm on, rerun with --allow-unmanaged")
					os.Exit(1)
				}
				exitOnError("Failed to read answer", err)
				if !ok {
					slog.Info("Launch cancelled")
					return
				}

				opts.allowUnmanaged = true
				response, err = daemon.SendCommand(launchCommand(url, opts))
				exitOnError("Launch failed", err)
			}

			logResponse(response)
		},
	}

	launchCmd.Flags().BoolVarP(&opts.newWindow, "new-window", "n", false, "Open the URL in a new window instead of a tab")
	launchCmd.Flags().BoolVarP(&opts.allowUnmanaged, "allow-unmanaged", "a", false, "Launch even when a browser not started by browserkeeper is running")
	launchCmd.Flags().BoolVarP(&opts.detach, "detach", "d", false, "Return as soon as the launch is queued")

	return launchCmd
}
