package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"go.olrik.dev/browserkeeper/internal/core"
	"go.olrik.dev/browserkeeper/internal/daemon"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "browserkeeper",
		Short: "browserkeeper - Private Browser Launcher",
		Long: `browserkeeper installs, configures and launches a private browser bundle
behind a SOCKS proxy, and keeps track of the browser processes it started.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(verbose)

			cfg, err := core.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			cfg.ConfigPath = configPath
			cfg.Verbose = verbose
			core.Config = cfg

			return os.MkdirAll(configPath, 0o700)
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", filepath.Join(homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewStatusCommand(),
		NewLaunchCommand(),
		NewUnloadCommand(),
		NewDebugCommand(),
		NewLogsCommand(),
		NewInstallCommand(),
		NewHistoryCommand(),
		NewPasswordCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupLogger installs the client side logger on stderr.
func setupLogger(verbose int) {
	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})))
}

// exitOnError logs err and exits when it is not nil.
func exitOnError(what string, err error) {
	if err == nil {
		return
	}
	slog.Error(fmt.Sprintf("%s: %v", what, err))
	os.Exit(1)
}

// logResponse prints the daemon messages and exits non-zero on an error.
func logResponse(response daemon.Response) {
	response.LogMessages()
	if response.HasError() {
		os.Exit(1)
	}
}
