package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/daemon"
)

// logCategories maps a -F category to the keywords that select it.
var logCategories = map[string][]string{
	"browser": {"browser", "instance", "spawn", "discovered", "pid"},
	"launch":  {"launch", "url", "unmanaged", "window"},
	"proxy":   {"proxy", "socks", "control"},
	"install": {"install", "bundle", "prune", "extract", "version", "migrat", "profile", "pref"},
	"system":  {"daemon", "config", "database", "shutdown", "signal"},
}

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filter categories:
  browser  - Browser processes (spawn, discovery, exit)
  launch   - Launch requests and their outcome
  proxy    - Proxy configuration and readiness
  install  - Bundle installs, pruning, profile migration and preferences
  system   - Daemon start/stop, config reload

Examples:
  browserkeeper logs             # Stream INFO and above
  browserkeeper logs --debug     # Include DEBUG logs
  browserkeeper logs -F proxy    # Filter to proxy messages
  browserkeeper logs -F 9150     # Filter by keyword
  browserkeeper logs -L 50       # Show 50 history lines on connect

Automatically reconnects if the daemon is restarted.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("STATUS"); err != nil {
				slog.Error("Daemon is not running. Use 'browserkeeper start' to start it.")
				os.Exit(1)
			}

			debug, _ := cmd.Flags().GetBool("debug")
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			stop := make(chan struct{})
			go func() {
				<-sigChan
				close(stop)
			}()

			out := &lineFilter{w: os.Stdout, debug: debug, filter: filter, noColor: noColor}
			history := lines
			for {
				err := daemon.StreamLogs(history, out, stop)
				out.Flush()

				select {
				case <-stop:
					fmt.Println("\nDisconnected from daemon logs.")
					return
				default:
				}
				if err != nil && !errors.Is(err, daemon.ErrNotRunning) {
					slog.Error(fmt.Sprintf("Log stream failed: %v", err))
				}

				fmt.Println("Connection lost. Reconnecting...")
				if !waitForReconnect(stop) {
					fmt.Println("Daemon not available. Exiting.")
					return
				}
				// Lines from before the reconnect were already shown
				history = 0
			}
		},
	}

	logsCmd.Flags().Bool("debug", false, "Show DEBUG level logs")
	logsCmd.Flags().StringP("filter", "F", "", "Filter logs by category (browser, launch, proxy, install, system) or keyword")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", daemon.DefaultHistoryLines, "Number of history lines to show on connect")
	logsCmd.RegisterFlagCompletionFunc("filter", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		categories := make([]string, 0, len(logCategories))
		for name := range logCategories {
			categories = append(categories, name)
		}
		return categories, cobra.ShellCompDirectiveNoFileComp
	})

	return logsCmd
}

// waitForReconnect waits up to 5 seconds for the daemon to answer again.
func waitForReconnect(stop <-chan struct{}) bool {
	for i := 0; i < 10; i++ {
		select {
		case <-stop:
			return false
		case <-time.After(500 * time.Millisecond):
		}
		if _, err := daemon.SendCommand("STATUS"); err == nil {
			return true
		}
	}
	return false
}

// lineFilter buffers the log stream into lines and writes the ones that
// pass the filters.
type lineFilter struct {
	w       io.Writer
	debug   bool
	filter  string
	noColor bool

	partial []byte
}

func (f *lineFilter) Write(p []byte) (int, error) {
	f.partial = append(f.partial, p...)
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		line := string(f.partial[:i+1])
		f.partial = f.partial[i+1:]
		if err := f.writeLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush writes a trailing line without newline.
func (f *lineFilter) Flush() {
	if len(f.partial) > 0 {
		f.writeLine(string(f.partial) + "\n")
		f.partial = nil
	}
}

func (f *lineFilter) writeLine(line string) error {
	if !f.debug && isDebugLog(line) {
		return nil
	}
	if f.filter != "" && !matchesFilter(line, f.filter) {
		return nil
	}
	if f.noColor {
		line = stripANSI(line)
	}
	_, err := io.WriteString(f.w, line)
	return err
}

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	stripped := stripANSI(line)
	return strings.Contains(stripped, " DBG ") || strings.Contains(stripped, "\tDBG\t")
}

// matchesFilter checks if a log line matches a category or a keyword
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(stripANSI(line))

	if keywords, ok := logCategories[filter]; ok {
		for _, keyword := range keywords {
			if strings.Contains(lineLower, keyword) {
				return true
			}
		}
		return false
	}
	return strings.Contains(lineLower, filter)
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
