package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/core"
	"go.olrik.dev/browserkeeper/internal/daemon"
	"go.olrik.dev/browserkeeper/internal/supervisor"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st", "ps"},
		Short:   "Shows the daemon state and the browsers it supervises",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("No browsers running (daemon is not running).")
				return
			}

			var status daemon.DaemonStatus
			if err := response.DecodeData(&status); err != nil {
				slog.Error(fmt.Sprintf("Failed to decode status: %v", err))
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Print(formatStatus(status, time.Now()))
				for _, msg := range response.Messages {
					if msg.Status != daemon.StatusInfo {
						fmt.Printf("\n%s\n", msg.Message)
					}
				}
			case "json":
				jsonBytes, _ := json.MarshalIndent(status, "", "  ")
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

// formatStatus renders a STATUS answer for the terminal.
func formatStatus(status daemon.DaemonStatus, now time.Time) string {
	var b strings.Builder

	state := "ready"
	switch {
	case status.InitError != "":
		state = "failed: " + status.InitError
	case !status.Initialized:
		state = "initializing"
	case status.Busy:
		state = "launching"
	}
	fmt.Fprintf(&b, "Daemon %s (PID: %d, up %s): %s\n",
		core.FormatVersion(status.Version), status.PID,
		humanize.RelTime(status.Started, now, "", ""), state)

	if status.ProxyWait.Waited {
		proxy := "up"
		if !status.ProxyWait.LastSucceeded {
			proxy = "not answering"
		}
		fmt.Fprintf(&b, "Proxy: %s\n", proxy)
	}

	if len(status.Instances) == 0 {
		b.WriteString("No browsers running\n")
		return b.String()
	}
	b.WriteString("Browsers:\n")
	for _, inst := range status.Instances {
		b.WriteString(formatInstance(inst, now))
	}
	return b.String()
}

func formatInstance(inst supervisor.Info, now time.Time) string {
	pid := fmt.Sprintf("%d", inst.PID)
	if inst.DiscoveredPID > 0 && inst.DiscoveredPID != inst.PID {
		pid = fmt.Sprintf("%d via %d", inst.DiscoveredPID, inst.PID)
	}

	line := fmt.Sprintf("  - %s (PID: %s, started %s", shortID(inst.ID), pid, humanize.RelTime(inst.Started, now, "ago", "from now"))
	if inst.RSS > 0 {
		line += fmt.Sprintf(", %s, %.1f%% CPU", humanize.IBytes(inst.RSS), inst.CPUPercent)
	}
	line += ")"
	if inst.Destroyed {
		line += " closing"
	}
	return line + "\n"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
