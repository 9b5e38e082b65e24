package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/core"
	"go.olrik.dev/browserkeeper/internal/db"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorWhite  = "\033[37m"
	colorGray   = "\033[90m"
)

// historyQueryLimit bounds how many rows of each table are read.
const historyQueryLimit = 10000

// historyEntry is one row of the merged timeline.
type historyEntry struct {
	At      time.Time
	Kind    string // browser, install or daemon
	Event   string
	Subject string
	Details string
}

// browserSession is a browser from spawn to exit.
type browserSession struct {
	InstanceID string
	PID        int
	Start      time.Time
	End        time.Time
	Ended      bool
	Outcome    string
}

func (s browserSession) Duration() time.Duration { return s.End.Sub(s.Start) }

func NewHistoryCommand() *cobra.Command {
	var sinceStr string
	var days int

	historyCmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"hist", "stats"},
		Short:   "Show browser sessions, installs and daemon events",
		Long: `Display the events recorded by the daemon: browsers started and exited,
bundle installs and pruning, and daemon starts, stops and reloads.

Examples:
  browserkeeper history                     # Today only
  browserkeeper history -S yesterday        # Just yesterday
  browserkeeper history -S yesterday -D 2   # Yesterday and today
  browserkeeper history -D 7                # Last 7 days
  browserkeeper history -S 2026-03-01       # Just Mar 1st`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sinceChanged := cmd.Flags().Changed("since")
			start, end, label := parseDateRange(sinceStr, days, sinceChanged)
			runHistory(start, end, label)
		},
	}

	historyCmd.Flags().StringVarP(&sinceStr, "since", "S", "today", "Start date: today, yesterday, or YYYY-MM-DD")
	historyCmd.Flags().IntVarP(&days, "days", "D", 1, "Number of days to include")

	return historyCmd
}

// parseDateRange converts since flag and days into a date range
func parseDateRange(sinceStr string, days int, sinceSpecified bool) (start, end time.Time, label string) {
	return parseDateRangeAt(time.Now(), sinceStr, days, sinceSpecified)
}

func parseDateRangeAt(now time.Time, sinceStr string, days int, sinceSpecified bool) (start, end time.Time, label string) {
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if days < 1 {
		days = 1
	}

	// If days > 1 but since wasn't specified, go backwards from today
	if days > 1 && !sinceSpecified {
		start = startOfToday.AddDate(0, 0, -(days - 1))
		return start, now, fmt.Sprintf("last %d days", days)
	}

	switch sinceStr {
	case "today", "":
		start = startOfToday
	case "yesterday":
		start = startOfToday.AddDate(0, 0, -1)
	default:
		if t, err := time.ParseInLocation("2006-01-02", sinceStr, now.Location()); err == nil {
			start = t
		} else {
			fmt.Fprintf(os.Stderr, "%sWarning:%s Invalid date '%s', using today\n", colorYellow, colorReset, sinceStr)
			start = startOfToday
		}
	}

	// End is the start of the day after the last included day
	end = start.AddDate(0, 0, days)
	if end.After(now) {
		end = now
	}

	if days == 1 {
		switch {
		case start.Equal(startOfToday):
			label = "today"
		case start.Equal(startOfToday.AddDate(0, 0, -1)):
			label = "yesterday"
		default:
			label = start.Format("Mon Jan 2")
		}
	} else {
		endDay := start.AddDate(0, 0, days-1)
		if endDay.After(startOfToday) {
			endDay = startOfToday
		}
		label = fmt.Sprintf("%s to %s (%d days)", start.Format("Jan 2"), endDay.Format("Jan 2"), days)
	}

	return start, end, label
}

func runHistory(start, end time.Time, label string) {
	dbPath := filepath.Join(core.Config.ConfigPath, core.DatabaseName)
	database, err := db.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sError:%s Failed to open database: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	defer database.Close()

	entries, sessions, err := collectHistory(database, start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sError:%s Failed to query database: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}

	if len(entries) == 0 {
		fmt.Printf("%sNo events recorded%s\n", colorGray, colorReset)
		return
	}

	fmt.Printf("%s%sBrowser History%s (%s)\n\n", colorBold, colorCyan, colorReset, label)
	printSummary(entries, sessions)

	if len(sessions) > 0 {
		fmt.Printf("\n%s%sBrowser Sessions:%s\n", colorBold, colorWhite, colorReset)
		printSessions(sessions)
	}

	fmt.Printf("\n%s%sEvents:%s\n", colorBold, colorWhite, colorReset)
	printTimeline(entries, time.Now())
}

// collectHistory reads all three event tables and returns the events in
// [start, end) oldest first, plus the browser sessions that began in range.
func collectHistory(database *db.DB, start, end time.Time) ([]historyEntry, []browserSession, error) {
	inRange := func(t time.Time) bool {
		return !t.Before(start) && t.Before(end)
	}

	var entries []historyEntry

	browserEvents, err := database.GetRecentBrowserEvents(historyQueryLimit)
	if err != nil {
		return nil, nil, err
	}
	// Sessions need the exit even when it falls after the range
	var sessionEvents []db.BrowserEvent
	for _, e := range browserEvents {
		if !e.Timestamp.Before(start) {
			sessionEvents = append(sessionEvents, e)
		}
		if inRange(e.Timestamp) {
			entries = append(entries, historyEntry{
				At:      e.Timestamp,
				Kind:    "browser",
				Event:   e.EventType,
				Subject: fmt.Sprintf("pid %d", e.PID),
				Details: e.Details,
			})
		}
	}

	installEvents, err := database.GetRecentInstallEvents(historyQueryLimit)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range installEvents {
		if inRange(e.Timestamp) {
			entries = append(entries, historyEntry{
				At:      e.Timestamp,
				Kind:    "install",
				Event:   e.EventType,
				Subject: e.Version,
				Details: e.Details,
			})
		}
	}

	daemonEvents, err := database.GetRecentDaemonEvents(historyQueryLimit)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range daemonEvents {
		if inRange(e.Timestamp) {
			entries = append(entries, historyEntry{
				At:      e.Timestamp,
				Kind:    "daemon",
				Event:   e.EventType,
				Details: e.Details,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})

	sessions := buildSessions(sessionEvents, end)
	kept := sessions[:0]
	for _, s := range sessions {
		if inRange(s.Start) {
			kept = append(kept, s)
		}
	}
	return entries, kept, nil
}

// buildSessions pairs spawn and exit events per instance. Sessions without
// an exit are open until end.
func buildSessions(events []db.BrowserEvent, end time.Time) []browserSession {
	ordered := append([]db.BrowserEvent(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	var sessions []browserSession
	open := make(map[string]int)
	for _, e := range ordered {
		switch e.EventType {
		case "spawn":
			open[e.InstanceID] = len(sessions)
			sessions = append(sessions, browserSession{
				InstanceID: e.InstanceID,
				PID:        e.PID,
				Start:      e.Timestamp,
			})
		case "destroy":
			if i, ok := open[e.InstanceID]; ok {
				sessions[i].Outcome = "closed"
			}
		case "exit", "orphan_killed":
			i, ok := open[e.InstanceID]
			if !ok {
				continue
			}
			sessions[i].End = e.Timestamp
			sessions[i].Ended = true
			switch {
			case e.EventType == "orphan_killed":
				sessions[i].Outcome = "killed as orphan"
			case sessions[i].Outcome == "":
				sessions[i].Outcome = e.Details
			}
			delete(open, e.InstanceID)
		}
	}

	for _, i := range open {
		sessions[i].End = end
		sessions[i].Outcome = "running"
	}
	return sessions
}

func printSummary(entries []historyEntry, sessions []browserSession) {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.Kind+"/"+e.Event]++
	}

	var total time.Duration
	longest := time.Duration(0)
	for _, s := range sessions {
		total += s.Duration()
		if s.Duration() > longest {
			longest = s.Duration()
		}
	}

	fmt.Printf("  Browsers started:  %s%d%s\n", colorGreen, counts["browser/spawn"], colorReset)
	if n := counts["browser/orphan_killed"]; n > 0 {
		fmt.Printf("  Orphans killed:    %s%d%s\n", colorYellow, n, colorReset)
	}
	if len(sessions) > 0 {
		fmt.Printf("  Time in browser:   %s (longest %s)\n", formatDuration(total), formatDuration(longest))
	}
	fmt.Printf("  Installs:          %d", counts["install/installed"])
	if n := counts["install/install_failed"]; n > 0 {
		fmt.Printf(" %s(%d failed)%s", colorRed, n, colorReset)
	}
	fmt.Println()
	fmt.Printf("  Daemon starts:     %d\n", counts["daemon/start"])
}

func printSessions(sessions []browserSession) {
	for _, s := range sessions {
		outcome := s.Outcome
		outcomeColor := colorGray
		switch {
		case !s.Ended:
			outcomeColor = colorGreen
		case outcome != "exited" && outcome != "closed":
			outcomeColor = colorRed
		}
		fmt.Printf("  %s %s%-8s%s pid %-7d %s%s%s %s%s%s\n",
			s.Start.Format("Jan 2 15:04"),
			colorDim, shortID(s.InstanceID), colorReset,
			s.PID,
			sessionDurationColor(s.Duration()), formatDuration(s.Duration()), colorReset,
			outcomeColor, outcome, colorReset,
		)
	}
}

func printTimeline(entries []historyEntry, now time.Time) {
	for _, e := range entries {
		kindColor := colorBlue
		switch e.Kind {
		case "install":
			kindColor = colorCyan
		case "daemon":
			kindColor = colorGray
		}
		eventColor := colorWhite
		switch e.Event {
		case "install_failed", "orphan_killed":
			eventColor = colorRed
		case "spawn", "installed":
			eventColor = colorGreen
		}

		line := fmt.Sprintf("  %s %s(%s)%s %s%-7s%s %s%s%s",
			e.At.Format("15:04:05"), colorDim, humanize.RelTime(e.At, now, "ago", "from now"), colorReset,
			kindColor, e.Kind, colorReset,
			eventColor, e.Event, colorReset)
		if e.Subject != "" {
			line += " " + e.Subject
		}
		if e.Details != "" {
			line += fmt.Sprintf(" %s%s%s", colorDim, e.Details, colorReset)
		}
		fmt.Println(line)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		if secs > 0 {
			return fmt.Sprintf("%dm%ds", mins, secs)
		}
		return fmt.Sprintf("%dm", mins)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

func sessionDurationColor(d time.Duration) string {
	if d < time.Minute {
		return colorRed // Likely a crash on startup
	} else if d < 5*time.Minute {
		return colorYellow
	} else if d < time.Hour {
		return colorWhite
	}
	return colorGreen
}
