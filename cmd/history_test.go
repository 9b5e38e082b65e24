package cmd

import (
	"path/filepath"
	"testing"
	"time"

	"go.olrik.dev/browserkeeper/internal/db"
)

func TestParseDateRangeAt(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		since     string
		days      int
		specified bool
		wantStart time.Time
		wantEnd   time.Time
		wantLabel string
	}{
		{"today", "today", 1, false, today, now, "today"},
		{"yesterday", "yesterday", 1, true, today.AddDate(0, 0, -1), today, "yesterday"},
		{"yesterday and today", "yesterday", 2, true, today.AddDate(0, 0, -1), now, "Mar 9 to Mar 10 (2 days)"},
		{"last week", "today", 7, false, today.AddDate(0, 0, -6), now, "last 7 days"},
		{"fixed date", "2026-03-01", 1, true, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), "Sun Mar 1"},
		{"zero days", "today", 0, false, today, now, "today"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, label := parseDateRangeAt(now, tt.since, tt.days, tt.specified)
			if !start.Equal(tt.wantStart) {
				t.Errorf("start = %v, want %v", start, tt.wantStart)
			}
			if !end.Equal(tt.wantEnd) {
				t.Errorf("end = %v, want %v", end, tt.wantEnd)
			}
			if label != tt.wantLabel {
				t.Errorf("label = %q, want %q", label, tt.wantLabel)
			}
		})
	}
}

func TestBuildSessions(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	end := t0.Add(time.Hour)

	events := []db.BrowserEvent{
		// Newest first, as the database returns them
		{InstanceID: "c", PID: 30, EventType: "spawn", Timestamp: t0.Add(30 * time.Minute)},
		{InstanceID: "b", PID: 20, EventType: "exit", Details: "exit status 1", Timestamp: t0.Add(12 * time.Minute)},
		{InstanceID: "a", PID: 10, EventType: "exit", Details: "exited", Timestamp: t0.Add(11 * time.Minute)},
		{InstanceID: "a", PID: 10, EventType: "destroy", Details: "destroyed", Timestamp: t0.Add(10 * time.Minute)},
		{InstanceID: "b", PID: 20, EventType: "spawn", Timestamp: t0.Add(5 * time.Minute)},
		{InstanceID: "a", PID: 10, EventType: "spawn", Timestamp: t0},
		{InstanceID: "old", PID: 5, EventType: "exit", Timestamp: t0},
	}

	sessions := buildSessions(events, end)
	if len(sessions) != 3 {
		t.Fatalf("got %d sessions, want 3: %+v", len(sessions), sessions)
	}

	tests := []struct {
		id       string
		duration time.Duration
		ended    bool
		outcome  string
	}{
		{"a", 11 * time.Minute, true, "closed"},
		{"b", 7 * time.Minute, true, "exit status 1"},
		{"c", 30 * time.Minute, false, "running"},
	}
	for i, tt := range tests {
		s := sessions[i]
		if s.InstanceID != tt.id {
			t.Errorf("sessions[%d].InstanceID = %q, want %q", i, s.InstanceID, tt.id)
		}
		if s.Duration() != tt.duration {
			t.Errorf("session %s duration = %v, want %v", tt.id, s.Duration(), tt.duration)
		}
		if s.Ended != tt.ended {
			t.Errorf("session %s ended = %v, want %v", tt.id, s.Ended, tt.ended)
		}
		if s.Outcome != tt.outcome {
			t.Errorf("session %s outcome = %q, want %q", tt.id, s.Outcome, tt.outcome)
		}
	}
}

func TestBuildSessionsOrphanKilled(t *testing.T) {
	t0 := time.Now()
	sessions := buildSessions([]db.BrowserEvent{
		{InstanceID: "a", PID: 10, EventType: "spawn", Timestamp: t0},
		{InstanceID: "a", PID: 11, EventType: "orphan_killed", Timestamp: t0.Add(time.Minute)},
	}, t0.Add(time.Hour))

	if len(sessions) != 1 || !sessions[0].Ended || sessions[0].Outcome != "killed as orphan" {
		t.Errorf("sessions = %+v, want one session killed as orphan", sessions)
	}
}

func TestCollectHistory(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer database.Close()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(database.LogDaemonEvent("start", "daemon started"))
	must(database.LogInstallEvent("13.1", "installed", "/data/browser_13.1"))
	must(database.LogBrowserEvent("inst-1", 42, "spawn", "firefox"))
	must(database.LogBrowserEvent("inst-1", 42, "exit", "exited"))

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	entries, sessions, err := collectHistory(database, start, end)
	if err != nil {
		t.Fatalf("collectHistory() error = %v", err)
	}

	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4: %+v", len(entries), entries)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].At.Before(entries[i-1].At) {
			t.Errorf("entries not in time order at %d", i)
		}
	}
	kinds := map[string]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	if kinds["browser"] != 2 || kinds["install"] != 1 || kinds["daemon"] != 1 {
		t.Errorf("entry kinds = %v", kinds)
	}

	if len(sessions) != 1 || sessions[0].PID != 42 || !sessions[0].Ended || sessions[0].Outcome != "exited" {
		t.Errorf("sessions = %+v, want one ended session for pid 42", sessions)
	}

	entries, sessions, err = collectHistory(database, end, end.Add(time.Hour))
	if err != nil {
		t.Fatalf("collectHistory() error = %v", err)
	}
	if len(entries) != 0 || len(sessions) != 0 {
		t.Errorf("future range returned %d entries and %d sessions", len(entries), len(sessions))
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{5 * time.Minute, "5m"},
		{5*time.Minute + 3*time.Second, "5m3s"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
		{48 * time.Hour, "2d"},
		{50 * time.Hour, "2d2h"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
