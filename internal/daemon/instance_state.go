package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.olrik.dev/browserkeeper/internal/core"
	"go.olrik.dev/browserkeeper/internal/supervisor"
)

// InstanceStateFile lists the browser processes of a running daemon so the
// next daemon can clean them up if this one dies without shutting down.
type InstanceStateFile struct {
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Instances []InstanceInfo `json:"instances"`
}

// InstanceInfo is the persisted part of a supervised instance.
type InstanceInfo struct {
	ID            string    `json:"id"`
	PID           int       `json:"pid"`
	DiscoveredPID int       `json:"discovered_pid"`
	Command       string    `json:"command"`
	Started       time.Time `json:"started"`
}

const stateFileVersion = "1"

// stateFileMu serializes writers of the state file and its temp file.
var stateFileMu sync.Mutex

// GetInstanceStatePath returns the path to the instance state file
func GetInstanceStatePath() string {
	return filepath.Join(core.Config.ConfigPath, core.StateFileName)
}

// SaveInstanceState atomically writes infos to the state file via a temp
// file and rename.
func SaveInstanceState(infos []supervisor.Info) error {
	state := InstanceStateFile{
		Version:   stateFileVersion,
		Timestamp: time.Now().Format(time.RFC3339),
		Instances: make([]InstanceInfo, 0, len(infos)),
	}
	for _, info := range infos {
		state.Instances = append(state.Instances, InstanceInfo{
			ID:            info.ID,
			PID:           info.PID,
			DiscoveredPID: info.DiscoveredPID,
			Command:       info.Command,
			Started:       info.Started,
		})
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance state: %w", err)
	}

	stateFileMu.Lock()
	defer stateFileMu.Unlock()

	statePath := GetInstanceStatePath()
	tempPath := statePath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write instance state temp file: %w", err)
	}

	if err := os.Rename(tempPath, statePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename instance state file: %w", err)
	}

	return nil
}

// LoadInstanceState reads the state file. A missing file returns nil, nil.
func LoadInstanceState() (*InstanceStateFile, error) {
	data, err := os.ReadFile(GetInstanceStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read instance state file: %w", err)
	}

	var state InstanceStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse instance state file: %w", err)
	}

	if state.Version != stateFileVersion {
		return nil, fmt.Errorf("unsupported state file version: %s (expected %s)", state.Version, stateFileVersion)
	}

	return &state, nil
}

// SavedAt parses the timestamp of the state file.
func (s *InstanceStateFile) SavedAt() (time.Time, error) {
	return time.Parse(time.RFC3339, s.Timestamp)
}

// RemoveInstanceStateFile removes the state file. A missing file is not an error.
func RemoveInstanceStateFile() error {
	stateFileMu.Lock()
	defer stateFileMu.Unlock()

	if err := os.Remove(GetInstanceStatePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove instance state file: %w", err)
	}
	return nil
}
