package bundle

import (
	"os"
	"path/filepath"
)

// Layout describes where things live inside an extracted install for one
// operating system.
type Layout struct {
	GOOS string
}

// NewLayout returns the layout for goos ("windows", "darwin", "linux", ...).
func NewLayout(goos string) Layout {
	return Layout{GOOS: goos}
}

// TopDir is the top-level folder of the browser inside an install.
func (l Layout) TopDir() string {
	if l.GOOS == "darwin" {
		return "TorBrowser.app"
	}
	return "Browser"
}

// DataDir returns the profile data directory of the install at root.
// Old bundles kept it directly under the root as "Data"; that location is
// preferred when it exists.
func (l Layout) DataDir(root string) string {
	legacy := filepath.Join(root, "Data")
	if info, err := os.Stat(legacy); err == nil && info.IsDir() {
		return legacy
	}
	return filepath.Join(root, l.TopDir(), "TorBrowser", "Data")
}

// ProfileDir is the browser profile inside the install at root.
func (l Layout) ProfileDir(root string) string {
	return filepath.Join(l.DataDir(root), "Browser", "profile.default")
}

// Executable is the program started for a new browser window.
func (l Layout) Executable(root string) string {
	switch l.GOOS {
	case "windows":
		return filepath.Join(root, "Browser", "firefox.exe")
	case "darwin":
		return filepath.Join(root, "TorBrowser.app", "Contents", "MacOS", "firefox")
	default:
		return filepath.Join(root, "Browser", "start-tor-browser")
	}
}

// LibraryDir is the directory added to the dynamic loader path on macOS.
func (l Layout) LibraryDir(root string) string {
	return filepath.Join(root, "TorBrowser.app", "Contents", "MacOS")
}

// AppBundle is the macOS application bundle handed to "open -a".
func (l Layout) AppBundle(root string) string {
	return filepath.Join(root, "TorBrowser.app")
}
