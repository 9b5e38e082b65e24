package prefs

import (
	"bufio"
	"fmt"
	"os"
)

// writeLines replaces path with lines. The new content goes to path.tmp
// first; the current file is moved to path.bak and only then is the temp
// file moved into place. If that last step fails the backup is restored.
func (r *Reconciler) writeLines(path string, lines []string) error {
	rename := r.rename
	if rename == nil {
		rename = os.Rename
	}

	tmpPath := path + ".tmp"
	bakPath := path + ".bak"

	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	if err := writeTemp(tmpPath, lines, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Remove(bakPath); err != nil && !os.IsNotExist(err) {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to remove stale backup %s: %w", bakPath, err)
	}

	hadOriginal := false
	if _, err := os.Stat(path); err == nil {
		if err := rename(path, bakPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("rename of %s to %s failed: %w", path, bakPath, err)
		}
		hadOriginal = true
	}

	if err := rename(tmpPath, path); err != nil {
		if hadOriginal {
			if restoreErr := rename(bakPath, path); restoreErr != nil {
				r.logger().Error("Failed to restore preferences backup", "file", path, "error", restoreErr)
			}
		}
		os.Remove(tmpPath)
		return fmt.Errorf("rename of %s to %s failed: %w", tmpPath, path, err)
	}
	return nil
}

// writeTemp writes lines to path with mode perm, also when path is a
// leftover from an earlier run.
func writeTemp(path string, lines []string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return fmt.Errorf("failed to set mode of %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return f.Close()
}
