package bundle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MigrateStats counts what a profile migration did.
type MigrateStats struct {
	Copied  int
	Skipped int
	Failed  int
}

// MigrateProfile copies the profile tree at from into to without ever
// overwriting: a file is copied only when nothing of that name exists at the
// destination, so files shipped with the new bundle win. Directories are
// created as needed.
//
// Failing to copy a single file is logged and counted. Failing to create a
// directory abandons that subtree and is reported in the returned error.
// A missing source is not an error.
func MigrateProfile(from, to string, logger *slog.Logger) (MigrateStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats MigrateStats

	info, err := os.Stat(from)
	if err != nil || !info.IsDir() {
		logger.Debug("No previous profile to migrate", "from", from)
		return stats, nil
	}

	err = migrateDir(from, to, logger, &stats)
	logger.Info("Profile migrated",
		"from", from, "to", to,
		"copied", stats.Copied, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, err
}

func migrateDir(from, to string, logger *slog.Logger, stats *MigrateStats) error {
	info, err := os.Stat(to)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("failed to create dir: %s: not a directory", to)
	case err != nil:
		if err := os.MkdirAll(to, 0o755); err != nil {
			return fmt.Errorf("failed to create dir: %s: %w", to, err)
		}
	}

	entries, err := os.ReadDir(from)
	if err != nil {
		return fmt.Errorf("failed to read dir: %s: %w", from, err)
	}

	var errs []error
	for _, entry := range entries {
		src := filepath.Join(from, entry.Name())
		dst := filepath.Join(to, entry.Name())

		if entry.IsDir() {
			if err := migrateDir(src, dst, logger, stats); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if !entry.Type().IsRegular() {
			logger.Debug("Skipping non-regular profile entry", "path", src)
			stats.Skipped++
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			stats.Skipped++
			continue
		}
		if err := copyFile(src, dst); err != nil {
			stats.Failed++
			if !strings.EqualFold(entry.Name(), ".DS_Store") {
				logger.Warn("Failed to copy profile file", "from", src, "to", dst, "error", err)
			}
			continue
		}
		stats.Copied++
	}
	return errors.Join(errs...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
