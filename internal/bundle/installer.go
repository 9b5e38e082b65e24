package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrTargetExists is returned when the final install directory already exists.
var ErrTargetExists = errors.New("install target already exists")

// Installer extracts bundle archives into versioned install directories.
type Installer struct {
	DataDir string
	Layout  Layout
	Logger  *slog.Logger

	// MakeExecutable adds execute bits to the installed tree. It defaults to
	// true on every platform except Windows.
	MakeExecutable bool
}

// NewInstaller returns an installer for the current platform.
func NewInstaller(dataDir string, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		DataDir:        dataDir,
		Layout:         NewLayout(runtime.GOOS),
		Logger:         logger,
		MakeExecutable: runtime.GOOS != "windows",
	}
}

// Install extracts res.BundleFile into DataDir/browser_<version>, migrating
// the profile of res.InstalledDir into it. Older bundle archives are only
// deleted once everything else succeeded. It returns the new install dir.
func (i *Installer) Install(ctx context.Context, res Resolution) (string, error) {
	if res.BundleFile == "" {
		return "", fmt.Errorf("no bundle to install")
	}
	logger := i.Logger.With("version", res.BundleVersion)

	tmpDir := filepath.Join(i.DataDir, TempPrefix+res.BundleVersion)
	if err := os.RemoveAll(tmpDir); err != nil {
		return "", fmt.Errorf("failed to clear temp dir %s: %w", tmpDir, err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp dir %s: %w", tmpDir, err)
	}

	logger.Info("Extracting bundle", "file", res.BundleFile, "to", tmpDir)
	files, err := extractZip(ctx, res.BundleFile, tmpDir)
	if err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", res.BundleFile, err)
	}
	logger.Debug("Bundle extracted", "files", files)

	if res.InstalledDir != "" {
		from := i.Layout.DataDir(res.InstalledDir)
		to := i.Layout.DataDir(tmpDir)
		if _, err := MigrateProfile(from, to, logger); err != nil {
			return "", fmt.Errorf("failed to migrate profile: %w", err)
		}
	}

	target := filepath.Join(i.DataDir, InstallPrefix+res.BundleVersion)
	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("failed to rename %s to %s: %w", tmpDir, target, ErrTargetExists)
	}
	if err := os.Rename(tmpDir, target); err != nil {
		return "", fmt.Errorf("failed to rename %s to %s: %w", tmpDir, target, err)
	}

	if i.MakeExecutable {
		if err := addExecBits(target); err != nil {
			return "", fmt.Errorf("failed to make %s executable: %w", target, err)
		}
	}

	for _, old := range res.OlderBundles {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to delete old bundle", "file", old, "error", err)
			continue
		}
		logger.Debug("Deleted old bundle", "file", old)
	}

	logger.Info("Bundle installed", "dir", target)
	return target, nil
}

// extractZip writes every file entry of the archive below dest. Directory
// markers are skipped; parents are created on demand. Entries that would
// land outside dest are rejected.
func extractZip(ctx context.Context, archive, dest string) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	count := 0
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		path := filepath.Join(dest, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(path, root) {
			return count, fmt.Errorf("illegal path in archive: %s", f.Name)
		}
		if err := extractFile(f, path); err != nil {
			return count, fmt.Errorf("%s: %w", f.Name, err)
		}
		count++
	}
	return count, nil
}

func extractFile(f *zip.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// addExecBits is the equivalent of "chmod -R +x".
func addExecBits(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode().Perm()|0o111)
	})
}
