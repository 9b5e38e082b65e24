package bundle

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// BundlePrefix and BundleExt frame the version in a bundle archive name.
	BundlePrefix = "browser-"
	BundleExt    = ".zip"

	// InstallPrefix precedes the version in an extracted install directory.
	InstallPrefix = "browser_"

	// TempPrefix precedes the version of an in-progress extraction.
	TempPrefix = "tmp_"

	// KeepVersions is how many versions of each family survive pruning.
	KeepVersions = 3
)

// ErrNoInstall is returned when neither a bundle nor an install exists.
var ErrNoInstall = errors.New("no browser version installed")

// Resolution is the outcome of scanning the install and data directories.
type Resolution struct {
	BundleVersion string   // highest bundle version, "" when none
	BundleFile    string   // path of that bundle
	OlderBundles  []string // every other bundle archive

	InstalledVersion string // highest installed version, "" when none
	InstalledDir     string // path of that install
}

// NeedsInstall reports whether the best bundle is newer than the best install.
func (r Resolution) NeedsInstall() bool {
	if r.BundleVersion == "" {
		return false
	}
	if r.InstalledVersion == "" {
		return true
	}
	return CompareVersions(r.BundleVersion, r.InstalledVersion) > 0
}

// Resolve picks the highest bundle archive in installDir and the highest
// extracted install in dataDir. Malformed names are skipped. A missing
// directory is treated as empty.
func Resolve(installDir, dataDir string) (Resolution, error) {
	var res Resolution

	bundles, err := readDirIfExists(installDir)
	if err != nil {
		return res, fmt.Errorf("failed to scan install directory: %w", err)
	}
	var all []string
	for _, entry := range bundles {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, BundlePrefix) || !strings.HasSuffix(name, BundleExt) {
			continue
		}
		ver := strings.TrimSuffix(strings.TrimPrefix(name, BundlePrefix), BundleExt)
		if _, err := ParseVersion(ver); err != nil {
			slog.Debug("Skipping bundle with malformed version", "file", name)
			continue
		}
		path := filepath.Join(installDir, name)
		all = append(all, path)
		if res.BundleVersion == "" || CompareVersions(ver, res.BundleVersion) > 0 {
			res.BundleVersion = ver
			res.BundleFile = path
		}
	}
	for _, path := range all {
		if path != res.BundleFile {
			res.OlderBundles = append(res.OlderBundles, path)
		}
	}
	sort.Strings(res.OlderBundles)

	installs, err := readDirIfExists(dataDir)
	if err != nil {
		return res, fmt.Errorf("failed to scan data directory: %w", err)
	}
	for _, entry := range installs {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, InstallPrefix) {
			continue
		}
		ver := strings.TrimPrefix(name, InstallPrefix)
		if _, err := ParseVersion(ver); err != nil {
			slog.Debug("Skipping install with malformed version", "dir", name)
			continue
		}
		if res.InstalledVersion == "" || CompareVersions(ver, res.InstalledVersion) > 0 {
			res.InstalledVersion = ver
			res.InstalledDir = filepath.Join(dataDir, name)
		}
	}

	return res, nil
}

// Prune removes all but the keep highest versions of every family of
// versioned entries in dir. A family is the entry name with its version
// removed, so "browser_4.0" and "browser_5.0" compete while "browser-5.0.zip"
// belongs to a different family. Removal failures are logged and skipped.
// The removed paths are returned.
func Prune(dir string, keep int) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to list directory for pruning", "dir", dir, "error", err)
		}
		return nil
	}

	type versioned struct {
		name    string
		version string
	}
	families := make(map[string][]versioned)
	for _, entry := range entries {
		family, ver, ok := splitVersionedName(entry.Name())
		if !ok {
			continue
		}
		families[family] = append(families[family], versioned{name: entry.Name(), version: ver})
	}

	var removed []string
	for family, members := range families {
		if len(members) <= keep {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			return CompareVersions(members[i].version, members[j].version) > 0
		})
		for _, m := range members[keep:] {
			path := filepath.Join(dir, m.name)
			if err := os.RemoveAll(path); err != nil {
				slog.Warn("Failed to prune old version", "path", path, "error", err)
				continue
			}
			slog.Info("Pruned old version", "family", family, "version", m.version, "path", path)
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)
	return removed
}

// splitVersionedName splits "name_1.2.zip" into ("name_.zip", "1.2").
// The version follows the last '_' or '-'. A .zip or .jar extension is
// part of the family name.
func splitVersionedName(name string) (family, ver string, ok bool) {
	base, ext := name, ""
	for _, e := range []string{".zip", ".jar"} {
		if strings.HasSuffix(name, e) {
			base, ext = strings.TrimSuffix(name, e), e
			break
		}
	}
	i := strings.LastIndexAny(base, "_-")
	if i < 0 {
		return "", "", false
	}
	ver = base[i+1:]
	if !isNumericVersion(ver) {
		return "", "", false
	}
	return base[:i+1] + ext, ver, true
}

func readDirIfExists(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return entries, err
}
