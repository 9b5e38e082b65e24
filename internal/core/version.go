package core

import (
	"regexp"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version of the running binary: a release tag such as "v1.2.0", or
// "devel-<rev>" with an optional "-dirty" suffix for untagged builds.
var Version = buildVersion(debug.ReadBuildInfo())

// BuildInfo is reported by the VERSION command and "browserkeeper version".
type BuildInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   FormatVersion(Version),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// FormatVersion drops the leading "v" of a release tag.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// A pseudo-version ends in a commit timestamp and a 12 digit revision.
var pseudoVersion = regexp.MustCompile(`\d{14}-[0-9a-f]{12}(\+.*)?$`)

func buildVersion(info *debug.BuildInfo, ok bool) string {
	if !ok || info == nil {
		return "devel"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" && !pseudoVersion.MatchString(v) {
		return v
	}

	var rev, dirty string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "-dirty"
			}
		}
	}
	if rev == "" {
		return "devel"
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	return "devel-" + rev + dirty
}
