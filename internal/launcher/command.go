package launcher

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.olrik.dev/browserkeeper/internal/bundle"
	"go.olrik.dev/browserkeeper/internal/supervisor"
)

// ErrUnsupportedOS is returned when no launch command exists for the platform.
var ErrUnsupportedOS = errors.New("unsupported OS")

// BuildCommand returns the command that opens url in the install at dir.
// newLaunch is true when no instance is running yet; on macOS a warm launch
// goes through "open" so the running application receives the request.
func BuildCommand(layout bundle.Layout, dir, url string, newWindow, newLaunch bool) (supervisor.Command, error) {
	profile := layout.ProfileDir(dir)
	c := supervisor.Command{Dir: dir}

	switch layout.GOOS {
	case "windows", "linux":
		c.Path = layout.Executable(dir)
		c.Args = append([]string{"-profile", profile + string(filepath.Separator), "-allow-remote"}, target(url, newWindow)...)
	case "darwin":
		if newLaunch {
			c.Path = layout.Executable(dir)
			c.Args = append([]string{"-profile", profile, "-allow-remote"}, target(url, newWindow)...)
		} else {
			c.Path = "open"
			c.Args = []string{"-a", layout.AppBundle(dir)}
			if url != "" {
				c.Args = append(c.Args, url)
			}
			c.Args = append(c.Args, "--args", "-profile", profile, "-allow-remote")
			if url != "" {
				c.Args = append(c.Args, windowFlag(newWindow))
			}
		}
		c.Env = []string{"DYLD_LIBRARY_PATH=" + layout.LibraryDir(dir)}
	default:
		return supervisor.Command{}, fmt.Errorf("%w: %s", ErrUnsupportedOS, layout.GOOS)
	}
	return c, nil
}

func target(url string, newWindow bool) []string {
	if url == "" {
		return nil
	}
	return []string{windowFlag(newWindow), url}
}

func windowFlag(newWindow bool) string {
	if newWindow {
		return "-new-window"
	}
	return "-new-tab"
}

// frontmostScript asks System Events to raise the process with pid.
func frontmostScript(pid int) string {
	return fmt.Sprintf(`tell application "System Events"
  set theprocs to every process whose unix id is %d
  repeat with proc in theprocs
     set the frontmost of proc to true
  end repeat
end tell
`, pid)
}
