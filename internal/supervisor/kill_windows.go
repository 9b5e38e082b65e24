//go:build windows

package supervisor

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}

// killGroup is a no-op; taskkill on the discovered pid covers Windows.
func killGroup(pid int) {}
