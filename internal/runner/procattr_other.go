//go:build !unix

package runner

import "os/exec"

// No process groups here; the default cancel kills the direct child and
// WaitDelay bounds the wait on inherited pipes.
func setProcessGroup(c *exec.Cmd) {
	_ = c
}
