//go:build windows

package supervisor

import "os/exec"

// setProcessGroup is a no-op on windows; process groups are handled
// differently there and are not needed for this driver's use case.
func setProcessGroup(cmd *exec.Cmd) {}

// signalGraceful has no portable SIGTERM equivalent on windows, so we
// go straight to Kill.
func signalGraceful(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

// killForce terminates the process.
func killForce(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
