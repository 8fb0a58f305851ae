//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

const processQueryInformation = 0x0400

// terminateGroup asks pid and its children to close. Windows has no SIGTERM;
// taskkill without /F posts WM_CLOSE which console programs may ignore.
func terminateGroup(pid int) error {
	// #nosec G204
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T").Run()
}

// killGroup forcibly terminates pid and its children.
func killGroup(pid int) error {
	// #nosec G204
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run()
}

// processExists reports whether pid refers to a live process.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
