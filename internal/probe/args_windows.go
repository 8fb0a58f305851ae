//go:build windows

package probe

import (
	"strconv"
	"time"
)

func pingArgs(host string, timeout time.Duration) []string {
	return []string{"-n", "1", "-w", strconv.FormatInt(timeout.Milliseconds(), 10), host}
}
