//go:build darwin

package probe

import (
	"strconv"
	"time"
)

// macOS ping takes -W in milliseconds.
func pingArgs(host string, timeout time.Duration) []string {
	return []string{"-c", "1", "-W", strconv.FormatInt(timeout.Milliseconds(), 10), host}
}
