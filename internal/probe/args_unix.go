//go:build !windows && !darwin

package probe

import (
	"strconv"
	"time"
)

func pingArgs(host string, timeout time.Duration) []string {
	return []string{"-c", "1", "-W", strconv.Itoa(waitSeconds(timeout)), host}
}
