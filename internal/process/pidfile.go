package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PIDInfo is the metadata stored after the PID line of a pidfile.
type PIDInfo struct {
	Path        string `json:"path"`
	TargetURL   string `json:"target_url"`
	StartedUnix int64  `json:"started_unix"`
}

// WritePIDFile records pid on the first line followed by JSON metadata used to
// recognise the same process later despite PID reuse.
func WritePIDFile(path string, pid int, spec Spec) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	info := PIDInfo{Path: spec.Path, TargetURL: spec.TargetURL, StartedUnix: getProcStartUnix(pid)}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile returns the PID and, when present, the metadata that follows.
// A file holding only a PID yields nil info.
func ReadPIDFile(path string) (int, *PIDInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, fmt.Errorf("parse pid in %s: %w", path, err)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var info PIDInfo
	if err := json.Unmarshal([]byte(rest), &info); err != nil {
		return pid, nil, nil
	}
	return pid, &info, nil
}

// ReapOrphan stops a cloudflared left running by a previous supervisor that
// exited without cleanup. The pidfile is removed in every case. It returns
// the PID that was stopped, or 0 when nothing matched.
func ReapOrphan(path string, grace time.Duration) (int, error) {
	pid, info, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	defer func() { _ = os.Remove(path) }()
	if err != nil {
		return 0, err
	}
	if !processExists(pid) {
		return 0, nil
	}
	// without a recorded start time the PID may have been recycled
	if info == nil || info.StartedUnix == 0 {
		return 0, nil
	}
	if cur := getProcStartUnix(pid); cur == 0 || absDiff(cur, info.StartedUnix) > 1 {
		return 0, nil
	}
	slog.Warn("Stopping orphaned cloudflared", "pid", pid, "pidfile", path)
	_ = terminateGroup(pid)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processExists(pid) {
			return pid, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := killGroup(pid); err != nil {
		return pid, fmt.Errorf("kill orphan %d: %w", pid, err)
	}
	return pid, nil
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
