package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrBinaryNotFound is returned when no cloudflared executable can be located.
var ErrBinaryNotFound = errors.New("cloudflared executable not found")

// ResolvePath finds the cloudflared executable. A configured path wins when it
// exists; otherwise the platform binary name is looked up on PATH and then in
// the working directory.
func ResolvePath(configured string) (string, error) {
	if configured != "" {
		if st, err := os.Stat(configured); err == nil && !st.IsDir() {
			return configured, nil
		}
		if p, err := exec.LookPath(configured); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, configured)
	}
	name := DefaultBinary()
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	if wd, err := os.Getwd(); err == nil {
		local := filepath.Join(wd, name)
		if st, err := os.Stat(local); err == nil && !st.IsDir() {
			return local, nil
		}
	}
	return "", ErrBinaryNotFound
}

// Version runs `cloudflared version` and returns its first output line.
func Version(ctx context.Context, path string) (string, error) {
	if path == "" {
		path = DefaultBinary()
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// #nosec G204
	out, err := exec.CommandContext(cctx, path, "version").CombinedOutput()
	if err != nil {
		return "", &StartError{Path: path, Err: err}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}
