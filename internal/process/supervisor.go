package process

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/tunnelmon/internal/metrics"
)

// Supervisor owns at most one live cloudflared process.
type Supervisor struct {
	mu     sync.Mutex
	cur    *Handle
	starts int
}

func NewSupervisor() *Supervisor { return &Supervisor{} }

// EnsureStarted returns the live handle unchanged if there is one; otherwise it
// spawns cloudflared from spec in its own process group and returns the new
// handle. Spawn failures are returned as *StartError.
func (s *Supervisor) EnsureStarted(spec Spec) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Alive() {
		return s.cur, nil
	}
	if s.cur != nil {
		// exited on its own; release the pipe before replacing it
		_, _ = s.cur.Stop(0)
		s.cur = nil
	}

	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd)
	r, w, err := os.Pipe()
	if err != nil {
		metrics.IncTunnelStartError()
		return nil, &StartError{Path: cmd.Path, Err: fmt.Errorf("create output pipe: %w", err)}
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		metrics.IncTunnelStartError()
		return nil, &StartError{Path: cmd.Path, Err: err}
	}
	// the child holds its own copy of the write end
	_ = w.Close()

	s.starts++
	h := newHandle(cmd, r, s.starts, spec.PIDFile)
	if spec.PIDFile != "" {
		if err := WritePIDFile(spec.PIDFile, h.pid, spec); err != nil {
			slog.Warn("Failed to write cloudflared pidfile", "path", spec.PIDFile, "error", err)
		}
	}
	s.cur = h
	metrics.IncTunnelStart()
	slog.Info("cloudflared started", "pid", h.pid, "target", spec.TargetURL, "start", s.starts)
	return h, nil
}

// IsAlive reports whether h is still running without blocking.
func (s *Supervisor) IsAlive(h *Handle) bool { return h.Alive() }

// Stop terminates h with the given grace period and forgets it if it was current.
func (s *Supervisor) Stop(h *Handle, grace time.Duration) (StopOutcome, error) {
	out, err := h.Stop(grace)
	s.mu.Lock()
	if s.cur == h {
		s.cur = nil
	}
	s.mu.Unlock()
	if h != nil {
		slog.Info("cloudflared stopped", "pid", h.pid, "outcome", out.String())
	}
	return out, err
}

// Current returns the live handle, or nil.
func (s *Supervisor) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Alive() {
		return s.cur
	}
	return nil
}

// Starts returns how many times cloudflared has been spawned successfully.
func (s *Supervisor) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}
