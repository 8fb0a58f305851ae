package process

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/tunnelmon/internal/metrics"
)

// reapWindow bounds how long Stop waits for the kernel to reap after SIGKILL.
const reapWindow = 2 * time.Second

// Handle is one running cloudflared process. Its stdout and stderr share a
// single pipe so lines keep their relative order; the read end is exposed by
// Output and is closed once the handle reaches an exit state.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	seq       int
	startedAt time.Time
	pidFile   string
	output    *os.File
	done      chan struct{} // closed by the reaper when cmd.Wait returns

	mu      sync.Mutex
	stopMu  sync.Mutex
	state   State
	exitErr error
}

func newHandle(cmd *exec.Cmd, output *os.File, seq int, pidFile string) *Handle {
	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		seq:       seq,
		startedAt: time.Now(),
		pidFile:   pidFile,
		output:    output,
		done:      make(chan struct{}),
		state:     StateRunning,
	}
	go h.reap()
	return h
}

// reap is the only caller of cmd.Wait for this handle.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// PID of the cloudflared process (also its process group id on Unix).
func (h *Handle) PID() int { return h.pid }

// Seq is the start counter value assigned when this handle was spawned.
func (h *Handle) Seq() int { return h.seq }

func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Output returns the merged stdout/stderr stream.
func (h *Handle) Output() io.Reader { return h.output }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the process is still running. It never blocks.
func (h *Handle) Alive() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitErr returns the error from cmd.Wait once the process has exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Stop terminates the process group: SIGTERM, wait up to grace, then SIGKILL.
// Stopping a process that already exited is not an error. Repeated calls
// return the outcome of the first one.
func (h *Handle) Stop(grace time.Duration) (StopOutcome, error) {
	if h == nil {
		return StopAlreadyDead, nil
	}
	h.stopMu.Lock()
	defer h.stopMu.Unlock()
	if st := h.State(); st != StateRunning {
		return outcomeOf(st), nil
	}

	if !h.Alive() {
		return h.finish(StopAlreadyDead), nil
	}
	if err := terminateGroup(h.pid); err != nil {
		select {
		case <-h.done:
			return h.finish(StopAlreadyDead), nil
		case <-time.After(50 * time.Millisecond):
		}
		slog.Warn("Failed to send terminate signal", "pid", h.pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.finish(StopGraceful), nil
	case <-timer.C:
	}

	slog.Warn("cloudflared did not exit within grace period, killing", "pid", h.pid, "grace", grace)
	_ = killGroup(h.pid)
	select {
	case <-h.done:
		return h.finish(StopForced), nil
	case <-time.After(reapWindow):
	}
	slog.Error("cloudflared survived SIGKILL, abandoning handle", "pid", h.pid)
	return h.finish(StopFailed), ErrNotReaped
}

func (h *Handle) finish(o StopOutcome) StopOutcome {
	h.mu.Lock()
	h.state = o.state()
	h.mu.Unlock()
	_ = h.output.Close()
	if h.pidFile != "" {
		_ = os.Remove(h.pidFile)
	}
	metrics.IncTunnelStop(o.String())
	metrics.ResetProcess()
	return o
}

// Stats samples CPU and memory usage of the running process.
func (h *Handle) Stats() (metrics.ProcessStats, error) {
	return metrics.SampleProcess(h.pid)
}
