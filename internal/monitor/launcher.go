package monitor

import (
	"context"
	"io"
	"time"

	"github.com/loykin/tunnelmon/internal/probe"
	"github.com/loykin/tunnelmon/internal/process"
)

// Prober checks connectivity. *probe.Prober satisfies it.
type Prober interface {
	Probe(ctx context.Context, host string, timeout time.Duration) (probe.Result, error)
}

// Tunnel is a running cloudflared as seen by the loop.
type Tunnel interface {
	Alive() bool
	Output() io.Reader
	PID() int
}

// Launcher starts and stops cloudflared.
type Launcher interface {
	EnsureStarted(spec process.Spec) (Tunnel, error)
	Stop(t Tunnel, grace time.Duration) (process.StopOutcome, error)
}

// NewLauncher adapts a process.Supervisor to Launcher.
func NewLauncher(s *process.Supervisor) Launcher { return supervisorLauncher{s: s} }

type supervisorLauncher struct{ s *process.Supervisor }

func (l supervisorLauncher) EnsureStarted(spec process.Spec) (Tunnel, error) {
	h, err := l.s.EnsureStarted(spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (l supervisorLauncher) Stop(t Tunnel, grace time.Duration) (process.StopOutcome, error) {
	h, _ := t.(*process.Handle)
	return l.s.Stop(h, grace)
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in that case.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
