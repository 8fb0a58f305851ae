package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/tunnelmon/internal/events"
)

var ErrAlreadyRunning = errors.New("monitor already running")

// Controller owns at most one running Loop and lets callers start and stop
// it from any goroutine.
type Controller struct {
	opts []Option

	mu     sync.Mutex
	loop   *Loop
	cancel context.CancelFunc
	done   chan struct{}
	last   State
	err    error
}

// NewController returns a Controller that builds each Loop with opts.
func NewController(opts ...Option) *Controller {
	return &Controller{opts: opts, last: State{Status: events.StatusStopped}}
}

// Start launches a loop for cfg. Only one loop runs at a time.
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop != nil {
		return ErrAlreadyRunning
	}
	l := New(cfg, c.opts...)
	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.loop, c.cancel, c.done, c.err = l, cancel, done, nil

	go func() {
		defer close(done)
		err := l.Run(lctx)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.last = l.Snapshot()
		c.err = err
		if c.loop == l {
			c.loop, c.cancel, c.done = nil, nil, nil
		}
		cancel()
	}()
	return nil
}

// Stop cancels the running loop and waits until cloudflared is gone.
// Stopping an idle controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// StopTimeout is Stop with an upper bound on the wait.
func (c *Controller) StopTimeout(d time.Duration) bool {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		return true
	case <-time.After(d):
		slog.Warn("Monitor did not stop in time", "timeout", d)
		return false
	}
}

// Wait blocks until the current loop, if any, has returned.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether a loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop != nil
}

// Snapshot returns the live loop's state, or the final state of the last one.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	l, last := c.loop, c.last
	c.mu.Unlock()
	if l != nil {
		return l.Snapshot()
	}
	return last
}

// Config returns the running loop's config and whether one is running.
func (c *Controller) Config() (Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop == nil {
		return Config{}, false
	}
	return c.loop.Config(), true
}

// Err returns the error the last finished loop returned.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
