package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/tunnelmon/internal/events"
	"github.com/loykin/tunnelmon/internal/metrics"
	"github.com/loykin/tunnelmon/internal/probe"
	"github.com/loykin/tunnelmon/internal/process"
	"github.com/loykin/tunnelmon/internal/scanner"
)

// scannerDrain bounds how long shutdown waits for scanner goroutines.
const scannerDrain = time.Second

type failureKind int

const (
	failNone failureKind = iota
	failProbe
	failSpawn
)

// Loop supervises cloudflared based on connectivity. A Loop runs once; use
// Controller to start and stop loops repeatedly.
type Loop struct {
	cfg      Config
	prober   Prober
	launcher Launcher
	sink     events.Sink
	scan     *scanner.Scanner
	lineSink scanner.LineSink
	sleep    Sleeper
	now      func() time.Time

	mu          sync.Mutex
	st          State
	tunnel      Tunnel
	gen         int
	lastFailure failureKind
	spawnFails  int
	internetSet bool

	snap   atomic.Pointer[State]
	scanWG sync.WaitGroup
}

type Option func(*Loop)

func WithProber(p Prober) Option { return func(l *Loop) { l.prober = p } }

func WithLauncher(ln Launcher) Option { return func(l *Loop) { l.launcher = ln } }

// WithSink sets the event consumer. Sinks that implement events.InternetSink
// also receive connectivity changes.
func WithSink(s events.Sink) Option { return func(l *Loop) { l.sink = s } }

// WithLineSink receives every cloudflared output line.
func WithLineSink(s scanner.LineSink) Option { return func(l *Loop) { l.lineSink = s } }

func WithSleeper(s Sleeper) Option { return func(l *Loop) { l.sleep = s } }

func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

func New(cfg Config, opts ...Option) *Loop {
	l := &Loop{
		cfg:   cfg.withDefaults(),
		sink:  events.Nop{},
		sleep: sleepCtx,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.prober == nil {
		l.prober = probe.New()
	}
	if l.launcher == nil {
		l.launcher = NewLauncher(process.NewSupervisor())
	}
	sopts := []scanner.Option{}
	if l.cfg.URLPattern != nil {
		sopts = append(sopts, scanner.WithPattern(l.cfg.URLPattern))
	}
	if l.lineSink != nil {
		sopts = append(sopts, scanner.WithLineSink(l.lineSink))
	}
	l.scan = scanner.New(sopts...)
	l.st.Status = events.StatusStopped
	l.publishLocked()
	return l
}

// Snapshot returns a copy of the current state. Safe from any goroutine.
func (l *Loop) Snapshot() State {
	if p := l.snap.Load(); p != nil {
		return *p
	}
	return State{}
}

// Config returns the effective configuration.
func (l *Loop) Config() Config { return l.cfg }

// Run drives the state machine until ctx is done. On every exit path,
// including a panic, the live cloudflared is stopped with the configured
// grace period before Run returns.
func (l *Loop) Run(ctx context.Context) (err error) {
	l.mu.Lock()
	l.st.MonitorStarted = l.now()
	l.publishLocked()
	l.mu.Unlock()
	slog.Info("Monitor loop started",
		"target", l.cfg.TunnelURL, "ping_host", l.cfg.PingHost,
		"check_interval", l.cfg.CheckInterval, "max_retries", l.cfg.MaxRetries, "retry_delay", l.cfg.RetryDelay)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Monitor loop panicked", "panic", r)
			err = fmt.Errorf("monitor loop panic: %v", r)
		}
		l.shutdown()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		wait := l.tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if l.sleep(ctx, wait) != nil {
			return nil
		}
	}
}

// tick runs one probe and reacts to it. It returns how long to wait before
// the next tick.
func (l *Loop) tick(ctx context.Context) time.Duration {
	l.reapExited()

	res, err := l.prober.Probe(ctx, l.cfg.PingHost, l.cfg.ProbeTimeout)
	if ctx.Err() != nil {
		return 0
	}
	l.mu.Lock()
	l.st.LastCheck = l.now()
	if err == nil {
		l.st.LatencyMs = res.Millis()
		l.st.LatencyKnown = res.Known
	}
	l.mu.Unlock()

	l.setInternet(err == nil)
	if err != nil {
		return l.onProbeFailure(err)
	}
	return l.onProbeSuccess(ctx)
}

func (l *Loop) onProbeFailure(err error) time.Duration {
	l.mu.Lock()
	t := l.tunnel
	wasRunning := l.st.Status == events.StatusRunning
	if wasRunning {
		l.st.DisconnectCount++
	}
	l.lastFailure = failProbe
	l.mu.Unlock()

	if wasRunning {
		slog.Warn("Internet connection lost, stopping tunnel", "error", err)
		metrics.IncDisconnect()
		l.sink.OnDisconnect()
	} else {
		slog.Debug("Probe failed", "error", err)
	}
	if t != nil {
		l.stopTunnel(t, true)
	}
	return l.backoff()
}

func (l *Loop) onProbeSuccess(ctx context.Context) time.Duration {
	l.mu.Lock()
	if l.lastFailure == failProbe {
		if l.st.RetryCount > 0 {
			slog.Info("Internet connection restored", "after_failures", l.st.RetryCount)
		}
		l.st.RetryCount = 0
		l.lastFailure = failNone
		metrics.SetRetryCount(0)
	}
	t := l.tunnel
	if t != nil && t.Alive() {
		l.st.Phase = PhaseConnectedRunning
		l.st.Uptime = l.now().Sub(l.st.UptimeStart)
		l.publishLocked()
		l.mu.Unlock()
		return l.cfg.CheckInterval
	}
	l.mu.Unlock()

	// cloudflared may have died while the probe was in flight.
	if t != nil {
		l.reapExited()
	}
	l.mu.Lock()
	l.st.Phase = PhaseConnectedNoTunnel
	l.publishLocked()
	l.mu.Unlock()
	return l.startTunnel(ctx)
}

func (l *Loop) startTunnel(ctx context.Context) time.Duration {
	l.setStatus(events.StatusStarting)
	spec := process.Spec{
		Path:      l.cfg.CloudflaredPath,
		TargetURL: l.cfg.TunnelURL,
		ExtraArgs: l.cfg.ExtraArgs,
		Env:       l.cfg.Env,
		PIDFile:   l.cfg.PIDFile,
		WorkDir:   l.cfg.WorkDir,
	}
	t, err := l.launcher.EnsureStarted(spec)
	if err != nil {
		slog.Error("Failed to start cloudflared", "path", spec.Path, "error", err)
		l.mu.Lock()
		l.st.LastError = err.Error()
		l.lastFailure = failSpawn
		l.spawnFails++
		l.mu.Unlock()
		l.setStatus(events.StatusStartError)
		return l.backoff()
	}

	l.mu.Lock()
	now := l.now()
	l.tunnel = t
	l.gen++
	gen := l.gen
	l.lastFailure = failNone
	l.spawnFails = 0
	l.st.RetryCount = 0
	l.st.TunnelStarts++
	l.st.UptimeStart = now
	l.st.Uptime = 0
	l.st.LastTunnelURL = ""
	l.st.LastError = ""
	l.st.SessionID = uuid.NewString()
	l.st.PID = t.PID()
	l.st.Phase = PhaseConnectedRunning
	l.publishLocked()
	l.mu.Unlock()
	metrics.SetRetryCount(0)

	l.setStatus(events.StatusRunning)
	l.watchOutput(ctx, t, gen)
	return l.cfg.CheckInterval
}

func (l *Loop) watchOutput(ctx context.Context, t Tunnel, gen int) {
	ch := l.scan.Scan(ctx, t.Output())
	l.scanWG.Add(1)
	go func() {
		defer l.scanWG.Done()
		for ev := range ch {
			l.onURL(gen, ev.URL)
		}
	}()
}

func (l *Loop) onURL(gen int, url string) {
	l.mu.Lock()
	if gen != l.gen || l.tunnel == nil || l.st.LastTunnelURL != "" {
		l.mu.Unlock()
		return
	}
	l.st.LastTunnelURL = url
	l.publishLocked()
	l.mu.Unlock()
	slog.Info("Tunnel URL discovered", "url", url)
	l.sink.OnTunnelURL(url)
}

// backoff bumps the retry counter and picks the wait: linear within the
// budget, then the check interval until connectivity returns. Hitting the
// spawn failure limit jumps straight to the check interval.
func (l *Loop) backoff() time.Duration {
	l.mu.Lock()
	l.st.RetryCount++
	n := l.st.RetryCount
	capped := l.lastFailure == failSpawn && l.cfg.SpawnFailureLimit > 0 && l.spawnFails >= l.cfg.SpawnFailureLimit
	spawnFails := l.spawnFails
	var wait time.Duration
	if n <= l.cfg.MaxRetries && !capped {
		l.st.Phase = PhaseDisconnectedBackoff
		wait = BackoffDelay(l.cfg.RetryDelay, n)
	} else {
		l.st.Phase = PhaseDisconnectedLongWait
		wait = l.cfg.CheckInterval
	}
	l.publishLocked()
	l.mu.Unlock()
	metrics.SetRetryCount(n)
	switch {
	case capped && spawnFails == l.cfg.SpawnFailureLimit:
		slog.Warn("cloudflared keeps failing to start, polling at check interval", "spawn_failures", spawnFails, "interval", wait)
	case capped:
	case n <= l.cfg.MaxRetries:
		slog.Info("Retrying after backoff", "attempt", n, "max_retries", l.cfg.MaxRetries, "wait", wait)
	case n == l.cfg.MaxRetries+1:
		slog.Warn("Retry budget exhausted, polling at check interval", "interval", wait)
	}
	return wait
}

// reapExited notices a cloudflared that died on its own. It is not a
// disconnect; the next successful probe starts a new one.
func (l *Loop) reapExited() {
	l.mu.Lock()
	t := l.tunnel
	l.mu.Unlock()
	if t == nil || t.Alive() {
		return
	}
	slog.Warn("cloudflared exited unexpectedly", "pid", t.PID())
	l.stopTunnel(t, false)
}

// stopTunnel stops t and clears per-session state. announce controls whether
// the Stopping status is emitted first.
func (l *Loop) stopTunnel(t Tunnel, announce bool) {
	if announce {
		l.setStatus(events.StatusStopping)
	}
	out, err := l.launcher.Stop(t, l.cfg.StopGrace)
	if err != nil {
		slog.Error("Failed to stop cloudflared, abandoning it", "pid", t.PID(), "outcome", out.String(), "error", err)
	}
	l.mu.Lock()
	if l.tunnel == t {
		l.tunnel = nil
		l.gen++
	}
	l.st.LastTunnelURL = ""
	l.st.PID = 0
	l.st.UptimeStart = time.Time{}
	l.st.Uptime = 0
	l.publishLocked()
	l.mu.Unlock()
	l.setStatus(events.StatusStopped)
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	t := l.tunnel
	l.mu.Unlock()
	if t != nil {
		l.stopTunnel(t, true)
	}
	l.mu.Lock()
	l.st.Phase = PhaseIdle
	l.publishLocked()
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.scanWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(scannerDrain):
		slog.Warn("Output scanner did not finish after shutdown")
	}
	slog.Info("Monitor loop stopped")
}

func (l *Loop) setStatus(s events.Status) {
	l.mu.Lock()
	prev := l.st.Status
	if prev == s {
		l.mu.Unlock()
		return
	}
	l.st.Status = s
	l.publishLocked()
	l.mu.Unlock()

	metrics.RecordStateTransition(prev.String(), s.String())
	for _, st := range events.Statuses {
		metrics.SetCurrentStatus(st.String(), st == s)
	}
	l.sink.OnStatusChanged(s)
}

func (l *Loop) setInternet(up bool) {
	l.mu.Lock()
	changed := !l.internetSet || l.st.Internet != up
	l.internetSet = true
	l.st.Internet = up
	l.publishLocked()
	l.mu.Unlock()
	if !changed {
		return
	}
	if is, ok := l.sink.(events.InternetSink); ok {
		is.OnInternetStatus(up)
	}
}

// publishLocked stores a copy of st for lock-free readers. l.mu must be held,
// except during construction.
func (l *Loop) publishLocked() {
	s := l.st
	l.snap.Store(&s)
}
