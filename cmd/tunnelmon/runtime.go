package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tunnelmon/internal/config"
	"github.com/loykin/tunnelmon/internal/events"
	"github.com/loykin/tunnelmon/internal/history"
	"github.com/loykin/tunnelmon/internal/history/factory"
	"github.com/loykin/tunnelmon/internal/logger"
	"github.com/loykin/tunnelmon/internal/metrics"
	"github.com/loykin/tunnelmon/internal/monitor"
	"github.com/loykin/tunnelmon/internal/notify"
	"github.com/loykin/tunnelmon/internal/probe"
	"github.com/loykin/tunnelmon/internal/process"
	"github.com/loykin/tunnelmon/internal/scanner"
)

// supervisor is everything one tunnelmon process owns around the monitor
// loop: logging, the event bus, notifier, history and the controller.
type supervisor struct {
	cfg      config.Config
	ring     *logger.Ring
	bus      *events.Bus
	prober   *probe.Prober
	ctrl     *monitor.Controller
	notifier *notify.Notifier
	history  *history.EventSink
	reader   history.Reader
	sinks    *events.Async

	closers []io.Closer
}

func newSupervisor(cfg config.Config, console io.Writer) (*supervisor, error) {
	if cfg.Debug {
		cfg.Log.Level = "debug"
	}
	s := &supervisor{
		cfg:    cfg,
		ring:   logger.NewRing(logger.DefaultRingSize),
		bus:    events.NewBus(),
		prober: probe.New(),
	}
	lg, logCloser := logger.New(cfg.Log, console, s.ring)
	slog.SetDefault(lg)
	s.closers = append(s.closers, logCloser)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("Metrics registration failed", "error", err)
		}
	}

	fanout := events.Multi{s.bus}
	s.notifier = cfg.Notify.Notifier()
	if names := s.notifier.Transports(); len(names) > 0 {
		slog.Info("Notifications enabled", "transports", names)
	}
	fanout = append(fanout, s.notifier)

	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			_ = s.notifier.Close()
			s.closeLogs()
			return nil, fmt.Errorf("history: %w", err)
		}
		if rd, ok := sink.(history.Reader); ok {
			s.reader = rd
		}
		s.history = history.NewEventSink(sink, cfg.TunnelURL, func() monitor.State { return s.ctrl.Snapshot() })
		fanout = append(fanout, s.history)
	}
	s.sinks = events.NewAsync("sinks", fanout, 256)

	cfLog := cfg.Log.CloudflaredWriter()
	if cfLog != nil {
		s.closers = append(s.closers, cfLog)
	}
	s.ctrl = monitor.NewController(
		monitor.WithProber(s.prober),
		monitor.WithLauncher(monitor.NewLauncher(process.NewSupervisor())),
		monitor.WithSink(s.sinks),
		monitor.WithLineSink(lineSink(s.ring, cfLog)),
	)
	return s, nil
}

// lineSink copies raw cloudflared output into the log ring and, when
// configured, the rotating cloudflared.log.
func lineSink(ring *logger.Ring, w io.Writer) scanner.LineSink {
	return scanner.LineFunc(func(line string) {
		ring.WriteLine(line)
		if w != nil {
			_, _ = io.WriteString(w, line+"\n")
		}
	})
}

// reapOrphan stops a cloudflared left behind by a previous run.
func (s *supervisor) reapOrphan() {
	if s.cfg.PIDFile == "" {
		return
	}
	pid, err := process.ReapOrphan(s.cfg.PIDFile, s.cfg.StopGrace)
	switch {
	case err != nil:
		slog.Warn("Orphan cleanup failed", "pidfile", s.cfg.PIDFile, "error", err)
	case pid != 0:
		slog.Info("Stopped orphaned cloudflared", "pid", pid)
	}
}

// Close stops the loop and flushes every sink. It is safe to call once.
func (s *supervisor) Close() {
	if !s.ctrl.StopTimeout(s.cfg.StopGrace + 5*time.Second) {
		slog.Error("Monitor did not stop; exiting anyway")
	}
	s.sinks.Close()
	_ = s.notifier.Close()
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			slog.Warn("History sink close failed", "error", err)
		}
	}
	s.closeLogs()
}

func (s *supervisor) closeLogs() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}
