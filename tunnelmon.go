// Package tunnelmon embeds the cloudflared supervisor in another program.
package tunnelmon

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tunnelmon/internal/config"
	"github.com/loykin/tunnelmon/internal/events"
	"github.com/loykin/tunnelmon/internal/metrics"
	"github.com/loykin/tunnelmon/internal/monitor"
	"github.com/loykin/tunnelmon/internal/probe"
)

// Re-export core types for external consumers.

type Config = config.Config

type MonitorConfig = monitor.Config

type State = monitor.State

type Status = events.Status

type Sink = events.Sink

// SinkFuncs adapts plain functions to a Sink; nil fields are ignored.
type SinkFuncs = events.Funcs

type ProbeResult = probe.Result

const (
	StatusStopped    = events.StatusStopped
	StatusStarting   = events.StatusStarting
	StatusRunning    = events.StatusRunning
	StatusStopping   = events.StatusStopping
	StatusStartError = events.StatusStartError
)

// Monitor is a thin facade over internal/monitor.Controller.
type Monitor struct{ inner *monitor.Controller }

// New returns an idle monitor. A nil sink discards events.
func New(sink Sink) *Monitor {
	var opts []monitor.Option
	if sink != nil {
		opts = append(opts, monitor.WithSink(sink))
	}
	return &Monitor{inner: monitor.NewController(opts...)}
}

func (m *Monitor) Start(ctx context.Context, c MonitorConfig) error { return m.inner.Start(ctx, c) }
func (m *Monitor) Stop()                                            { m.inner.Stop() }
func (m *Monitor) Wait()                                            { m.inner.Wait() }
func (m *Monitor) Running() bool                                    { return m.inner.Running() }
func (m *Monitor) Snapshot() State                                  { return m.inner.Snapshot() }
func (m *Monitor) Err() error                                       { return m.inner.Err() }

// StartConfig validates a file config and starts the monitor with it.
func (m *Monitor) StartConfig(ctx context.Context, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	mc, err := c.ToMonitor()
	if err != nil {
		return err
	}
	return m.inner.Start(ctx, mc)
}

func DefaultConfig() Config { return config.Default() }

func LoadConfig(path string) (Config, error) { return config.Load(path) }

func SaveConfig(path string, c Config) error { return config.Save(path, c) }

// Probe checks host the same way the monitor does.
func Probe(ctx context.Context, host string, timeout time.Duration) (ProbeResult, error) {
	return probe.Probe(ctx, host, timeout)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr. It blocks
// until the server fails.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
