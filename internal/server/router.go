package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelmon/internal/config"
	"github.com/loykin/tunnelmon/internal/events"
	"github.com/loykin/tunnelmon/internal/history"
	"github.com/loykin/tunnelmon/internal/logger"
	"github.com/loykin/tunnelmon/internal/metrics"
	"github.com/loykin/tunnelmon/internal/monitor"
	"github.com/loykin/tunnelmon/internal/sampler"
)

// Router provides the dashboard API. Endpoints, relative to basePath:
//
//	GET  /api/status          monitor snapshot plus cloudflared process stats
//	POST /api/start           start the monitor (409 when already running)
//	POST /api/stop            stop the monitor and cloudflared
//	GET  /api/ping            ping history and stats
//	GET  /api/ping/test       one-off probe, query: host=...
//	GET  /api/logs            log ring entries, query: since=<seq>
//	GET  /api/settings        current settings
//	POST /api/settings        update, validate and save settings
//	POST /api/settings/reset  restore defaults
//	GET  /api/system          host information
//	GET  /api/history         stored lifecycle events, query: limit=N
//	GET  /ws                  live event stream
//	GET  /metrics             prometheus, when enabled
type Router struct {
	opts     Options
	basePath string
	origins  originPolicy

	mu       sync.RWMutex
	settings config.Config
}

// Monitor is the part of *monitor.Controller the router drives.
type Monitor interface {
	Start(ctx context.Context, cfg monitor.Config) error
	Stop()
	Running() bool
	Snapshot() monitor.State
}

// Options wires the router to the rest of the process. Only Monitor is
// required; missing optional parts make their endpoints report 503.
type Options struct {
	BasePath   string
	Monitor    Monitor
	Settings   config.Config
	ConfigPath string // empty keeps settings changes in memory
	Bus        *events.Bus
	Logs       *logger.Ring
	Ping       *sampler.PingSampler
	Prober     sampler.Prober
	History    history.Reader
	Metrics    bool
	// Context parents monitor loops started over HTTP; defaults to Background.
	Context context.Context
}

func NewRouter(opts Options) *Router {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Router{
		opts:     opts,
		basePath: sanitizeBase(opts.BasePath),
		origins:  newOriginPolicy(opts.Settings.Server.AllowedOrigins),
		settings: opts.Settings,
	}
}

// Settings returns the current settings, including unsaved edits.
func (r *Router) Settings() config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

func (r *Router) setSettings(c config.Config) {
	r.mu.Lock()
	r.settings = c
	r.mu.Unlock()
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	api := group.Group("/api")
	api.GET("/status", r.handleStatus)
	api.POST("/start", r.handleStart)
	api.POST("/stop", r.handleStop)
	api.GET("/ping", r.handlePing)
	api.GET("/ping/test", r.handlePingTest)
	api.GET("/logs", r.handleLogs)
	api.GET("/settings", r.handleGetSettings)
	api.POST("/settings", r.handlePostSettings)
	api.POST("/settings/reset", r.handleResetSettings)
	api.GET("/system", r.handleSystem)
	api.GET("/history", r.handleHistory)
	group.GET("/ws", r.handleWS)
	if r.opts.Metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer listens on addr and serves h in the background, over HTTPS when
// tlsCfg is non-nil. Listen errors are returned immediately.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	monitor.State
	Running       bool                  `json:"running"`
	TargetURL     string                `json:"tunnel_url"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Process       *metrics.ProcessStats `json:"process,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.opts.Monitor.Snapshot()
	st.Uptime = st.UptimeAt(time.Now())
	resp := statusResp{
		State:         st,
		Running:       r.opts.Monitor.Running(),
		TargetURL:     r.Settings().TunnelURL,
		UptimeSeconds: st.Uptime.Seconds(),
	}
	if st.PID > 0 {
		if ps, err := metrics.SampleProcess(st.PID); err == nil {
			resp.Process = &ps
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStart(c *gin.Context) {
	if r.opts.Monitor.Running() {
		writeJSON(c, http.StatusConflict, errorResp{Error: monitor.ErrAlreadyRunning.Error()})
		return
	}
	cfg, err := r.Settings().ToMonitor()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := r.opts.Monitor.Start(r.opts.Context, cfg); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrAlreadyRunning) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	slog.Info("Monitor started", "source", "api", "tunnel_url", cfg.TunnelURL)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	r.opts.Monitor.Stop()
	slog.Warn("Monitor stopped", "source", "api")
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePing(c *gin.Context) {
	if r.opts.Ping == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "ping sampler disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Ping.Snapshot())
}

type pingTestResp struct {
	Success   bool           `json:"success"`
	Host      string         `json:"host"`
	Timestamp time.Time      `json:"timestamp"`
	Ping      *float64       `json:"ping,omitempty"`
	Via       string         `json:"via,omitempty"`
	Error     string         `json:"error,omitempty"`
	Stats     *sampler.Stats `json:"stats,omitempty"`
}

func (r *Router) handlePingTest(c *gin.Context) {
	if r.opts.Prober == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "prober not configured"})
		return
	}
	s := r.Settings()
	host := c.DefaultQuery("host", s.PingHost)
	if !isSafeHost(host) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid host"})
		return
	}
	res, err := r.opts.Prober.Probe(c.Request.Context(), host, s.ProbeTimeout)
	resp := pingTestResp{Host: host, Timestamp: time.Now()}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(c, http.StatusOK, resp)
		return
	}
	resp.Success = true
	resp.Via = string(res.Via)
	if res.Known {
		v := round2(res.Millis())
		resp.Ping = &v
	}
	if r.opts.Ping != nil {
		st := r.opts.Ping.Observe(host, resp.Timestamp, true, resp.Ping).Stats
		st.Avg, st.Min, st.Max = round2(st.Avg), round2(st.Min), round2(st.Max)
		resp.Stats = &st
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleLogs(c *gin.Context) {
	var since uint64
	if s := c.Query("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid since: " + s})
			return
		}
		since = v
	}
	if r.opts.Logs == nil {
		writeJSON(c, http.StatusOK, []logger.Entry{})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Logs.Since(since))
}

func (r *Router) handleSystem(c *gin.Context) {
	writeJSON(c, http.StatusOK, collectSystem(c.Request.Context()))
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.opts.History == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "history not readable"})
		return
	}
	limit, err := parseLimit(c, 50, 1000)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	evs, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if evs == nil {
		evs = []history.Event{}
	}
	writeJSON(c, http.StatusOK, evs)
}
