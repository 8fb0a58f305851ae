package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelmon/internal/config"
	"github.com/loykin/tunnelmon/internal/events"
	"github.com/loykin/tunnelmon/internal/history"
	"github.com/loykin/tunnelmon/internal/logger"
	"github.com/loykin/tunnelmon/internal/monitor"
	"github.com/loykin/tunnelmon/internal/probe"
	"github.com/loykin/tunnelmon/internal/sampler"
	tlsx "github.com/loykin/tunnelmon/internal/tls"
)

type fakeMonitor struct {
	mu      sync.Mutex
	running bool
	starts  []monitor.Config
	stops   int
	state   monitor.State
}

func (f *fakeMonitor) Start(_ context.Context, cfg monitor.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return monitor.ErrAlreadyRunning
	}
	f.running = true
	f.starts = append(f.starts, cfg)
	return nil
}

func (f *fakeMonitor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeMonitor) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeMonitor) Snapshot() monitor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

type fakeProber struct {
	res  probe.Result
	err  error
	host string
}

func (p *fakeProber) Probe(_ context.Context, host string, _ time.Duration) (probe.Result, error) {
	p.host = host
	return p.res, p.err
}

type fakeReader struct {
	evs   []history.Event
	limit int
}

func (r *fakeReader) Recent(_ context.Context, limit int) ([]history.Event, error) {
	r.limit = limit
	return r.evs, nil
}

func newTestRouter(t *testing.T, mut func(*Options)) (*Router, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts := Options{Monitor: &fakeMonitor{}, Settings: config.Default()}
	if mut != nil {
		mut(&opts)
	}
	r := NewRouter(opts)
	return r, r.Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestStatusReportsSnapshot(t *testing.T) {
	mon := &fakeMonitor{running: true, state: monitor.State{
		Status:        events.StatusRunning,
		LastTunnelURL: "https://a-b.trycloudflare.com",
		UptimeStart:   time.Now().Add(-time.Minute),
		TunnelStarts:  2,
	}}
	_, h := newTestRouter(t, func(o *Options) { o.Monitor = mon })
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]any
	decode(t, rec, &got)
	if got["status"] != "running" || got["running"] != true {
		t.Fatalf("unexpected status: %v", got)
	}
	if got["last_tunnel_url"] != "https://a-b.trycloudflare.com" || got["tunnel_url"] != "http://localhost:8080" {
		t.Fatalf("unexpected urls: %v", got)
	}
	if up, _ := got["uptime_seconds"].(float64); up < 59 {
		t.Fatalf("uptime_seconds = %v", got["uptime_seconds"])
	}
	if _, ok := got["process"]; ok {
		t.Fatalf("process stats without pid: %v", got["process"])
	}
}

func TestStartThenConflict(t *testing.T) {
	mon := &fakeMonitor{}
	_, h := newTestRouter(t, func(o *Options) { o.Monitor = mon })
	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(mon.starts) != 1 || mon.starts[0].TunnelURL != "http://localhost:8080" {
		t.Fatalf("unexpected starts: %+v", mon.starts)
	}
	rec = doReq(t, h, http.MethodPost, "/api/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestStartRejectsBadPattern(t *testing.T) {
	_, h := newTestRouter(t, func(o *Options) { o.Settings.URLPattern = "(" })
	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStop(t *testing.T) {
	mon := &fakeMonitor{running: true}
	_, h := newTestRouter(t, func(o *Options) { o.Monitor = mon })
	rec := doReq(t, h, http.MethodPost, "/api/stop", nil)
	if rec.Code != http.StatusOK || mon.stops != 1 || mon.Running() {
		t.Fatalf("stop: code=%d stops=%d running=%v", rec.Code, mon.stops, mon.Running())
	}
}

func TestBasePath(t *testing.T) {
	_, h := newTestRouter(t, func(o *Options) { o.BasePath = "/tm/" })
	if rec := doReq(t, h, http.MethodGet, "/tm/api/status", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/api/status", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPingWithoutSampler(t *testing.T) {
	_, h := newTestRouter(t, nil)
	if rec := doReq(t, h, http.MethodGet, "/api/ping", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestPingTestRecordsSample(t *testing.T) {
	pr := &fakeProber{res: probe.Result{Latency: 12345600 * time.Nanosecond, Known: true, Via: probe.MethodPing}}
	ps := sampler.NewPingSampler(sampler.PingOptions{}, pr, nil)
	_, h := newTestRouter(t, func(o *Options) { o.Prober = pr; o.Ping = ps })

	rec := doReq(t, h, http.MethodGet, "/api/ping/test?host=example.com", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got pingTestResp
	decode(t, rec, &got)
	if !got.Success || got.Ping == nil || *got.Ping != 12.35 || got.Via != "ping" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Stats == nil || got.Stats.Count != 1 || got.Stats.Avg != 12.35 {
		t.Fatalf("unexpected stats: %+v", got.Stats)
	}
	if pr.host != "example.com" {
		t.Fatalf("probed %q", pr.host)
	}

	rec = doReq(t, h, http.MethodGet, "/api/ping", nil)
	var data sampler.PingData
	decode(t, rec, &data)
	if len(data.History) != 1 || data.Host != "example.com" {
		t.Fatalf("history not updated: %+v", data)
	}
}

func TestPingTestDefaultsToConfiguredHost(t *testing.T) {
	pr := &fakeProber{err: errors.New("unreachable")}
	_, h := newTestRouter(t, func(o *Options) { o.Prober = pr })
	rec := doReq(t, h, http.MethodGet, "/api/ping/test", nil)
	var got pingTestResp
	decode(t, rec, &got)
	if got.Success || got.Error != "unreachable" || got.Host != "1.1.1.1" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestPingTestRejectsOptionLikeHost(t *testing.T) {
	_, h := newTestRouter(t, func(o *Options) { o.Prober = &fakeProber{} })
	rec := doReq(t, h, http.MethodGet, "/api/ping/test?host=-c1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLogsSince(t *testing.T) {
	ring := logger.NewRing(10)
	ring.Append("INFO", "app", "one")
	ring.Append("INFO", "app", "two")
	ring.WriteLine("three")
	_, h := newTestRouter(t, func(o *Options) { o.Logs = ring })

	rec := doReq(t, h, http.MethodGet, "/api/logs?since=1", nil)
	var got []logger.Entry
	decode(t, rec, &got)
	if len(got) != 2 || got[0].Message != "two" || got[1].Source != "cloudflared" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if rec := doReq(t, h, http.MethodGet, "/api/logs?since=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSettingsSaveAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelmon.toml")
	r, h := newTestRouter(t, func(o *Options) { o.ConfigPath = path })

	body := map[string]any{"tunnel_url": "http://localhost:9000", "check_interval": "30", "ping_test_url": "8.8.8.8", "debug_mode": true}
	rec := doReq(t, h, http.MethodPost, "/api/settings", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodGet, "/api/settings", nil)
	var got settingsView
	decode(t, rec, &got)
	want := settingsView{
		TunnelURL:     "http://localhost:9000",
		CheckInterval: 30,
		MaxRetries:    3,
		RetryDelay:    5,
		PingHost:      "8.8.8.8",
		ProbeTimeout:  3,
		StopGrace:     5,
		Debug:         true,
	}
	if got != want {
		t.Fatalf("settings = %+v, want %+v", got, want)
	}
	if r.Settings().CheckInterval != 30*time.Second {
		t.Fatalf("router settings not updated")
	}

	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("load saved: %v", err)
	}
	if saved.TunnelURL != "http://localhost:9000" || saved.PingHost != "8.8.8.8" {
		t.Fatalf("saved = %+v", saved)
	}
}

func TestSettingsRejectInvalid(t *testing.T) {
	r, h := newTestRouter(t, nil)
	cases := []map[string]any{
		{"check_interval": 0},
		{"tunnel_url": "not a url"},
		{"ping_host": "-f"},
		{"max_retries": "many"},
	}
	for _, body := range cases {
		if rec := doReq(t, h, http.MethodPost, "/api/settings", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d", body, rec.Code)
		}
	}
	if got, def := r.Settings(), config.Default(); got.TunnelURL != def.TunnelURL || got.CheckInterval != def.CheckInterval || got.PingHost != def.PingHost || got.MaxRetries != def.MaxRetries {
		t.Fatalf("settings changed after rejected updates: %+v", got)
	}
}

func TestSettingsReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelmon.toml")
	r, h := newTestRouter(t, func(o *Options) {
		o.ConfigPath = path
		o.Settings.MaxRetries = 9
	})
	rec := doReq(t, h, http.MethodPost, "/api/settings/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if r.Settings().MaxRetries != 3 {
		t.Fatalf("max_retries = %d", r.Settings().MaxRetries)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("reset did not write the file: %v", err)
	}
}

func TestSystem(t *testing.T) {
	_, h := newTestRouter(t, nil)
	rec := doReq(t, h, http.MethodGet, "/api/system", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got systemInfo
	decode(t, rec, &got)
	if got.OS != runtime.GOOS || got.GoVersion == "" {
		t.Fatalf("unexpected system info: %+v", got)
	}
}

func TestHistory(t *testing.T) {
	_, h := newTestRouter(t, nil)
	if rec := doReq(t, h, http.MethodGet, "/api/history", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rd := &fakeReader{evs: []history.Event{{Type: history.EventStart, Record: history.Record{SessionID: "s1", PID: 42}}}}
	_, h = newTestRouter(t, func(o *Options) { o.History = rd })
	rec := doReq(t, h, http.MethodGet, "/api/history?limit=5000", nil)
	var got []history.Event
	decode(t, rec, &got)
	if len(got) != 1 || got[0].Record.SessionID != "s1" || rd.limit != 1000 {
		t.Fatalf("history = %+v limit=%d", got, rd.limit)
	}
	if rec := doReq(t, h, http.MethodGet, "/api/history?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	_, h := newTestRouter(t, nil)
	if rec := doReq(t, h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when disabled, got %d", rec.Code)
	}
	_, h = newTestRouter(t, func(o *Options) { o.Metrics = true })
	if rec := doReq(t, h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestNewServerServesHTTPS(t *testing.T) {
	tlsCfg, err := tlsx.Setup(tlsx.Options{Enabled: true, Dir: t.TempDir(), AutoGenerate: true})
	if err != nil {
		t.Fatalf("tls setup: %v", err)
	}
	_, h := newTestRouter(t, nil)
	srv, err := NewServer("127.0.0.1:0", h, tlsCfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer func() { _ = srv.Close() }()

	// #nosec G402 self-signed test certificate
	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := client.Get("https://" + srv.Addr + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestNewServerListenError(t *testing.T) {
	_, h := newTestRouter(t, nil)
	srv, err := NewServer("127.0.0.1:0", h, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer func() { _ = srv.Close() }()
	if _, err := NewServer(srv.Addr, h, nil); err == nil {
		t.Fatalf("expected error for address in use")
	}
}
