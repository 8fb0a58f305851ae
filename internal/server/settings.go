package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelmon/internal/config"
)

// settingsView is the dashboard's flat view of the config. Durations are
// whole seconds.
type settingsView struct {
	TunnelURL       string `json:"tunnel_url"`
	CheckInterval   int    `json:"check_interval"`
	MaxRetries      int    `json:"max_retries"`
	RetryDelay      int    `json:"retry_delay"`
	PingHost        string `json:"ping_host"`
	ProbeTimeout    int    `json:"probe_timeout"`
	StopGrace       int    `json:"stop_grace"`
	CloudflaredPath string `json:"cloudflared_path"`
	Debug           bool   `json:"debug"`
}

func viewOf(c config.Config) settingsView {
	return settingsView{
		TunnelURL:       c.TunnelURL,
		CheckInterval:   int(c.CheckInterval / time.Second),
		MaxRetries:      c.MaxRetries,
		RetryDelay:      int(c.RetryDelay / time.Second),
		PingHost:        c.PingHost,
		ProbeTimeout:    int(c.ProbeTimeout / time.Second),
		StopGrace:       int(c.StopGrace / time.Second),
		CloudflaredPath: c.CloudflaredPath,
		Debug:           c.Debug,
	}
}

// flexInt accepts a JSON number or a numeric string, as HTML forms send.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*f = flexInt(n)
	return nil
}

// settingsPatch holds the fields a POST may change. Absent fields keep their
// current value. ping_test_url and debug_mode are accepted as aliases.
type settingsPatch struct {
	TunnelURL     *string  `json:"tunnel_url"`
	CheckInterval *flexInt `json:"check_interval"`
	MaxRetries    *flexInt `json:"max_retries"`
	RetryDelay    *flexInt `json:"retry_delay"`
	PingHost      *string  `json:"ping_host"`
	PingTestURL   *string  `json:"ping_test_url"`
	ProbeTimeout  *flexInt `json:"probe_timeout"`
	StopGrace     *flexInt `json:"stop_grace"`
	Debug         *bool    `json:"debug"`
	DebugMode     *bool    `json:"debug_mode"`
}

func (p settingsPatch) apply(c config.Config) config.Config {
	secs := func(v *flexInt, d *time.Duration) {
		if v != nil {
			*d = time.Duration(*v) * time.Second
		}
	}
	if p.TunnelURL != nil {
		c.TunnelURL = *p.TunnelURL
	}
	secs(p.CheckInterval, &c.CheckInterval)
	if p.MaxRetries != nil {
		c.MaxRetries = int(*p.MaxRetries)
	}
	secs(p.RetryDelay, &c.RetryDelay)
	if p.PingTestURL != nil {
		c.PingHost = *p.PingTestURL
	}
	if p.PingHost != nil {
		c.PingHost = *p.PingHost
	}
	secs(p.ProbeTimeout, &c.ProbeTimeout)
	secs(p.StopGrace, &c.StopGrace)
	if p.DebugMode != nil {
		c.Debug = *p.DebugMode
	}
	if p.Debug != nil {
		c.Debug = *p.Debug
	}
	return c
}

func (r *Router) handleGetSettings(c *gin.Context) {
	writeJSON(c, http.StatusOK, viewOf(r.Settings()))
}

// handlePostSettings applies a patch to the current settings. A running
// monitor keeps its config until it is restarted.
func (r *Router) handlePostSettings(c *gin.Context) {
	var p settingsPatch
	if err := json.NewDecoder(c.Request.Body).Decode(&p); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	next := p.apply(r.Settings())
	if !isSafeHost(next.PingHost) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid ping_host"})
		return
	}
	if err := next.Validate(); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if r.opts.ConfigPath != "" {
		if err := config.Save(r.opts.ConfigPath, next); err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
	}
	r.setSettings(next)
	writeJSON(c, http.StatusOK, viewOf(next))
}

func (r *Router) handleResetSettings(c *gin.Context) {
	next := config.Default()
	if r.opts.ConfigPath != "" {
		var err error
		if next, err = config.Reset(r.opts.ConfigPath); err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
	}
	r.setSettings(next)
	writeJSON(c, http.StatusOK, viewOf(next))
}
