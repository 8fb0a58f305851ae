package monitor

import (
	"regexp"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultPingHost      = "1.1.1.1"
	DefaultCheckInterval = 60 * time.Second
	DefaultRetryDelay    = 5 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
	DefaultStopGrace     = 5 * time.Second
)

// Config is the immutable input of one Loop run.
type Config struct {
	TunnelURL       string
	PingHost        string
	CheckInterval   time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	CloudflaredPath string
	ExtraArgs       []string
	Env             []string
	WorkDir         string
	PIDFile         string
	ProbeTimeout    time.Duration
	StopGrace       time.Duration
	URLPattern      *regexp.Regexp // nil means the trycloudflare pattern

	// SpawnFailureLimit consecutive spawn failures switch the loop to the
	// check interval early; 0 means no limit.
	SpawnFailureLimit int
}

func (c Config) withDefaults() Config {
	if c.PingHost == "" {
		c.PingHost = DefaultPingHost
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SpawnFailureLimit < 0 {
		c.SpawnFailureLimit = 0
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// BackoffDelay is the sleep after the k-th consecutive failure while k is
// within the retry budget: linear, retryDelay * k.
func BackoffDelay(retryDelay time.Duration, k int) time.Duration {
	return retryDelay * time.Duration(k)
}
