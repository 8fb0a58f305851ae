package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/tunnelmon/internal/logger"
	"github.com/loykin/tunnelmon/internal/monitor"
	"github.com/loykin/tunnelmon/internal/notify"
	"github.com/loykin/tunnelmon/internal/scanner"
	"github.com/loykin/tunnelmon/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. TUNNELMON_TUNNEL_URL or
// TUNNELMON_LOG_LEVEL for nested keys.
const EnvPrefix = "TUNNELMON"

// DefaultFile is used by the CLI when --config is not given.
const DefaultFile = "tunnelmon.toml"

// Config represents the whole TOML file.
type Config struct {
	TunnelURL       string        `toml:"tunnel_url" mapstructure:"tunnel_url"`
	CloudflaredPath string        `toml:"cloudflared_path" mapstructure:"cloudflared_path"`
	ExtraArgs       []string      `toml:"extra_args" mapstructure:"extra_args"`
	PIDFile         string        `toml:"pidfile" mapstructure:"pidfile"`
	CheckInterval   time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	MaxRetries      int           `toml:"max_retries" mapstructure:"max_retries"`
	SpawnFailures   int           `toml:"spawn_failure_limit" mapstructure:"spawn_failure_limit"` // 0 disables
	RetryDelay      time.Duration `toml:"retry_delay" mapstructure:"retry_delay"`
	PingHost        string        `toml:"ping_host" mapstructure:"ping_host"`
	ProbeTimeout    time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	StopGrace       time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	URLPattern      string        `toml:"url_pattern" mapstructure:"url_pattern"`
	Debug           bool          `toml:"debug" mapstructure:"debug"`

	// cloudflared environment: OS env (when enabled), then env_files, then env
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Log     logger.Config `toml:"log" mapstructure:"log"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Notify  NotifyConfig  `toml:"notify" mapstructure:"notify"`
	Sampler SamplerConfig `toml:"sampler" mapstructure:"sampler"`
}

// ServerConfig is the dashboard. PIDFile and LogFile apply to
// serve --daemonize.
type ServerConfig struct {
	Listen         string      `toml:"listen" mapstructure:"listen"`
	BasePath       string      `toml:"base_path" mapstructure:"base_path"`
	AllowedOrigins []string    `toml:"allowed_origins" mapstructure:"allowed_origins"`
	AutoStart      bool        `toml:"auto_start" mapstructure:"auto_start"`
	PIDFile        string      `toml:"pidfile" mapstructure:"pidfile"`
	LogFile        string      `toml:"logfile" mapstructure:"logfile"`
	TLS            tls.Options `toml:"tls" mapstructure:"tls"`
}

// MetricsConfig enables /metrics. With Listen empty the endpoint is served by
// the dashboard server.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig selects the history sink by DSN; empty disables history.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type NotifyConfig struct {
	WebhookURL      string        `toml:"webhook_url" mapstructure:"webhook_url"`
	TwilioSID       string        `toml:"twilio_sid" mapstructure:"twilio_sid"`
	TwilioToken     string        `toml:"twilio_token" mapstructure:"twilio_token"`
	TwilioFrom      string        `toml:"twilio_from" mapstructure:"twilio_from"`
	TwilioTo        string        `toml:"twilio_to" mapstructure:"twilio_to"`
	MessageTemplate string        `toml:"message_template" mapstructure:"message_template"`
	RateInterval    time.Duration `toml:"rate_interval" mapstructure:"rate_interval"`
	Timeout         time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type SamplerConfig struct {
	PingInterval     time.Duration `toml:"ping_interval" mapstructure:"ping_interval"`
	InternetInterval time.Duration `toml:"internet_interval" mapstructure:"internet_interval"`
	HistorySize      int           `toml:"history_size" mapstructure:"history_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		TunnelURL:     "http://localhost:8080",
		CheckInterval: monitor.DefaultCheckInterval,
		MaxRetries:    3,
		RetryDelay:    monitor.DefaultRetryDelay,
		PingHost:      monitor.DefaultPingHost,
		ProbeTimeout:  monitor.DefaultProbeTimeout,
		StopGrace:     monitor.DefaultStopGrace,
		Log: logger.Config{
			MaxSizeMB:  logger.DefaultMaxSizeMB,
			MaxBackups: logger.DefaultMaxBackups,
			MaxAgeDays: logger.DefaultMaxAgeDays,
			Level:      "info",
			Color:      true,
		},
		Server: ServerConfig{Listen: ":5000"},
		Notify: NotifyConfig{
			MessageTemplate: DefaultMessageTemplate,
			RateInterval:    time.Minute,
			Timeout:         10 * time.Second,
		},
		Sampler: SamplerConfig{
			PingInterval:     time.Second,
			InternetInterval: 5 * time.Second,
			HistorySize:      60,
		},
	}
}

// DefaultMessageTemplate is the notification body; {timestamp} and {link}
// are substituted.
const DefaultMessageTemplate = notify.DefaultTemplate

// Load reads path on top of the defaults and applies TUNNELMON_* environment
// overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(decodeHook())); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	for k, val := range flatten(Default()) {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// decodeHook accepts "90s" style strings and bare integers (seconds) for
// duration keys.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsToDuration,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func secondsToDuration(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch n := data.(type) {
	case int:
		return time.Duration(n) * time.Second, nil
	case int64:
		return time.Duration(n) * time.Second, nil
	case float64:
		return time.Duration(n * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(n)
		if s != "" && strings.Trim(s, "0123456789") == "" {
			return s + "s", nil
		}
	}
	return data, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.TunnelURL == "" {
		errs = append(errs, errors.New("tunnel_url is required"))
	} else if u, err := url.Parse(c.TunnelURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("tunnel_url %q is not an absolute URL", c.TunnelURL))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check_interval must be positive"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, errors.New("retry_delay must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if c.SpawnFailures < 0 {
		errs = append(errs, errors.New("spawn_failure_limit must not be negative"))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("probe_timeout must be positive"))
	}
	if c.StopGrace <= 0 {
		errs = append(errs, errors.New("stop_grace must be positive"))
	}
	if strings.TrimSpace(c.PingHost) == "" {
		errs = append(errs, errors.New("ping_host is required"))
	}
	if _, err := scanner.CompilePattern(c.URLPattern); err != nil {
		errs = append(errs, fmt.Errorf("url_pattern: %w", err))
	}
	if c.Sampler.PingInterval <= 0 || c.Sampler.InternetInterval <= 0 {
		errs = append(errs, errors.New("sampler intervals must be positive"))
	}
	if c.Sampler.HistorySize <= 0 {
		errs = append(errs, errors.New("sampler.history_size must be positive"))
	}
	if c.Notify.WebhookURL != "" {
		if u, err := url.Parse(c.Notify.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("notify.webhook_url %q is not an absolute URL", c.Notify.WebhookURL))
		}
	}
	if c.Notify.twilioEnabled() && (c.Notify.TwilioSID == "" || c.Notify.TwilioToken == "" || c.Notify.TwilioFrom == "" || c.Notify.TwilioTo == "") {
		errs = append(errs, errors.New("notify: twilio_sid, twilio_token, twilio_from and twilio_to must all be set"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.%w", err))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// ToMonitor converts the file config into the loop's runtime config,
// resolving the cloudflared environment.
func (c Config) ToMonitor() (monitor.Config, error) {
	re, err := scanner.CompilePattern(c.URLPattern)
	if err != nil {
		return monitor.Config{}, fmt.Errorf("url_pattern: %w", err)
	}
	env, err := c.ProcessEnv()
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		TunnelURL:       c.TunnelURL,
		PingHost:        c.PingHost,
		CheckInterval:   c.CheckInterval,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		CloudflaredPath: c.CloudflaredPath,
		ExtraArgs:       c.ExtraArgs,
		Env:             env,
		PIDFile:         c.PIDFile,
		ProbeTimeout:    c.ProbeTimeout,
		StopGrace:       c.StopGrace,
		URLPattern:      re,

		SpawnFailureLimit: c.SpawnFailures,
	}, nil
}

// flatten maps c onto dotted viper keys. Durations are written as strings so
// the file stays human readable.
func flatten(c Config) map[string]any {
	d := func(v time.Duration) string { return v.String() }
	return map[string]any{
		"tunnel_url":          c.TunnelURL,
		"cloudflared_path":    c.CloudflaredPath,
		"extra_args":          nonNil(c.ExtraArgs),
		"pidfile":             c.PIDFile,
		"check_interval":      d(c.CheckInterval),
		"max_retries":         c.MaxRetries,
		"spawn_failure_limit": c.SpawnFailures,
		"retry_delay":         d(c.RetryDelay),
		"ping_host":           c.PingHost,
		"probe_timeout":       d(c.ProbeTimeout),
		"stop_grace":          d(c.StopGrace),
		"url_pattern":         c.URLPattern,
		"debug":               c.Debug,
		"env":                 nonNil(c.Env),
		"env_files":           nonNil(c.EnvFiles),
		"use_os_env":          c.UseOSEnv,

		"log.dir":          c.Log.Dir,
		"log.file":         c.Log.File,
		"log.max_size_mb":  c.Log.MaxSizeMB,
		"log.max_backups":  c.Log.MaxBackups,
		"log.max_age_days": c.Log.MaxAgeDays,
		"log.compress":     c.Log.Compress,
		"log.level":        c.Log.Level,
		"log.color":        c.Log.Color,
		"log.json":         c.Log.JSON,

		"server.listen":          c.Server.Listen,
		"server.allowed_origins": nonNil(c.Server.AllowedOrigins),
		"server.auto_start":      c.Server.AutoStart,
		"server.base_path":       c.Server.BasePath,
		"server.pidfile":         c.Server.PIDFile,
		"server.logfile":         c.Server.LogFile,

		"server.tls.enabled":       c.Server.TLS.Enabled,
		"server.tls.cert_file":     c.Server.TLS.CertFile,
		"server.tls.key_file":      c.Server.TLS.KeyFile,
		"server.tls.dir":           c.Server.TLS.Dir,
		"server.tls.auto_generate": c.Server.TLS.AutoGenerate,
		"server.tls.min_version":   c.Server.TLS.MinVersion,
		"server.tls.hosts":         nonNil(c.Server.TLS.Hosts),
		"server.tls.valid_days":    c.Server.TLS.ValidDays,

		"metrics.enabled": c.Metrics.Enabled,
		"metrics.listen":  c.Metrics.Listen,

		"history.dsn": c.History.DSN,

		"notify.webhook_url":      c.Notify.WebhookURL,
		"notify.twilio_sid":       c.Notify.TwilioSID,
		"notify.twilio_token":     c.Notify.TwilioToken,
		"notify.twilio_from":      c.Notify.TwilioFrom,
		"notify.twilio_to":        c.Notify.TwilioTo,
		"notify.message_template": c.Notify.MessageTemplate,
		"notify.rate_interval":    d(c.Notify.RateInterval),
		"notify.timeout":          d(c.Notify.Timeout),

		"sampler.ping_interval":     d(c.Sampler.PingInterval),
		"sampler.internet_interval": d(c.Sampler.InternetInterval),
		"sampler.history_size":      c.Sampler.HistorySize,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// BackupDir is where Save keeps previous versions of path.
func BackupDir(path string) string {
	return filepath.Join(filepath.Dir(path), "config_backups")
}

// Transports returns the transports enabled by the [notify] table.
func (n NotifyConfig) Transports() []notify.Transport {
	var out []notify.Transport
	if n.WebhookURL != "" {
		out = append(out, &notify.Webhook{URL: n.WebhookURL})
	}
	if n.twilioEnabled() {
		out = append(out, &notify.Twilio{SID: n.TwilioSID, Token: n.TwilioToken, From: n.TwilioFrom, To: n.TwilioTo})
	}
	return out
}

// Notifier starts a notifier for the [notify] table.
func (n NotifyConfig) Notifier() *notify.Notifier {
	return notify.New(notify.Options{
		Template:    n.MessageTemplate,
		MinInterval: n.RateInterval,
		Timeout:     n.Timeout,
	}, n.Transports()...)
}

func (n NotifyConfig) twilioEnabled() bool {
	return n.TwilioSID != "" || n.TwilioToken != "" || n.TwilioFrom != "" || n.TwilioTo != ""
}
