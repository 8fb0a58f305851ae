package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days

	AppLogName         = "tunnelmon.log"
	CloudflaredLogName = "cloudflared.log"
)

// Config describes where logs go. With Dir set, the supervisor log is written
// to Dir/tunnelmon.log and raw cloudflared output to Dir/cloudflared.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	File       string `toml:"file" mapstructure:"file"` // explicit app log path overrides Dir
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	JSON       bool   `toml:"json" mapstructure:"json"` // JSON lines in the log file instead of text
}

// AppPath returns the supervisor log file path, or "" when file logging is off.
func (c Config) AppPath() string {
	if c.File != "" {
		return c.File
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, AppLogName)
	}
	return ""
}

// CloudflaredPath returns the raw cloudflared output path, or "".
func (c Config) CloudflaredPath() string {
	if c.Dir != "" {
		return filepath.Join(c.Dir, CloudflaredLogName)
	}
	return ""
}

// Rotating returns a size-rotated writer for path.
func (c Config) Rotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// CloudflaredWriter returns a rotating writer for raw cloudflared output, or
// nil when Dir is unset.
func (c Config) CloudflaredWriter() io.WriteCloser {
	p := c.CloudflaredPath()
	if p == "" {
		return nil
	}
	_ = os.MkdirAll(filepath.Dir(p), 0o750)
	return c.Rotating(p)
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the application logger: console output on console (colored when
// Color is set), plus the rotating app log file and ring when configured.
// The returned closer releases the log file.
func New(c Config, console io.Writer, ring *Ring) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var handlers []slog.Handler
	if console != nil {
		if c.Color {
			handlers = append(handlers, NewColorTextHandler(console, opts, true))
		} else {
			handlers = append(handlers, slog.NewTextHandler(console, opts))
		}
	}
	var closer io.Closer = nopCloser{}
	if p := c.AppPath(); p != "" {
		_ = os.MkdirAll(filepath.Dir(p), 0o750)
		w := c.Rotating(p)
		closer = w
		if c.JSON {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		}
	}
	if ring != nil {
		handlers = append(handlers, ring.Handler(opts.Level))
	}
	return slog.New(fanout(handlers)), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
