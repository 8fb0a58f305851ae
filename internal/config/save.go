package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// KeepBackups is how many previous config versions Save retains.
const KeepBackups = 5

const (
	backupPrefix = "config_backup_"
	backupLayout = "20060102_150405.000"
)

var now = time.Now

// Save writes c to path as TOML. An existing file is first copied into
// BackupDir(path); only the newest KeepBackups copies are kept. Backup
// problems are logged and do not fail the save.
func Save(path string, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := backup(path); err != nil {
		slog.Warn("Config backup failed", "path", path, "error", err)
	}
	b, err := Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	slog.Info("Configuration saved", "path", path)
	return nil
}

// Marshal renders c as TOML with nested tables.
func Marshal(c Config) ([]byte, error) {
	v := viper.New()
	for k, val := range flatten(c) {
		v.Set(k, val)
	}
	b, err := toml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return b, nil
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	if c.Notify.TwilioToken != "" {
		c.Notify.TwilioToken = "****"
	}
	return c
}

// Reset overwrites path with the defaults, backing up the old file.
func Reset(path string) (Config, error) {
	c := Default()
	if err := Save(path, c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func backup(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	dir := BackupDir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	name := backupPrefix + now().Format(backupLayout) + ".toml"
	if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
		return err
	}
	return pruneBackups(dir, KeepBackups)
}

// Backups lists the backup files for path, oldest first.
func Backups(path string) ([]string, error) {
	return listBackups(BackupDir(path))
}

func listBackups(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(n, backupPrefix) && strings.HasSuffix(n, ".toml") {
			out = append(out, filepath.Join(dir, n))
		}
	}
	sort.Strings(out)
	return out, nil
}

func pruneBackups(dir string, keep int) error {
	list, err := listBackups(dir)
	if err != nil {
		return err
	}
	for len(list) > keep {
		if err := os.Remove(list[0]); err != nil {
			return err
		}
		slog.Debug("Removed old config backup", "path", list[0])
		list = list[1:]
	}
	return nil
}
