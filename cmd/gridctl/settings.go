package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gridctl/internal/engine"
	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/remote"
)

// settings are per-operator tool preferences, separate from the experiment config.
type settings struct {
	WorkspaceRoot         string
	RegistryBackend       registry.Backend
	Remote                remote.Config
	KnownHosts            string
	InsecureIgnoreHostKey bool
	Engine                engine.Options
	TailLines             int
}

type fileSettings struct {
	WorkspaceRoot         string `toml:"workspace_root"`
	RegistryBackend       string `toml:"registry_backend"`
	ConnectTimeout        string `toml:"connect_timeout"`
	ReconnectAttempts     int    `toml:"reconnect_attempts"`
	ReconnectBackoff      string `toml:"reconnect_backoff"`
	KnownHosts            string `toml:"known_hosts"`
	InsecureIgnoreHostKey bool   `toml:"insecure_ignore_host_key"`
	PollInterval          string `toml:"poll_interval"`
	DrainGrace            string `toml:"drain_grace"`
	TailLines             int    `toml:"tail_lines"`
}

func defaultSettings() settings {
	root := ".gridctl"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".gridctl")
	}
	return settings{
		WorkspaceRoot:   root,
		RegistryBackend: registry.BackendFile,
		Remote:          remote.DefaultConfig(),
		Engine:          engine.DefaultOptions(),
	}
}

// defaultSettingsPath is $XDG_CONFIG_HOME/gridctl/config.toml or the platform equivalent.
func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gridctl", "config.toml")
}

// loadSettings applies the keys defined in path over the defaults.
// A missing file is only an error when the path was given explicitly.
func loadSettings(path string, explicit bool) (settings, error) {
	cfg := defaultSettings()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileSettings
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return settings{}, fmt.Errorf("load settings: %w", err)
	}

	if meta.IsDefined("workspace_root") {
		if root := strings.TrimSpace(raw.WorkspaceRoot); root != "" {
			cfg.WorkspaceRoot = expandLocalHome(root)
		}
	}

	if meta.IsDefined("registry_backend") {
		backend, err := registry.ParseBackend(raw.RegistryBackend)
		if err != nil {
			return settings{}, fmt.Errorf("parse registry_backend: %w", err)
		}
		cfg.RegistryBackend = backend
	}

	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return settings{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.Remote.ConnectTimeout = d
	}

	if meta.IsDefined("reconnect_attempts") {
		if raw.ReconnectAttempts < 0 {
			return settings{}, fmt.Errorf("parse reconnect_attempts: must be >= 0, got %d", raw.ReconnectAttempts)
		}
		cfg.Remote.ReconnectAttempts = raw.ReconnectAttempts
	}

	if meta.IsDefined("reconnect_backoff") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReconnectBackoff))
		if err != nil {
			return settings{}, fmt.Errorf("parse reconnect_backoff: %w", err)
		}
		cfg.Remote.Backoff.InitialDelay = d
	}

	if meta.IsDefined("known_hosts") {
		cfg.KnownHosts = expandLocalHome(strings.TrimSpace(raw.KnownHosts))
	}

	if meta.IsDefined("insecure_ignore_host_key") {
		cfg.InsecureIgnoreHostKey = raw.InsecureIgnoreHostKey
	}

	if meta.IsDefined("poll_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PollInterval))
		if err != nil {
			return settings{}, fmt.Errorf("parse poll_interval: %w", err)
		}
		cfg.Engine.PollInterval = d
	}

	if meta.IsDefined("drain_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DrainGrace))
		if err != nil {
			return settings{}, fmt.Errorf("parse drain_grace: %w", err)
		}
		cfg.Engine.DrainGrace = d
	}

	if meta.IsDefined("tail_lines") {
		cfg.TailLines = raw.TailLines
	}

	return cfg, nil
}

func expandLocalHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
