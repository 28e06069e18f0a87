package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration, lowest precedence first: defaults, the config
// file, then STUDYSYNC_ environment variables. A missing file is not an
// error; a malformed one is.
//
// When path is empty ~/.studysync/config.yaml is used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(home, ".studysync", "config.yaml")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Every key must be registered before Unmarshal: AutomaticEnv only
	// resolves environment variables for keys viper already knows about,
	// so an unregistered key would ignore its STUDYSYNC_ override.
	setDefaults(v, cfg)

	v.SetEnvPrefix("STUDYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyFallbacks(cfg)
	return cfg, nil
}

// setDefaults registers every config key with its default value.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("version", cfg.Version)
	v.SetDefault("owner", cfg.Owner)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("remote.url", cfg.Remote.URL)
	v.SetDefault("remote.auth_token", cfg.Remote.AuthToken)
	v.SetDefault("remote.poll_interval_seconds", cfg.Remote.PollIntervalSeconds)
	v.SetDefault("net.probe_addr", cfg.Net.ProbeAddr)
	v.SetDefault("net.interval_seconds", cfg.Net.IntervalSeconds)
	v.SetDefault("import.dir", cfg.Import.Dir)
	v.SetDefault("import.watch", cfg.Import.Watch)
	v.SetDefault("dashboard.enabled", cfg.Dashboard.Enabled)
	v.SetDefault("dashboard.port", cfg.Dashboard.Port)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
}

// applyFallbacks fills settings that default to other settings.
func applyFallbacks(cfg *Config) {
	if cfg.Net.ProbeAddr == "" && cfg.Remote.URL != "" {
		if addr := probeAddrFromURL(cfg.Remote.URL); addr != "" {
			cfg.Net.ProbeAddr = addr
		}
	}
	if cfg.Import.Dir == "" {
		cfg.Import.Dir = filepath.Join(cfg.DataDir, "imports")
	}
}

// probeAddrFromURL derives a host:port from a libsql:// URL.
func probeAddrFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	return u.Host + ":443"
}
