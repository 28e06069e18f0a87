// Package config loads StudySync configuration from YAML files and
// STUDYSYNC_ environment variables.
package config

// Config is the root configuration
type Config struct {
	Version string `mapstructure:"version"`

	// Owner is the account id tasks are scoped to.
	Owner string `mapstructure:"owner"`

	// DataDir holds the local task database.
	DataDir string `mapstructure:"data_dir"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Net       NetConfig       `mapstructure:"net"`
	Import    ImportConfig    `mapstructure:"import"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// RemoteConfig describes the remote task store
type RemoteConfig struct {
	// URL is the libsql:// database URL.
	URL string `mapstructure:"url"`

	// AuthToken authenticates against the remote database.
	AuthToken string `mapstructure:"auth_token"`

	// PollIntervalSeconds is the live query polling interval.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

// NetConfig describes connectivity monitoring
type NetConfig struct {
	// ProbeAddr is the host:port the reachability probe dials. Defaults
	// to the remote URL's host when empty.
	ProbeAddr string `mapstructure:"probe_addr"`

	// IntervalSeconds between probes.
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// ImportConfig describes course export ingestion
type ImportConfig struct {
	// Dir is the drop directory watched for export files.
	Dir string `mapstructure:"dir"`

	// Watch enables the drop directory watcher.
	Watch bool `mapstructure:"watch"`
}

// DashboardConfig describes the WebSocket dashboard
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig describes log output and rotation
type LogConfig struct {
	// File is the log file path. Empty logs to stderr.
	File string `mapstructure:"file"`

	// MaxSizeMB before the log file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups is how many rotated files are kept.
	MaxBackups int `mapstructure:"max_backups"`
}
