package config

import (
	"os"
	"path/filepath"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Version: "1",
		Owner:   "default",
		DataDir: filepath.Join(home, ".studysync"),
		Remote: RemoteConfig{
			PollIntervalSeconds: 2,
		},
		Net: NetConfig{
			IntervalSeconds: 5,
		},
		Import: ImportConfig{
			Watch: true,
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Port:    8090,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// WriteDefault writes a commented default configuration to a file
func WriteDefault(path string) error {
	content := `# StudySync Configuration
version: "1"

# Account id tasks are scoped to
owner: default

# Local task database directory (default: ~/.studysync)
# data_dir: /home/you/.studysync

remote:
  # libsql:// database URL
  url: ""
  # auth_token: ""
  poll_interval_seconds: 2

net:
  # host:port for the reachability probe (default: remote host)
  # probe_addr: ""
  interval_seconds: 5

import:
  # Drop directory for course export files
  # dir: /home/you/.studysync/imports
  watch: true

dashboard:
  enabled: false
  port: 8090

log:
  # file: /home/you/.studysync/studysync.log
  max_size_mb: 10
  max_backups: 3
`

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
