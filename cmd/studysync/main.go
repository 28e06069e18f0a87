// Command studysync is the offline-first study task manager CLI.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mkarlsson/studysync/internal/config"
	"github.com/mkarlsson/studysync/internal/store/local"
)

var (
	cfgPath string
	cfg     *config.Config
	logger  *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "studysync",
	Short: "Offline-first study task manager",
	Long: `StudySync keeps your study tasks in a local SQLite database and
synchronizes them with a shared Turso database when the network allows.

Tasks stay fully usable offline; conflicting edits made on several
devices are detected field by field and either merged automatically or
queued for manual resolution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		var out io.Writer = os.Stderr
		if cfg.Log.File != "" {
			out = &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			}
		}
		logger = log.New(out, "[studysync] ", log.LstdFlags)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path = filepath.Join(home, ".studysync", "config.yaml")
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

// openLocalStore opens the task database under the configured data dir.
func openLocalStore() (*local.Store, error) {
	path := filepath.Join(cfg.DataDir, "tasks.db")
	store, err := local.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}
	return store, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.studysync/config.yaml)")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
