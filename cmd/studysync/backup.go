package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkarlsson/studysync/internal/backup"
	"github.com/mkarlsson/studysync/internal/ui"
)

var backupOut string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export the local task database to JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		path := backupOut
		if path == "" {
			path = backup.DefaultPath(cfg.DataDir)
		}

		n, err := backup.Export(context.Background(), store, cfg.Owner, path)
		if err != nil {
			return err
		}
		fmt.Printf("%s Exported %d task(s) to %s\n", ui.RenderPass("✓"), n, path)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore tasks from a JSONL backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := backup.Restore(context.Background(), store, cfg.Owner, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s Restored %d task(s)", ui.RenderPass("✓"), result.Restored)
		if result.Skipped > 0 {
			fmt.Printf(", skipped %d belonging to other owners", result.Skipped)
		}
		fmt.Println()
		for _, msg := range result.Errors {
			fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), msg)
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupOut, "out", "o", "", "output file (default: timestamped file in the data dir)")
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}
