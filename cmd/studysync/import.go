package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkarlsson/studysync/internal/importer"
	"github.com/mkarlsson/studysync/internal/ui"
)

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import course export files",
	Long: `Import assignments from course platform export files.

Supported formats: JSON, YAML, TOML. Assignments already imported
(matched by their source id) are skipped, so importing the same
export twice is safe.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		imp := importer.New(store, cfg.Owner, logger)
		ctx := context.Background()

		for _, path := range args {
			report, err := imp.ImportFile(ctx, path)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %d imported, %d skipped, %d rejected\n",
				ui.RenderPass("✓"), path, report.Imported, report.Skipped, report.Rejected)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
