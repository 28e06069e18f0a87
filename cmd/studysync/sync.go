package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/mkarlsson/studysync/internal/sync"
	"github.com/mkarlsson/studysync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync with the remote store once",
	Long: `Perform a single reconciliation pass against the remote store.

Fetches the remote state, reconciles it with the local database, and
prints the merged task list. Conflicting edits that cannot be merged
automatically are queued; inspect them with 'studysync conflicts list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, cleanup, err := oneShotCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		start := time.Now()
		merged, err := coord.ForceSyncNow(ctx, cfg.Owner)
		if err != nil {
			if errors.Is(err, syncpkg.ErrOffline) {
				return fmt.Errorf("offline, try again when the network is back")
			}
			return fmt.Errorf("sync failed: %w", err)
		}

		status := coord.Status()
		fmt.Printf("%s Synced %d task(s) in %v\n",
			ui.RenderPass("✓"), status.SyncedCount, time.Since(start).Round(time.Millisecond))
		if status.PendingConflictCount > 0 {
			fmt.Printf("%s %d conflict(s) need attention, see 'studysync conflicts list'\n",
				ui.RenderWarn("⚠"), status.PendingConflictCount)
		}

		for _, t := range merged {
			fmt.Println(formatTask(t))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
