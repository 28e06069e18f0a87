package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mkarlsson/studysync/internal/conflict"
	"github.com/mkarlsson/studysync/internal/store/remote"
	syncpkg "github.com/mkarlsson/studysync/internal/sync"
	"github.com/mkarlsson/studysync/internal/task"
	"github.com/mkarlsson/studysync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Run a sync pass and list unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, cleanup, err := oneShotCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := coord.ForceSyncNow(ctx, cfg.Owner); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		pending := coord.PendingConflicts()
		if len(pending) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Printf("%s %d unresolved conflict(s)\n\n", ui.RenderWarn("⚠"), len(pending))
		for _, c := range pending {
			printConflict(c)
		}
		fmt.Println("Resolve with 'studysync conflicts resolve'.")
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve pending conflicts interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, cleanup, err := oneShotCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := coord.ForceSyncNow(ctx, cfg.Owner); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		pending := coord.PendingConflicts()
		if len(pending) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return nil
		}

		for _, c := range pending {
			printConflict(c)

			strategy, err := askStrategy()
			if err != nil {
				return err
			}

			if !coord.ResolveConflictManually(ctx, c.ID, strategy, nil) {
				fmt.Printf("%s Conflict already resolved\n", ui.RenderMuted("·"))
				continue
			}
			fmt.Printf("%s Resolved with %s\n\n", ui.RenderPass("✓"), strategy)
		}
		return nil
	},
}

// askStrategy prompts for a resolution strategy.
func askStrategy() (task.ResolutionStrategy, error) {
	var choice task.ResolutionStrategy

	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[task.ResolutionStrategy]().
			Title("How should this conflict be resolved?").
			Options(
				huh.NewOption("Keep my version", task.PreferLocal),
				huh.NewOption("Keep the remote version", task.PreferRemote),
				huh.NewOption("Keep whichever is newer", task.PreferNewest),
				huh.NewOption("Merge field by field", task.MergeContent),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return task.PreferLocal, err
	}
	return choice, nil
}

func printConflict(c task.SyncConflict) {
	fmt.Printf("%s Task %d (%s)\n", ui.RenderBold("•"), c.TaskID, c.Kind)
	fmt.Printf("  Fields: %v\n", c.Differences)
	fmt.Printf("  Local:  %s\n", describeTask(c.Local))
	fmt.Printf("  Remote: %s\n", describeTask(c.Remote))
	fmt.Println()
}

func describeTask(t task.Task) string {
	s := fmt.Sprintf("%q", t.Title)
	if t.Subject != "" {
		s += " / " + t.Subject
	}
	if t.DueDate != "" {
		s += " due " + t.DueDate
	}
	if t.IsCompleted {
		s += " (completed)"
	}
	s += ui.RenderMuted(" created " + t.CreatedAt)
	return s
}

// staticNet satisfies the connectivity interface for one-shot commands,
// which fail on their own when the remote is unreachable.
type staticNet struct{}

func (staticNet) Online() bool         { return true }
func (staticNet) Changes() <-chan bool { return nil }

// oneShotCoordinator wires a coordinator for a single command invocation.
func oneShotCoordinator() (*syncpkg.Coordinator, func(), error) {
	if cfg.Remote.URL == "" {
		return nil, nil, fmt.Errorf("remote.url is not configured")
	}

	store, err := openLocalStore()
	if err != nil {
		return nil, nil, err
	}

	remoteStore, err := remote.Open(remoteURL(), &remote.Config{Logger: logger})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	coord := syncpkg.NewCoordinator(store, remoteStore, staticNet{}, conflict.NewResolver(), &syncpkg.Options{
		Logger: logger,
	})
	cleanup := func() {
		remoteStore.Close()
		store.Close()
	}
	return coord, cleanup, nil
}

func init() {
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
