package main

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkarlsson/studysync/internal/conflict"
	"github.com/mkarlsson/studysync/internal/dashboard"
	"github.com/mkarlsson/studysync/internal/importer"
	"github.com/mkarlsson/studysync/internal/netmon"
	"github.com/mkarlsson/studysync/internal/store/remote"
	syncpkg "github.com/mkarlsson/studysync/internal/sync"
	"github.com/mkarlsson/studysync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine (foreground)",
	Long: `Start the sync engine in foreground mode.

The engine will:
  1. Watch remote changes through a live query and mirror them locally
  2. Track connectivity and pause syncing while offline
  3. Detect and resolve conflicting edits
  4. Import course export files dropped into the import directory

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Remote.URL == "" {
			return fmt.Errorf("remote.url is not configured, run 'studysync config init'")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		remoteStore, err := remote.Open(remoteURL(), &remote.Config{
			PollInterval: time.Duration(cfg.Remote.PollIntervalSeconds) * time.Second,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		defer remoteStore.Close()

		if err := remoteStore.InitSchema(ctx); err != nil {
			return err
		}

		monitor := netmon.New(&netmon.Config{
			Addr:     cfg.Net.ProbeAddr,
			Interval: time.Duration(cfg.Net.IntervalSeconds) * time.Second,
			Logger:   logger,
		})
		monitor.Start(ctx)
		defer monitor.Close()

		coord := syncpkg.NewCoordinator(store, remoteStore, monitor, conflict.NewResolver(), &syncpkg.Options{
			Logger: logger,
		})
		go coord.Run(ctx)

		if err := coord.StartRealtimeSync(ctx, cfg.Owner); err != nil {
			return fmt.Errorf("failed to start sync: %w", err)
		}
		defer coord.StopRealtimeSync()

		if cfg.Import.Watch {
			imp := importer.New(store, cfg.Owner, logger)
			watcher, err := importer.NewWatcher(imp, importer.DefaultSettle)
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx, cfg.Import.Dir); err != nil {
				logger.Printf("Import watcher disabled: %v", err)
			} else {
				defer watcher.Stop()
				go drainImports(ctx, watcher)
				fmt.Printf("%s Watching %s for course exports\n", ui.RenderAccent("→"), cfg.Import.Dir)
			}
		}

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logger,
			})
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, coord, logger)
			go handler.Run(ctx)
			fmt.Printf("%s Dashboard on http://%s\n", ui.RenderAccent("→"), server.GetAddr())
		}

		// Expire stale pending conflicts once an hour.
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					coord.CleanOldConflicts()
				}
			}
		}()

		fmt.Printf("%s Sync engine running for owner %q\n", ui.RenderPass("✓"), cfg.Owner)
		fmt.Printf("\nPress Ctrl+C to stop\n")

		<-ctx.Done()
		fmt.Printf("\n%s Shutting down\n", ui.RenderAccent("→"))
		return nil
	},
}

// remoteURL returns the configured URL with the auth token attached.
func remoteURL() string {
	raw := cfg.Remote.URL
	if cfg.Remote.AuthToken == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("authToken", cfg.Remote.AuthToken)
	u.RawQuery = q.Encode()
	return u.String()
}

func drainImports(ctx context.Context, watcher *importer.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case report, ok := <-watcher.Reports():
			if !ok {
				return
			}
			fmt.Printf("%s Imported %d tasks (%d skipped)\n",
				ui.RenderPass("✓"), report.Imported, report.Skipped)
		case err, ok := <-watcher.Errors():
			if !ok {
				return
			}
			fmt.Printf("%s Import failed: %v\n", ui.RenderWarn("⚠"), err)
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
