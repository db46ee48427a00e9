package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/daemon"
	"github.com/tasksync/tasksync/internal/dashboard"
	"github.com/tasksync/tasksync/internal/logging"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the synchronization scheduler (foreground)",
	Long: `Run the synchronization scheduler until interrupted.

Every poll interval the scheduler:
  1. Rotates the archive and applies the journal when due
  2. Polls tracked tasks until they finish
  3. Fetches new tasks from all remotes when a full fetch is due
  4. Writes new tasks and per-node cutoffs to the archive

The remotes file is watched and reloaded on change. With --dashboard (or
dashboard.enabled in the config file) a WebSocket event feed, a health check
and Prometheus metrics are served.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("dashboard-addr") {
			cfg.Dashboard.Addr, _ = cmd.Flags().GetString("dashboard-addr")
		}

		cache := openCache()

		watcher, err := remote.NewWatcher(cfg.RemotesFile, logging.Component(logger, "remotes"))
		if err != nil {
			fatal("loading remotes from %s: %v", cfg.RemotesFile, err)
		}
		if err := watcher.Start(); err != nil {
			fatal("watching %s: %v", cfg.RemotesFile, err)
		}
		defer watcher.Stop()

		schedConfig := cfg.SchedulerConfig(logger)

		var server *dashboard.Server
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(&dashboard.Config{
				Addr:   cfg.Dashboard.Addr,
				Logger: logging.Component(logger, "dashboard"),
			})
			schedConfig.Observer = dashboard.NewHandler(server, logging.Component(logger, "dashboard"))
			if err := server.Start(); err != nil {
				fatal("starting dashboard: %v", err)
			}
		}

		scheduler, err := daemon.NewWithConfig(cache, watcher, schedConfig)
		if err != nil {
			fatal("creating scheduler: %v", err)
		}

		fmt.Printf("%s Starting tasksync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Cache: %s\n", cache.Dir())
		fmt.Printf("   Remotes: %s (%d configured)\n", cfg.RemotesFile, len(watcher.All()))
		if server != nil {
			fmt.Printf("   Dashboard: http://%s\n", server.GetAddr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := scheduler.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Scheduler stopped with error: %v\n", err)
		}

		if server != nil {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
			}
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the event feed, health check and metrics")
	daemonCmd.Flags().String("dashboard-addr", "", "Dashboard listen address (default from config: 127.0.0.1:8380)")
	rootCmd.AddCommand(daemonCmd)
}
