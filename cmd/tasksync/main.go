// Command tasksync keeps a local archive of the task history of remote
// Proxmox VE and Backup Server installations.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/config"
	"github.com/tasksync/tasksync/internal/logging"
	"github.com/tasksync/tasksync/internal/remote"
	_ "github.com/tasksync/tasksync/internal/remote/pbs"
	_ "github.com/tasksync/tasksync/internal/remote/pve"
	"github.com/tasksync/tasksync/internal/taskcache"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	logFile    string

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Synchronize and archive remote task history",
	Long: `tasksync polls the task lists of configured Proxmox VE and Proxmox Backup
Server remotes and keeps them in a rotating, compressed on-disk archive.

Run 'tasksync daemon' to keep the archive up to date and 'tasksync tasks' to
query it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			c.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			c.Log.Format = logFormat
		}
		if cmd.Flags().Changed("log-file") {
			c.Log.File = logFile
		}

		l, closer, err := logging.Setup(c.Log)
		if err != nil {
			return fmt.Errorf("invalid log configuration: %w", err)
		}
		cfg, logger, logCloser = c, l, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "query", Title: "Querying:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file (default: tasksync.yaml in /etc/tasksync, ~/.config/tasksync or .)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func openCache() *taskcache.TaskCache {
	cache, err := taskcache.NewWithConfig(cfg.Cache.Dir, cfg.TaskCacheConfig(logger))
	if err != nil {
		fatal("opening task cache: %v", err)
	}
	return cache
}

func loadRemotes() *remote.Config {
	remotes, err := remote.LoadConfig(cfg.RemotesFile)
	if err != nil {
		fatal("loading remotes from %s: %v", cfg.RemotesFile, err)
	}
	return remotes
}
