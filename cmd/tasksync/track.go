package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/daemon"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/ui"
)

var trackCmd = &cobra.Command{
	Use:     "track <remote> <upid>",
	GroupID: "sync",
	Short:   "Track a task that was just started on a remote",
	Long: `Add a running task to the archive and poll it every scheduler tick until
it finishes. Use this right after starting a task on a remote so that its
result shows up without waiting for the next full fetch.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		remoteID, native := args[0], args[1]

		if _, ok := loadRemotes().Get(remoteID); !ok {
			fatal("%v: %s", remote.ErrRemoteNotFound, remoteID)
		}

		if err := daemon.TrackTask(openCache(), remoteID, native); err != nil {
			fatal("tracking task: %v", err)
		}

		fmt.Printf("%s Tracking %s!%s\n", ui.RenderPass("✓"), remoteID, native)
	},
}

func init() {
	rootCmd.AddCommand(trackCmd)
}
