package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/taskcache"
	"github.com/tasksync/tasksync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "maintenance",
	Short:   "Task archive maintenance",
	Long: `Inspect and maintain the on-disk task archive.

The daemon performs rotation and journal application on its own; these
commands are for manual maintenance and debugging.`,
}

var cacheInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the archive directory and initial segments",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cache := openCache()
		err := cache.WithWrite(func(w *taskcache.Writer) error {
			return w.Init(time.Now().Unix())
		})
		if err != nil {
			fatal("initializing cache: %v", err)
		}
		fmt.Printf("%s Initialized task cache in %s\n", ui.RenderPass("✓"), cache.Dir())
	},
}

var cacheRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Start a new archive segment if the newest one is due",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var rotated bool
		err := openCache().WithWrite(func(w *taskcache.Writer) error {
			var err error
			rotated, err = w.Rotate(time.Now().Unix())
			return err
		})
		if err != nil {
			fatal("rotating cache: %v", err)
		}
		if rotated {
			fmt.Printf("%s Rotated task archive\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("%s No rotation due\n", ui.RenderMuted("-"))
		}
	},
}

var cacheApplyJournalCmd = &cobra.Command{
	Use:   "apply-journal",
	Short: "Merge the journal into the archive segments",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		err := openCache().WithWrite(func(w *taskcache.Writer) error {
			return w.ApplyJournal()
		})
		if err != nil {
			fatal("applying journal: %v", err)
		}
		fmt.Printf("%s Applied journal\n", ui.RenderPass("✓"))
	},
}

type cacheStatus struct {
	Dir          string          `json:"dir" yaml:"dir"`
	JournalSize  int64           `json:"journal_size" yaml:"journal_size"`
	Segments     []segmentStatus `json:"segments" yaml:"segments"`
	Nodes        []nodeStatus    `json:"nodes" yaml:"nodes"`
	TrackedTasks []string        `json:"tracked_tasks" yaml:"tracked_tasks"`
}

type segmentStatus struct {
	File       string `json:"file" yaml:"file"`
	StartTime  int64  `json:"starttime" yaml:"starttime"`
	Compressed bool   `json:"compressed" yaml:"compressed"`
	Size       int64  `json:"size" yaml:"size"`
}

type nodeStatus struct {
	Remote string `json:"remote" yaml:"remote"`
	Node   string `json:"node" yaml:"node"`
	Cutoff int64  `json:"cutoff" yaml:"cutoff"`
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show archive segments, cutoffs and tracked tasks",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		if err := validateOutput(output); err != nil {
			fatal("%v", err)
		}

		cache := openCache()
		status := cacheStatus{Dir: cache.Dir(), Segments: []segmentStatus{}, Nodes: []nodeStatus{}, TrackedTasks: []string{}}
		err := cache.WithRead(func(r *taskcache.Reader) error {
			files, err := r.ArchiveFiles()
			if err != nil {
				return err
			}
			for _, f := range files {
				s := segmentStatus{File: filepath.Base(f.Path), StartTime: f.StartTime, Compressed: f.Compressed}
				if info, err := os.Stat(f.Path); err == nil {
					s.Size = info.Size()
				}
				status.Segments = append(status.Segments, s)
			}

			if status.JournalSize, err = r.JournalSize(); err != nil {
				return err
			}

			state := r.ReadState()
			for _, remote := range state.Remotes() {
				for _, node := range state.Nodes(remote) {
					cutoff, _ := state.Cutoff(remote, node)
					status.Nodes = append(status.Nodes, nodeStatus{Remote: remote, Node: node, Cutoff: cutoff})
				}
			}
			for _, u := range state.TrackedTasks() {
				status.TrackedTasks = append(status.TrackedTasks, u.String())
			}
			return nil
		})
		if err != nil {
			fatal("reading cache status: %v", err)
		}

		if done, err := writeStructured(os.Stdout, output, status); done {
			if err != nil {
				fatal("writing output: %v", err)
			}
			return
		}
		printCacheStatus(status)
	},
}

func printCacheStatus(s cacheStatus) {
	fmt.Printf("\n%s\n\n", ui.RenderBold("Task Cache Status"))
	fmt.Println(ui.KeyValues([][2]string{
		{"Location", s.Dir},
		{"Journal", formatSize(s.JournalSize)},
		{"Segments", strconv.Itoa(len(s.Segments))},
		{"Tracked", strconv.Itoa(len(s.TrackedTasks))},
	}))

	if len(s.Segments) > 0 {
		rows := make([][]string, 0, len(s.Segments))
		for _, seg := range s.Segments {
			compressed := ""
			if seg.Compressed {
				compressed = "zstd"
			}
			rows = append(rows, []string{seg.File, formatTime(seg.StartTime), formatSize(seg.Size), compressed})
		}
		fmt.Println()
		fmt.Println(ui.Table([]string{"SEGMENT", "FROM", "SIZE", "COMPRESSION"}, rows, nil))
	}

	if len(s.Nodes) > 0 {
		rows := make([][]string, 0, len(s.Nodes))
		for _, n := range s.Nodes {
			rows = append(rows, []string{n.Remote, n.Node, formatTime(n.Cutoff)})
		}
		fmt.Println()
		fmt.Println(ui.Table([]string{"REMOTE", "NODE", "CUTOFF"}, rows, nil))
	}

	for _, u := range s.TrackedTasks {
		fmt.Printf("  %s %s\n", ui.RenderAccent("●"), u)
	}
	fmt.Println()
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	cacheStatusCmd.Flags().StringP("output", "o", outputTable, "Output format (table, json, yaml)")

	cacheCmd.AddCommand(cacheInitCmd)
	cacheCmd.AddCommand(cacheRotateCmd)
	cacheCmd.AddCommand(cacheApplyJournalCmd)
	cacheCmd.AddCommand(cacheStatusCmd)
	rootCmd.AddCommand(cacheCmd)
}
