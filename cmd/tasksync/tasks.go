package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tasksync/tasksync/internal/tasks"
	"github.com/tasksync/tasksync/internal/ui"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	GroupID: "query",
	Short:   "List cached remote tasks",
	Long: `List tasks from the local archive, most recent first.

Time bounds accept UNIX seconds, RFC 3339, durations ("36h" means 36 hours
ago) and natural language ("yesterday", "3 days ago").

Examples:
  tasksync tasks --since "2 hours ago"
  tasksync tasks --remote pve1 --type vzdump --errors
  tasksync tasks --status warning,error --output json`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		output, _ := flags.GetString("output")
		if err := validateOutput(output); err != nil {
			fatal("%v", err)
		}

		filters, err := tasksFilters(cmd, time.Now())
		if err != nil {
			fatal("%v", err)
		}

		items, err := tasks.List(openCache(), filters, logger)
		if err != nil {
			fatal("listing tasks: %v", err)
		}

		if done, err := writeStructured(os.Stdout, output, items); done {
			if err != nil {
				fatal("writing output: %v", err)
			}
			return
		}

		if len(items) == 0 {
			fmt.Println(ui.RenderMuted("No tasks found"))
			return
		}
		fmt.Println(renderTaskTable(items))

		s := tasks.Summarize(items)
		fmt.Printf("\n%d tasks: %d running, %s, %s, %s, %d unknown\n",
			s.Total(), s.Running,
			ui.RenderPass(fmt.Sprintf("%d ok", s.OK)),
			ui.RenderWarn(fmt.Sprintf("%d warnings", s.Warnings)),
			ui.RenderFail(fmt.Sprintf("%d errors", s.Errors)),
			s.Unknown)
	},
}

func tasksFilters(cmd *cobra.Command, now time.Time) (tasks.Filters, error) {
	flags := cmd.Flags()
	var f tasks.Filters
	var err error

	since, _ := flags.GetString("since")
	if f.Since, err = parseTimeSpec(since, now); err != nil {
		return f, fmt.Errorf("--since: %w", err)
	}
	until, _ := flags.GetString("until")
	if f.Until, err = parseTimeSpec(until, now); err != nil {
		return f, fmt.Errorf("--until: %w", err)
	}

	f.Running, _ = flags.GetBool("running")
	f.Errors, _ = flags.GetBool("errors")
	f.Remote, _ = flags.GetString("remote")
	f.UserFilter, _ = flags.GetString("user")
	f.TypeFilter, _ = flags.GetString("type")
	f.Start, _ = flags.GetInt("start")
	f.Limit, _ = flags.GetInt("limit")

	statuses, _ := flags.GetStringSlice("status")
	for _, s := range statuses {
		state, err := tasks.ParseState(s)
		if err != nil {
			return f, fmt.Errorf("--status: %w", err)
		}
		f.StatusFilter = append(f.StatusFilter, state)
	}
	return f, nil
}

func renderTaskTable(items []tasks.TaskListItem) string {
	rows := make([][]string, 0, len(items))
	for _, t := range items {
		end, status := "-", "running"
		if !t.Running() {
			end = formatTime(t.EndTime)
			status = t.Status
		}
		rows = append(rows, []string{
			t.Remote,
			t.Node,
			t.WorkerType,
			t.WorkerID,
			t.User,
			formatTime(t.StartTime),
			end,
			status,
		})
	}

	return ui.Table(
		[]string{"REMOTE", "NODE", "TYPE", "ID", "USER", "START", "END", "STATUS"},
		rows,
		func(row, col int) *lipgloss.Style {
			if col != 7 || row < 0 || row >= len(items) {
				return nil
			}
			return statusStyle(items[row])
		},
	)
}

func statusStyle(t tasks.TaskListItem) *lipgloss.Style {
	if t.Running() {
		return &ui.AccentStyle
	}
	switch t.State() {
	case tasks.StateOK:
		return &ui.PassStyle
	case tasks.StateWarning:
		return &ui.WarnStyle
	case tasks.StateError:
		return &ui.FailStyle
	default:
		return &ui.MutedStyle
	}
}

func formatTime(ts int64) string {
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func addTasksFlags(flags *pflag.FlagSet) {
	flags.String("since", "", "Only tasks started at or after this time")
	flags.String("until", "", "Only tasks started at or before this time")
	flags.Bool("running", false, "Only running tasks")
	flags.Bool("errors", false, "Hide tasks that finished OK")
	flags.StringP("remote", "r", "", "Only tasks of this remote")
	flags.String("user", "", "Only tasks whose user contains this string")
	flags.String("type", "", "Only tasks whose worker type contains this string")
	flags.StringSlice("status", nil, "Only finished tasks in these states ("+strings.Join([]string{
		string(tasks.StateOK), string(tasks.StateWarning), string(tasks.StateError), string(tasks.StateUnknown),
	}, ", ")+")")
	flags.Int("start", 0, "Skip this many matching tasks")
	flags.IntP("limit", "n", 50, "Maximum number of tasks, 0 for all")
	flags.StringP("output", "o", outputTable, "Output format (table, json, yaml)")
}

func init() {
	addTasksFlags(tasksCmd.Flags())
	rootCmd.AddCommand(tasksCmd)
}
