package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/oremus-labs/taskstream/internal/cache"
	"github.com/spf13/cobra"
)

var (
	tasksStatus  string
	tasksLogTail int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect cached tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		path := "/tasks"
		if tasksStatus != "" {
			path += "?" + url.Values{"status": {tasksStatus}}.Encode()
		}
		var resp struct {
			Tasks []cache.Task `json:"tasks"`
		}
		if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
			return err
		}
		if ok, err := writeOutput(cmd, resp.Tasks); ok {
			return err
		}
		if len(resp.Tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
			return nil
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tSTAGE\tREPO\tUPDATED")
		for _, t := range resp.Tasks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, formatProgress(t.Progress, t.EstimatedTimeRemaining),
				dash(t.Stage), dash(t.Repo), relativeTime(t.UpdatedAt))
		}
		flushTable(tw)
		return nil
	},
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var task cache.Task
		if err := client.GetJSON(cmd.Context(), "/tasks/"+url.PathEscape(args[0]), &task); err != nil {
			return err
		}
		if ok, err := writeOutput(cmd, task); ok {
			return err
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintf(tw, "Field\tValue\n")
		fmt.Fprintf(tw, "ID\t%s\n", task.ID)
		fmt.Fprintf(tw, "Title\t%s\n", dash(task.Title))
		fmt.Fprintf(tw, "Status\t%s\n", task.Status)
		fmt.Fprintf(tw, "Progress\t%s\n", formatProgress(task.Progress, task.EstimatedTimeRemaining))
		fmt.Fprintf(tw, "Stage\t%s\n", dash(task.Stage))
		fmt.Fprintf(tw, "Repo\t%s\n", dash(task.Repo))
		fmt.Fprintf(tw, "Branch\t%s\n", dash(task.Branch))
		fmt.Fprintf(tw, "Pull Request\t%s\n", dash(task.PRURL))
		fmt.Fprintf(tw, "Elapsed\t%s\n", humanDuration(task.Elapsed()))
		fmt.Fprintf(tw, "Updated\t%s\n", relativeTime(task.UpdatedAt))
		flushTable(tw)
		return nil
	},
}

var tasksLogsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Print a task's cached log stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		path := "/tasks/" + url.PathEscape(args[0]) + "/logs"
		if tasksLogTail > 0 {
			path += "?tail=" + strconv.Itoa(tasksLogTail)
		}
		var resp struct {
			Logs []cache.LogEntry `json:"logs"`
		}
		if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
			return err
		}
		if ok, err := writeOutput(cmd, resp.Logs); ok {
			return err
		}
		for _, l := range resp.Logs {
			ts := "-"
			if !l.Timestamp.IsZero() {
				ts = l.Timestamp.Local().Format("15:04:05")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n", ts, dash(l.Level), l.Line)
		}
		return nil
	},
}

var tasksThreadCmd = &cobra.Command{
	Use:   "thread <task-id>",
	Short: "Print a task's conversation thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var resp struct {
			Messages []cache.Message `json:"messages"`
		}
		if err := client.GetJSON(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/thread", &resp); err != nil {
			return err
		}
		if ok, err := writeOutput(cmd, resp.Messages); ok {
			return err
		}
		for _, m := range resp.Messages {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", m.Role, relativeTime(m.Timestamp), m.Content)
		}
		return nil
	},
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "Only show tasks with this status")
	tasksLogsCmd.Flags().IntVar(&tasksLogTail, "tail", 0, "Only show the last N lines")
	tasksCmd.AddCommand(tasksListCmd, tasksGetCmd, tasksLogsCmd, tasksThreadCmd)
}
