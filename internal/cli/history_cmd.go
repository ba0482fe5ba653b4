package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

// HistoryEntry mirrors an entry of GET /history.
type HistoryEntry struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	TaskID    string                 `json:"taskId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show connection and task lifecycle history",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		path := "/history"
		if historyLimit > 0 {
			path += "?limit=" + strconv.Itoa(historyLimit)
		}
		var resp struct {
			Events []HistoryEntry `json:"events"`
		}
		if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
			return err
		}
		if ok, err := writeOutput(cmd, resp.Events); ok {
			return err
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "WHEN\tEVENT\tTASK")
		for _, e := range resp.Events {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", relativeTime(e.CreatedAt), e.Event, dash(e.TaskID))
		}
		flushTable(tw)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to show")
}
