package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// StreamState mirrors GET /state.
type StreamState struct {
	Phase             string `json:"phase"`
	IsConnected       bool   `json:"isConnected"`
	IsReconnecting    bool   `json:"isReconnecting"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	LastError         string `json:"lastError,omitempty"`
	CacheVersion      uint64 `json:"cacheVersion"`
	Tasks             int    `json:"tasks"`
}

// SystemInfo mirrors GET /system/info.
type SystemInfo struct {
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	StreamURL   string `json:"streamUrl"`
	DataStore   string `json:"dataStore"`
	AuthEnabled bool   `json:"authEnabled"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stream connection and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var state StreamState
		if err := client.GetJSON(cmd.Context(), "/state", &state); err != nil {
			return err
		}
		var info SystemInfo
		if err := client.GetJSON(cmd.Context(), "/system/info", &info); err != nil {
			return err
		}
		if ok, err := writeOutput(cmd, struct {
			System SystemInfo  `json:"system"`
			State  StreamState `json:"state"`
		}{info, state}); ok {
			return err
		}

		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintf(tw, "Field\tValue\n")
		fmt.Fprintf(tw, "Version\t%s\n", dash(info.Version))
		fmt.Fprintf(tw, "Uptime\t%s\n", dash(info.Uptime))
		fmt.Fprintf(tw, "Stream\t%s\n", dash(info.StreamURL))
		fmt.Fprintf(tw, "Data Store\t%s\n", dash(info.DataStore))
		fmt.Fprintf(tw, "Phase\t%s\n", state.Phase)
		if state.IsReconnecting {
			fmt.Fprintf(tw, "Reconnect Attempts\t%d\n", state.ReconnectAttempts)
		}
		if state.LastError != "" {
			fmt.Fprintf(tw, "Last Error\t%s\n", state.LastError)
		}
		fmt.Fprintf(tw, "Cached Tasks\t%d\n", state.Tasks)
		fmt.Fprintf(tw, "Cache Version\t%d\n", state.CacheVersion)
		flushTable(tw)
		return nil
	},
}
