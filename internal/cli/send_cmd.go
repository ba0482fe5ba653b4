package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <json|->",
	Short: "Send a raw JSON frame on the event stream",
	Long:  "Send forwards a JSON document through the server's stream connection. Pass - to read it from stdin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		payload := []byte(args[0])
		if args[0] == "-" {
			payload, err = io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}
		if err := client.PostRawJSON(cmd.Context(), "/send", payload, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Sent.")
		return nil
	},
}
