package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func newResetSessionCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-session <session-id>",
		Short: "Clear the per-session result cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Do(http.MethodDelete, "/sessions/"+args[0], nil, nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return PrintJSON(os.Stdout, map[string]string{"status": "ok", "session_id": args[0]})
			}
			fmt.Fprintf(os.Stdout, "Session %q reset\n", args[0])
			return nil
		},
	}
}
