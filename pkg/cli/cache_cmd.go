package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func newInvalidateCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <query-id>",
		Short: "Drop all cached results for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Do(http.MethodDelete, "/queries/"+args[0]+"/cache", nil, nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return PrintJSON(os.Stdout, map[string]string{"status": "ok", "query_id": args[0]})
			}
			fmt.Fprintf(os.Stdout, "Cache invalidated for query %q\n", args[0])
			return nil
		},
	}
}
