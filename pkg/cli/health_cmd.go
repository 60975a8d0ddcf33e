package cli

import (
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func newHealthCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health and cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.DoRoot(http.MethodGet, "/healthz", nil, nil)
			if err != nil {
				return err
			}

			var result map[string]any
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return PrintJSON(os.Stdout, result)
			}
			PrintDetail(os.Stdout, result)
			return nil
		},
	}
}
