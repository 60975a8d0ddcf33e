package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newFreshnessCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "freshness <query-id>",
		Short: "Show the stored freshness marker for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Do(http.MethodGet, "/queries/"+args[0]+"/freshness", nil, nil)
			if err != nil {
				return err
			}

			var result struct {
				QueryID   string          `json:"query_id"`
				Marker    json.RawMessage `json:"marker"`
				UpdatedAt time.Time       `json:"updated_at"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return PrintJSON(os.Stdout, result)
			}
			PrintDetail(os.Stdout, map[string]any{
				"query_id":   result.QueryID,
				"updated_at": result.UpdatedAt.Format(time.RFC3339),
				"marker":     string(result.Marker),
			})
			return nil
		},
	}
}

func newRefreshCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [query-id]",
		Short: "Probe for upstream changes now",
		Long:  "Run the freshness detector immediately. With a query id, probe one query; without, sweep every query that declares a probe.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if len(args) == 1 {
				body["query_id"] = args[0]
			}
			resp, err := client.Do(http.MethodPost, "/queries/refresh", nil, body)
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
			if len(args) == 1 {
				fmt.Fprintf(os.Stdout, "Query %q changed: %v\n", args[0], result["changed"])
				return nil
			}
			fmt.Fprintf(os.Stdout, "Checked %v queries, %v changed\n", result["checked"], result["changed"])
			return nil
		},
	}
}
