package cli

import (
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type runEntry struct {
	ID           string    `json:"id"`
	QueryID      string    `json:"query_id"`
	Trigger      string    `json:"trigger"`
	Window       string    `json:"window,omitempty"`
	Status       string    `json:"status"`
	RowCount     int64     `json:"row_count"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func newRunsCmd(client *Client) *cobra.Command {
	var (
		queryID string
		status  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		Example: `  queryflow runs --limit 20
  queryflow runs --query-id sales --status FAILED`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if queryID != "" {
				q.Set("query_id", queryID)
			}
			if status != "" {
				q.Set("status", status)
			}
			if cmd.Flags().Changed("limit") {
				q.Set("limit", strconv.Itoa(limit))
			}

			resp, err := client.Do(http.MethodGet, "/runs", q, nil)
			if err != nil {
				return err
			}

			var result struct {
				Runs []runEntry `json:"runs"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return PrintJSON(os.Stdout, result)
			}

			columns := []string{"id", "query", "trigger", "window", "status", "rows", "ms", "created"}
			rows := make([][]string, len(result.Runs))
			for i, r := range result.Runs {
				rows[i] = []string{
					r.ID,
					r.QueryID,
					r.Trigger,
					r.Window,
					r.Status,
					strconv.FormatInt(r.RowCount, 10),
					strconv.FormatInt(r.DurationMs, 10),
					r.CreatedAt.Format(time.RFC3339),
				}
			}
			PrintTable(os.Stdout, columns, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&queryID, "query-id", "", "Filter by query id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (SUCCESS, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of runs")

	return cmd
}
