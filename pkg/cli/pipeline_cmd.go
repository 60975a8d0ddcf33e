package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type pipelineRequest struct {
	QueryID   string         `json:"query_id"`
	Window    string         `json:"window,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type pipelineResponse struct {
	QueryID         string                      `json:"query_id"`
	Window          string                      `json:"window,omitempty"`
	Result          map[string][]map[string]any `json:"result"`
	Source          string                      `json:"source,omitempty"`
	CachedPrefixes  []string                    `json:"cached_prefixes,omitempty"`
	MissingPrefixes []string                    `json:"missing_prefixes,omitempty"`
}

func newExecuteCmd(client *Client) *cobra.Command {
	var (
		window    string
		sessionID string
		vars      []string
	)

	cmd := &cobra.Command{
		Use:   "execute <query-id>",
		Short: "Run a query pipeline, bypassing the cache",
		Long:  "Fetch fresh data from the remote endpoint, run the transformer, and cache the result.",
		Example: `  # Run the sales pipeline for a month window
  queryflow execute sales --window 2025-01..2025-03

  # Override a query variable
  queryflow execute sales --var region=EU --var limit=500`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, client, "/pipeline/execute", args[0], window, sessionID, vars)
		},
	}

	cmd.Flags().StringVar(&window, "window", "", "Month window (YYYY-MM..YYYY-MM)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session identifier for per-session caching")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Variable override as key=value (value parsed as JSON when possible, repeatable)")

	return cmd
}

func newLoadCmd(client *Client) *cobra.Command {
	var (
		window    string
		sessionID string
		vars      []string
	)

	cmd := &cobra.Command{
		Use:   "load <query-id>",
		Short: "Load a query result, serving cached months when possible",
		Long: `Load a query result through the cache-first policy: fully cached windows are
reconstructed locally, partially cached windows return immediately with a
background backfill, and cold windows fetch fresh data.`,
		Example: `  queryflow load sales --window 2025-01..2025-03
  queryflow load sales --session tab-7 --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, client, "/pipeline/load", args[0], window, sessionID, vars)
		},
	}

	cmd.Flags().StringVar(&window, "window", "", "Month window (YYYY-MM..YYYY-MM)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session identifier for per-session caching")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Variable override as key=value (value parsed as JSON when possible, repeatable)")

	return cmd
}

func runPipeline(cmd *cobra.Command, client *Client, path, queryID, window, sessionID string, vars []string) error {
	variables, err := parseVars(vars)
	if err != nil {
		return err
	}

	req := pipelineRequest{
		QueryID:   queryID,
		Window:    window,
		Variables: variables,
		SessionID: sessionID,
	}
	resp, err := client.Do(http.MethodPost, path, nil, req)
	if err != nil {
		return err
	}

	var result pipelineResponse
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	if getOutputFormat(cmd) == "json" {
		return PrintJSON(os.Stdout, result)
	}

	if result.Source != "" {
		fields := map[string]any{"source": result.Source}
		if len(result.CachedPrefixes) > 0 {
			fields["cached"] = strings.Join(result.CachedPrefixes, ", ")
		}
		if len(result.MissingPrefixes) > 0 {
			fields["backfilling"] = strings.Join(result.MissingPrefixes, ", ")
		}
		PrintDetail(os.Stdout, fields)
		fmt.Fprintln(os.Stdout)
	}

	groups := make([]string, 0, len(result.Result))
	for g := range result.Result {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	rows := make([][]string, len(groups))
	for i, g := range groups {
		rows[i] = []string{g, strconv.Itoa(len(result.Result[g]))}
	}
	PrintTable(os.Stdout, []string{"group", "rows"}, rows)
	return nil
}

// parseVars converts key=value pairs into a variables map. Values that
// parse as JSON keep their type; anything else stays a string.
func parseVars(vars []string) (map[string]any, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(vars))
	for _, kv := range vars {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", kv)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			out[key] = parsed
		} else {
			out[key] = value
		}
	}
	return out, nil
}
