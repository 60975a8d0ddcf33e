// Package cli implements the queryflow command-line client.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]any{
				"error": err.Error(),
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				errObj["http_status"] = apiErr.HTTPStatus
				errObj["code"] = apiErr.Code
			}
			_ = PrintJSON(os.Stdout, errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		host    string
		token   string
		output  string
		profile string
	)

	rootCmd := &cobra.Command{
		Use:           "queryflow",
		Short:         "queryflow CLI",
		Long:          "Command-line interface for the queryflow pipeline API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "API host URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "JWT token for authentication")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "Config profile to use")

	client := NewClient(host, token)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// Load config from profile if flags/env not set
		cfg, err := LoadUserConfig()
		if err != nil {
			// Config file is optional
			cfg = &UserConfig{
				CurrentProfile: "default",
				Profiles:       map[string]Profile{},
			}
		}

		p := cfg.ActiveProfile(profile)

		// Apply precedence: flag > env > profile > default
		if !cmd.Flags().Changed("host") {
			if v := os.Getenv("QUERYFLOW_HOST"); v != "" {
				host = v
			} else if p.Host != "" {
				host = p.Host
			}
		}
		if !cmd.Flags().Changed("token") {
			if v := os.Getenv("QUERYFLOW_TOKEN"); v != "" {
				token = v
			} else if p.Token != "" {
				token = p.Token
			}
		}
		if !cmd.Flags().Changed("output") {
			if v := os.Getenv("QUERYFLOW_OUTPUT"); v != "" {
				output = v
			} else if p.Output != "" {
				output = p.Output
			}
		}

		if err := validateOutputFormat(output); err != nil {
			return err
		}
		if err := validateHostURL(host); err != nil {
			return err
		}

		// Update client with resolved values
		client.BaseURL = host
		client.Token = token
		return nil
	}

	rootCmd.AddCommand(newExecuteCmd(client))
	rootCmd.AddCommand(newLoadCmd(client))
	rootCmd.AddCommand(newFreshnessCmd(client))
	rootCmd.AddCommand(newRefreshCmd(client))
	rootCmd.AddCommand(newRunsCmd(client))
	rootCmd.AddCommand(newInvalidateCmd(client))
	rootCmd.AddCommand(newResetSessionCmd(client))
	rootCmd.AddCommand(newHealthCmd(client))

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
	return cmd
}
