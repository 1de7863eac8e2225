package schemacmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgewarden/edgewarden/apps/cli/client"
)

// Command groups schema management: upload, activate, rollback, show.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Tenant schema management",
	}

	cmd.AddCommand(uploadCommand())
	cmd.AddCommand(activateCommand("activate", "Activate an uploaded schema version"))
	cmd.AddCommand(activateCommand("rollback", "Roll back to an earlier schema version"))
	cmd.AddCommand(showCommand())
	return cmd
}

func uploadCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Validate and store a new schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.FromFlags(cmd)
			if err != nil {
				return err
			}
			source, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read schema file: %w", err)
			}

			data, err := api.DoRaw(http.MethodPut, "/schema", source)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}

			var result struct {
				Version int `json:"version"`
				Issues  []struct {
					Path       string `json:"path"`
					Message    string `json:"message"`
					Suggestion string `json:"suggestion"`
				} `json:"issues"`
			}
			if err := json.Unmarshal(data, &result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded schema version %d\n", result.Version)
			for _, issue := range result.Issues {
				line := fmt.Sprintf("warning: %s: %s", issue.Path, issue.Message)
				if issue.Suggestion != "" {
					line += fmt.Sprintf(" (did you mean %s?)", issue.Suggestion)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the schema source JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func activateCommand(use, short string) *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.FromFlags(cmd)
			if err != nil {
				return err
			}
			if version < 1 {
				return fmt.Errorf("--version must be a positive integer")
			}

			var result struct {
				ActiveVersion int `json:"active_version"`
			}
			path := "/schema/" + use + "/" + strconv.Itoa(version)
			if err := api.Do(http.MethodPost, path, nil, &result); err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Active schema version is now %d\n", result.ActiveVersion)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Schema version number")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func showCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the active compiled schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.FromFlags(cmd)
			if err != nil {
				return err
			}

			var compiled json.RawMessage
			if err := api.Do(http.MethodGet, "/schema", nil, &compiled); err != nil {
				return fmt.Errorf("fetch schema: %w", err)
			}

			var pretty map[string]any
			if err := json.Unmarshal(compiled, &pretty); err != nil {
				return err
			}
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return cmd
}
