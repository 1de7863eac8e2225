package authz

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/edgewarden/edgewarden/apps/cli/client"
)

// Command groups the authorization operations: grants, revocations and the
// fixed query set.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authz",
		Short: "Grants, revocations and authorization queries",
	}

	cmd.AddCommand(grantCommand())
	cmd.AddCommand(revokeCommand())
	cmd.AddCommand(canCommand())
	cmd.AddCommand(accessibleCommand())
	cmd.AddCommand(accessorsCommand())
	cmd.AddCommand(statsCommand())
	return cmd
}

func grantCommand() *cobra.Command {
	var (
		relType    string
		source     string
		target     string
		capability string
	)

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Create a relationship edge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.FromFlags(cmd)
			if err != nil {
				return err
			}

			body := map[string]any{"type": relType, "source": source, "target": target}
			if capability != "" {
				body["properties"] = map[string]string{"capability": capability}
			}

			var result struct {
				EdgeID  string `json:"edge_id"`
				Version uint64 `json:"version"`
			}
			if err := api.Do(http.MethodPost, "/grant", body, &result); err != nil {
				return fmt.Errorf("grant failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Granted %s (%s -> %s): edge %s at version %d\n",
				relType, source, target, result.EdgeID, result.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&relType, "type", "", "Relationship type (e.g. member_of)")
	cmd.Flags().StringVar(&source, "source", "", "Source entity id")
	cmd.Flags().StringVar(&target, "target", "", "Target entity id")
	cmd.Flags().StringVar(&capability, "capability", "", "Capability for permission-bearing edges")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func revokeCommand() *cobra.Command {
	var (
		edgeID     string
		relType    string
		source     string
		target     string
		capability string
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an edge by id or by tuple",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.FromFlags(cmd)
			if err != nil {
				return err
			}

			body := map[string]any{}
			if edgeID != "" {
				body["edge_id"] = edgeID
			} else {
				if relType == "" || source == "" || target == "" {
					return fmt.Errorf("either --edge-id or the full --type/--source/--target tuple is required")
				}
				body["type"] = relType
				body["source"] = source
				body["target"] = target
				if capability != "" {
					body["capability"] = capability
				}
			}

			var result struct {
				Version uint64 `json:"version"`
			}
			if err := api.Do(http.MethodPost, "/revoke", body, &result); err != nil {
				return fmt.Errorf("revoke failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Revoked at version %d\n", result.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&edgeID, "edge-id", "", "Edge id to revoke")
	cmd.Flags().StringVar(&relType, "type", "", "Relationship type (tuple form)")
	cmd.Flags().StringVar(&source, "source", "", "Source entity id (tuple form)")
	cmd.Flags().StringVar(&target, "target", "", "Target entity id (tuple form)")
	cmd.Flags().StringVar(&capability, "capability", "", "Capability (tuple form)")
	return cmd
}

func canCommand() *cobra.Command {
	var (
		subject    string
		capability string
		object     string
	)

	cmd := &cobra.Command{
		Use:   "can",
		Short: "Check whether a subject holds a capability on an object",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.FromFlags(cmd)
			if err != nil {
				return err
			}

			query := url.Values{}
			query.Set("subject", subject)
			query.Set("capability", capability)
			query.Set("object", object)

			var result struct {
				Allowed   bool    `json:"allowed"`
				LatencyMs float64 `json:"latency_ms"`
			}
			if err := api.Do(http.MethodGet, "/can?"+query.Encode(), nil, &result); err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "allowed=%t (%.3fms)\n", result.Allowed, result.LatencyMs)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject entity id")
	cmd.Flags().StringVar(&capability, "capability", "", "Capability to check")
	cmd.Flags().StringVar(&object, "object", "", "Object entity id")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("capability")
	_ = cmd.MarkFlagRequired("object")
	return cmd
}

func accessibleCommand() *cobra.Command {
	var (
		subject    string
		capability string
	)

	cmd := &cobra.Command{
		Use:   "accessible",
		Short: "List objects a subject can reach with a capability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.FromFlags(cmd)
			if err != nil {
				return err
			}

			query := url.Values{}
			query.Set("subject", subject)
			query.Set("capability", capability)

			var result struct {
				Objects []string `json:"objects"`
			}
			if err := api.Do(http.MethodGet, "/accessible?"+query.Encode(), nil, &result); err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			if len(result.Objects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No accessible objects.")
				return nil
			}
			for _, object := range result.Objects {
				fmt.Fprintln(cmd.OutOrStdout(), object)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject entity id")
	cmd.Flags().StringVar(&capability, "capability", "", "Capability")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func accessorsCommand() *cobra.Command {
	var (
		object     string
		capability string
	)

	cmd := &cobra.Command{
		Use:   "accessors",
		Short: "List subjects holding a capability on an object",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.FromFlags(cmd)
			if err != nil {
				return err
			}

			query := url.Values{}
			query.Set("object", object)
			query.Set("capability", capability)

			var result struct {
				Accessors []struct {
					Subject string `json:"subject"`
					Source  string `json:"source"`
				} `json:"accessors"`
			}
			if err := api.Do(http.MethodGet, "/accessors?"+query.Encode(), nil, &result); err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			if len(result.Accessors) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No accessors.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SUBJECT\tSOURCE")
			for _, accessor := range result.Accessors {
				fmt.Fprintf(tw, "%s\t%s\n", accessor.Subject, accessor.Source)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&object, "object", "", "Object entity id")
	cmd.Flags().StringVar(&capability, "capability", "", "Capability")
	_ = cmd.MarkFlagRequired("object")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func statsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show tenant counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.FromFlags(cmd)
			if err != nil {
				return err
			}

			var result struct {
				Edges           int    `json:"edges"`
				Entities        int    `json:"entities"`
				CurrentVersion  uint64 `json:"current_version"`
				SnapshotVersion uint64 `json:"snapshot_version"`
				Connections     int    `json:"connection_count"`
				SchemaVersion   int    `json:"schema_version"`
				Degraded        bool   `json:"degraded"`
			}
			if err := api.Do(http.MethodGet, "/stats", nil, &result); err != nil {
				return fmt.Errorf("stats failed: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Edges\t%d\n", result.Edges)
			fmt.Fprintf(tw, "Entities\t%d\n", result.Entities)
			fmt.Fprintf(tw, "Current version\t%d\n", result.CurrentVersion)
			fmt.Fprintf(tw, "Snapshot version\t%d\n", result.SnapshotVersion)
			fmt.Fprintf(tw, "Connections\t%d\n", result.Connections)
			fmt.Fprintf(tw, "Schema version\t%d\n", result.SchemaVersion)
			if result.Degraded {
				fmt.Fprintf(tw, "Degraded\ttrue\n")
			}
			return tw.Flush()
		},
	}
	return cmd
}
