package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ragtag/mcplink/bridge"
	"github.com/ragtag/mcplink/storage/jsonfile"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and call the tools of the configured backends",
	}
	cmd.AddCommand(newToolsListCmd(), newToolsReadmeCmd(), newToolsCallCmd())
	return cmd
}

// withRegistry starts the backends for the duration of fn.
func withRegistry(cmd *cobra.Command, fn func(r *bridge.Registry) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	store := jsonfile.New(cfg.Document, jsonfile.Options{Logger: logger})
	registry := newRegistry(cfg, store, logger, nil)
	defer func() { _ = registry.Close() }()

	registry.Init(cmd.Context())
	return fn(registry)
}

func newToolsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the exposed tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd, func(r *bridge.Registry) error {
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(r.Servers(cmd.Context()))
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
				for _, tool := range r.Tools(cmd.Context()) {
					fmt.Fprintf(tw, "%s\t%s\n", tool.Name, tool.Description)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the per-server view as JSON")
	return cmd
}

func newToolsReadmeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readme <server>",
		Short: "Print the operation documentation of a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(r *bridge.Registry) error {
				doc, err := r.Readme(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), doc)
				return nil
			})
		},
	}
}

func newToolsCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Call an exposed tool and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &arguments); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}
			return withRegistry(cmd, func(r *bridge.Registry) error {
				result := r.Call(cmd.Context(), args[0], arguments)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
				if result.IsError {
					return fmt.Errorf("tool call failed: %s", result.Text())
				}
				return nil
			})
		},
	}
}
