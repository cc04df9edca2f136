package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ragtag/mcplink/auth"
	"github.com/ragtag/mcplink/storage"
	"github.com/ragtag/mcplink/storage/jsonfile"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage static API-key users",
	}
	cmd.AddCommand(newUsersAddCmd())
	return cmd
}

func newUsersAddCmd() *cobra.Command {
	var hashed bool
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or replace a user and print its new API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			name := args[0]

			key := auth.GenerateAPIKey()
			user := storage.AuthorizedUser{APIKey: key}
			if hashed {
				hash, err := auth.HashAPIKey(key)
				if err != nil {
					return err
				}
				user = storage.AuthorizedUser{APIKeyHash: hash}
			}

			store := jsonfile.New(cfg.Document, jsonfile.Options{Logger: logger})
			err = storage.Update(cmd.Context(), store, func(doc *storage.Document) (bool, error) {
				return true, doc.SetAuthorizedUser(name, user)
			})
			if err != nil {
				return fmt.Errorf("save user %s: %w", name, err)
			}

			logger.Info("Added authorized user", "user", name, "hashed", hashed)
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&hashed, "hash", false, "store only a bcrypt hash of the key")
	return cmd
}
