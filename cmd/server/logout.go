package main

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/lelo-bot/internal/config"
	"github.com/ashureev/lelo-bot/internal/store"
	"github.com/spf13/cobra"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the stored session so the next start pairs from scratch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dbPath, key := config.LoadStore()

			kv, err := store.NewSQLite(ctx, dbPath, slog.Default())
			if err != nil {
				slog.Error("Failed to open credential store", "error", err)
				return err
			}
			defer func() {
				if closeErr := kv.Close(); closeErr != nil {
					slog.Error("Failed to close credential store", "error", closeErr)
				}
			}()

			if err := store.NewCredentialAdapter(kv, key, slog.Default()).Clear(ctx); err != nil {
				slog.Error("Failed to clear session", "error", err)
				return err
			}

			slog.Info("Stored session cleared", "key", key)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Session cleared. The next start will ask for pairing.")
			return err
		},
	}
}
