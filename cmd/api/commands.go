package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"altar/api/internal/auth"
	"altar/api/internal/store"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations, or roll back with --down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpen: 2})
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			var versions []string
			if down > 0 {
				versions, err = store.RollbackMigrations(ctx, db, cfg.MigrationsDir, down, log)
			} else {
				versions, err = store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log)
			}
			if err != nil {
				return err
			}
			verb := "applied"
			if down > 0 {
				verb = "rolled back"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d migration(s)\n", verb, len(versions))
			for _, version := range versions {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", version)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "number of migrations to roll back")
	return cmd
}

// newTokenCmd signs a development token with the configured secret.
func newTokenCmd(load configLoader) *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a development identity token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), cfg.JWTIssuer, auth.Identity{Subject: args[0], Name: name}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
