package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("database url is required (DATABASE_URL)")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			pool, err := openPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := migrate(ctx, credentials.NewPostgresStore(pool), store.NewPostgres(pool)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
