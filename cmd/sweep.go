package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Renew watch subscriptions close to expiry once and exit",
		Long: `Run a single watch renewal sweep over every credential with an active
subscription. Intended for deployments that trigger renewals from an
external cron job instead of the scheduler inside "serve".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			if cfg.Topic == "" {
				return fmt.Errorf("gmail pub/sub topic is required (GMAIL_TOPIC)")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := newApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			report, err := a.watches.Sweep(ctx, cfg.RenewBuffer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d renewed=%d active=%d failed=%d\n",
				report.Checked, report.Renewed, report.Active, report.Failed)
			return nil
		},
	}
}
