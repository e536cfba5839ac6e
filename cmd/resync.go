package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teemow/inboxsync/internal/ingest"
)

func newResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <user-id>",
		Short: "Reset a user's history cursor and backfill every tracked contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.engine.Resync(ctx, args[0])
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func newBackfillCmd() *cobra.Command {
	var contacts []string

	cmd := &cobra.Command{
		Use:   "backfill <user-id> <project-id>",
		Short: "Import past messages with the contacts of a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid project id: %w", err)
			}
			contactIDs := make([]uuid.UUID, 0, len(contacts))
			for _, c := range contacts {
				id, err := uuid.Parse(c)
				if err != nil {
					return fmt.Errorf("invalid contact id %q: %w", c, err)
				}
				contactIDs = append(contactIDs, id)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.engine.Backfill(ctx, args[0], projectID, contactIDs)
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&contacts, "contact", nil, "Contact id to backfill (repeatable). Defaults to every contact of the project.")
	return cmd
}

// withApp builds the app for a one-shot command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
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
	return fn(ctx, a)
}

func printReport(w io.Writer, r ingest.Report) {
	fmt.Fprintf(w, "mode=%s candidates=%d fetched=%d matched=%d inserted=%d duplicates=%d failed=%d history_id=%d\n",
		r.Mode, r.Candidates, r.Fetched, r.Matched, r.Inserted, r.Duplicates, r.Failed, r.HistoryID)
}
