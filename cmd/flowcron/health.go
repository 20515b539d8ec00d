package main

import (
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "health <schedule-id>",
		Short: "Recompute and print a schedule's health, with --days of daily statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *flowcron.App) error {
				s, err := app.Manager.ScheduleHealth(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), models.HealthResponse{
					ScheduleID:          s.ID,
					Name:                s.Name,
					HealthScore:         s.HealthScore,
					ConsecutiveFailures: s.ConsecutiveFailures,
					LastError:           s.LastError.String,
				}); err != nil {
					return err
				}
				if days <= 0 {
					return nil
				}
				to := time.Now().UTC().Truncate(24 * time.Hour)
				rows, err := app.Manager.Statistics(id, to.AddDate(0, 0, -days), to)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "also print this many days of statistics")
	return cmd
}
