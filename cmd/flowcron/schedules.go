package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/RealZimboGuy/flowcron/internal/util"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
	"github.com/spf13/cobra"
)

func newSchedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"schedule"},
		Short:   "Create, inspect and toggle schedules",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(app *flowcron.App) error {
				schedules, err := app.Manager.ListSchedules(limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tWORKFLOW\tPRIORITY\tACTIVE\tHEALTH")
				for _, s := range schedules {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%t\t%.1f\n",
						s.ID, s.Name, s.Type, s.WorkflowID, s.Priority, s.IsActive, s.HealthScore)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum schedules to list")

	var file string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readScheduleRequest(file)
			if err != nil {
				return err
			}
			return withApp(func(app *flowcron.App) error {
				id, err := app.Manager.CreateSchedule(cmd.Context(), req.ToSchedule())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), models.CreateScheduleResponse{ID: id})
			})
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "", "schedule JSON file")
	_ = create.MarkFlagRequired("file")

	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a schedule's settings from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req, err := readScheduleRequest(file)
			if err != nil {
				return err
			}
			return withApp(func(app *flowcron.App) error {
				return app.Manager.UpdateSchedule(cmd.Context(), id, req.ToSchedule())
			})
		},
	}
	update.Flags().StringVarP(&file, "file", "f", "", "schedule JSON file")
	_ = update.MarkFlagRequired("file")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *flowcron.App) error {
				s, err := app.Manager.GetSchedule(id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), models.FromSchedule(s))
			})
		},
	}

	pause := &cobra.Command{
		Use:   "pause <id>",
		Short: "Stop a schedule from firing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *flowcron.App) error {
				return app.Manager.PauseSchedule(cmd.Context(), id)
			})
		},
	}
	resume := &cobra.Command{
		Use:   "resume <id>",
		Short: "Let a paused schedule fire again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *flowcron.App) error {
				return app.Manager.ResumeSchedule(cmd.Context(), id)
			})
		},
	}

	cmd.AddCommand(list, create, update, get, pause, resume)
	return cmd
}

func readScheduleRequest(path string) (models.ScheduleRequest, error) {
	var req models.ScheduleRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := util.ValidateStruct(req); err != nil {
		return req, fmt.Errorf("%s: %w", path, err)
	}
	return req, nil
}
