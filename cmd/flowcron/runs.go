package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
	"github.com/spf13/cobra"
)

func newEnqueueCmd() *cobra.Command {
	var (
		priority   int
		maxRetries int
		payload    string
		dedupKey   string
		delay      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <workflow>",
		Short: "Queue a manual run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.EnqueueRequest{WorkflowID: args[0], Priority: priority, MaxRetries: maxRetries, DedupKey: dedupKey}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}
			if delay > 0 {
				at := time.Now().Add(delay)
				req.ScheduledFor = &at
			}
			return withApp(func(app *flowcron.App) error {
				id, err := app.Manager.EnqueueManual(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), models.EnqueueResponse{ID: id})
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 5, "1 to 10, higher is claimed first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "queue level retries")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object passed to the first steps")
	cmd.Flags().StringVar(&dedupKey, "dedup-key", "", "reject the run if this key was already queued")
	cmd.Flags().DurationVar(&delay, "delay", 0, "run no earlier than now + delay")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var reason string
	var queued bool
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running execution, or a queued item with --queued",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *flowcron.App) error {
				if queued {
					return app.Manager.CancelQueueItem(cmd.Context(), id)
				}
				return app.Manager.CancelExecution(cmd.Context(), id, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "recorded on the execution")
	cmd.Flags().BoolVar(&queued, "queued", false, "treat id as a queue item id")
	return cmd
}

func newExecutionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execution <id>",
		Short: "Show an execution with its steps and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *flowcron.App) error {
				exec, steps, logs, err := app.Manager.GetExecution(id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), models.FromExecution(exec, steps, logs))
			})
		},
	}
}
