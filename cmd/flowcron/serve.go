package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/RealZimboGuy/flowcron/internal/config"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port, definitionsDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				config.SetSystemSetting(config.ENGINE_SERVER_WEB_PORT, port)
			}
			if definitionsDir != "" {
				config.SetSystemSetting(config.DEFINITIONS_DIR, definitionsDir)
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return flowcron.Start(ctx, nil, nil)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port, overrides FCRON_ENGINE_SERVER_WEB_PORT")
	cmd.Flags().StringVar(&definitionsDir, "definitions", "", "directory of workflow YAML files to load and watch")
	return cmd
}
